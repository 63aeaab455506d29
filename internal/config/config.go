package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "TRACKERSYNC"
	defaultHTTPAddress  = "127.0.0.1:8090"
	defaultDatabasePath = "trackersync.db"
	defaultLogLevel     = "info"

	defaultMaxAttempts        = 3
	defaultBackoffBaseSeconds = 2
	defaultBackoffCapSeconds  = 300
	defaultSyncInterval       = 30
	defaultLockTTLSeconds     = 300
	defaultPresenceTTLSeconds = 30
	defaultAuditBatchSize     = 500
)

// AppConfig captures runtime configuration for the sync core.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	RemoteBaseURL      string
	RemoteAPIToken     string
	SessionSigningKey  string
	SessionIssuer      string
	LogLevel           string
	MaxAttempts        int
	BackoffBaseSeconds int
	BackoffCapSeconds  int
	SyncIntervalSecs   int
	LockTTLSeconds     int
	PresenceTTLSeconds int
	AuditBatchSize     int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("sync.backoff_base_seconds", defaultBackoffBaseSeconds)
	configViper.SetDefault("sync.backoff_cap_seconds", defaultBackoffCapSeconds)
	configViper.SetDefault("sync.interval_seconds", defaultSyncInterval)
	configViper.SetDefault("lock.ttl_seconds", defaultLockTTLSeconds)
	configViper.SetDefault("presence.ttl_seconds", defaultPresenceTTLSeconds)
	configViper.SetDefault("audit.batch_size", defaultAuditBatchSize)
	configViper.SetDefault("session.issuer", "progress-tracker")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		RemoteBaseURL:      configViper.GetString("remote.base_url"),
		RemoteAPIToken:     configViper.GetString("remote.api_token"),
		SessionSigningKey:  configViper.GetString("session.signing_secret"),
		SessionIssuer:      configViper.GetString("session.issuer"),
		LogLevel:           configViper.GetString("log.level"),
		MaxAttempts:        configViper.GetInt("sync.max_attempts"),
		BackoffBaseSeconds: configViper.GetInt("sync.backoff_base_seconds"),
		BackoffCapSeconds:  configViper.GetInt("sync.backoff_cap_seconds"),
		SyncIntervalSecs:   configViper.GetInt("sync.interval_seconds"),
		LockTTLSeconds:     configViper.GetInt("lock.ttl_seconds"),
		PresenceTTLSeconds: configViper.GetInt("presence.ttl_seconds"),
		AuditBatchSize:     configViper.GetInt("audit.batch_size"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	if c.BackoffBaseSeconds <= 0 || c.BackoffCapSeconds < c.BackoffBaseSeconds {
		return fmt.Errorf("sync backoff configuration is invalid")
	}
	if c.LockTTLSeconds <= 0 || c.PresenceTTLSeconds <= 0 {
		return fmt.Errorf("lock and presence TTLs must be positive")
	}
	if c.AuditBatchSize <= 0 {
		return fmt.Errorf("audit.batch_size must be positive")
	}
	return nil
}
