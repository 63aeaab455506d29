package config

import (
	"strings"
	"testing"
)

func newLoadedViper(overrides map[string]any) (AppConfig, error) {
	configViper := NewViper()
	configViper.Set("remote.base_url", "https://sync.example.test")
	configViper.Set("session.signing_secret", "test-secret")
	for key, value := range overrides {
		configViper.Set(key, value)
	}
	return Load(configViper)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := newLoadedViper(nil)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	if cfg.HTTPAddress != "127.0.0.1:8090" {
		t.Fatalf("unexpected http address: %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "trackersync.db" {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("unexpected max attempts: %d", cfg.MaxAttempts)
	}
	if cfg.BackoffBaseSeconds != 2 || cfg.BackoffCapSeconds != 300 {
		t.Fatalf("unexpected backoff defaults: %d/%d", cfg.BackoffBaseSeconds, cfg.BackoffCapSeconds)
	}
	if cfg.LockTTLSeconds != 300 || cfg.PresenceTTLSeconds != 30 {
		t.Fatalf("unexpected TTL defaults: %d/%d", cfg.LockTTLSeconds, cfg.PresenceTTLSeconds)
	}
	if cfg.SessionIssuer != "progress-tracker" {
		t.Fatalf("unexpected issuer: %q", cfg.SessionIssuer)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level: %q", cfg.LogLevel)
	}
}

func TestLoadAppliesOverrides(t *testing.T) {
	cfg, err := newLoadedViper(map[string]any{
		"http.address":      "0.0.0.0:9000",
		"sync.max_attempts": 5,
		"lock.ttl_seconds":  60,
	})
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:9000" || cfg.MaxAttempts != 5 || cfg.LockTTLSeconds != 60 {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name      string
		overrides map[string]any
		wantMsg   string
	}{
		{
			name:      "missing remote base url",
			overrides: map[string]any{"remote.base_url": "  "},
			wantMsg:   "remote.base_url",
		},
		{
			name:      "missing signing secret",
			overrides: map[string]any{"session.signing_secret": ""},
			wantMsg:   "session.signing_secret",
		},
		{
			name:      "missing database path",
			overrides: map[string]any{"database.path": " "},
			wantMsg:   "database.path",
		},
		{
			name:      "non-positive attempts",
			overrides: map[string]any{"sync.max_attempts": 0},
			wantMsg:   "max_attempts",
		},
		{
			name:      "cap below base",
			overrides: map[string]any{"sync.backoff_cap_seconds": 1},
			wantMsg:   "backoff",
		},
		{
			name:      "zero lock ttl",
			overrides: map[string]any{"lock.ttl_seconds": 0},
			wantMsg:   "TTLs",
		},
		{
			name:      "zero batch size",
			overrides: map[string]any{"audit.batch_size": 0},
			wantMsg:   "batch_size",
		},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := newLoadedViper(testCase.overrides)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), testCase.wantMsg) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.wantMsg, err)
			}
		})
	}
}
