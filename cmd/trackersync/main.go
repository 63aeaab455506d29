package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/audit"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/config"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/conflict"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/identity"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/ids"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/localstore"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/lock"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/logging"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/remote"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/server"
	"github.com/WeBot-IT-Services/progress-tracker-sync/internal/syncqueue"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "trackersync",
		Short: "Offline-first sync core for the progress tracker",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		serveCommand(),
		auditCommand(),
		repairCommand(),
		verifyCommand(),
		integrityCommand(),
		pruneCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("remote-base-url", "", "Remote document gateway base URL")
	cmd.PersistentFlags().String("remote-api-token", "", "Remote gateway API token (overrides env)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("sync-interval-seconds", defaults.GetInt("sync.interval_seconds"), "Background sync interval in seconds")
	cmd.PersistentFlags().Int("max-attempts", defaults.GetInt("sync.max_attempts"), "Delivery attempts before an action is marked failed")
	cmd.PersistentFlags().Int("lock-ttl-seconds", defaults.GetInt("lock.ttl_seconds"), "Edit lock TTL in seconds")
	cmd.PersistentFlags().Int("presence-ttl-seconds", defaults.GetInt("presence.ttl_seconds"), "Presence heartbeat TTL in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.api_token", "remote-api-token")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.interval_seconds", "sync-interval-seconds")
	bindFlag(cmd, "sync.max_attempts", "max-attempts")
	bindFlag(cmd, "lock.ttl_seconds", "lock-ttl-seconds")
	bindFlag(cmd, "presence.ttl_seconds", "presence-ttl-seconds")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// services bundles everything the subcommands need. close releases the
// local database handle.
type services struct {
	cfg      config.AppConfig
	logger   *zap.Logger
	local    *localstore.Store
	remote   remote.Store
	queue    *syncqueue.Manager
	resolver *conflict.Resolver
	locks    *lock.Manager
	auditor  *audit.Auditor
	close    func()
}

func buildServices() (*services, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	local, err := localstore.Open(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	remoteStore, err := remote.NewHTTPStore(remote.HTTPStoreConfig{
		BaseURL:  appConfig.RemoteBaseURL,
		APIToken: appConfig.RemoteAPIToken,
		Logger:   logger,
	})
	if err != nil {
		local.Close()
		return nil, err
	}

	policies := conflict.NewPolicyTable()
	resolver, err := conflict.NewResolver(conflict.ResolverConfig{
		Store:    local,
		Remote:   remoteStore,
		Policies: policies,
		Logger:   logger,
	})
	if err != nil {
		local.Close()
		return nil, err
	}

	schemas := audit.BuiltinSchemas()
	queue, err := syncqueue.NewManager(syncqueue.ManagerConfig{
		Store:       local,
		Remote:      remoteStore,
		Resolver:    resolver,
		IDProvider:  ids.NewUUIDProvider(),
		Logger:      logger,
		MaxAttempts: appConfig.MaxAttempts,
		BackoffBase: time.Duration(appConfig.BackoffBaseSeconds) * time.Second,
		BackoffCap:  time.Duration(appConfig.BackoffCapSeconds) * time.Second,
		EntityTypes: audit.EntityTypes(schemas),
	})
	if err != nil {
		local.Close()
		return nil, err
	}

	locks, err := lock.NewManager(lock.ManagerConfig{
		Remote:      remoteStore,
		Logger:      logger,
		TTL:         time.Duration(appConfig.LockTTLSeconds) * time.Second,
		PresenceTTL: time.Duration(appConfig.PresenceTTLSeconds) * time.Second,
	})
	if err != nil {
		local.Close()
		return nil, err
	}

	auditor, err := audit.NewAuditor(audit.AuditorConfig{
		Remote:    remoteStore,
		Local:     local,
		Schemas:   schemas,
		Logger:    logger,
		BatchSize: appConfig.AuditBatchSize,
	})
	if err != nil {
		local.Close()
		return nil, err
	}

	return &services{
		cfg:      appConfig,
		logger:   logger,
		local:    local,
		remote:   remoteStore,
		queue:    queue,
		resolver: resolver,
		locks:    locks,
		auditor:  auditor,
		close: func() {
			logger.Sync() //nolint:errcheck
			local.Close()
		},
	}, nil
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local sync API and background sync runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	svc, err := buildServices()
	if err != nil {
		return err
	}
	defer svc.close()

	sessions, err := identity.NewValidator(identity.ValidatorConfig{
		SigningSecret: []byte(svc.cfg.SessionSigningKey),
		Issuer:        svc.cfg.SessionIssuer,
	})
	if err != nil {
		return err
	}

	connectivity := syncqueue.NewConnectivity(true)
	runner, err := syncqueue.NewRunner(syncqueue.RunnerConfig{
		Manager:      svc.queue,
		Connectivity: connectivity,
		Interval:     time.Duration(svc.cfg.SyncIntervalSecs) * time.Second,
		Logger:       svc.logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:     sessions,
		Queue:        svc.queue,
		Locks:        svc.locks,
		Resolver:     svc.resolver,
		Auditor:      svc.auditor,
		Connectivity: connectivity,
		Logger:       svc.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    svc.cfg.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner.Start(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		svc.logger.Info("server starting", zap.String("address", svc.cfg.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func auditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Validate remote documents against the declared schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			defer svc.close()

			report, err := svc.auditor.PerformFullAudit(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func repairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Audit, then fill missing required fields and migrate local-only records",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			defer svc.close()

			auditReport, err := svc.auditor.PerformFullAudit(cmd.Context())
			if err != nil {
				return err
			}
			report, err := svc.auditor.PerformDataRecovery(cmd.Context(), auditReport)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check remote store health: counts, write probe, orphan scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			defer svc.close()

			report, err := svc.auditor.VerifyDataIntegrity(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func integrityCommand() *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:   "integrity",
		Short: "Run the full audit, recovery, and verification pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			defer svc.close()

			report, err := svc.auditor.FullIntegrityCheck(cmd.Context())
			if err != nil {
				return err
			}
			if outputPath != "" {
				artifact, err := report.ExportJSON()
				if err != nil {
					return err
				}
				if err := os.WriteFile(outputPath, artifact, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "report written to %s\n", outputPath)
				return nil
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVar(&outputPath, "output", "", "Write the report to a file instead of stdout")
	return cmd
}

func pruneCommand() *cobra.Command {
	var retentionHours int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete completed sync actions older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices()
			if err != nil {
				return err
			}
			defer svc.close()

			pruned, err := svc.queue.PruneCompleted(cmd.Context(), time.Duration(retentionHours)*time.Hour)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d completed actions\n", pruned)
			return nil
		},
	}
	cmd.Flags().IntVar(&retentionHours, "older-than-hours", 168, "Retention window in hours")
	return cmd
}

func printJSON(cmd *cobra.Command, value any) error {
	artifact, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(artifact))
	return nil
}
