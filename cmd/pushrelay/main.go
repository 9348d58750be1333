package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shohag/pushrelay/internal/api"
	"github.com/shohag/pushrelay/internal/config"
	"github.com/shohag/pushrelay/internal/dispatch"
	"github.com/shohag/pushrelay/internal/metrics"
	"github.com/shohag/pushrelay/internal/realtime"
	"github.com/shohag/pushrelay/internal/scheduler"
	"github.com/shohag/pushrelay/internal/storage"
	"github.com/shohag/pushrelay/internal/tracking"
	"github.com/shohag/pushrelay/internal/transport"
	"github.com/shohag/pushrelay/internal/transport/apns"
	"github.com/shohag/pushrelay/internal/transport/webpush"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "pushrelay",
		Short: "PushRelay: self-hosted push notification service",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(appCmd(&configPath))
	rootCmd.AddCommand(vapidCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the PushRelay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAndWatch(*configPath, func(next *config.Config, err error) {
				if err != nil {
					return
				}
				if level, perr := zerolog.ParseLevel(next.Logging.Level); perr == nil {
					zerolog.SetGlobalLevel(level)
				}
			})
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			defaults, err := appDefaults(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			m := metrics.New()
			tracker := tracking.New(store, m, log)

			fanout := transport.NewFanout(cfg.Delivery.Concurrency, cfg.Delivery.Timeout, cfg.Delivery.RateLimit)
			hub := realtime.NewHub(cfg.Realtime, fanout, tracker, api.NewDeviceVerifier(store), log)
			m.WatchHub(hub)
			go hub.Run(ctx)

			transports := []transport.Transport{
				webpush.New(fanout, webpush.Options{Subject: cfg.WebPush.Subject, Timeout: cfg.Delivery.Timeout}, log),
				apns.New(fanout, apns.Options{}, log),
				hub,
			}
			orchestrator := dispatch.New(store, transports, m, cfg.Server.PublicURL, log)

			sched := scheduler.New(cfg.Scheduler, store, orchestrator, log)
			if cfg.Scheduler.Enabled {
				if err := sched.Start(ctx); err != nil {
					return err
				}
			}

			server := api.NewServer(cfg, api.Deps{
				Store:      store,
				Dispatcher: orchestrator,
				Tracker:    tracker,
				Hub:        hub,
				Metrics:    m,
				Defaults:   defaults,
				Version:    version,
			}, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Str("realtime_path", cfg.Realtime.Path).
				Bool("scheduler", cfg.Scheduler.Enabled).
				Str("storage", cfg.Storage.Driver).
				Msg("PushRelay is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer stopCancel()
			if err := sched.Stop(stopCtx); err != nil {
				log.Error().Err(err).Msg("scheduler shutdown error")
			}
			if err := hub.Shutdown(stopCtx); err != nil {
				log.Error().Err(err).Msg("realtime shutdown error")
			}

			log.Info().Msg("PushRelay stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func appCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "app",
		Short: "Manage applications",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new application",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			defaults, err := appDefaults(cfg)
			if err != nil {
				return err
			}
			store, cleanup, err := storeFromConfig(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			app, err := api.BuildApplication(api.CreateApplicationRequest{Name: name}, defaults)
			if err != nil {
				return err
			}
			if err := store.CreateApplication(context.Background(), app); err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}

			out, _ := json.MarshalIndent(app, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	createCmd.Flags().String("name", "", "application name")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, cleanup, err := storeFromConfig(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			apps, err := store.ListApplications(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list applications: %w", err)
			}

			if len(apps) == 0 {
				fmt.Println("No applications found.")
				return nil
			}

			for _, app := range apps {
				fmt.Printf("  %s  %s  web=%t ios=%t android=%t  (created %s)\n",
					app.ID, app.Name, app.WebPushEnabled, app.APNsEnabled, app.AndroidEnabled,
					app.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func vapidCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid",
		Short: "Generate a VAPID key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			public, private, err := webpush.GenerateKeys()
			if err != nil {
				return fmt.Errorf("failed to generate keys: %w", err)
			}
			fmt.Printf("VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", public, private)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("PushRelay v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func storeFromConfig(cfg *config.Config) (storage.Storage, func(), error) {
	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, func() { store.Close() }, nil
}

// appDefaults reads the server-wide transport settings new applications
// inherit, including the APNs signing key file.
func appDefaults(cfg *config.Config) (api.AppDefaults, error) {
	d := api.AppDefaults{
		VAPIDSubject:   cfg.WebPush.Subject,
		APNsKeyID:      cfg.APNs.KeyID,
		APNsTeamID:     cfg.APNs.TeamID,
		APNsBundleID:   cfg.APNs.BundleID,
		APNsProduction: cfg.APNs.Production,
	}
	if cfg.APNs.KeyPath != "" {
		key, err := os.ReadFile(cfg.APNs.KeyPath)
		if err != nil {
			return d, fmt.Errorf("failed to read apns key: %w", err)
		}
		d.APNsPrivateKey = string(key)
	}
	return d, nil
}
