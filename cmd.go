package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/cgm616/pupil/internal/config"
	"github.com/cgm616/pupil/internal/store"
)

// Global flags available to all subcommands.
var (
	configFile string
	envFile    string
)

// newRootCmd creates the root command for the pupil CLI.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pupil",
		Short:         "Pupil - accounts, login, and sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file path")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file merged into the environment")
	cmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())

	return cmd
}

// loadConfig reads every configuration source, including cmd's flags, and installs logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(config.Options{
		EnvFile:    envFile,
		ConfigFile: configFile,
		Flags:      cmd.Flags(),
	})
	if err != nil {
		return nil, oops.Code("CONFIG_INVALID").With("operation", "load configuration").Wrap(err)
	}
	setupLogging(cfg)
	return cfg, nil
}

// newServeCmd creates the serve subcommand.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run migrations and start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, nil, nil)
		},
	}
	cmd.Flags().String("port", "", "HTTP listen port")
	return cmd
}

// newMigrateCmd creates the migrate subcommand.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Apply all pending embedded migrations to the PostgreSQL database and exit.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cmd.Println("Connecting to database...")
			ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.DBAcquireTimeout)
			if err != nil {
				return oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
			}
			defer ps.Close()

			cmd.Println("Running migrations...")
			if err := migrate(ctx, ps); err != nil {
				return oops.Code("MIGRATION_FAILED").With("operation", "run migrations").Wrap(err)
			}

			cmd.Println("Migrations completed successfully")
			return nil
		},
	}
}
