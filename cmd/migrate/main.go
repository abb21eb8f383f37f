package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"paddock.org/internal/auth"
	"paddock.org/internal/config"
	"paddock.org/internal/migrate"
	"paddock.org/internal/obs"
	"paddock.org/internal/store/pg"
)

type env struct {
	cfg   *config.Config
	store *pg.Store
}

func main() {
	var (
		configPath string
		envFile    string
		dsn        string
		timeout    time.Duration
		e          env
	)

	root := &cobra.Command{
		Use:           "paddock-migrate",
		Short:         "Manage the Paddock database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if dsn != "" {
				if err := os.Setenv("PADDOCK_DATABASE_DSN", dsn); err != nil {
					return err
				}
			}
			cfg, err := config.Load(configPath, envFile)
			if err != nil {
				return err
			}
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrations need the postgres driver, got %q", cfg.Database.Driver)
			}
			if _, err := obs.InitLogger(obs.LogConfig{Format: "console", Level: cfg.Logging.Level, Service: "paddock-migrate"}); err != nil {
				return err
			}
			store, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
			if err != nil {
				return err
			}
			e = env{cfg: cfg, store: store}
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			_ = obs.Sync()
			if e.store != nil {
				return e.store.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("PADDOCK_CONFIG"), "path to a YAML config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before env overrides")
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN, overrides the config")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")

	withDeadline := func(cmd *cobra.Command) (context.Context, context.CancelFunc) {
		return context.WithTimeout(cmd.Context(), timeout)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := withDeadline(cmd)
				defer cancel()
				applied, err := migrate.NewManager(e.store.DB(), nil).Up(ctx)
				for _, name := range applied {
					fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
				}
				return err
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := withDeadline(cmd)
				defer cancel()
				name, err := migrate.NewManager(e.store.DB(), nil).Down(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "rolled back", name)
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List applied migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := withDeadline(cmd)
				defer cancel()
				history, err := migrate.NewManager(e.store.DB(), nil).Status(ctx)
				if err != nil {
					return err
				}
				for _, name := range history {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Seed system roles and the permission catalog",
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := withDeadline(cmd)
				defer cancel()
				codec, err := auth.NewCodec([]byte(e.cfg.Auth.Secret), auth.WithCodecIssuer(e.cfg.Auth.Issuer))
				if err != nil {
					return err
				}
				svc, err := auth.NewService(e.store, codec, auth.WithLogger(obs.Named("seed")))
				if err != nil {
					return err
				}
				if err := svc.Seed(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "catalog seeded")
				return nil
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "paddock-migrate:", err)
		os.Exit(1)
	}
}
