package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	rdb "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"paddock.org/internal/audit"
	"paddock.org/internal/auth"
	"paddock.org/internal/config"
	"paddock.org/internal/httpapi"
	"paddock.org/internal/migrate"
	"paddock.org/internal/obs"
	"paddock.org/internal/ratelimit"
	"paddock.org/internal/riders"
	"paddock.org/internal/store/memory"
	"paddock.org/internal/store/pg"
)

type backend interface {
	auth.Store
	Riders() riders.Store
}

func main() {
	var configPath, envFile string

	root := &cobra.Command{
		Use:           "paddock-api",
		Short:         "Paddock riding-school API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath, envFile)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("PADDOCK_CONFIG"), "path to a YAML config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before env overrides")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath, envFile)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", obs.Version, obs.Commit)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "paddock-api:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, configPath, envFile string) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}
	logger, err := obs.InitLogger(obs.LogConfig{
		Format:  cfg.Logging.Format,
		Level:   cfg.Logging.Level,
		Service: "paddock-api",
		Version: obs.Version,
	})
	if err != nil {
		return err
	}
	defer func() { _ = obs.Sync() }()
	obs.Init()
	obs.InitBuildInfo(obs.Version, obs.Commit)

	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	codec, err := auth.NewCodec([]byte(cfg.Auth.Secret), auth.WithCodecIssuer(cfg.Auth.Issuer))
	if err != nil {
		return err
	}
	authSvc, err := auth.NewService(store, codec,
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithRevokeOnReuse(cfg.Auth.RevokeOnReuse),
		auth.WithLogger(obs.Named("auth")),
		auth.WithAuditor(audit.LogEvent),
	)
	if err != nil {
		return err
	}
	if cfg.Auth.SeedOnStart {
		if err := authSvc.Seed(ctx); err != nil {
			return fmt.Errorf("seed catalog: %w", err)
		}
	}

	limiter, closeLimiter, err := openLimiter(ctx, cfg.RateLimit)
	if err != nil {
		return err
	}
	defer closeLimiter()

	api := httpapi.New(authSvc, riders.NewService(store.Riders(), authSvc),
		httpapi.WithLimiter(limiter),
		httpapi.WithSecureCookies(cfg.HTTP.SecureCookies),
		httpapi.WithCORSOrigins(cfg.HTTP.CORSOrigins),
		httpapi.WithThrottle(cfg.HTTP.RequestsPerSecond, cfg.HTTP.Burst),
	)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down http")
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.GRPC.Enabled {
		gs := httpapi.NewGRPCServer(authSvc, authSvc)
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		g.Go(func() error {
			logger.Info("grpc listening", zap.String("addr", cfg.GRPC.Addr))
			return gs.Serve(lis)
		})
		g.Go(func() error {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				gs.UpdateHealth(gctx)
				select {
				case <-gctx.Done():
					logger.Info("shutting down grpc")
					gs.Shutdown()
					return nil
				case <-ticker.C:
				}
			}
		})
	}

	err = g.Wait()
	logger.Info("stopped")
	return err
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (backend, func(), error) {
	if cfg.Driver == "memory" {
		obs.L().Warn("using the in-memory store; data is lost on exit")
		return memory.New(), func() {}, nil
	}
	store, err := pg.Open(cfg.DSN, pg.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	if cfg.MigrateOnStart {
		applied, err := migrate.NewManager(store.DB(), nil).Up(ctx)
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		obs.L().Info("migrations applied", zap.Strings("applied", applied))
	}
	return store, func() { _ = store.Close() }, nil
}

func openLimiter(ctx context.Context, cfg config.RateLimitConfig) (ratelimit.Limiter, func(), error) {
	if cfg.Backend != "redis" {
		return ratelimit.NewMemory(cfg.Max, cfg.Window), func() {}, nil
	}
	client := rdb.NewClient(&rdb.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return ratelimit.NewRedis(client, "", cfg.Max, cfg.Window), func() { _ = client.Close() }, nil
}
