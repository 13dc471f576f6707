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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/Vilis322/sleepBot/internal"
	"github.com/Vilis322/sleepBot/internal/api"
	"github.com/Vilis322/sleepBot/internal/auth"
	"github.com/Vilis322/sleepBot/internal/clock"
	"github.com/Vilis322/sleepBot/internal/config"
	"github.com/Vilis322/sleepBot/internal/pending"
	"github.com/Vilis322/sleepBot/internal/service"
	"github.com/Vilis322/sleepBot/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sleepbot",
		Short:         "Sleep session tracking service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newExportCmd())
	return root
}

// base holds what every command needs from the environment.
type base struct {
	cfg    *config.Config
	logger *internal.ZapLogger
	store  storage.Store
	clock  clock.Clock
}

func setup(ctx context.Context) (*base, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := internal.NewLogger(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	store, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	logger.Infof("storage backend %s ready", cfg.DBType)
	return &base{cfg: cfg, logger: logger, store: store, clock: clock.NewSystem()}, nil
}

func (rt *base) close() {
	if err := rt.store.Close(); err != nil {
		rt.logger.Errorf("failed to close storage: %v", err)
	}
	_ = rt.logger.Sync()
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.close()
			return serve(ctx, rt)
		},
	}
}

func openPending(ctx context.Context, rt *base) (pending.Store, error) {
	if rt.cfg.RedisAddr == "" {
		rt.logger.Infof("pending confirmations kept in memory")
		return pending.NewMemoryStore(rt.clock.Now), nil
	}
	store, err := pending.NewRedisStore(ctx, pending.RedisConfig{
		Addr:     rt.cfg.RedisAddr,
		Password: rt.cfg.RedisPassword,
		DB:       rt.cfg.RedisDB,
	}, rt.clock.Now, rt.logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func serve(ctx context.Context, rt *base) error {
	cfg, logger := rt.cfg, rt.logger

	pendings, err := openPending(ctx, rt)
	if err != nil {
		return fmt.Errorf("pending store: %w", err)
	}
	defer pendings.Close()

	users := service.NewUserService(rt.store, rt.clock, logger, cfg.DefaultTimezone, cfg.StorageTimeout)
	sleep := service.NewSleepService(rt.store, rt.clock, logger, service.SleepOptions{
		EditWindow:     cfg.EditWindow,
		PendingTTL:     cfg.PendingTTL,
		StorageTimeout: cfg.StorageTimeout,
	})
	app := &api.Deps{
		Log:      logger,
		Clk:      rt.clock,
		SleepSvc: sleep,
		StatsSvc: service.NewStatsService(rt.store, rt.clock, logger, cfg.StorageTimeout),
		UserSvc:  users,
		Goals:    rt.store,
		Pendings: pendings,
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	authMW := auth.AuthMiddleware(auth.NewProvider(cfg, logger), cfg, users)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(app, authMW),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s (env=%s)", cfg.HTTPAddr, cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	logger.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newExportCmd() *cobra.Command {
	var userID, from, to string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a user's closed sessions as JSON to stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			users := service.NewUserService(rt.store, rt.clock, rt.logger, rt.cfg.DefaultTimezone, rt.cfg.StorageTimeout)
			user, err := users.Get(ctx, userID)
			if err != nil {
				return err
			}
			if user == nil {
				return fmt.Errorf("user %q not found", userID)
			}

			stats := service.NewStatsService(rt.store, rt.clock, rt.logger, rt.cfg.StorageTimeout)
			rng, err := stats.LocalDateRange(from, to, user.Timezone)
			if err != nil {
				return err
			}
			rows, err := stats.Export(ctx, user, rng)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&from, "from", "", "first local day, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last local day, YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
