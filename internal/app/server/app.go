// Package server собирает сервер синхронизации из конфигурации.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/exp/slog"

	"pensieve/internal/app/server/api"
	"pensieve/internal/app/server/config"
	"pensieve/internal/app/server/metrics"
	"pensieve/internal/domain/sync"
	"pensieve/internal/infrastructure/cronrunner"
	"pensieve/internal/infrastructure/storage/memory"
	"pensieve/internal/infrastructure/storage/postgres"
)

type App struct {
	cfg     *config.Config
	log     *slog.Logger
	storage *postgres.Storage
	service *sync.Service
	server  *http.Server
}

// New подключает хранилище и создает HTTP сервер. Без DATABASE_URI сервер
// хранит записи в памяти, это годится только для разработки.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log.With(slog.String("component", "server"))}

	var (
		store  sync.Store
		pinger interface{ Ping(context.Context) error }
	)
	if cfg.DB.DatabaseURI != "" {
		storage, err := postgres.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		a.storage = storage
		store = postgres.NewSyncRepository(storage.DB(), log)
		pinger = storage
	} else {
		if cfg.Env == config.EnvProd {
			return nil, errors.New("DATABASE_URI is required in prod")
		}
		a.log.Warn("DATABASE_URI is not set, records are kept in memory")
		store = memory.New()
	}

	m := metrics.New()
	a.service = sync.NewService(store, log, &sync.ServiceConfig{
		PageSize:    cfg.Sync.PullPageSize,
		MaxPageSize: cfg.Sync.PullMaxPageSize,
		LogLimit:    100,
	}).WithRecorder(m)

	a.server = &http.Server{
		Addr: cfg.Server.RunAddress,
		Handler: api.New(api.Deps{
			Service:   a.service,
			DB:        pinger,
			Metrics:   m,
			JWTSecret: []byte(cfg.Auth.JWTSecret),
			Log:       log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Run обслуживает запросы до отмены ctx и затем корректно останавливается
func (a *App) Run(ctx context.Context) error {
	runner := cronrunner.New(a.log, ctx)
	if a.cfg.Sync.LogRetention > 0 {
		if _, err := runner.Add(a.cfg.Sync.LogPruneSpec, a.pruneLogs); err != nil {
			return fmt.Errorf("schedule sync log pruning: %w", err)
		}
	}
	runner.Start()
	defer runner.Stop()

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server started", slog.String("address", a.cfg.Server.RunAddress), slog.String("env", a.cfg.Env))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (a *App) pruneLogs(ctx context.Context) {
	if _, err := a.service.PruneLogs(ctx, a.cfg.Sync.LogRetention); err != nil {
		a.log.Error("sync log pruning failed", slog.String("error", err.Error()))
	}
}

func (a *App) Handler() http.Handler {
	return a.server.Handler
}

func (a *App) Close() error {
	if a.storage != nil {
		return a.storage.Close()
	}
	return nil
}
