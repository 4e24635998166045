// Package api собирает HTTP интерфейс сервера синхронизации:
//
//	GET  /sync/pull       изменения после чекпоинта (auth)
//	POST /sync/push       применить пакет изменений клиента (auth)
//	GET  /sync/status     часы владельца и число записей (auth)
//	GET  /sync/logs       последние обмены синхронизации (auth)
//	GET  /api/v1/health   проверка живости и базы
//	GET  /metrics         метрики Prometheus
package api

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/slog"

	healthAPI "pensieve/internal/app/server/api/http/health"
	"pensieve/internal/app/server/api/http/middleware"
	"pensieve/internal/app/server/api/http/middleware/auth"
	"pensieve/internal/app/server/api/http/middleware/logger"
	syncAPI "pensieve/internal/app/server/api/http/sync"
	"pensieve/internal/app/server/metrics"
	"pensieve/internal/domain/sync"
)

// Deps - зависимости, из которых собирается API
type Deps struct {
	Service   sync.Servicer
	DB        healthAPI.Pinger
	Metrics   *metrics.Metrics
	JWTSecret []byte
	Log       *slog.Logger
}

type Handlers struct {
	Health *healthAPI.Handler
	Sync   *syncAPI.Handler
}

// New создает роутер и регистрирует все операции через huma
func New(deps Deps) *chi.Mux {
	mux := chi.NewMux()

	config := huma.DefaultConfig("Pensieve Sync API", "1.0.0")
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearer": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}

	API := humachi.New(mux, config)

	h := handlers(deps)
	h.Health.SetupRoutes(API)
	h.Sync.SetupRoutes(API)

	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics.Handler())
	}

	return mux
}

func handlers(deps Deps) *Handlers {
	authMW := auth.New(deps.JWTSecret, deps.Log)
	loggerMW := logger.New(deps.Log)
	middlewares := middleware.NewContainer()

	observe := func(ctx huma.Context, next func(huma.Context)) { next(ctx) }
	if deps.Metrics != nil {
		observe = deps.Metrics.Middleware()
	}

	middlewares.Add(observe)
	healthHandler := healthAPI.NewHandler(deps.Log, deps.DB, middlewares.GetAllAndClear())

	middlewares.Add(loggerMW.Middleware(), observe, authMW.Middleware())
	syncHandler := syncAPI.NewHandler(deps.Service, deps.Log, middlewares.GetAllAndClear())

	return &Handlers{
		Health: healthHandler,
		Sync:   syncHandler,
	}
}
