package health

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
)

const pingTimeout = 2 * time.Second

// Pinger проверяет внешнюю зависимость
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	log        *slog.Logger
	db         Pinger
	middleware huma.Middlewares
}

// NewHandler создает health обработчик. db может быть nil, если сервер
// работает без базы.
func NewHandler(log *slog.Logger, db Pinger, middleware huma.Middlewares) *Handler {
	return &Handler{
		log:        log,
		db:         db,
		middleware: middleware,
	}
}

func (h *Handler) SetupRoutes(api huma.API) {
	huma.Register(api, h.healthCheckOp(), h.healthCheck)
}

func (h *Handler) healthCheck(ctx context.Context, _ *Input) (*Output, error) {
	h.log.Debug("health check request received")

	out := &Output{Body: Response{Status: "OK"}}
	if h.db == nil {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		h.log.Error("database ping failed", slog.String("error", err.Error()))
		return nil, huma.Error503ServiceUnavailable("database unavailable")
	}
	out.Body.Database = "OK"
	return out, nil
}
