package logger

import (
	"time"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/exp/slog"
)

// PriorityHeader передает подсказку клиента о приоритете синхронизации
const PriorityHeader = "X-Sync-Priority"

// Logger логирует каждый HTTP запрос после его завершения
type Logger struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Logger {
	return &Logger{
		log: log.With(slog.String("component", "http_logger")),
	}
}

func (l *Logger) Middleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		start := time.Now()

		method := ctx.Method()
		path := ctx.URL().Path
		remoteAddr := ctx.RemoteAddr()
		priority := ctx.Header(PriorityHeader)

		next(ctx)

		attrs := []any{
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", ctx.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_addr", remoteAddr),
		}
		if priority != "" {
			attrs = append(attrs, slog.String("priority", priority))
		}

		if ctx.Status() >= 500 {
			l.log.Error("HTTP request", attrs...)
			return
		}
		l.log.Info("HTTP request", attrs...)
	}
}
