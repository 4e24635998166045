package logger

import (
	"io"
	"os"

	"golang.org/x/exp/slog"
	"gopkg.in/natefinch/lumberjack.v2"

	"pensieve/internal/utils/logger/handlers/slogpretty"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

// New создает логгер для env: цветной debug вывод локально и JSON
// в остальных случаях. Для неизвестного окружения JSON с уровнем info.
func New(env string) *slog.Logger {
	return newLogger(env, os.Stdout)
}

// NewWithFile дополнительно пишет JSON записи в файл с ротацией по размеру
func NewWithFile(env, path string) *slog.Logger {
	if path == "" {
		return New(env)
	}
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	if env == envLocal {
		// В консоли остается pretty формат, в файл идет JSON
		return slog.New(fanout{
			setupPrettySlog().Handler(),
			slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug}),
		})
	}
	return newLogger(env, io.MultiWriter(os.Stdout, file))
}

func newLogger(env string, out io.Writer) *slog.Logger {
	switch env {
	case envLocal:
		return setupPrettySlog()
	case envDev:
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}
	return slog.New(opts.NewPrettyHandler(os.Stdout))
}
