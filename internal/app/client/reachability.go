package client

import (
	"context"
	"time"

	"golang.org/x/exp/slog"
)

// Observer сообщает об изменении доступности сервера: true, когда сервер
// стал доступен, false, когда связь потеряна. Канал закрывается вместе с ctx.
type Observer interface {
	Watch(ctx context.Context) <-chan bool
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthWatcher опрашивает health endpoint сервера. До первой успешной
// проверки сервер считается недоступным.
type HealthWatcher struct {
	checker  healthChecker
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
}

func NewHealthWatcher(checker healthChecker, interval time.Duration, log *slog.Logger) *HealthWatcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthWatcher{
		checker:  checker,
		interval: interval,
		timeout:  min(interval, 5*time.Second),
		log:      log.With(slog.String("component", "reachability")),
	}
}

func (p *HealthWatcher) Watch(ctx context.Context) <-chan bool {
	edges := make(chan bool, 1)

	go func() {
		defer close(edges)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		online := false
		for {
			if up := p.check(ctx); up != online {
				online = up
				p.log.Info("server reachability changed", slog.Bool("online", up))
				select {
				case edges <- up:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return edges
}

func (p *HealthWatcher) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.checker.HealthCheck(ctx); err != nil {
		p.log.Debug("health check failed", slog.Any("error", err))
		return false
	}
	return true
}
