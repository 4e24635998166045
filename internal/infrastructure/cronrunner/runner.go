// Package cronrunner runs context aware jobs on robfig/cron schedules.
package cronrunner

import (
	"context"

	"github.com/robfig/cron/v3"
	"golang.org/x/exp/slog"
)

type Runner struct {
	cron    *cron.Cron
	log     *slog.Logger
	baseCtx context.Context
}

// New creates a runner whose jobs receive baseCtx. A job still running when
// its next tick fires is skipped for that tick.
func New(log *slog.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	log = log.With(slog.String("component", "cron"))
	cl := cronLogger{log: log}
	return &Runner{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:     log,
		baseCtx: baseCtx,
	}
}

// Add schedules job. spec accepts the standard five field format and
// descriptors such as "@every 15m".
func (r *Runner) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		job(r.baseCtx)
	})
}

func (r *Runner) Start() {
	r.log.Info("cron started", slog.Int("jobs", len(r.cron.Entries())))
	r.cron.Start()
}

// Stop waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.log.Info("cron stopped")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
