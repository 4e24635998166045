package client

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"golang.org/x/exp/slog"

	"pensieve/internal/app/client/retry"
	"pensieve/internal/domain/sync"
	"pensieve/internal/infrastructure/cronrunner"
)

type SchedulerState string

const (
	StateIdle    SchedulerState = "idle"
	StateSyncing SchedulerState = "syncing"
	StateBackoff SchedulerState = "backoff"
)

var ErrSchedulerStarted = errors.New("scheduler already started")

// Syncer выполняет один цикл синхронизации.
type Syncer interface {
	Sync(ctx context.Context, priority sync.Priority) *Result
}

type SchedulerConfig struct {
	// Interval периодической синхронизации с низким приоритетом, ноль отключает ее.
	Interval time.Duration
	// BackoffBase и BackoffMax ограничивают ожидание после временных сбоев.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// OnResult вызывается после каждого цикла планировщика.
	OnResult func(*Result)
}

// Scheduler сводит события сети, периодический таймер и ручные запросы
// в одну очередь и выполняет циклы по одному.
type Scheduler struct {
	syncer   Syncer
	observer Observer
	cfg      SchedulerConfig
	log      *slog.Logger

	requests chan sync.Priority

	mu       gosync.Mutex
	state    SchedulerState
	failures int
	cancel   context.CancelFunc
	done     chan struct{}
	cron     *cronrunner.Runner
}

// NewScheduler создает остановленный планировщик. observer может быть nil.
func NewScheduler(syncer Syncer, observer Observer, cfg SchedulerConfig, log *slog.Logger) *Scheduler {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = retry.DefaultBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	return &Scheduler{
		syncer:   syncer,
		observer: observer,
		cfg:      cfg,
		log:      log.With(slog.String("component", "scheduler")),
		requests: make(chan sync.Priority, 1),
		state:    StateIdle,
	}
}

func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(state SchedulerState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Request запрашивает синхронизацию. Возвращает false, если запрос слился
// с идущим циклом или с уже стоящим в очереди.
func (s *Scheduler) Request(priority sync.Priority) bool {
	if s.State() == StateSyncing {
		s.log.Debug("sync request coalesced", slog.String("priority", string(priority)))
		return false
	}
	select {
	case s.requests <- priority:
		return true
	default:
		return false
	}
}

// Start запускает планировщик до вызова Stop или отмены ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSchedulerStarted
	}

	ctx, cancel := context.WithCancel(ctx)

	if s.cfg.Interval > 0 {
		s.cron = cronrunner.New(s.log, ctx)
		spec := fmt.Sprintf("@every %s", s.cfg.Interval)
		if _, err := s.cron.Add(spec, func(context.Context) { s.Request(sync.PriorityLow) }); err != nil {
			cancel()
			return fmt.Errorf("schedule periodic sync: %w", err)
		}
		s.cron.Start()
	}

	var edges <-chan bool
	if s.observer != nil {
		edges = s.observer.Watch(ctx)
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, edges, s.done)

	s.log.Info("scheduler started", slog.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop отменяет ожидающую работу и ждет, пока текущий цикл дойдет до границы пакета.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done, cr := s.cancel, s.done, s.cron
	s.cancel, s.done, s.cron = nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	if cr != nil {
		cr.Stop()
	}
	cancel()
	<-done
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, edges <-chan bool, done chan<- struct{}) {
	defer close(done)
	defer s.setState(StateIdle)

	var (
		timer    *time.Timer
		timerC   <-chan time.Time
		priority sync.Priority
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-edges:
			if !ok {
				edges = nil
				continue
			}
			if !up {
				continue
			}
			priority = sync.PriorityHigh
		case priority = <-s.requests:
		case <-timerC:
			s.log.Debug("backoff elapsed")
		}
		stopTimer()

		res := s.cycle(ctx, priority)
		if ctx.Err() != nil {
			return
		}

		if res.Transient() {
			s.mu.Lock()
			s.failures++
			failures := s.failures
			s.state = StateBackoff
			s.mu.Unlock()

			delay := retry.Delay(s.cfg.BackoffBase, failures, s.cfg.BackoffMax)
			s.log.Warn("sync failed, backing off", slog.Int("failures", failures), slog.Duration("delay", delay))
			timer = time.NewTimer(delay)
			timerC = timer.C
			continue
		}

		s.mu.Lock()
		if res.Status == StatusCompleted {
			s.failures = 0
		}
		s.state = StateIdle
		s.mu.Unlock()
	}
}

func (s *Scheduler) cycle(ctx context.Context, priority sync.Priority) *Result {
	s.setState(StateSyncing)
	// все, что стояло в очереди до начала цикла, обслуживается им
	select {
	case <-s.requests:
	default:
	}

	res := s.syncer.Sync(ctx, priority)
	if s.cfg.OnResult != nil {
		s.cfg.OnResult(res)
	}
	return res
}
