package client

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slog"

	"pensieve/internal/app/client/retry"
	"pensieve/internal/domain/sync"
)

// Status - итог одного цикла синхронизации.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusSkipped означает, что уже шел другой цикл.
	StatusSkipped Status = "skipped"
)

var errNoProgress = errors.New("pull checkpoint did not advance")

// Result описывает один цикл синхронизации.
type Result struct {
	Status     Status          `json:"status"`
	Priority   sync.Priority   `json:"priority"`
	Pulled     int             `json:"pulled"`
	Pushed     int             `json:"pushed"`
	Rejected   int             `json:"rejected"`
	Conflicts  []sync.Conflict `json:"conflicts"`
	Kind       sync.Kind       `json:"kind,omitempty"`
	Retryable  bool            `json:"retryable"`
	Err        error           `json:"-"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
}

// Transient сообщает о сбое из-за сети, а не из-за данных или сессии.
// Остается true и после исчерпания повторов.
func (r *Result) Transient() bool {
	return r.Status == StatusFailed && (r.Kind == sync.KindNetwork || r.Kind == sync.KindTimeout)
}

func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

type EventType string

const (
	EventSyncStarted   EventType = "sync_started"
	EventSyncCompleted EventType = "sync_completed"
	EventSyncFailed    EventType = "sync_failed"
	EventConflict      EventType = "conflict"
	EventBatchRejected EventType = "batch_rejected"
	EventAuthRequired  EventType = "auth_required"
)

// Event рассылается подписчикам. Медленный подписчик пропускает события,
// а не блокирует цикл.
type Event struct {
	Type     EventType
	At       time.Time
	Priority sync.Priority
	Result   *Result
	Conflict *sync.Conflict
	Err      error
}

// Ledger - локальное состояние, которое синхронизирует координатор.
type Ledger interface {
	PendingChanges(ctx context.Context) ([]sync.Record, error)
	ApplyPage(ctx context.Context, page *sync.PullResponse) ([]sync.Conflict, error)
	ApplyPushResult(ctx context.Context, since int64, pushed []sync.Record, resp *sync.PushResponse) ([]sync.Conflict, error)
	Checkpoint(ctx context.Context) (sync.Checkpoint, error)
	AppendLog(ctx context.Context, e *LogEntry) error
}

type CoordinatorConfig struct {
	PageSize  int
	BatchSize int
	// Entities ограничивает pull этими типами, пустой список означает все типы.
	Entities []sync.EntityType
	Retry    retry.Policy
}

// Coordinator выполняет циклы pull, затем push. Одновременно идет не больше одного цикла.
type Coordinator struct {
	ledger    Ledger
	transport Transport
	session   Session
	cfg       CoordinatorConfig
	log       *slog.Logger
	now       func() time.Time

	mu      gosync.Mutex
	running atomic.Bool

	subsMu gosync.RWMutex
	subs   map[int]chan Event
	nextID int
}

func NewCoordinator(ledger Ledger, transport Transport, session Session, cfg CoordinatorConfig, log *slog.Logger) *Coordinator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = sync.DefaultBatchSize
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry = retry.New(retry.DefaultMaxRetries, retry.DefaultBase)
	}
	if cfg.Retry.Notify == nil {
		cfg.Retry.Notify = func(attempt int, delay time.Duration, err error) {
			log.Warn("sync request failed, retrying",
				slog.Int("attempt", attempt), slog.Duration("delay", delay), slog.Any("error", err))
		}
	}

	return &Coordinator{
		ledger:    ledger,
		transport: transport,
		session:   session,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		subs:      make(map[int]chan Event),
	}
}

// Syncing сообщает, идет ли цикл.
func (c *Coordinator) Syncing() bool {
	return c.running.Load()
}

// Subscribe возвращает канал событий и функцию, которая его закрывает.
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once gosync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
			close(ch)
		})
	}
}

func (c *Coordinator) publish(e Event) {
	e.At = c.now()

	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Sync выполняет один цикл: скачивает все страницы, затем отправляет изменения пакетами.
// Вызов во время идущего цикла сразу возвращает результат skipped.
func (c *Coordinator) Sync(ctx context.Context, priority sync.Priority) *Result {
	if priority == "" {
		priority = sync.PriorityLow
	}
	if !c.mu.TryLock() {
		c.log.Debug("sync already running, skipping", slog.String("priority", string(priority)))
		now := c.now()
		return &Result{Status: StatusSkipped, Priority: priority, Err: sync.ErrSyncInProgress,
			Conflicts: []sync.Conflict{}, StartedAt: now, FinishedAt: now}
	}
	defer c.mu.Unlock()
	c.running.Store(true)
	defer c.running.Store(false)

	res := &Result{Priority: priority, Conflicts: []sync.Conflict{}, StartedAt: c.now()}
	log := c.log.With(slog.String("priority", string(priority)))
	log.Info("sync started")
	c.publish(Event{Type: EventSyncStarted, Priority: priority})

	// ctx проверяется только между страницами и пакетами. Начатые запросы
	// и транзакции журнала доходят до конца на work, их ограничивает
	// таймаут транспорта.
	work := context.WithoutCancel(ctx)
	err := c.run(ctx, work, priority, res)
	res.FinishedAt = c.now()

	for i := range res.Conflicts {
		c.publish(Event{Type: EventConflict, Priority: priority, Conflict: &res.Conflicts[i]})
	}

	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		kind := sync.KindOf(err)
		res.Kind = kind
		res.Retryable = sync.IsRetryable(err)

		if kind == sync.KindAuth {
			if ierr := c.session.Invalidate(); ierr != nil {
				log.Error("failed to drop rejected token", slog.Any("error", ierr))
			}
			c.publish(Event{Type: EventAuthRequired, Priority: priority, Err: err})
		}
		log.Error("sync failed",
			slog.Any("error", err),
			slog.String("kind", string(kind)),
			slog.Bool("retryable", res.Retryable),
			slog.Int("pulled", res.Pulled),
			slog.Int("pushed", res.Pushed))
		c.publish(Event{Type: EventSyncFailed, Priority: priority, Result: res, Err: err})
	} else {
		res.Status = StatusCompleted
		log.Info("sync completed",
			slog.Int("pulled", res.Pulled),
			slog.Int("pushed", res.Pushed),
			slog.Int("rejected", res.Rejected),
			slog.Int("conflicts", len(res.Conflicts)),
			slog.Duration("duration", res.Duration()))
		c.publish(Event{Type: EventSyncCompleted, Priority: priority, Result: res})
	}

	c.appendLog(work, res)
	return res
}

func (c *Coordinator) run(stop, ctx context.Context, priority sync.Priority, res *Result) error {
	if err := c.pullAll(stop, ctx, priority, res); err != nil {
		return err
	}

	pending, err := c.ledger.PendingChanges(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	batches := sync.Chunk(pending, c.cfg.BatchSize)
	c.log.Debug("pushing local changes", slog.Int("records", len(pending)), slog.Int("batches", len(batches)))

	for i, batch := range batches {
		if err := stop.Err(); err != nil {
			return err
		}
		if i > 0 {
			// ответы прошлых пакетов могли разрешить записи из очереди в пользу сервера
			if batch, err = c.stillPending(ctx, batch); err != nil {
				return err
			}
			if len(batch) == 0 {
				continue
			}
		}

		err := c.pushBatch(stop, ctx, priority, batch, res)
		if err == nil {
			continue
		}
		if sync.KindOf(err) != sync.KindValidation {
			return err
		}

		// сервер отклонил весь пакет, записи остаются в очереди
		res.Rejected += len(batch)
		c.log.Warn("batch rejected", slog.Int("batch", i), slog.Int("records", len(batch)), slog.Any("error", err))
		c.publish(Event{Type: EventBatchRejected, Priority: priority, Err: err})
	}
	return nil
}

// stillPending оставляет записи пакета, которые все еще грязные с тем же
// локальным номером. Остальные перезаписал сервер или их снова правили,
// они уйдут в следующем цикле.
func (c *Coordinator) stillPending(ctx context.Context, batch []sync.Record) ([]sync.Record, error) {
	pending, err := c.ledger.PendingChanges(ctx)
	if err != nil {
		return nil, err
	}
	seqs := make(map[sync.RecordKey]int64, len(pending))
	for _, r := range pending {
		seqs[r.Key()] = r.Seq
	}

	kept := make([]sync.Record, 0, len(batch))
	for _, r := range batch {
		if seq, ok := seqs[r.Key()]; ok && seq == r.Seq {
			kept = append(kept, r)
			continue
		}
		c.log.Debug("queued record changed during the cycle, skipping",
			slog.String("entity", string(r.Type)), slog.String("record", r.ClientID))
	}
	return kept, nil
}

// pullAll скачивает страницы, пока на сервере есть что-то новее.
func (c *Coordinator) pullAll(stop, ctx context.Context, priority sync.Priority, res *Result) error {
	for {
		if err := stop.Err(); err != nil {
			return err
		}
		cp, err := c.ledger.Checkpoint(ctx)
		if err != nil {
			return err
		}

		req := sync.PullRequest{LastPulledAt: cp.LastPulledAt, Entities: c.cfg.Entities, Limit: c.cfg.PageSize}
		var page *sync.PullResponse
		err = c.cfg.Retry.Do(stop, func(context.Context) error {
			var err error
			page, err = c.transport.Pull(ctx, req, priority)
			return err
		})
		if err != nil {
			return err
		}

		conflicts, err := c.ledger.ApplyPage(ctx, page)
		if err != nil {
			return err
		}
		n := page.Changes.Count()
		res.Pulled += n
		res.Conflicts = append(res.Conflicts, conflicts...)

		more := page.HasMore || n >= req.Limit
		if !more {
			return nil
		}
		if page.Timestamp <= cp.LastPulledAt {
			return sync.NewError(sync.OpPull, sync.KindInternal,
				fmt.Errorf("%w: %d", errNoProgress, cp.LastPulledAt))
		}
	}
}

func (c *Coordinator) pushBatch(stop, ctx context.Context, priority sync.Priority, batch []sync.Record, res *Result) error {
	cp, err := c.ledger.Checkpoint(ctx)
	if err != nil {
		return err
	}

	req := sync.PushRequest{LastPulledAt: cp.LastPulledAt, Changes: sync.Group(batch)}
	var resp *sync.PushResponse
	err = c.cfg.Retry.Do(stop, func(context.Context) error {
		var err error
		resp, err = c.transport.Push(ctx, req, priority)
		return err
	})
	if err != nil {
		return err
	}

	extra, err := c.ledger.ApplyPushResult(ctx, cp.LastPulledAt, batch, resp)
	if err != nil {
		return err
	}
	res.Pushed += len(batch)
	res.Conflicts = append(res.Conflicts, resp.Conflicts...)
	res.Conflicts = append(res.Conflicts, extra...)

	// догоняем сразу, чтобы эхо этого пакета пришло раньше новых локальных правок
	if resp.HasMore {
		return c.pullAll(stop, ctx, priority, res)
	}
	return nil
}

func (c *Coordinator) appendLog(ctx context.Context, res *Result) {
	entry := &LogEntry{
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Priority:   res.Priority,
		Status:     res.Status,
		Pulled:     res.Pulled,
		Pushed:     res.Pushed,
		Conflicts:  len(res.Conflicts),
		Retryable:  res.Retryable,
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}
	if err := c.ledger.AppendLog(ctx, entry); err != nil {
		c.log.Error("failed to append sync log", slog.Any("error", err))
	}
}
