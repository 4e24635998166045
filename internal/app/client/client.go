package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"

	"pensieve/internal/app/client/config"
	"pensieve/internal/app/client/retry"
	"pensieve/internal/domain/sync"
)

type ctxKey struct{}

// App связывает локальное хранилище, транспорт и синхронизацию одного устройства.
type App struct {
	config      *config.Config
	log         *slog.Logger
	storage     *SQLiteStorage
	transport   *httpClient
	tokens      *FileTokenStore
	coordinator *Coordinator
}

// LocalStatus - состояние синхронизации на стороне устройства.
type LocalStatus struct {
	Checkpoint sync.Checkpoint `json:"checkpoint"`
	Pending    int             `json:"pending"`
	Syncing    bool            `json:"syncing"`
	LastSync   *LogEntry       `json:"lastSync,omitempty"`
}

func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	storage, err := NewSQLiteStorage(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	tokens := NewFileTokenStore(cfg.TokenPath)
	transport, err := NewHTTPClient(cfg, tokens, log)
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("create http client: %w", err)
	}

	return &App{
		config:      cfg,
		log:         log,
		storage:     storage,
		transport:   transport,
		tokens:      tokens,
		coordinator: NewCoordinator(storage, transport, tokens, coordinatorConfig(cfg), log),
	}, nil
}

func coordinatorConfig(cfg *config.Config) CoordinatorConfig {
	return CoordinatorConfig{
		PageSize:  cfg.PullPageSize,
		BatchSize: cfg.PushBatchSize,
		Retry:     retry.New(cfg.RetryMax, cfg.RetryBase),
	}
}

// WithApp сохраняет app в контексте для команд CLI.
func WithApp(ctx context.Context, app *App) context.Context {
	return context.WithValue(ctx, ctxKey{}, app)
}

func FromContext(ctx context.Context) (*App, error) {
	app, ok := ctx.Value(ctxKey{}).(*App)
	if !ok || app == nil {
		return nil, errors.New("application is not initialized")
	}
	return app, nil
}

func (a *App) Close() error {
	return a.storage.Close()
}

func (a *App) Put(ctx context.Context, typ sync.EntityType, clientID string, data json.RawMessage) (*LocalEntity, error) {
	return a.storage.Put(ctx, typ, clientID, data)
}

func (a *App) Delete(ctx context.Context, typ sync.EntityType, clientID string) error {
	return a.storage.Delete(ctx, typ, clientID)
}

func (a *App) Get(ctx context.Context, typ sync.EntityType, clientID string) (*LocalEntity, error) {
	return a.storage.Get(ctx, typ, clientID)
}

func (a *App) List(ctx context.Context, typ sync.EntityType, includeDeleted bool) ([]LocalEntity, error) {
	return a.storage.List(ctx, typ, includeDeleted)
}

// Sync запускает один цикл немедленно.
func (a *App) Sync(ctx context.Context, priority sync.Priority) *Result {
	return a.coordinator.Sync(ctx, priority)
}

func (a *App) Subscribe(buffer int) (<-chan Event, func()) {
	return a.coordinator.Subscribe(buffer)
}

func (a *App) Logs(ctx context.Context, limit int) ([]LogEntry, error) {
	return a.storage.Logs(ctx, limit)
}

func (a *App) Status(ctx context.Context) (*LocalStatus, error) {
	cp, err := a.storage.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := a.storage.PendingChanges(ctx)
	if err != nil {
		return nil, err
	}
	st := &LocalStatus{Checkpoint: cp, Pending: len(pending), Syncing: a.coordinator.Syncing()}

	logs, err := a.storage.Logs(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(logs) > 0 {
		st.LastSync = &logs[0]
	}
	return st, nil
}

func (a *App) RemoteStatus(ctx context.Context) (*sync.OwnerStatus, error) {
	return a.transport.Status(ctx)
}

func (a *App) CheckConnection(ctx context.Context) error {
	return a.transport.HealthCheck(ctx)
}

func (a *App) SaveToken(token string) error {
	return a.tokens.Save(token)
}

func (a *App) ClearToken() error {
	return a.tokens.Invalidate()
}

// ResetCheckpoint заставляет следующий цикл заново скачать всю историю.
func (a *App) ResetCheckpoint(ctx context.Context) error {
	return a.storage.ResetCheckpoint(ctx)
}

// RunDaemon запускает планировщик синхронизации до отмены ctx. Результат каждого
// цикла передается в onResult, если он задан.
func (a *App) RunDaemon(ctx context.Context, onResult func(*Result)) error {
	watcher := NewHealthWatcher(a.transport, a.config.HealthInterval, a.log)
	scheduler := NewScheduler(a.coordinator, watcher, SchedulerConfig{
		Interval:    a.config.SyncInterval,
		BackoffBase: a.config.RetryBase,
		BackoffMax:  a.config.SyncInterval,
		OnResult:    onResult,
	}, a.log)

	events, unsubscribe := a.coordinator.Subscribe(16)
	defer unsubscribe()
	go a.logEvents(events)

	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	// первый цикл сразу, дальше работают сеть и таймер
	scheduler.Request(sync.PriorityHigh)

	<-ctx.Done()

	stopped := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(30 * time.Second):
		return errors.New("scheduler did not stop in time")
	}
	return nil
}

func (a *App) logEvents(events <-chan Event) {
	for e := range events {
		switch e.Type {
		case EventConflict:
			a.log.Warn("conflict resolved in favour of the server",
				slog.String("entity", string(e.Conflict.Entity)),
				slog.String("record", e.Conflict.RecordID))
		case EventAuthRequired:
			a.log.Error("server refused the token, run `pensieve auth set-token`")
		}
	}
}
