package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"
)

// Servicer - серверная сторона протокола синхронизации.
type Servicer interface {
	// Pull возвращает изменения владельца после req.LastPulledAt.
	Pull(ctx context.Context, ownerID string, req PullRequest) (*PullResponse, error)

	// Push атомарно применяет пакет клиента и возвращает изменения,
	// которые клиент еще не видел.
	Push(ctx context.Context, ownerID string, req PushRequest) (*PushResponse, error)

	// Status возвращает часы владельца, число записей и последний обмен.
	Status(ctx context.Context, ownerID string) (*OwnerStatus, error)

	// Logs возвращает последние записи журнала владельца.
	Logs(ctx context.Context, ownerID string, limit int) ([]LogEntry, error)

	// PruneLogs удаляет записи журнала старше срока хранения.
	PruneLogs(ctx context.Context, retention time.Duration) (int64, error)
}

// ServiceConfig ограничивает размер страниц ленты изменений.
type ServiceConfig struct {
	PageSize    int
	MaxPageSize int
	LogLimit    int
}

// Service реализует Servicer поверх Store.
type Service struct {
	store    Store
	log      *slog.Logger
	config   *ServiceConfig
	recorder Recorder
	now      func() time.Time
}

// NewService создает сервис синхронизации. nil конфиг означает значения по умолчанию.
func NewService(store Store, log *slog.Logger, config *ServiceConfig) *Service {
	if config == nil {
		config = &ServiceConfig{
			PageSize:    100,
			MaxPageSize: 1000,
			LogLimit:    50,
		}
	}
	if config.MaxPageSize < config.PageSize {
		config.MaxPageSize = config.PageSize
	}

	return &Service{
		store:    store,
		log:      log.With(slog.String("component", "sync_service")),
		config:   config,
		recorder: nopRecorder{},
		now:      time.Now,
	}
}

// WithRecorder задает приемник метрик.
func (s *Service) WithRecorder(r Recorder) *Service {
	if r != nil {
		s.recorder = r
	}
	return s
}

func (s *Service) Pull(ctx context.Context, ownerID string, req PullRequest) (*PullResponse, error) {
	startedAt := s.now()
	if ownerID == "" {
		return nil, ErrUnauthenticated
	}
	if req.LastPulledAt < 0 {
		return nil, fmt.Errorf("%w: negative lastPulledAt", ErrValidation)
	}

	owner := s.store.Owner(ownerID)
	resp, err := s.pull(ctx, owner, req.LastPulledAt, req.Entities, s.limit(req.Limit))
	if err != nil {
		s.record(ctx, owner, DirectionPull, startedAt, 0, 0, err)
		return nil, err
	}

	s.record(ctx, owner, DirectionPull, startedAt, resp.Changes.Count(), 0, nil)
	s.log.Debug("pull served",
		slog.String("owner_id", ownerID),
		slog.Int64("last_pulled_at", req.LastPulledAt),
		slog.Int("records", resp.Changes.Count()),
		slog.Int64("timestamp", resp.Timestamp),
		slog.Bool("has_more", resp.HasMore),
	)
	return resp, nil
}

func (s *Service) Push(ctx context.Context, ownerID string, req PushRequest) (*PushResponse, error) {
	startedAt := s.now()
	if ownerID == "" {
		return nil, ErrUnauthenticated
	}

	owner := s.store.Owner(ownerID)
	if req.LastPulledAt < 0 {
		err := fmt.Errorf("%w: negative lastPulledAt", ErrValidation)
		s.record(ctx, owner, DirectionPush, startedAt, 0, 0, err)
		return nil, err
	}
	if err := req.Changes.Validate(); err != nil {
		s.log.Warn("push rejected", slog.String("owner_id", ownerID), slog.String("error", err.Error()))
		s.record(ctx, owner, DirectionPush, startedAt, 0, 0, err)
		return nil, err
	}

	var (
		conflicts []Conflict
		applied   int
	)
	err := owner.Apply(ctx, func(ctx context.Context, tx OwnerTx) error {
		conflicts = conflicts[:0]
		applied = 0

		for _, t := range req.Changes.Types() {
			cs := req.Changes[t]
			for _, e := range cs.Updated {
				e.Type = t
				e.Status = StatusActive
				c, written, err := s.applyOne(ctx, tx, e, req.LastPulledAt)
				if err != nil {
					return err
				}
				if c != nil {
					conflicts = append(conflicts, *c)
				}
				if written {
					applied++
				}
			}
			for _, id := range cs.Deleted {
				c, written, err := s.applyOne(ctx, tx, Entity{Type: t, ClientID: id, Status: StatusDeleted}, req.LastPulledAt)
				if err != nil {
					return err
				}
				if c != nil {
					conflicts = append(conflicts, *c)
				}
				if written {
					applied++
				}
			}
		}
		return nil
	})
	if err != nil {
		s.log.Error("push failed", slog.String("owner_id", ownerID), slog.String("error", err.Error()))
		s.record(ctx, owner, DirectionPush, startedAt, 0, 0, err)
		return nil, fmt.Errorf("failed to apply push: %w", err)
	}

	s.record(ctx, owner, DirectionPush, startedAt, applied, len(conflicts), nil)
	s.log.Info("push applied",
		slog.String("owner_id", ownerID),
		slog.Int("received", req.Changes.Count()),
		slog.Int("applied", applied),
		slog.Int("conflicts", len(conflicts)),
	)

	// Пакет уже закоммичен. Повторная отправка сводится к пустым операциям.
	pulled, err := s.pull(ctx, owner, req.LastPulledAt, nil, s.config.MaxPageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read changes after push: %w", err)
	}

	if conflicts == nil {
		conflicts = []Conflict{}
	}
	return &PushResponse{
		Changes:   pulled.Changes,
		Timestamp: pulled.Timestamp,
		HasMore:   pulled.HasMore,
		Conflicts: conflicts,
	}, nil
}

// applyOne разрешает одну входящую запись. written равен true, если хранилище изменилось.
func (s *Service) applyOne(ctx context.Context, tx OwnerTx, in Entity, lastPulledAt int64) (*Conflict, bool, error) {
	existing, err := tx.Get(ctx, in.Type, in.ClientID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load %s %q: %w", in.Type, in.ClientID, err)
	}

	switch Resolve(existing, in, lastPulledAt) {
	case DecisionInsert:
		stamp, err := tx.NextStamp(ctx)
		if err != nil {
			return nil, false, err
		}
		in.ID = uuid.NewString()
		in.LastModifiedAt = stamp
		if err := tx.Insert(ctx, &in); err != nil {
			return nil, false, fmt.Errorf("failed to insert %s %q: %w", in.Type, in.ClientID, err)
		}
		return nil, true, nil

	case DecisionOverwrite:
		stamp, err := tx.NextStamp(ctx)
		if err != nil {
			return nil, false, err
		}
		existing.Status = in.Status
		if in.Status == StatusActive {
			existing.Data = in.Data
		}
		existing.LastModifiedAt = stamp
		if err := tx.Update(ctx, existing); err != nil {
			return nil, false, fmt.Errorf("failed to update %s %q: %w", in.Type, in.ClientID, err)
		}
		return nil, true, nil

	case DecisionConflict:
		s.log.Debug("conflict resolved",
			slog.String("entity", string(in.Type)),
			slog.String("client_id", in.ClientID),
			slog.Int64("server_modified_at", existing.LastModifiedAt),
			slog.Int64("last_pulled_at", lastPulledAt),
		)
		return &Conflict{Entity: in.Type, RecordID: in.ClientID, Resolution: ResolutionServerWins}, false, nil
	}

	return nil, false, nil
}

func (s *Service) pull(ctx context.Context, owner OwnerStore, since int64, types []EntityType, limit int) (*PullResponse, error) {
	page, err := owner.Changes(ctx, since, types, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read changes: %w", err)
	}

	if len(types) == 0 {
		types = EntityTypes
	}
	changes := make(Changes, len(types))
	for _, t := range types {
		changes[t] = ChangeSet{Updated: []Entity{}, Deleted: []string{}}
	}
	for _, e := range page.Entities {
		cs := changes[e.Type]
		if e.Status == StatusDeleted {
			cs.Deleted = append(cs.Deleted, e.ClientID)
		} else {
			cs.Updated = append(cs.Updated, e)
		}
		changes[e.Type] = cs
	}

	resp := &PullResponse{Changes: changes, Timestamp: page.Clock}
	if len(page.Entities) >= limit {
		// Страница могла разрезать серию записей. Продолжаем сразу после последней.
		resp.HasMore = true
		resp.Timestamp = page.Entities[len(page.Entities)-1].LastModifiedAt
	}
	if resp.Timestamp < since {
		resp.Timestamp = since
	}
	return resp, nil
}

func (s *Service) Status(ctx context.Context, ownerID string) (*OwnerStatus, error) {
	if ownerID == "" {
		return nil, ErrUnauthenticated
	}
	status, err := s.store.Owner(ownerID).Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync status: %w", err)
	}
	return status, nil
}

func (s *Service) Logs(ctx context.Context, ownerID string, limit int) ([]LogEntry, error) {
	if ownerID == "" {
		return nil, ErrUnauthenticated
	}
	if limit <= 0 || limit > s.config.LogLimit {
		limit = s.config.LogLimit
	}
	logs, err := s.store.Owner(ownerID).Logs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync logs: %w", err)
	}
	return logs, nil
}

func (s *Service) PruneLogs(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	n, err := s.store.PruneLogs(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync logs: %w", err)
	}
	if n > 0 {
		s.log.Info("sync logs pruned", slog.Int64("removed", n), slog.Duration("retention", retention))
	}
	return n, nil
}

func (s *Service) limit(requested int) int {
	if requested <= 0 {
		return s.config.PageSize
	}
	if requested > s.config.MaxPageSize {
		return s.config.MaxPageSize
	}
	return requested
}

// record пишет запись журнала и метрики одного обмена.
func (s *Service) record(ctx context.Context, owner OwnerStore, dir Direction, startedAt time.Time, records, conflicts int, syncErr error) {
	entry := &LogEntry{
		Direction:  dir,
		StartedAt:  startedAt,
		FinishedAt: s.now(),
		Records:    records,
		Conflicts:  conflicts,
		Status:     LogStatusOK,
	}
	if syncErr != nil {
		entry.Status = LogStatusFailed
		entry.Error = syncErr.Error()
	}

	s.recorder.ObserveSync(string(dir), string(entry.Status), records, conflicts, entry.FinishedAt.Sub(startedAt))

	if err := owner.AppendLog(context.WithoutCancel(ctx), entry); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("failed to append sync log", slog.String("direction", string(dir)), slog.String("error", err.Error()))
	}
}
