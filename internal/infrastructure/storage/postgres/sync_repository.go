package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/slog"

	"pensieve/internal/domain/sync"
	"pensieve/internal/infrastructure/dbx"
)

const (
	lockClockQuery = `
		INSERT INTO sync_clocks (owner_id, clock) VALUES ($1, 0)
		ON CONFLICT (owner_id) DO UPDATE SET clock = sync_clocks.clock
		RETURNING clock`

	nextStampQuery = `UPDATE sync_clocks SET clock = clock + 1 WHERE owner_id = $1 RETURNING clock`

	readClockQuery = `SELECT clock FROM sync_clocks WHERE owner_id = $1`

	getEntityQuery = `
		SELECT id, client_id, entity_type, data, status, last_modified_at
		FROM sync_entities
		WHERE owner_id = $1 AND entity_type = $2 AND client_id = $3`

	insertEntityQuery = `
		INSERT INTO sync_entities (id, owner_id, entity_type, client_id, data, status, last_modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	updateEntityQuery = `
		UPDATE sync_entities
		SET data = $1, status = $2, last_modified_at = $3, updated_at = now()
		WHERE owner_id = $4 AND entity_type = $5 AND client_id = $6`

	insertLogQuery = `
		INSERT INTO sync_logs (owner_id, direction, started_at, finished_at, records, conflicts, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	listLogsQuery = `
		SELECT id, owner_id, direction, started_at, finished_at, records, conflicts, status, error
		FROM sync_logs
		WHERE owner_id = $1
		ORDER BY id DESC
		LIMIT $2`

	countsQuery = `
		SELECT entity_type, status, COUNT(*)
		FROM sync_entities
		WHERE owner_id = $1
		GROUP BY entity_type, status`

	pruneLogsQuery = `DELETE FROM sync_logs WHERE finished_at < $1`
)

// SyncRepository реализует sync.Store поверх PostgreSQL
type SyncRepository struct {
	db  *sql.DB
	log *slog.Logger
}

func NewSyncRepository(db *sql.DB, log *slog.Logger) *SyncRepository {
	return &SyncRepository{
		db:  db,
		log: log.With(slog.String("component", "sync_repository")),
	}
}

func (r *SyncRepository) Owner(ownerID string) sync.OwnerStore {
	return &ownerRepository{db: r.db, log: r.log, ownerID: ownerID}
}

func (r *SyncRepository) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, pruneLogsQuery, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync logs: %w", err)
	}
	return res.RowsAffected()
}

type ownerRepository struct {
	db      *sql.DB
	log     *slog.Logger
	ownerID string
}

// Changes читает часы и строки из одного снимка, поэтому страница не
// пропускает коммит, который еще не завершился.
func (r *ownerRepository) Changes(ctx context.Context, since int64, types []sync.EntityType, limit int) (*sync.Page, error) {
	page := &sync.Page{}
	opts := &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}

	err := dbx.WithTx(ctx, r.db, opts, func(ctx context.Context, tx dbx.DBTX) error {
		err := tx.QueryRowContext(ctx, readClockQuery, r.ownerID).Scan(&page.Clock)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read owner clock: %w", err)
		}

		query, args := changesQuery(r.ownerID, since, page.Clock, types, limit)
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query changes: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntity(rows)
			if err != nil {
				return err
			}
			e.OwnerID = r.ownerID
			page.Entities = append(page.Entities, *e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func changesQuery(ownerID string, since, clock int64, types []sync.EntityType, limit int) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT id, client_id, entity_type, data, status, last_modified_at
		FROM sync_entities
		WHERE owner_id = $1 AND last_modified_at > $2 AND last_modified_at <= $3`)
	args := []any{ownerID, since, clock}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			args = append(args, string(t))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		b.WriteString(" AND entity_type IN (" + strings.Join(placeholders, ", ") + ")")
	}

	args = append(args, limit)
	b.WriteString(fmt.Sprintf(" ORDER BY last_modified_at ASC LIMIT $%d", len(args)))
	return b.String(), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(s scanner) (*sync.Entity, error) {
	var (
		e      sync.Entity
		typ    string
		status string
		data   []byte
	)
	if err := s.Scan(&e.ID, &e.ClientID, &typ, &data, &status, &e.LastModifiedAt); err != nil {
		return nil, err
	}
	e.Type = sync.EntityType(typ)
	e.Status = sync.Status(status)
	e.Data = data
	return &e, nil
}

// Apply держит блокировку строки часов владельца всю транзакцию. Параллельные
// push одного владельца выполняются по очереди, другие владельцы не ждут.
func (r *ownerRepository) Apply(ctx context.Context, fn func(ctx context.Context, tx sync.OwnerTx) error) error {
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var clock int64
		if err := tx.QueryRowContext(ctx, lockClockQuery, r.ownerID).Scan(&clock); err != nil {
			return fmt.Errorf("failed to lock owner clock: %w", err)
		}
		return fn(ctx, &ownerTx{tx: tx, ownerID: r.ownerID})
	})
}

func (r *ownerRepository) AppendLog(ctx context.Context, entry *sync.LogEntry) error {
	entry.OwnerID = r.ownerID
	err := r.db.QueryRowContext(ctx, insertLogQuery,
		r.ownerID,
		string(entry.Direction),
		entry.StartedAt,
		entry.FinishedAt,
		entry.Records,
		entry.Conflicts,
		string(entry.Status),
		entry.Error,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}
	return nil
}

func (r *ownerRepository) Logs(ctx context.Context, limit int) ([]sync.LogEntry, error) {
	rows, err := r.db.QueryContext(ctx, listLogsQuery, r.ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	defer rows.Close()

	var logs []sync.LogEntry
	for rows.Next() {
		var (
			l         sync.LogEntry
			direction string
			status    string
		)
		if err := rows.Scan(&l.ID, &l.OwnerID, &direction, &l.StartedAt, &l.FinishedAt, &l.Records, &l.Conflicts, &status, &l.Error); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		l.Direction = sync.Direction(direction)
		l.Status = sync.LogStatus(status)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (r *ownerRepository) Status(ctx context.Context) (*sync.OwnerStatus, error) {
	status := &sync.OwnerStatus{Counts: make(map[sync.EntityType]sync.TypeCount)}

	err := r.db.QueryRowContext(ctx, readClockQuery, r.ownerID).Scan(&status.Clock)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read owner clock: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, countsQuery, r.ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			typ, st string
			n       int
		)
		if err := rows.Scan(&typ, &st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan counts: %w", err)
		}
		c := status.Counts[sync.EntityType(typ)]
		if sync.Status(st) == sync.StatusDeleted {
			c.Deleted += n
		} else {
			c.Active += n
		}
		status.Counts[sync.EntityType(typ)] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logs, err := r.Logs(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(logs) > 0 {
		status.LastSync = &logs[0]
	}
	return status, nil
}

type ownerTx struct {
	tx      dbx.DBTX
	ownerID string
}

func (t *ownerTx) Get(ctx context.Context, typ sync.EntityType, clientID string) (*sync.Entity, error) {
	e, err := scanEntity(t.tx.QueryRowContext(ctx, getEntityQuery, t.ownerID, string(typ), clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	e.OwnerID = t.ownerID
	return e, nil
}

func (t *ownerTx) Insert(ctx context.Context, e *sync.Entity) error {
	_, err := t.tx.ExecContext(ctx, insertEntityQuery,
		e.ID, t.ownerID, string(e.Type), e.ClientID, jsonb(e.Data), string(e.Status), e.LastModifiedAt)
	return err
}

func (t *ownerTx) Update(ctx context.Context, e *sync.Entity) error {
	res, err := t.tx.ExecContext(ctx, updateEntityQuery,
		jsonb(e.Data), string(e.Status), e.LastModifiedAt, t.ownerID, string(e.Type), e.ClientID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sync.ErrNotFound
	}
	return nil
}

func (t *ownerTx) NextStamp(ctx context.Context) (int64, error) {
	var stamp int64
	if err := t.tx.QueryRowContext(ctx, nextStampQuery, t.ownerID).Scan(&stamp); err != nil {
		return 0, fmt.Errorf("failed to advance owner clock: %w", err)
	}
	return stamp, nil
}

func jsonb(data []byte) string {
	if len(data) == 0 {
		return "{}"
	}
	return string(data)
}
