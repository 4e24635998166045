package client

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"pensieve/internal/domain/sync"
	"pensieve/internal/infrastructure/dbx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	metaLocalClock   = "local_clock"
	metaLastPulledAt = "last_pulled_at"
	metaLastPushedAt = "last_pushed_at"
)

// LocalEntity - запись в том виде, в каком она хранится на устройстве.
type LocalEntity struct {
	Type             sync.EntityType `json:"type"`
	ClientID         string          `json:"clientId"`
	ServerID         string          `json:"serverId,omitempty"`
	Data             json.RawMessage `json:"data"`
	Status           sync.Status     `json:"status"`
	ServerModifiedAt int64           `json:"serverModifiedAt"`
	LocalSeq         int64           `json:"localSeq"`
	Dirty            bool            `json:"dirty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

func (e *LocalEntity) asEntity() sync.Entity {
	return sync.Entity{
		ID:             e.ServerID,
		ClientID:       e.ClientID,
		Type:           e.Type,
		Data:           e.Data,
		Status:         e.Status,
		LastModifiedAt: e.ServerModifiedAt,
	}
}

// LogEntry - строка локального журнала синхронизации.
type LogEntry struct {
	ID         int64         `json:"id"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Priority   sync.Priority `json:"priority"`
	Status     Status        `json:"status"`
	Pulled     int           `json:"pulled"`
	Pushed     int           `json:"pushed"`
	Conflicts  int           `json:"conflicts"`
	Retryable  bool          `json:"retryable"`
	Error      string        `json:"error,omitempty"`
}

// SQLiteStorage - журнал изменений устройства. Каждая локальная запись сдвигает
// локальные часы и помечает строку грязной до подтверждения сервером.
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// один писатель сериализует транзакции синхронизации и записи приложения
	db.SetMaxOpenConns(1)

	storage, err := NewSQLiteStorageFromDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return storage, nil
}

// NewSQLiteStorageFromDB применяет миграции к db и оборачивает ее. Драйвер
// выбирает вызывающий, тесты используют драйвер на чистом Go.
func NewSQLiteStorageFromDB(db *sql.DB) (*SQLiteStorage, error) {
	if err := migrateLedger(context.Background(), db); err != nil {
		return nil, err
	}
	return &SQLiteStorage{db: db, now: time.Now}, nil
}

func migrateLedger(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(database.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Put создает или обновляет запись и ставит ее в очередь на отправку.
func (s *SQLiteStorage) Put(ctx context.Context, typ sync.EntityType, clientID string, data json.RawMessage) (*LocalEntity, error) {
	candidate := sync.Changes{typ: {Updated: []sync.Entity{{ClientID: clientID, Data: data}}}}
	if err := candidate.Validate(); err != nil {
		return nil, err
	}

	var out *LocalEntity
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		seq, err := nextLocalSeq(ctx, tx)
		if err != nil {
			return err
		}
		now := s.now().UnixMilli()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entities (entity_type, client_id, data, status, local_seq, dirty, created_at, updated_at)
			VALUES (?, ?, ?, 'active', ?, 1, ?, ?)
			ON CONFLICT (entity_type, client_id) DO UPDATE SET
				data = excluded.data,
				status = 'active',
				local_seq = excluded.local_seq,
				dirty = 1,
				updated_at = excluded.updated_at`,
			string(typ), clientID, string(data), seq, now, now)
		if err != nil {
			return fmt.Errorf("put %s %s: %w", typ, clientID, err)
		}
		out, err = getLocal(ctx, tx, typ, clientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete превращает запись в грязное надгробие. Для неизвестной записи
// возвращается sync.ErrNotFound.
func (s *SQLiteStorage) Delete(ctx context.Context, typ sync.EntityType, clientID string) error {
	if err := typ.Validate(); err != nil {
		return err
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		seq, err := nextLocalSeq(ctx, tx)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE entities SET status = 'deleted', local_seq = ?, dirty = 1, updated_at = ?
			WHERE entity_type = ? AND client_id = ? AND status = 'active'`,
			seq, s.now().UnixMilli(), string(typ), clientID)
		if err != nil {
			return fmt.Errorf("delete %s %s: %w", typ, clientID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s %s", sync.ErrNotFound, typ, clientID)
		}
		return nil
	})
}

// Get возвращает sync.ErrNotFound, если записи нет.
func (s *SQLiteStorage) Get(ctx context.Context, typ sync.EntityType, clientID string) (*LocalEntity, error) {
	e, err := getLocal(ctx, s.db, typ, clientID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s %s", sync.ErrNotFound, typ, clientID)
	}
	return e, nil
}

// List возвращает записи одного типа или всех типов, если typ пустой.
func (s *SQLiteStorage) List(ctx context.Context, typ sync.EntityType, includeDeleted bool) ([]LocalEntity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE (? = '' OR entity_type = ?)`
	if !includeDeleted {
		query += ` AND status = 'active'`
	}
	query += ` ORDER BY entity_type, updated_at DESC, client_id`

	rows, err := s.db.QueryContext(ctx, query, string(typ), string(typ))
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []LocalEntity
	for rows.Next() {
		e, err := scanLocal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// PendingChanges возвращает все грязные записи в порядке локальных изменений.
func (s *SQLiteStorage) PendingChanges(ctx context.Context) ([]sync.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, client_id, server_id, data, status, local_seq
		FROM entities WHERE dirty = 1 ORDER BY local_seq`)
	if err != nil {
		return nil, sync.NewError(sync.OpScan, sync.KindInternal, err)
	}
	defer rows.Close()

	var out []sync.Record
	for rows.Next() {
		var (
			r      sync.Record
			typ    string
			data   string
			status string
		)
		if err := rows.Scan(&typ, &r.ClientID, &r.ServerID, &data, &status, &r.Seq); err != nil {
			return nil, sync.NewError(sync.OpScan, sync.KindInternal, err)
		}
		r.Type = sync.EntityType(typ)
		r.Deleted = sync.Status(status) == sync.StatusDeleted
		if !r.Deleted {
			r.Data = json.RawMessage(data)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, sync.NewError(sync.OpScan, sync.KindInternal, err)
	}
	return out, nil
}

// ApplyPage применяет одну страницу pull и сдвигает чекпоинт в той же
// транзакции. Грязные записи, измененные на сервере после того, как их
// видели в последний раз, перезаписываются и попадают в конфликты.
func (s *SQLiteStorage) ApplyPage(ctx context.Context, page *sync.PullResponse) ([]sync.Conflict, error) {
	var conflicts []sync.Conflict
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		conflicts = conflicts[:0]
		for _, ch := range remoteChanges(page.Changes) {
			c, err := s.applyRemote(ctx, tx, ch, false)
			if err != nil {
				return err
			}
			if c != nil {
				conflicts = append(conflicts, *c)
			}
		}
		return advanceMeta(ctx, tx, metaLastPulledAt, page.Timestamp)
	})
	if err != nil {
		return nil, sync.NewError(sync.OpApply, sync.KindInternal, err)
	}
	return conflicts, nil
}

// ApplyPushResult закрывает отправленный пакет. since - чекпоинт pull, с которым
// пакет был отправлен. Конфликтные записи получают серверную версию,
// эхо отправленных записей подтверждается, если их не правили в процессе,
// остальные отправленные записи очищаются, если их номер не изменился.
// Возвращает конфликты по записям, которые не входили в пакет.
func (s *SQLiteStorage) ApplyPushResult(ctx context.Context, since int64, pushed []sync.Record, resp *sync.PushResponse) ([]sync.Conflict, error) {
	seqs := make(map[sync.RecordKey]int64, len(pushed))
	for _, r := range pushed {
		seqs[r.Key()] = r.Seq
	}
	conflicted := make(map[sync.RecordKey]bool, len(resp.Conflicts))
	for _, c := range resp.Conflicts {
		conflicted[sync.RecordKey{Type: c.Entity, ClientID: c.RecordID}] = true
	}

	var extra []sync.Conflict
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		extra = extra[:0]
		seen := make(map[sync.RecordKey]bool)
		for _, ch := range remoteChanges(resp.Changes) {
			k := ch.key()
			seen[k] = true

			seq, wasPushed := seqs[k]
			switch {
			case conflicted[k]:
				if _, err := s.applyRemote(ctx, tx, ch, true); err != nil {
					return err
				}
			case wasPushed:
				if err := s.applyEcho(ctx, tx, ch, seq); err != nil {
					return err
				}
			default:
				c, err := s.applyRemote(ctx, tx, ch, false)
				if err != nil {
					return err
				}
				if c != nil {
					extra = append(extra, *c)
				}
			}
		}

		for _, r := range pushed {
			k := r.Key()
			if seen[k] || conflicted[k] {
				continue
			}
			if err := markSent(ctx, tx, r); err != nil {
				return err
			}
		}

		if !resp.HasMore {
			cur, err := getMeta(ctx, tx, metaLastPulledAt)
			if err != nil {
				return err
			}
			// только ответ, посчитанный от нашего чекпоинта, закрывает разрыв
			if cur == since {
				if err := advanceMeta(ctx, tx, metaLastPulledAt, resp.Timestamp); err != nil {
					return err
				}
			}
		}
		return advanceMeta(ctx, tx, metaLastPushedAt, resp.Timestamp)
	})
	if err != nil {
		return nil, sync.NewError(sync.OpApply, sync.KindInternal, err)
	}
	return extra, nil
}

// Checkpoint читает сохраненную позицию синхронизации. Новое устройство начинает с нуля.
func (s *SQLiteStorage) Checkpoint(ctx context.Context) (sync.Checkpoint, error) {
	var cp sync.Checkpoint
	var err error
	if cp.LastPulledAt, err = getMeta(ctx, s.db, metaLastPulledAt); err != nil {
		return cp, sync.NewError(sync.OpCheckpoint, sync.KindInternal, err)
	}
	if cp.LastPushedAt, err = getMeta(ctx, s.db, metaLastPushedAt); err != nil {
		return cp, sync.NewError(sync.OpCheckpoint, sync.KindInternal, err)
	}
	return cp, nil
}

// ResetCheckpoint забывает позицию, чтобы следующий цикл скачал все заново.
func (s *SQLiteStorage) ResetCheckpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM metadata WHERE key IN (?, ?)`, metaLastPulledAt, metaLastPushedAt)
	return err
}

func (s *SQLiteStorage) AppendLog(ctx context.Context, e *LogEntry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_log (started_at, finished_at, priority, status, pulled, pushed, conflicts, retryable, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.StartedAt.UnixMilli(), e.FinishedAt.UnixMilli(), string(e.Priority), string(e.Status),
		e.Pulled, e.Pushed, e.Conflicts, e.Retryable, e.Error)
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// Logs возвращает последние записи первыми.
func (s *SQLiteStorage) Logs(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, priority, status, pulled, pushed, conflicts, retryable, error
		FROM sync_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("read sync log: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e                 LogEntry
			started, finished int64
			priority, status  string
		)
		if err := rows.Scan(&e.ID, &started, &finished, &priority, &status,
			&e.Pulled, &e.Pushed, &e.Conflicts, &e.Retryable, &e.Error); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		e.StartedAt = time.UnixMilli(started)
		e.FinishedAt = time.UnixMilli(finished)
		e.Priority = sync.Priority(priority)
		e.Status = Status(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// remoteChange - одно изменение с сервера. Пустая сущность означает удаление.
type remoteChange struct {
	typ      sync.EntityType
	clientID string
	entity   *sync.Entity
}

func (c remoteChange) key() sync.RecordKey {
	return sync.RecordKey{Type: c.typ, ClientID: c.clientID}
}

func remoteChanges(changes sync.Changes) []remoteChange {
	out := make([]remoteChange, 0, changes.Count())
	for _, t := range changes.Types() {
		cs := changes[t]
		for i := range cs.Updated {
			out = append(out, remoteChange{typ: t, clientID: cs.Updated[i].ClientID, entity: &cs.Updated[i]})
		}
		for _, id := range cs.Deleted {
			out = append(out, remoteChange{typ: t, clientID: id})
		}
	}
	return out
}

// applyRemote применяет изменение с сервера. Без force грязная локальная
// запись переживает серверную версию, которую уже видела.
func (s *SQLiteStorage) applyRemote(ctx context.Context, tx dbx.DBTX, ch remoteChange, force bool) (*sync.Conflict, error) {
	local, err := getLocal(ctx, tx, ch.typ, ch.clientID)
	if err != nil {
		return nil, err
	}
	if local == nil {
		if ch.entity == nil {
			return nil, nil
		}
		return nil, s.insertClean(ctx, tx, ch)
	}

	var conflict *sync.Conflict
	if local.Dirty && !force {
		switch {
		case ch.entity == nil && local.Status == sync.StatusDeleted:
			return nil, s.overwriteClean(ctx, tx, local, ch)
		case ch.entity != nil && ch.entity.LastModifiedAt <= local.ServerModifiedAt:
			return nil, fillServerID(ctx, tx, local, ch.entity.ID)
		case ch.entity != nil && local.asEntity().SameContent(*ch.entity):
			// на сервере уже лежит эта правка, например ответ на push потерялся
			return nil, s.overwriteClean(ctx, tx, local, ch)
		}
		conflict = &sync.Conflict{Entity: ch.typ, RecordID: ch.clientID, Resolution: sync.ResolutionServerWins}
	}
	return conflict, s.overwriteClean(ctx, tx, local, ch)
}

// applyEcho обрабатывает отправленную запись, вернувшуюся в ответе на push.
func (s *SQLiteStorage) applyEcho(ctx context.Context, tx dbx.DBTX, ch remoteChange, pushedSeq int64) error {
	local, err := getLocal(ctx, tx, ch.typ, ch.clientID)
	if err != nil {
		return err
	}
	if local == nil {
		if ch.entity == nil {
			return nil
		}
		return s.insertClean(ctx, tx, ch)
	}
	if local.LocalSeq == pushedSeq {
		return s.overwriteClean(ctx, tx, local, ch)
	}

	// запись правили, пока шел push, правка остается в очереди
	if ch.entity == nil {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE entities SET server_id = ?, server_modified_at = ?
		WHERE entity_type = ? AND client_id = ?`,
		ch.entity.ID, ch.entity.LastModifiedAt, string(ch.typ), ch.clientID)
	return err
}

func (s *SQLiteStorage) insertClean(ctx context.Context, tx dbx.DBTX, ch remoteChange) error {
	now := s.now().UnixMilli()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO entities (entity_type, client_id, server_id, data, status, server_modified_at, dirty, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'active', ?, 0, ?, ?)`,
		string(ch.typ), ch.clientID, ch.entity.ID, string(ch.entity.Data), ch.entity.LastModifiedAt, now, now)
	if err != nil {
		return fmt.Errorf("insert %s %s: %w", ch.typ, ch.clientID, err)
	}
	return nil
}

func (s *SQLiteStorage) overwriteClean(ctx context.Context, tx dbx.DBTX, local *LocalEntity, ch remoteChange) error {
	now := s.now().UnixMilli()
	var err error
	if ch.entity == nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE entities SET status = 'deleted', dirty = 0, updated_at = ?
			WHERE entity_type = ? AND client_id = ?`,
			now, string(local.Type), local.ClientID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE entities SET server_id = ?, data = ?, status = 'active', server_modified_at = ?, dirty = 0, updated_at = ?
			WHERE entity_type = ? AND client_id = ?`,
			ch.entity.ID, string(ch.entity.Data), ch.entity.LastModifiedAt, now, string(local.Type), local.ClientID)
	}
	if err != nil {
		return fmt.Errorf("overwrite %s %s: %w", local.Type, local.ClientID, err)
	}
	return nil
}

func fillServerID(ctx context.Context, tx dbx.DBTX, local *LocalEntity, serverID string) error {
	if local.ServerID != "" || serverID == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `UPDATE entities SET server_id = ? WHERE entity_type = ? AND client_id = ?`,
		serverID, string(local.Type), local.ClientID)
	return err
}

// markSent снимает флаг dirty, если запись не менялась после чтения.
func markSent(ctx context.Context, tx dbx.DBTX, r sync.Record) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE entities SET dirty = 0
		WHERE entity_type = ? AND client_id = ? AND local_seq = ? AND dirty = 1`,
		string(r.Type), r.ClientID, r.Seq)
	if err != nil {
		return fmt.Errorf("mark sent %s %s: %w", r.Type, r.ClientID, err)
	}
	return nil
}

const entityColumns = `entity_type, client_id, server_id, data, status, server_modified_at, local_seq, dirty, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocal(row rowScanner) (*LocalEntity, error) {
	var (
		e                 LocalEntity
		typ, data, status string
		created, updated  int64
	)
	if err := row.Scan(&typ, &e.ClientID, &e.ServerID, &data, &status, &e.ServerModifiedAt,
		&e.LocalSeq, &e.Dirty, &created, &updated); err != nil {
		return nil, err
	}
	e.Type = sync.EntityType(typ)
	e.Data = json.RawMessage(data)
	e.Status = sync.Status(status)
	e.CreatedAt = time.UnixMilli(created)
	e.UpdatedAt = time.UnixMilli(updated)
	return &e, nil
}

func getLocal(ctx context.Context, q dbx.DBTX, typ sync.EntityType, clientID string) (*LocalEntity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE entity_type = ? AND client_id = ?`,
		string(typ), clientID)
	e, err := scanLocal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", typ, clientID, err)
	}
	return e, nil
}

func getMeta(ctx context.Context, q dbx.DBTX, key string) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}

// advanceMeta никогда не двигает чекпоинт назад.
func advanceMeta(ctx context.Context, q dbx.DBTX, key string, v int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = MAX(value, excluded.value)`, key, v)
	if err != nil {
		return fmt.Errorf("advance %s: %w", key, err)
	}
	return nil
}

func nextLocalSeq(ctx context.Context, q dbx.DBTX) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, 1)
		ON CONFLICT (key) DO UPDATE SET value = value + 1
		RETURNING value`, metaLocalClock).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next local seq: %w", err)
	}
	return seq, nil
}
