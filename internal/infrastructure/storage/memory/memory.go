// Package memory - sync.Store в памяти процесса для тестов и запуска на одном узле.
package memory

import (
	"context"
	"errors"
	"sort"
	gosync "sync"
	"time"

	"pensieve/internal/domain/sync"
)

var errDuplicate = errors.New("record already exists")

type recordKey struct {
	typ      sync.EntityType
	clientID string
}

type ownerData struct {
	clock   int64
	records map[recordKey]sync.Entity
}

func (o *ownerData) clone() *ownerData {
	c := &ownerData{clock: o.clock, records: make(map[recordKey]sync.Entity, len(o.records))}
	for k, v := range o.records {
		c.records[k] = v
	}
	return c
}

// Store держит всех владельцев в памяти. Apply берет общую блокировку и
// коммитит, подменяя владельца подготовленной копией.
type Store struct {
	mu     gosync.Mutex
	owners map[string]*ownerData
	logs   []sync.LogEntry
	logSeq int64
}

func New() *Store {
	return &Store{owners: make(map[string]*ownerData)}
}

func (s *Store) Owner(ownerID string) sync.OwnerStore {
	return &ownerStore{store: s, ownerID: ownerID}
}

func (s *Store) PruneLogs(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.logs[:0]
	var removed int64
	for _, l := range s.logs {
		if l.FinishedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	s.logs = kept
	return removed, nil
}

func (s *Store) owner(id string) *ownerData {
	o, ok := s.owners[id]
	if !ok {
		o = &ownerData{records: make(map[recordKey]sync.Entity)}
		s.owners[id] = o
	}
	return o
}

type ownerStore struct {
	store   *Store
	ownerID string
}

func (o *ownerStore) Changes(ctx context.Context, since int64, types []sync.EntityType, limit int) (*sync.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.store.mu.Lock()
	defer o.store.mu.Unlock()

	data := o.store.owner(o.ownerID)
	allowed := make(map[sync.EntityType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}

	var entities []sync.Entity
	for _, e := range data.records {
		if e.LastModifiedAt <= since {
			continue
		}
		if len(allowed) > 0 && !allowed[e.Type] {
			continue
		}
		entities = append(entities, e)
	}
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].LastModifiedAt < entities[j].LastModifiedAt
	})
	if limit > 0 && len(entities) > limit {
		entities = entities[:limit]
	}
	return &sync.Page{Entities: entities, Clock: data.clock}, nil
}

func (o *ownerStore) Apply(ctx context.Context, fn func(ctx context.Context, tx sync.OwnerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.store.mu.Lock()
	defer o.store.mu.Unlock()

	staged := o.store.owner(o.ownerID).clone()
	if err := fn(ctx, &ownerTx{ownerID: o.ownerID, data: staged}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	o.store.owners[o.ownerID] = staged
	return nil
}

func (o *ownerStore) AppendLog(_ context.Context, entry *sync.LogEntry) error {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()

	o.store.logSeq++
	entry.ID = o.store.logSeq
	entry.OwnerID = o.ownerID
	o.store.logs = append(o.store.logs, *entry)
	return nil
}

func (o *ownerStore) Logs(_ context.Context, limit int) ([]sync.LogEntry, error) {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()

	var out []sync.LogEntry
	for i := len(o.store.logs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if o.store.logs[i].OwnerID == o.ownerID {
			out = append(out, o.store.logs[i])
		}
	}
	return out, nil
}

func (o *ownerStore) Status(ctx context.Context) (*sync.OwnerStatus, error) {
	o.store.mu.Lock()
	data := o.store.owner(o.ownerID)
	status := &sync.OwnerStatus{Clock: data.clock, Counts: make(map[sync.EntityType]sync.TypeCount)}
	for _, e := range data.records {
		c := status.Counts[e.Type]
		if e.Status == sync.StatusDeleted {
			c.Deleted++
		} else {
			c.Active++
		}
		status.Counts[e.Type] = c
	}
	o.store.mu.Unlock()

	logs, err := o.Logs(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(logs) > 0 {
		status.LastSync = &logs[0]
	}
	return status, nil
}

type ownerTx struct {
	ownerID string
	data    *ownerData
}

func (t *ownerTx) Get(_ context.Context, typ sync.EntityType, clientID string) (*sync.Entity, error) {
	e, ok := t.data.records[recordKey{typ: typ, clientID: clientID}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (t *ownerTx) Insert(_ context.Context, e *sync.Entity) error {
	k := recordKey{typ: e.Type, clientID: e.ClientID}
	if _, ok := t.data.records[k]; ok {
		return sync.NewError(sync.OpApply, sync.KindConflict, errDuplicate)
	}
	stored := *e
	stored.OwnerID = t.ownerID
	t.data.records[k] = stored
	return nil
}

func (t *ownerTx) Update(_ context.Context, e *sync.Entity) error {
	k := recordKey{typ: e.Type, clientID: e.ClientID}
	if _, ok := t.data.records[k]; !ok {
		return sync.ErrNotFound
	}
	t.data.records[k] = *e
	return nil
}

func (t *ownerTx) NextStamp(context.Context) (int64, error) {
	t.data.clock++
	return t.data.clock, nil
}
