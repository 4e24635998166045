package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pensieve/internal/app/client/config"
	"pensieve/internal/app/client/retry"
	"pensieve/internal/app/server/api"
	"pensieve/internal/app/server/api/http/middleware/auth"
	"pensieve/internal/domain/sync"
	"pensieve/internal/infrastructure/storage/memory"
)

var integrationSecret = []byte("integration-secret")

func newSyncServer(t *testing.T, cfg *sync.ServiceConfig) *httptest.Server {
	t.Helper()
	log := discardLogger()
	svc := sync.NewService(memory.New(), log, cfg)
	srv := httptest.NewServer(api.New(api.Deps{Service: svc, JWTSecret: integrationSecret, Log: log}))
	t.Cleanup(srv.Close)
	return srv
}

type device struct {
	t         *testing.T
	store     *SQLiteStorage
	transport *httpClient
	coord     *Coordinator
}

func newDevice(t *testing.T, url, owner string, wrap func(Transport) Transport) *device {
	t.Helper()
	token, err := auth.GenerateToken(owner, integrationSecret, time.Hour)
	require.NoError(t, err)

	h, err := NewHTTPClient(&config.Config{ServerAddress: url, RequestTimeout: 5 * time.Second}, StaticToken(token), discardLogger())
	require.NoError(t, err)

	var tr Transport = h
	if wrap != nil {
		tr = wrap(h)
	}
	store := newTestStorage(t)
	coord := NewCoordinator(store, tr, StaticToken(token), CoordinatorConfig{
		PageSize:  10,
		BatchSize: 4,
		Retry:     retry.New(0, time.Millisecond),
	}, discardLogger())
	return &device{t: t, store: store, transport: h, coord: coord}
}

func (d *device) sync() *Result {
	d.t.Helper()
	res := d.coord.Sync(context.Background(), sync.PriorityHigh)
	require.Equal(d.t, StatusCompleted, res.Status, "%v", res.Err)
	return res
}

func (d *device) put(typ sync.EntityType, id, data string) {
	d.t.Helper()
	_, err := d.store.Put(context.Background(), typ, id, raw(data))
	require.NoError(d.t, err)
}

// snapshot выводит активные записи устройства для сравнения.
func (d *device) snapshot() []string {
	d.t.Helper()
	list, err := d.store.List(context.Background(), "", false)
	require.NoError(d.t, err)
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, fmt.Sprintf("%s/%s=%s", e.Type, e.ClientID, e.Data))
	}
	sort.Strings(out)
	return out
}

func TestSync_TwoDevicesConverge(t *testing.T) {
	srv := newSyncServer(t, nil)
	a := newDevice(t, srv.URL, "owner-1", nil)
	b := newDevice(t, srv.URL, "owner-1", nil)
	other := newDevice(t, srv.URL, "owner-2", nil)

	for i := range 15 {
		a.put(sync.EntityCapture, fmt.Sprintf("c%02d", i), fmt.Sprintf(`{"n":%d}`, i))
	}
	a.put(sync.EntityTodo, "t1", `{"title":"milk"}`)
	a.put(sync.EntityTodo, "t2", `{"title":"bread"}`)

	res := a.sync()
	assert.Equal(t, 17, res.Pushed)
	assert.Empty(t, res.Conflicts)

	res = b.sync()
	assert.Equal(t, 17, res.Pulled)
	assert.Equal(t, a.snapshot(), b.snapshot())

	b.put(sync.EntityCapture, "c01", `{"n":100}`)
	require.NoError(t, b.store.Delete(context.Background(), sync.EntityTodo, "t1"))
	res = b.sync()
	assert.Equal(t, 2, res.Pushed)

	a.sync()
	assert.Equal(t, b.snapshot(), a.snapshot())
	deleted, err := a.store.Get(context.Background(), sync.EntityTodo, "t1")
	require.NoError(t, err)
	assert.Equal(t, sync.StatusDeleted, deleted.Status)

	// обмениваться больше нечем
	for _, d := range []*device{a, b} {
		res = d.sync()
		assert.Zero(t, res.Pulled)
		assert.Zero(t, res.Pushed)
		assert.Empty(t, res.Conflicts)
	}

	// владельцы не видят данные друг друга
	res = other.sync()
	assert.Zero(t, res.Pulled)
	assert.Empty(t, other.snapshot())
}

func TestSync_ConcurrentEditServerWins(t *testing.T) {
	srv := newSyncServer(t, nil)
	a := newDevice(t, srv.URL, "owner-1", nil)
	b := newDevice(t, srv.URL, "owner-1", nil)

	a.put(sync.EntityIdea, "i1", `{"v":"base"}`)
	a.sync()
	b.sync()

	// оба правят офлайн, a первым доходит до сервера
	a.put(sync.EntityIdea, "i1", `{"v":"from a"}`)
	b.put(sync.EntityIdea, "i1", `{"v":"from b"}`)
	a.sync()

	res := b.sync()
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, sync.Conflict{Entity: sync.EntityIdea, RecordID: "i1", Resolution: sync.ResolutionServerWins}, res.Conflicts[0])

	got, err := b.store.Get(context.Background(), sync.EntityIdea, "i1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"from a"}`, string(got.Data))
	assert.False(t, got.Dirty)
	assert.Equal(t, a.snapshot(), b.snapshot())
}

func TestSync_DeleteWhileEditedElsewhere(t *testing.T) {
	srv := newSyncServer(t, nil)
	a := newDevice(t, srv.URL, "owner-1", nil)
	b := newDevice(t, srv.URL, "owner-1", nil)

	a.put(sync.EntityThought, "th1", `{"v":1}`)
	a.sync()
	b.sync()

	require.NoError(t, a.store.Delete(context.Background(), sync.EntityThought, "th1"))
	b.put(sync.EntityThought, "th1", `{"v":2}`)
	a.sync()

	res := b.sync()
	require.Len(t, res.Conflicts, 1)
	got, err := b.store.Get(context.Background(), sync.EntityThought, "th1")
	require.NoError(t, err)
	assert.Equal(t, sync.StatusDeleted, got.Status)
	assert.Empty(t, b.snapshot())
	assert.Empty(t, a.snapshot())
}

// lossyTransport применяет push на сервере, но теряет первый ответ.
type lossyTransport struct {
	Transport
	dropped bool
}

func (l *lossyTransport) Push(ctx context.Context, req sync.PushRequest, p sync.Priority) (*sync.PushResponse, error) {
	resp, err := l.Transport.Push(ctx, req, p)
	if err != nil || l.dropped {
		return resp, err
	}
	l.dropped = true
	return nil, sync.NewError(sync.OpPush, sync.KindNetwork, errors.New("connection reset by peer"))
}

func TestSync_ResumeAfterLostPushResponse(t *testing.T) {
	srv := newSyncServer(t, nil)
	a := newDevice(t, srv.URL, "owner-1", func(tr Transport) Transport { return &lossyTransport{Transport: tr} })

	for i := range 3 {
		a.put(sync.EntityCapture, fmt.Sprintf("c%d", i), `{"text":"hello"}`)
	}

	failed := a.coord.Sync(context.Background(), sync.PriorityLow)
	require.Equal(t, StatusFailed, failed.Status)
	assert.True(t, failed.Transient())

	pending, err := a.store.PendingChanges(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 3, "changes stay queued until acknowledged")

	res := a.sync()
	assert.Empty(t, res.Conflicts)
	pending, err = a.store.PendingChanges(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	status, err := a.transport.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, status.Counts[sync.EntityCapture].Active)
}

func TestSync_TruncatedPushResponse(t *testing.T) {
	// страницы меньше пакета push обрезают эхо в ответе на push
	srv := newSyncServer(t, &sync.ServiceConfig{PageSize: 3, MaxPageSize: 3, LogLimit: 10})
	a := newDevice(t, srv.URL, "owner-1", nil)
	b := newDevice(t, srv.URL, "owner-1", nil)

	for i := range 12 {
		a.put(sync.EntityTodo, fmt.Sprintf("t%02d", i), `{"done":false}`)
	}
	res := a.sync()
	assert.Equal(t, 12, res.Pushed)
	assert.Empty(t, res.Conflicts)

	pending, err := a.store.PendingChanges(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	cp, err := a.store.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), cp.LastPulledAt)

	b.put(sync.EntityTodo, "mine", `{"done":true}`)
	res = b.sync()
	assert.Equal(t, 12, res.Pulled)
	assert.Empty(t, res.Conflicts)

	a.sync()
	assert.Equal(t, a.snapshot(), b.snapshot())
	assert.Len(t, b.snapshot(), 13)
}

// hookTransport вызывает beforePush перед каждым push.
type hookTransport struct {
	Transport
	beforePush func()
}

func (h *hookTransport) Push(ctx context.Context, req sync.PushRequest, p sync.Priority) (*sync.PushResponse, error) {
	if h.beforePush != nil {
		h.beforePush()
	}
	return h.Transport.Push(ctx, req, p)
}

func TestSync_QueuedRecordResolvedByEarlierBatch(t *testing.T) {
	srv := newSyncServer(t, nil)
	hook := &hookTransport{}
	a := newDevice(t, srv.URL, "owner-1", func(tr Transport) Transport {
		hook.Transport = tr
		return hook
	})
	b := newDevice(t, srv.URL, "owner-1", nil)

	for i := range 5 {
		a.put(sync.EntityIdea, fmt.Sprintf("x%d", i), `{"v":"base"}`)
	}
	a.sync()
	b.sync()

	// x4 попадает во второй пакет a
	for i := range 5 {
		a.put(sync.EntityIdea, fmt.Sprintf("x%d", i), `{"v":"from a"}`)
	}
	b.put(sync.EntityIdea, "x4", `{"v":"from b"}`)

	// b доходит до сервера, пока a отправляет первый пакет
	hook.beforePush = func() {
		hook.beforePush = nil
		b.sync()
	}
	res := a.sync()

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, sync.Conflict{Entity: sync.EntityIdea, RecordID: "x4", Resolution: sync.ResolutionServerWins}, res.Conflicts[0])
	assert.Equal(t, 4, res.Pushed)

	b.sync()
	for _, d := range []*device{a, b} {
		got, err := d.store.Get(context.Background(), sync.EntityIdea, "x4")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":"from b"}`, string(got.Data))
		assert.False(t, got.Dirty)
	}
	assert.Equal(t, a.snapshot(), b.snapshot())

	res = a.sync()
	assert.Zero(t, res.Pushed)
}

// convergence выполняет случайную последовательность правок и синхронизаций
// на двух устройствах и запоминает локальные значения, проигравшие конфликт server_wins.
type convergence struct {
	t       *testing.T
	rng     *rand.Rand
	devices []*device
	hooks   []*hookTransport
	values  int
	lost    map[string]bool
	nested  bool
}

var convergenceIDs = []struct {
	typ sync.EntityType
	id  string
}{
	{sync.EntityCapture, "c1"}, {sync.EntityCapture, "c2"}, {sync.EntityCapture, "c3"},
	{sync.EntityThought, "th1"}, {sync.EntityThought, "th2"},
	{sync.EntityIdea, "i1"}, {sync.EntityIdea, "i2"},
	{sync.EntityTodo, "t1"}, {sync.EntityTodo, "t2"}, {sync.EntityTodo, "t3"},
}

func newConvergence(t *testing.T, seed uint64) *convergence {
	srv := newSyncServer(t, nil)
	cv := &convergence{
		t:    t,
		rng:  rand.New(rand.NewPCG(seed, seed)),
		lost: make(map[string]bool),
	}
	for range 2 {
		hook := &hookTransport{}
		d := newDevice(t, srv.URL, "owner-1", func(tr Transport) Transport {
			hook.Transport = tr
			return hook
		})
		cv.devices = append(cv.devices, d)
		cv.hooks = append(cv.hooks, hook)
	}
	for i := range cv.hooks {
		other := cv.devices[1-i]
		cv.hooks[i].beforePush = func() {
			// иногда второе устройство синхронизируется, пока первое делает push
			if cv.nested || cv.rng.IntN(4) != 0 {
				return
			}
			cv.nested = true
			cv.sync(other)
			cv.nested = false
		}
	}
	return cv
}

func (cv *convergence) sync(d *device) {
	pending, err := d.store.PendingChanges(context.Background())
	require.NoError(cv.t, err)
	local := make(map[sync.RecordKey]sync.Record, len(pending))
	for _, r := range pending {
		local[r.Key()] = r
	}

	res := d.sync()
	for _, c := range res.Conflicts {
		require.Equal(cv.t, sync.ResolutionServerWins, c.Resolution)
		if r, ok := local[sync.RecordKey{Type: c.Entity, ClientID: c.RecordID}]; ok && !r.Deleted {
			cv.lost[string(r.Data)] = true
		}
	}
}

func (cv *convergence) step() {
	d := cv.devices[cv.rng.IntN(len(cv.devices))]
	rec := convergenceIDs[cv.rng.IntN(len(convergenceIDs))]

	switch n := cv.rng.IntN(10); {
	case n < 5:
		cv.values++
		d.put(rec.typ, rec.id, fmt.Sprintf(`{"v":%d}`, cv.values))
	case n < 7:
		got, err := d.store.Get(context.Background(), rec.typ, rec.id)
		if errors.Is(err, sync.ErrNotFound) || (err == nil && got.Status == sync.StatusDeleted) {
			return
		}
		require.NoError(cv.t, err)
		require.NoError(cv.t, d.store.Delete(context.Background(), rec.typ, rec.id))
	default:
		cv.sync(d)
	}
}

func TestSync_RandomSchedulesConverge(t *testing.T) {
	for seed := uint64(1); seed <= 8; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			cv := newConvergence(t, seed)
			for range 60 {
				cv.step()
			}

			// сходимся без чередования
			for _, h := range cv.hooks {
				h.beforePush = nil
			}
			a, b := cv.devices[0], cv.devices[1]
			cv.sync(a)
			cv.sync(b)
			cv.sync(a)

			for _, d := range cv.devices {
				res := d.sync()
				assert.Zero(t, res.Pulled)
				assert.Zero(t, res.Pushed)
				assert.Empty(t, res.Conflicts)
				pending, err := d.store.PendingChanges(context.Background())
				require.NoError(t, err)
				assert.Empty(t, pending)
			}

			snapshot := a.snapshot()
			assert.Equal(t, snapshot, b.snapshot())

			list, err := a.store.List(context.Background(), "", false)
			require.NoError(t, err)
			active := make(map[sync.EntityType]int)
			for _, e := range list {
				active[e.Type]++
				assert.False(t, cv.lost[string(e.Data)], "%s/%s holds a value that lost a conflict", e.Type, e.ClientID)
			}

			status, err := a.transport.Status(context.Background())
			require.NoError(t, err)
			for _, typ := range sync.EntityTypes {
				assert.Equal(t, active[typ], status.Counts[typ].Active, "active %s records", typ)
			}
		})
	}
}
