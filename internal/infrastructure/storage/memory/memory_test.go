package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pensieve/internal/domain/sync"
)

func insert(t *testing.T, o sync.OwnerStore, typ sync.EntityType, id string) int64 {
	t.Helper()
	var stamp int64
	err := o.Apply(context.Background(), func(ctx context.Context, tx sync.OwnerTx) error {
		var err error
		stamp, err = tx.NextStamp(ctx)
		if err != nil {
			return err
		}
		return tx.Insert(ctx, &sync.Entity{ID: id, ClientID: id, Type: typ, Data: json.RawMessage(`{}`), Status: sync.StatusActive, LastModifiedAt: stamp})
	})
	require.NoError(t, err)
	return stamp
}

func TestStore_ApplyRollsBackOnError(t *testing.T) {
	s := New()
	o := s.Owner("alice")
	ctx := context.Background()

	err := o.Apply(ctx, func(ctx context.Context, tx sync.OwnerTx) error {
		stamp, _ := tx.NextStamp(ctx)
		require.NoError(t, tx.Insert(ctx, &sync.Entity{ClientID: "a", Type: sync.EntityTodo, LastModifiedAt: stamp}))
		return errors.New("boom")
	})
	require.Error(t, err)

	page, err := o.Changes(ctx, 0, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Entities)
	assert.Zero(t, page.Clock, "the clock is rolled back too")
}

func TestStore_ChangesOrderingAndFilter(t *testing.T) {
	s := New()
	o := s.Owner("alice")
	ctx := context.Background()

	insert(t, o, sync.EntityTodo, "t1")
	insert(t, o, sync.EntityIdea, "i1")
	insert(t, o, sync.EntityTodo, "t2")

	page, err := o.Changes(ctx, 0, nil, 10)
	require.NoError(t, err)
	require.Len(t, page.Entities, 3)
	assert.Equal(t, []string{"t1", "i1", "t2"}, []string{page.Entities[0].ClientID, page.Entities[1].ClientID, page.Entities[2].ClientID})
	assert.Equal(t, int64(3), page.Clock)

	page, err = o.Changes(ctx, 1, []sync.EntityType{sync.EntityTodo}, 10)
	require.NoError(t, err)
	require.Len(t, page.Entities, 1)
	assert.Equal(t, "t2", page.Entities[0].ClientID)

	page, err = o.Changes(ctx, 0, nil, 2)
	require.NoError(t, err)
	assert.Len(t, page.Entities, 2)
}

func TestStore_DuplicateInsert(t *testing.T) {
	s := New()
	o := s.Owner("alice")
	insert(t, o, sync.EntityTodo, "t1")

	err := o.Apply(context.Background(), func(ctx context.Context, tx sync.OwnerTx) error {
		return tx.Insert(ctx, &sync.Entity{ClientID: "t1", Type: sync.EntityTodo})
	})
	assert.Equal(t, sync.KindConflict, sync.KindOf(err))
}

func TestStore_OwnerIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()
	insert(t, s.Owner("alice"), sync.EntityTodo, "t1")

	page, err := s.Owner("bob").Changes(ctx, 0, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Entities)

	err = s.Owner("bob").Apply(ctx, func(ctx context.Context, tx sync.OwnerTx) error {
		e, err := tx.Get(ctx, sync.EntityTodo, "t1")
		assert.Nil(t, e)
		return err
	})
	require.NoError(t, err)
}

func TestStore_LogsAndStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	alice := s.Owner("alice")
	insert(t, alice, sync.EntityTodo, "t1")

	now := time.Now()
	require.NoError(t, alice.AppendLog(ctx, &sync.LogEntry{Direction: sync.DirectionPush, FinishedAt: now.Add(-time.Hour)}))
	require.NoError(t, s.Owner("bob").AppendLog(ctx, &sync.LogEntry{Direction: sync.DirectionPull, FinishedAt: now}))
	require.NoError(t, alice.AppendLog(ctx, &sync.LogEntry{Direction: sync.DirectionPull, FinishedAt: now}))

	logs, err := alice.Logs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, sync.DirectionPull, logs[0].Direction)
	assert.Equal(t, "alice", logs[0].OwnerID)

	status, err := alice.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Clock)
	assert.Equal(t, sync.TypeCount{Active: 1}, status.Counts[sync.EntityTodo])
	require.NotNil(t, status.LastSync)
	assert.Equal(t, logs[0].ID, status.LastSync.ID)

	removed, err := s.PruneLogs(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestStore_ApplyHonoursCancellation(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.Owner("alice").Apply(ctx, func(context.Context, sync.OwnerTx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
