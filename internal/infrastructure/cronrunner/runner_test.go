package cronrunner

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

type ctxKey struct{}

func TestRunner_RunsJobsWithBaseContext(t *testing.T) {
	base := context.WithValue(context.Background(), ctxKey{}, "base")
	r := New(slog.New(slog.NewTextHandler(io.Discard, nil)), base)

	var runs atomic.Int32
	var sawBase atomic.Bool
	_, err := r.Add("@every 1s", func(ctx context.Context) {
		sawBase.Store(ctx.Value(ctxKey{}) == "base")
		runs.Add(1)
	})
	require.NoError(t, err)

	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	assert.True(t, sawBase.Load())
}

func TestRunner_InvalidSpec(t *testing.T) {
	r := New(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	_, err := r.Add("every now and then", func(context.Context) {})
	assert.Error(t, err)
}

func TestRunner_RecoversPanics(t *testing.T) {
	r := New(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	var after atomic.Int32
	_, err := r.Add("@every 1s", func(context.Context) {
		after.Add(1)
		panic("job failed")
	})
	require.NoError(t, err)

	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool { return after.Load() >= 2 }, 4*time.Second, 20*time.Millisecond,
		"the schedule keeps running after a panic")
}
