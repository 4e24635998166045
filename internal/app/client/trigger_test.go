package client

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pensieve/internal/domain/sync"
)

type fakeSyncer struct {
	mu    gosync.Mutex
	prios []sync.Priority
	fn    func(n int) *Result
}

func (f *fakeSyncer) Sync(_ context.Context, p sync.Priority) *Result {
	f.mu.Lock()
	f.prios = append(f.prios, p)
	n := len(f.prios)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return &Result{Status: StatusCompleted, Priority: p}
	}
	return fn(n)
}

func (f *fakeSyncer) calls() []sync.Priority {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sync.Priority(nil), f.prios...)
}

type chanObserver chan bool

func (c chanObserver) Watch(context.Context) <-chan bool {
	return c
}

func startScheduler(t *testing.T, syncer Syncer, observer Observer, cfg SchedulerConfig) *Scheduler {
	t.Helper()
	s := NewScheduler(syncer, observer, cfg, discardLogger())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func TestScheduler_CoalescesRequestsWhileSyncing(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	syncer := &fakeSyncer{fn: func(int) *Result {
		entered <- struct{}{}
		<-release
		return &Result{Status: StatusCompleted}
	}}
	s := startScheduler(t, syncer, nil, SchedulerConfig{})

	require.True(t, s.Request(sync.PriorityHigh))
	<-entered
	assert.Equal(t, StateSyncing, s.State())

	assert.False(t, s.Request(sync.PriorityHigh))
	assert.False(t, s.Request(sync.PriorityLow))

	close(release)
	assert.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []sync.Priority{sync.PriorityHigh}, syncer.calls())
}

func TestScheduler_BacksOffAfterTransientFailure(t *testing.T) {
	results := make(chan *Result, 4)
	syncer := &fakeSyncer{fn: func(n int) *Result {
		if n == 1 {
			return &Result{Status: StatusFailed, Kind: sync.KindNetwork}
		}
		return &Result{Status: StatusCompleted}
	}}
	s := startScheduler(t, syncer, nil, SchedulerConfig{
		BackoffBase: 30 * time.Millisecond,
		OnResult:    func(r *Result) { results <- r },
	})

	require.True(t, s.Request(sync.PriorityLow))
	first := <-results
	assert.Equal(t, StatusFailed, first.Status)
	assert.Eventually(t, func() bool { return s.State() == StateBackoff }, time.Second, time.Millisecond)

	// следующий цикл запускает только таймер
	select {
	case second := <-results:
		assert.Equal(t, StatusCompleted, second.Status)
	case <-time.After(time.Second):
		t.Fatal("no cycle after backoff")
	}
	assert.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, time.Millisecond)
	assert.Len(t, syncer.calls(), 2)
}

func TestScheduler_TriggerEndsBackoff(t *testing.T) {
	results := make(chan *Result, 4)
	syncer := &fakeSyncer{fn: func(n int) *Result {
		if n == 1 {
			return &Result{Status: StatusFailed, Kind: sync.KindTimeout}
		}
		return &Result{Status: StatusCompleted}
	}}
	s := startScheduler(t, syncer, nil, SchedulerConfig{
		BackoffBase: time.Hour,
		OnResult:    func(r *Result) { results <- r },
	})

	require.True(t, s.Request(sync.PriorityLow))
	<-results
	require.Eventually(t, func() bool { return s.State() == StateBackoff }, time.Second, time.Millisecond)

	require.True(t, s.Request(sync.PriorityHigh))
	select {
	case r := <-results:
		assert.Equal(t, StatusCompleted, r.Status)
	case <-time.After(time.Second):
		t.Fatal("manual request did not end backoff")
	}
	assert.Equal(t, []sync.Priority{sync.PriorityLow, sync.PriorityHigh}, syncer.calls())
}

func TestScheduler_PermanentFailureDoesNotBackOff(t *testing.T) {
	results := make(chan *Result, 2)
	syncer := &fakeSyncer{fn: func(int) *Result {
		return &Result{Status: StatusFailed, Kind: sync.KindAuth}
	}}
	s := startScheduler(t, syncer, nil, SchedulerConfig{
		BackoffBase: time.Millisecond,
		OnResult:    func(r *Result) { results <- r },
	})

	require.True(t, s.Request(sync.PriorityHigh))
	<-results
	assert.Eventually(t, func() bool { return s.State() == StateIdle }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, syncer.calls(), 1)
}

func TestScheduler_ReachabilityEdges(t *testing.T) {
	results := make(chan *Result, 4)
	edges := make(chanObserver, 2)
	syncer := &fakeSyncer{}
	startScheduler(t, syncer, edges, SchedulerConfig{OnResult: func(r *Result) { results <- r }})

	edges <- false
	edges <- true
	select {
	case <-results:
	case <-time.After(time.Second):
		t.Fatal("reconnect did not trigger a sync")
	}
	assert.Equal(t, []sync.Priority{sync.PriorityHigh}, syncer.calls())
}

func TestScheduler_PeriodicSync(t *testing.T) {
	results := make(chan *Result, 4)
	syncer := &fakeSyncer{}
	startScheduler(t, syncer, nil, SchedulerConfig{
		Interval: time.Second,
		OnResult: func(r *Result) { results <- r },
	})

	select {
	case <-results:
	case <-time.After(3 * time.Second):
		t.Fatal("periodic sync did not run")
	}
	assert.Equal(t, sync.PriorityLow, syncer.calls()[0])
}

func TestScheduler_Lifecycle(t *testing.T) {
	s := NewScheduler(&fakeSyncer{}, nil, SchedulerConfig{}, discardLogger())
	s.Stop()

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerStarted)
	s.Stop()
	s.Stop()

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	assert.Equal(t, StateIdle, s.State())
}
