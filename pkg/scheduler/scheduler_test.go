package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunsImmediatelyAndOnInterval(t *testing.T) {
	s := New(zap.NewNop())
	var runs atomic.Int32
	require.NoError(t, s.Register(Job{Name: "count", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after Stop")
}

func TestRunsNeverOverlap(t *testing.T) {
	s := New(zap.NewNop())
	var inFlight, maxInFlight, runs atomic.Int32
	require.NoError(t, s.Register(Job{Name: "slow", Interval: time.Millisecond, Run: func(context.Context) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		runs.Add(1)
		return nil
	}}))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return runs.Load() >= 5 }, time.Second, time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestPanicAndErrorDoNotStopJob(t *testing.T) {
	s := New(zap.NewNop())
	var runs atomic.Int32
	require.NoError(t, s.Register(Job{Name: "flaky", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
		switch runs.Add(1) {
		case 1:
			panic("boom")
		case 2:
			return errors.New("transient")
		}
		return nil
	}}))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	s.Stop()
}

func TestStopWaitsForInFlightRun(t *testing.T) {
	s := New(zap.NewNop())
	entered := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, s.Register(Job{Name: "wait", Interval: time.Hour, Run: func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return ctx.Err()
	}}))

	require.NoError(t, s.Start(context.Background()))
	<-entered
	s.Stop()
	assert.True(t, finished.Load())
}

func TestLifecycleContract(t *testing.T) {
	s := New(zap.NewNop())
	noop := Job{Name: "noop", Interval: time.Hour, Run: func(context.Context) error { return nil }}

	assert.Error(t, s.Register(Job{Name: "bad"}))
	require.NoError(t, s.Register(noop))
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrStarted)
	assert.ErrorIs(t, s.Register(noop), ErrStarted)
	s.Stop()
	s.Stop()
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
}

func TestParentContextCancellationStopsJobs(t *testing.T) {
	s := New(zap.NewNop())
	var runs atomic.Int32
	require.NoError(t, s.Register(Job{Name: "count", Interval: time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()
	s.Stop()
}
