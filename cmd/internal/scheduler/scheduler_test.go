package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunsPeriodicJobs(t *testing.T) {
	t.Parallel()

	s := New(nil)
	var runs atomic.Int32
	s.Every("count", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "jobs must not run after Stop")
}

func TestScheduler_StartTwiceFails(t *testing.T) {
	t.Parallel()

	s := New(nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.ErrorIs(t, s.Start(context.Background()), ErrStarted)
}

func TestScheduler_JobPanicIsContained(t *testing.T) {
	t.Parallel()

	s := New(nil)
	var runs atomic.Int32
	s.Every("boom", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		panic("boom")
	})
	s.Every("fails", 5*time.Millisecond, func(context.Context) error {
		return errors.New("nope")
	})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestScheduler_AfterFiresOnce(t *testing.T) {
	t.Parallel()

	s := New(nil)
	fired := make(chan struct{}, 2)
	s.After(5*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("deferred callback did not fire")
	}
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_AfterCancelAndStop(t *testing.T) {
	t.Parallel()

	s := New(nil)
	var fired atomic.Int32

	cancel := s.After(10*time.Millisecond, func() { fired.Add(1) })
	cancel()
	cancel()

	s.After(10*time.Millisecond, func() { fired.Add(1) })
	require.Equal(t, 1, s.Pending())
	s.Stop()
	s.Stop()

	s.After(time.Millisecond, func() { fired.Add(1) })
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_StopWaitsForRunningCallback(t *testing.T) {
	t.Parallel()

	s := New(nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	s.After(time.Millisecond, func() {
		close(entered)
		<-release
		finished.Store(true)
	})

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("deferred callback did not fire")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a callback was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the callback finished")
	}
	assert.True(t, finished.Load())
}

func TestScheduler_RunStopsOnContextDone(t *testing.T) {
	t.Parallel()

	s := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
