// Package scheduler owns the background timers of the server: periodic sweeps and
// one-shot deferred callbacks. Nothing runs before Start or after Stop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ErrStarted is returned by Start when the scheduler already ran.
var ErrStarted = errors.New("scheduler: already started")

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

type periodic struct {
	name     string
	interval time.Duration
	fn       Job
}

// Scheduler runs registered jobs on fixed intervals and fires deferred callbacks.
//
// A job never overlaps with itself: the next tick waits for the previous run.
// Panics inside jobs and callbacks are recovered and logged.
type Scheduler struct {
	log *slog.Logger

	mu      sync.Mutex
	jobs    []periodic
	timers  map[uint64]*time.Timer
	timerID uint64
	started bool
	stopped bool
	cancel  context.CancelFunc

	wg sync.WaitGroup
}

// New returns an idle scheduler.
func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{log: log, timers: make(map[uint64]*time.Timer)}
}

// Every registers a periodic job. Jobs registered after Start are ignored.
func (s *Scheduler) Every(name string, interval time.Duration, fn Job) {
	if interval <= 0 || fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.log.Warn("scheduler.every.late", "job", name)
		return
	}
	s.jobs = append(s.jobs, periodic{name: name, interval: interval, fn: fn})
}

// After runs fn once after d unless the returned cancel func is called first or the
// scheduler stops. After a Stop it schedules nothing.
func (s *Scheduler) After(d time.Duration, fn func()) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || fn == nil {
		return func() {}
	}

	s.timerID++
	id := s.timerID
	s.timers[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		run := live && !s.stopped
		if run {
			s.wg.Add(1)
		}
		s.mu.Unlock()
		if !run {
			return
		}
		defer s.wg.Done()
		s.safeCall("after", func() error { fn(); return nil })
	})

	return func() {
		s.mu.Lock()
		if t, ok := s.timers[id]; ok {
			t.Stop()
			delete(s.timers, id)
		}
		s.mu.Unlock()
	}
}

// Pending reports the number of deferred callbacks that have not fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Start launches every registered job.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.log.Info("scheduler.start", "jobs", len(s.jobs))
	return nil
}

// Stop cancels pending callbacks, stops the job loops and waits for running jobs and
// callbacks to return. It is safe to call more than once, but not from inside a callback.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler.stopped")
}

// Run starts the scheduler and blocks until ctx is done, then stops it.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j periodic) {
	defer s.wg.Done()

	t := time.NewTicker(j.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			start := time.Now()
			err := s.safeCall(j.name, func() error { return j.fn(ctx) })
			if err != nil && ctx.Err() == nil {
				s.log.Error("scheduler.job.fail", "job", j.name, "err", err)
				continue
			}
			s.log.Debug("scheduler.job.done", "job", j.name, "duration_ms", time.Since(start).Milliseconds())
		}
	}
}

func (s *Scheduler) safeCall(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("scheduler.panic", "job", name, "panic", r)
		}
	}()
	return fn()
}
