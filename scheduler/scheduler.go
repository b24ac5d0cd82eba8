// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package scheduler runs deferred tasks on timer goroutines so that callers
// never block on a pending delay.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrClosed is returned by Schedule after Close.
var ErrClosed = errors.New("scheduler closed")

// Scheduler runs each task once after its delay. Tasks run concurrently and
// complete in delay order only as far as their delays imply.
type Scheduler struct {
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	timers map[uint64]entry
	nextID uint64

	wg      sync.WaitGroup
	pending atomic.Int64
}

type entry struct {
	timer    *clock.Timer
	onCancel func()
}

// New creates a scheduler. A nil clock uses the wall clock.
func New(clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:  clk,
		logger: logger,
		timers: make(map[uint64]entry),
	}
}

// Schedule arranges for task to run after delay. It never blocks on the delay.
func (s *Scheduler) Schedule(delay time.Duration, task func()) error {
	return s.ScheduleWithCancel(delay, task, nil)
}

// ScheduleWithCancel is Schedule with a hook that Stop calls, instead of
// task, when it cancels the task before its timer fires.
func (s *Scheduler) ScheduleWithCancel(delay time.Duration, task, onCancel func()) error {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	id := s.nextID
	s.nextID++
	s.wg.Add(1)
	s.pending.Add(1)
	s.timers[id] = entry{
		timer: s.clock.AfterFunc(delay, func() {
			s.run(id, task)
		}),
		onCancel: onCancel,
	}
	return nil
}

func (s *Scheduler) run(id uint64, task func()) {
	defer s.wg.Done()
	defer s.pending.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("deferred task panicked", slog.Any("panic", r))
		}
	}()

	s.mu.Lock()
	delete(s.timers, id)
	s.mu.Unlock()

	task()
}

// Pending returns the number of scheduled or running tasks.
func (s *Scheduler) Pending() int {
	return int(s.pending.Load())
}

// Close stops accepting tasks. Already scheduled tasks still run.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Drain waits until every scheduled task has completed or ctx is done.
func (s *Scheduler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the scheduler and cancels tasks whose timers have not fired.
// The cancel hooks of those tasks run before Stop returns. It returns the
// number of cancelled tasks; tasks already running are not interrupted.
func (s *Scheduler) Stop() int {
	s.mu.Lock()
	s.closed = true
	var hooks []func()
	stopped := 0
	for id, e := range s.timers {
		if e.timer.Stop() {
			delete(s.timers, id)
			s.pending.Add(-1)
			s.wg.Done()
			stopped++
			if e.onCancel != nil {
				hooks = append(hooks, e.onCancel)
			}
		}
	}
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return stopped
}
