// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package recipesync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Scheduler invokes the orchestrator on a timer, replacing platform
// background-job machinery with an explicit cancellable task. External
// triggers go through Kick; errors back the interval off exponentially until
// a pass succeeds again.
type Scheduler struct {
	orchestrator *Orchestrator
	interval     time.Duration
	backoffMax   time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	kick   chan struct{}
}

// NewScheduler creates a scheduler firing every interval.
func NewScheduler(orchestrator *Orchestrator, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		orchestrator: orchestrator,
		interval:     interval,
		backoffMax:   10 * interval,
		logger:       logger,
		kick:         make(chan struct{}, 1),
	}
}

// Start launches the timer loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Kick requests a pass ahead of the timer. Multiple kicks before the loop
// wakes collapse into one.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	wait := s.interval
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		_, err := s.orchestrator.TriggerSync(ctx)
		switch {
		case err == nil, errors.Is(err, ErrSyncDisabled):
			wait = s.interval
		case errors.Is(err, context.Canceled):
			return
		default:
			s.logger.Warn("scheduled sync pass failed", "error", err, "next_attempt_in", wait)
			wait *= 2
			if wait > s.backoffMax {
				wait = s.backoffMax
			}
		}
		timer.Reset(wait)
	}
}
