// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler polls the durable job store for Queued work and feeds
// the in-memory priority queue, following the ticker/stopCh/doneCh loop
// shape of internal/daemon/scheduler.Scheduler (cron scheduling) adapted
// here to a fixed-cadence DB poll with an exponential-backoff cooldown on
// repeated poll failures (spec.md §4.3).
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/conductor/internal/jobstore"
	"github.com/tombee/conductor/internal/log"
	"github.com/tombee/conductor/internal/queue"
)

const (
	// minCooldown is the base of the exponential backoff: the cooldown is
	// minCooldown * 2^failures once failures reach failureCooldownThreshold.
	minCooldown = 10 * time.Second
	// maxCooldown caps the exponential backoff regardless of failure count.
	maxCooldown = 300 * time.Second
	// maxCooldownShift bounds the exponent so 1<<n never overflows; beyond
	// this the cooldown is already clamped to maxCooldown anyway.
	maxCooldownShift = 62
	// failureCooldownThreshold is the consecutive-failure count at which the
	// scheduler starts backing off its poll interval rather than retrying
	// immediately.
	failureCooldownThreshold = 3
)

// Config controls tick cadence and claim batch sizing.
type Config struct {
	// TickInterval is how often the scheduler loop wakes to check whether a
	// poll is due. It should be small relative to PollInterval.
	TickInterval time.Duration

	// PollInterval is the steady-state cadence between DB polls when not
	// in a failure cooldown.
	PollInterval time.Duration

	// BatchSize is the maximum number of jobs claimed per poll.
	BatchSize int

	// StaleAcknowledgedThreshold is how long a job may sit Acknowledged
	// before ResetStaleAcknowledgedJobs reclaims it (spec.md invariant J3).
	StaleAcknowledgedThreshold time.Duration
}

// DefaultConfig returns conservative defaults suitable for a single-node
// desktop deployment.
func DefaultConfig() Config {
	return Config{
		TickInterval:               1 * time.Second,
		PollInterval:               2 * time.Second,
		BatchSize:                  10,
		StaleAcknowledgedThreshold: 5 * time.Minute,
	}
}

// failureState tracks consecutive poll failures for the cooldown backoff.
type failureState struct {
	consecutiveFailures int
	lastFailureTime     time.Time
	inCooldown          bool
}

// Scheduler is the DB-poll-to-queue bridge (C3).
type Scheduler struct {
	mu       sync.Mutex
	store    jobstore.Store
	queue    queue.Queue
	cfg      Config
	failure  failureState
	lastPoll time.Time
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

// New creates a Scheduler bound to a store and queue.
func New(store jobstore.Store, q queue.Queue, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  store,
		queue:  q,
		cfg:    cfg,
		logger: logger.With("component", "scheduler"),
	}
}

// Start launches the scheduler loop. It first reclaims any jobs stuck
// Acknowledged from a previous process lifetime before entering the
// steady-state poll loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop halts the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	if n, err := s.store.ResetStaleAcknowledgedJobs(ctx, int64(s.cfg.StaleAcknowledgedThreshold.Seconds())); err != nil {
		s.logger.Error("failed to reset stale acknowledged jobs on startup", "error", err)
	} else if n > 0 {
		s.logger.Info("reset stale acknowledged jobs", "count", n)
	}

	tickInterval := s.cfg.TickInterval
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick decides whether a poll is due, accounting for any active cooldown,
// and performs it if so.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	interval := s.effectivePollInterval(now)
	due := now.Sub(s.lastPoll) >= interval
	s.mu.Unlock()

	if !due {
		return
	}

	s.poll(ctx, now)
}

// effectivePollInterval returns PollInterval in steady state, or the
// remaining backoff cooldown while in a failure cooldown. Caller must hold
// s.mu.
func (s *Scheduler) effectivePollInterval(now time.Time) time.Duration {
	if !s.failure.inCooldown {
		if s.cfg.PollInterval <= 0 {
			return time.Second
		}
		return s.cfg.PollInterval
	}
	return calculateCooldown(s.failure.consecutiveFailures)
}

// calculateCooldown implements min(10*2^failures, 300) seconds. If the
// exponent would overflow a signed shift, the result is clamped to
// maxCooldown rather than producing an undefined duration.
func calculateCooldown(consecutiveFailures int) time.Duration {
	if consecutiveFailures <= 0 {
		return 0
	}
	if consecutiveFailures > maxCooldownShift {
		return maxCooldown
	}
	backoff := minCooldown * time.Duration(int64(1)<<uint(consecutiveFailures))
	if backoff <= 0 || backoff > maxCooldown {
		return maxCooldown
	}
	return backoff
}

// poll claims a batch of Queued jobs and feeds them into the priority
// queue, updating the failure cooldown state based on the outcome.
func (s *Scheduler) poll(ctx context.Context, now time.Time) {
	s.mu.Lock()
	s.lastPoll = now
	s.mu.Unlock()

	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	claimed, err := s.store.AcknowledgeQueuedJobs(ctx, batchSize)
	if err != nil {
		s.recordFailure(now, err)
		return
	}
	s.recordSuccess()

	for _, j := range claimed {
		if err := s.queue.Enqueue(j, j.Priority); err != nil {
			s.logger.Error("failed to enqueue claimed job", log.JobIDKey, j.ID, "error", err)
		}
	}
}

func (s *Scheduler) recordFailure(now time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failure.consecutiveFailures++
	s.failure.lastFailureTime = now
	if s.failure.consecutiveFailures >= failureCooldownThreshold {
		s.failure.inCooldown = true
		s.logger.Error("job store poll failed, entering cooldown",
			"error", err, "consecutive_failures", s.failure.consecutiveFailures,
			"cooldown", calculateCooldown(s.failure.consecutiveFailures))
		return
	}
	s.logger.Error("job store poll failed", "error", err, "consecutive_failures", s.failure.consecutiveFailures)
}

func (s *Scheduler) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failure.consecutiveFailures > 0 {
		s.logger.Info("job store poll recovered", "previous_failures", s.failure.consecutiveFailures)
	}
	s.failure.consecutiveFailures = 0
	s.failure.inCooldown = false
}

// IsInCooldown reports whether the scheduler is currently backing off due
// to poll failures.
func (s *Scheduler) IsInCooldown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure.inCooldown
}
