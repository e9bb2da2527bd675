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

// Package dispatch is the job dispatcher (C4): it pulls claimed jobs off
// the priority queue, resolves their processor from the registry, and runs
// the setup/work/finalize triad with a worker-pool bounded by MaxConcurrency
// — the semaphore-gated goroutine-per-job shape of
// internal/daemon/runner/runner.go's execute/executeWithAdapter split,
// re-pointed at BackgroundJob instead of workflow Run.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	conductorerrors "github.com/tombee/conductor/pkg/errors"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/jobstore"
	"github.com/tombee/conductor/internal/processor"
	"github.com/tombee/conductor/internal/queue"
)

// TaskSettingsSource is satisfied by *aiconfig.Manager; kept as a narrow
// alias here so this package doesn't need to import aiconfig directly.
type TaskSettingsSource = processor.TaskSettingsSource

// ResultStatus classifies how process_next_job ended.
type ResultStatus string

const (
	ResultSuccess  ResultStatus = "success"
	ResultFailure  ResultStatus = "failure"
	ResultCanceled ResultStatus = "canceled"
	ResultRequeued ResultStatus = "requeued"
)

// Result reports the outcome of processing a single job, used by tests and
// by callers observing dispatch activity.
type Result struct {
	JobID  string
	Status ResultStatus
	Err    error
}

// CancellationChecker reports whether a job has an active cancellation
// request, satisfied by internal/workflow's CancellationCoordinator. A nil
// checker is treated as "never canceled".
type CancellationChecker interface {
	IsCanceled(jobID string) bool
}

// Config controls dispatcher concurrency and retry policy.
type Config struct {
	// MaxConcurrency bounds how many jobs run at once.
	MaxConcurrency int

	// MaxRetries is how many times a failed job is requeued before it is
	// finalized as Failed.
	MaxRetries uint32
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrency: 4, MaxRetries: 3}
}

// Dispatcher drains the queue and executes jobs against registered
// processors.
type Dispatcher struct {
	store      jobstore.Store
	queue      queue.Queue
	registry   *processor.Registry
	cancels    CancellationChecker
	settings   TaskSettingsSource
	cfg        Config
	logger     *slog.Logger
	semaphore  chan struct{}
	resultsMu  sync.Mutex
	onResult   func(Result)
	wg         sync.WaitGroup
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// New creates a Dispatcher bound to a store, queue, and processor
// registry. settings may be nil only if every registered processor's
// jobs always arrive with model/temperature/max-tokens already stamped
// on the row; a nil source that's actually needed surfaces as a
// ConfigError on the first job that requires a fallback.
func New(store jobstore.Store, q queue.Queue, registry *processor.Registry, cancels CancellationChecker, settings TaskSettingsSource, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return &Dispatcher{
		store:     store,
		queue:     q,
		registry:  registry,
		cancels:   cancels,
		settings:  settings,
		cfg:       cfg,
		logger:    logger.With("component", "dispatcher"),
		semaphore: make(chan struct{}, cfg.MaxConcurrency),
		stopCh:    make(chan struct{}),
	}
}

// OnResult registers a callback invoked after each job finishes processing.
// Intended for tests and metrics; not required for correct operation.
func (d *Dispatcher) OnResult(fn func(Result)) {
	d.resultsMu.Lock()
	defer d.resultsMu.Unlock()
	d.onResult = fn
}

// Run pulls jobs from the queue until ctx is canceled or Stop is called,
// dispatching each to a worker goroutine bounded by MaxConcurrency.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		case <-d.stopCh:
			d.wg.Wait()
			return
		default:
		}

		j, err := d.queue.Dequeue(ctx)
		if err != nil {
			if err == queue.ErrQueueClosed || ctx.Err() != nil {
				d.wg.Wait()
				return
			}
			d.logger.Error("dequeue failed", "error", err)
			continue
		}

		select {
		case d.semaphore <- struct{}{}:
		case <-ctx.Done():
			d.wg.Wait()
			return
		}

		d.wg.Add(1)
		go func(j *job.BackgroundJob) {
			defer d.wg.Done()
			defer func() { <-d.semaphore }()
			d.processNextJob(ctx, j)
		}(j)
	}
}

// Stop signals Run to stop pulling new jobs and waits for in-flight jobs to
// finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// processNextJob runs the setup/work/finalize triad for a single claimed
// job, honoring cancellation at every transition, and persists the
// terminal outcome via the job store.
func (d *Dispatcher) processNextJob(ctx context.Context, j *job.BackgroundJob) {
	logger := d.logger.With("job_id", j.ID, "task_type", string(j.TaskType))

	if d.isCanceled(j.ID) {
		d.finishCanceled(ctx, j, logger)
		return
	}

	proc, ok := d.registry.Resolve(j.TaskType)
	if !ok {
		err := &conductorerrors.InitializationError{Subsystem: "processor registry", Reason: fmt.Sprintf("no processor registered for task type %s", j.TaskType)}
		d.finishFailure(ctx, j, err, logger)
		return
	}

	j.Status = job.StatusRunning
	now := time.Now()
	j.StartedAt = &now
	if err := d.store.UpdateJob(ctx, j); err != nil {
		logger.Error("failed to mark job running", "error", err)
	}

	if err := processor.ResolveTaskSettings(j, d.settings); err != nil {
		d.finishFailure(ctx, j, err, logger)
		return
	}

	if err := proc.Setup(ctx, j); err != nil {
		_ = proc.Finalize(ctx, j, processor.Outcome{}, err)
		d.finishFailure(ctx, j, err, logger)
		return
	}

	probe := func() bool { return d.isCanceled(j.ID) }
	outcome, workErr := proc.Work(ctx, j, probe)

	if finalizeErr := proc.Finalize(ctx, j, outcome, workErr); finalizeErr != nil {
		logger.Error("processor finalize hook failed", "error", finalizeErr)
	}

	if workErr != nil {
		if d.isCanceled(j.ID) {
			d.finishCanceled(ctx, j, logger)
			return
		}
		d.finishFailureOrRetry(ctx, j, workErr, logger)
		return
	}

	if err := d.store.Finalize(ctx, j.ID, outcome.Response, outcome.Usage, outcome.ModelUsed, outcome.SystemPromptID, outcome.AdditionalMetadata); err != nil {
		logger.Error("failed to finalize completed job", "error", err)
	}
	d.emit(Result{JobID: j.ID, Status: ResultSuccess})
}

func (d *Dispatcher) isCanceled(jobID string) bool {
	if d.cancels == nil {
		return false
	}
	return d.cancels.IsCanceled(jobID)
}

func (d *Dispatcher) finishCanceled(ctx context.Context, j *job.BackgroundJob, logger *slog.Logger) {
	if err := d.store.CancelJob(ctx, j.ID, "canceled during dispatch"); err != nil {
		logger.Error("failed to record cancellation", "error", err)
	}
	d.emit(Result{JobID: j.ID, Status: ResultCanceled})
}

func (d *Dispatcher) finishFailure(ctx context.Context, j *job.BackgroundJob, err error, logger *slog.Logger) {
	logger.Error("job failed", "error", err)
	if ferr := d.store.FinalizeFailure(ctx, j.ID, err.Error(), errorKind(err)); ferr != nil {
		logger.Error("failed to finalize failed job", "error", ferr)
	}
	d.emit(Result{JobID: j.ID, Status: ResultFailure, Err: err})
}

// finishFailureOrRetry requeues the job (incrementing its retry counter) if
// under MaxRetries, otherwise finalizes it as Failed.
func (d *Dispatcher) finishFailureOrRetry(ctx context.Context, j *job.BackgroundJob, err error, logger *slog.Logger) {
	attempts := d.queue.IncrementRetryCount(j.ID)
	if attempts <= d.cfg.MaxRetries {
		logger.Warn("job failed, requeuing", "error", err, "attempt", attempts, "max_retries", d.cfg.MaxRetries)
		if j.Metadata == nil {
			j.Metadata = map[string]any{}
		}
		j.Metadata[job.MetaRetryAttempt] = attempts
		j.Status = job.StatusQueued
		if uerr := d.store.UpdateJob(ctx, j); uerr != nil {
			logger.Error("failed to persist retry state", "error", uerr)
		}
		if qerr := d.queue.Enqueue(j, j.Priority); qerr != nil {
			logger.Error("failed to requeue job", "error", qerr)
			d.finishFailure(ctx, j, err, logger)
			return
		}
		d.emit(Result{JobID: j.ID, Status: ResultRequeued, Err: err})
		return
	}

	d.finishFailure(ctx, j, err, logger)
}

func (d *Dispatcher) emit(r Result) {
	d.resultsMu.Lock()
	cb := d.onResult
	d.resultsMu.Unlock()
	if cb != nil {
		cb(r)
	}
}

// errorKind maps an error to the short discriminator stored in
// BackgroundJob.ErrorKind, using Go type switches the way the teacher's
// pkg/errors classifiers do.
func errorKind(err error) string {
	switch err.(type) {
	case *conductorerrors.ValidationError:
		return "validation"
	case *conductorerrors.NotFoundError:
		return "not_found"
	case *conductorerrors.ProviderError:
		return "provider"
	case *conductorerrors.TimeoutError:
		return "timeout"
	case *conductorerrors.DatabaseError:
		return "database"
	case *conductorerrors.ExternalServiceError:
		return "external_service"
	case *conductorerrors.AuthError:
		return "auth"
	default:
		return "internal"
	}
}
