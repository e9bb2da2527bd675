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

// Cancellation coordination (C9), grounded on original_source's
// workflow_cancellation.rs. CancellationCoordinator satisfies
// internal/dispatch's CancellationChecker interface, so the dispatcher
// consults it before and during every job it runs.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	conductorerrors "github.com/tombee/conductor/pkg/errors"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/jobstore"
)

// criticalTaskTypes are task types the original calls out as unsafe to
// cancel mid-flight — if one of these is Running, a workflow cannot be
// safely canceled.
var criticalTaskTypes = map[job.TaskType]bool{
	job.TaskRegexFileFilter: true,
	job.TaskDataPersistence: true,
}

// Result reports the outcome of canceling a workflow's jobs.
type Result struct {
	WorkflowID          string
	CanceledJobs        []string
	FailedCancellations []FailedCancellation
}

// FailedCancellation records one job that could not be canceled.
type FailedCancellation struct {
	JobID  string
	Reason string
}

// CancellationCoordinator guards a single in-flight cancellation per
// workflow with a mutex-protected set (active_cancellations in the
// original), so two concurrent cancel requests for the same workflow
// never race against each other or double-count results.
type CancellationCoordinator struct {
	mu     sync.Mutex
	active map[string]bool

	// canceledJobs tracks job IDs that have been told to cancel, so
	// IsCanceled (consulted by the dispatcher on every job transition)
	// is a simple, lock-cheap set lookup.
	canceledJobsMu sync.RWMutex
	canceledJobs   map[string]bool

	store jobstore.Store
}

// NewCancellationCoordinator creates a coordinator bound to the job store.
func NewCancellationCoordinator(store jobstore.Store) *CancellationCoordinator {
	return &CancellationCoordinator{
		active:       make(map[string]bool),
		canceledJobs: make(map[string]bool),
		store:        store,
	}
}

// IsCanceled reports whether jobID has been marked canceled by this
// coordinator. Satisfies dispatch.CancellationChecker.
func (c *CancellationCoordinator) IsCanceled(jobID string) bool {
	c.canceledJobsMu.RLock()
	defer c.canceledJobsMu.RUnlock()
	return c.canceledJobs[jobID]
}

// IsCancellationInProgress reports whether a cancellation is currently
// being coordinated for workflowID.
func (c *CancellationCoordinator) IsCancellationInProgress(workflowID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[workflowID]
}

// CancelWorkflow cancels every active job belonging to workflowID. It is
// idempotent per-workflow via the active-cancellations guard: a second
// call while the first is still running returns a ValidationError
// instead of racing it.
func (c *CancellationCoordinator) CancelWorkflow(ctx context.Context, workflowID, reason string) (Result, error) {
	if err := c.enterCancellation(workflowID); err != nil {
		return Result{}, err
	}
	defer c.exitCancellation(workflowID)

	jobs, err := c.store.GetJobsByMetadataField(ctx, job.MetaWorkflowID, workflowID)
	if err != nil {
		return Result{}, fmt.Errorf("listing workflow jobs: %w", err)
	}

	result := Result{WorkflowID: workflowID}
	for _, j := range jobs {
		if !j.Status.IsActive() {
			continue
		}
		if err := c.cancelIndividualJob(ctx, j, reason); err != nil {
			result.FailedCancellations = append(result.FailedCancellations, FailedCancellation{JobID: j.ID, Reason: err.Error()})
			continue
		}
		result.CanceledJobs = append(result.CanceledJobs, j.ID)
	}
	return result, nil
}

func (c *CancellationCoordinator) enterCancellation(workflowID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[workflowID] {
		return &conductorerrors.ValidationError{
			Field:   "workflow_id",
			Message: fmt.Sprintf("cancellation already in progress for workflow: %s", workflowID),
		}
	}
	c.active[workflowID] = true
	return nil
}

func (c *CancellationCoordinator) exitCancellation(workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, workflowID)
}

func (c *CancellationCoordinator) cancelIndividualJob(ctx context.Context, j *job.BackgroundJob, reason string) error {
	c.canceledJobsMu.Lock()
	c.canceledJobs[j.ID] = true
	c.canceledJobsMu.Unlock()

	return c.store.CancelJob(ctx, j.ID, reason)
}

// CancelFromStage cancels every active job for stages reachable from
// fromStage — fromStage itself plus every stage that transitively
// depends on it — using a stack-based DFS over the definition's
// dependency graph, mirroring get_subsequent_stages in the original.
func (c *CancellationCoordinator) CancelFromStage(ctx context.Context, workflowID string, def *Definition, fromStage, reason string) (Result, error) {
	if err := c.enterCancellation(workflowID); err != nil {
		return Result{}, err
	}
	defer c.exitCancellation(workflowID)

	reachable := subsequentStages(def, fromStage)

	jobs, err := c.store.GetJobsByMetadataField(ctx, job.MetaWorkflowID, workflowID)
	if err != nil {
		return Result{}, fmt.Errorf("listing workflow jobs: %w", err)
	}

	result := Result{WorkflowID: workflowID}
	for _, j := range jobs {
		if !j.Status.IsActive() {
			continue
		}
		stageName := jobStageName(j)
		if !reachable[stageName] {
			continue
		}
		if err := c.cancelIndividualJob(ctx, j, reason); err != nil {
			result.FailedCancellations = append(result.FailedCancellations, FailedCancellation{JobID: j.ID, Reason: err.Error()})
			continue
		}
		result.CanceledJobs = append(result.CanceledJobs, j.ID)
	}
	return result, nil
}

// subsequentStages returns the set of stage names reachable from
// fromStage by following DependentsOf edges forward (i.e. fromStage and
// everything that transitively depends on it), using an explicit stack
// rather than recursion so a pathological definition cannot blow the
// call stack.
func subsequentStages(def *Definition, fromStage string) map[string]bool {
	reachable := map[string]bool{fromStage: true}
	stack := []string{fromStage}
	for len(stack) > 0 {
		n := len(stack) - 1
		current := stack[n]
		stack = stack[:n]
		for _, dependent := range def.DependentsOf(current) {
			if !reachable[dependent.StageName] {
				reachable[dependent.StageName] = true
				stack = append(stack, dependent.StageName)
			}
		}
	}
	return reachable
}

// jobStageName extracts the workflow stage a job belongs to, falling
// back to its task type if no explicit stage-name metadata was set.
func jobStageName(j *job.BackgroundJob) string {
	if s := j.MetadataString(job.MetaWorkflowStage); s != "" {
		return s
	}
	return string(j.TaskType)
}

// ShouldCancelWorkflow reports whether accumulated failures mean the
// whole workflow should be aborted: three or more consecutive failures,
// five or more total failed jobs, or any failure of a critical stage
// (RegexFileFilter, DataPersistence) whose partial completion would
// leave corrupted state behind.
func (c *CancellationCoordinator) ShouldCancelWorkflow(ctx context.Context, workflowID string, consecutiveFailures int) (bool, error) {
	if consecutiveFailures >= 3 {
		return true, nil
	}

	jobs, err := c.store.GetJobsByMetadataField(ctx, job.MetaWorkflowID, workflowID)
	if err != nil {
		return false, fmt.Errorf("listing workflow jobs: %w", err)
	}

	failed := 0
	for _, j := range jobs {
		if j.Status == job.StatusFailed {
			failed++
			if criticalTaskTypes[j.TaskType] {
				return true, nil
			}
		}
	}
	return failed >= 5, nil
}

// IsCancellationSafe reports whether workflowID has no Running job of a
// critical task type, i.e. whether it is safe to cancel right now
// without risking corrupted persisted state.
func (c *CancellationCoordinator) IsCancellationSafe(ctx context.Context, workflowID string) (bool, error) {
	jobs, err := c.store.GetJobsByMetadataField(ctx, job.MetaWorkflowID, workflowID)
	if err != nil {
		return false, fmt.Errorf("listing workflow jobs: %w", err)
	}
	for _, j := range jobs {
		if j.Status == job.StatusRunning && criticalTaskTypes[j.TaskType] {
			return false, nil
		}
	}
	return true, nil
}

// CancelDueToTimeout cancels a single job that has exceeded its
// deadline, recording a reason string matching the original's format.
func (c *CancellationCoordinator) CancelDueToTimeout(ctx context.Context, jobID string, timeoutMS int64) error {
	reason := fmt.Sprintf("job timed out after %dms", timeoutMS)
	c.canceledJobsMu.Lock()
	c.canceledJobs[jobID] = true
	c.canceledJobsMu.Unlock()
	return c.store.CancelJob(ctx, jobID, reason)
}

// EmergencyCancelAll cancels every job this coordinator has ever been
// asked to track as canceled, plus marks every active job in the store
// canceled — a last-resort, no-cancellation-guard operation used only on
// process shutdown or a detected unrecoverable condition.
func (c *CancellationCoordinator) EmergencyCancelAll(ctx context.Context) (int, error) {
	jobs, err := c.store.ListJobs(ctx, jobstore.JobFilter{})
	if err != nil {
		return 0, fmt.Errorf("listing jobs: %w", err)
	}

	canceled := 0
	for _, j := range jobs {
		if !j.Status.IsActive() {
			continue
		}
		if err := c.cancelIndividualJob(ctx, j, "emergency shutdown"); err != nil {
			continue
		}
		canceled++
	}
	return canceled, nil
}

// pruneCanceledJobs drops every canceled-job marker whose job is not in
// activeJobIDs, so the set does not grow unbounded across a long daemon
// lifetime. Markers carry no age; only jobs still active per the store
// are kept.
func (c *CancellationCoordinator) pruneCanceledJobs(activeJobIDs map[string]bool) {
	c.canceledJobsMu.Lock()
	defer c.canceledJobsMu.Unlock()
	for id := range c.canceledJobs {
		if !activeJobIDs[id] {
			delete(c.canceledJobs, id)
		}
	}
}

// StartPruneLoop periodically removes stale canceled-job markers until
// ctx is done, bounding the coordinator's memory use across a long
// daemon lifetime.
func (c *CancellationCoordinator) StartPruneLoop(ctx context.Context, store jobstore.Store, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				jobs, err := store.ListJobs(ctx, jobstore.JobFilter{})
				if err != nil {
					continue
				}
				active := make(map[string]bool, len(jobs))
				for _, j := range jobs {
					if j.Status.IsActive() {
						active[j.ID] = true
					}
				}
				c.pruneCanceledJobs(active)
			}
		}
	}()
}
