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

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	conductorerrors "github.com/tombee/conductor/pkg/errors"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/jobstore"
	"github.com/tombee/conductor/internal/queue"
)

// stagePayload is the JSON body every orchestrator-created BackgroundJob
// carries, assembled by Orchestrator.buildPayload. Concrete task-type
// processors (internal/processor/tasks) decode the fields they need.
type stagePayload struct {
	WorkflowID       string   `json:"workflow_id"`
	StageName        string   `json:"stage_name"`
	SessionID        string   `json:"session_id"`
	TaskDescription  string   `json:"task_description"`
	ProjectDirectory string   `json:"project_directory"`
	ExcludedPaths    []string `json:"excluded_paths,omitempty"`
	VerifiedPaths    []string `json:"verified_paths,omitempty"`
	CorrectedPaths   []string `json:"corrected_paths,omitempty"`
	FinalSelected    []string `json:"final_selected_files,omitempty"`
}

// requiredIntermediate lists, per TaskType, which IntermediateData fields
// must already be populated before that stage can run. A stage whose
// task type is not listed here has no required intermediate input (it is
// typically a root stage). This table is the Go equivalent of the
// original's per-stage create_stage_payload().ok_or_else(...) calls.
var requiredIntermediate = map[job.TaskType][]string{
	job.TaskPathCorrection:         {"verified_paths"},
	job.TaskExtendedPathCorrection: {"verified_paths"},
	job.TaskImplementationPlanMerge: {"final_selected_files"},
}

// Orchestrator runs workflow instances against a registry of
// definitions, creating one BackgroundJob per stage as its dependencies
// are satisfied (C7). It is the teacher's daemon/runner dispatch loop
// generalized from "one job" to "a DAG of jobs sharing intermediate
// state", grounded on pkg/workflow/executor.go's step-sequencing shape
// and original_source's workflow_types.rs/WorkflowState.
type Orchestrator struct {
	mu       sync.Mutex
	states   map[string]*State
	registry *Registry
	store    jobstore.Store
	queue    queue.Queue
	errors   *ErrorHandler
	logger   *slog.Logger
}

// NewOrchestrator creates an Orchestrator bound to a definition registry,
// job store, and dispatch queue. The ErrorHandler may be nil during
// construction and set afterward via SetErrorHandler, since the handler
// itself needs a reference back to the orchestrator (mark_workflow_failed).
func NewOrchestrator(registry *Registry, store jobstore.Store, q queue.Queue, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		states:   make(map[string]*State),
		registry: registry,
		store:    store,
		queue:    q,
		logger:   logger.With("component", "workflow.orchestrator"),
	}
}

// SetErrorHandler wires the error handler used for stage-failure
// recovery (C8). Must be called before any workflow's stage can fail.
func (o *Orchestrator) SetErrorHandler(h *ErrorHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = h
}

// CreateWorkflow validates definitionName exists and creates a new,
// Created-status workflow instance. It does not enqueue any jobs; call
// Start to begin execution.
func (o *Orchestrator) CreateWorkflow(sessionID, definitionName, taskDescription, projectDirectory string, excludedPaths []string, timeoutMS int64) (*State, error) {
	def, ok := o.registry.Get(definitionName)
	if !ok {
		return nil, &conductorerrors.NotFoundError{Resource: "workflow definition", ID: definitionName}
	}

	state := NewState(uuid.NewString(), definitionName, sessionID)
	state.TaskDescription = taskDescription
	state.ProjectDirectory = projectDirectory
	state.ExcludedPaths = excludedPaths
	state.TimeoutMS = timeoutMS

	for _, s := range def.Stages {
		state.AddStageJob(s.StageName, string(s.TaskType))
	}

	o.mu.Lock()
	o.states[state.WorkflowID] = state
	o.mu.Unlock()

	return state, nil
}

// Start transitions the workflow to Running and creates BackgroundJobs
// for every root stage (those with no dependencies). Later stages are
// created lazily by onStageCompleted as their dependencies finish.
func (o *Orchestrator) Start(ctx context.Context, workflowID string) error {
	o.mu.Lock()
	state, ok := o.states[workflowID]
	if !ok {
		o.mu.Unlock()
		return &conductorerrors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	def, _ := o.registry.Get(state.DefinitionName)
	state.Status = StatusRunning
	state.UpdatedAt = time.Now()
	roots := def.RootStages()
	o.mu.Unlock()

	for _, root := range roots {
		if err := o.enqueueStage(ctx, state, def, root, job.PriorityNormal, 0); err != nil {
			return err
		}
	}
	return nil
}

// enqueueStage builds the stage's payload, persists a new BackgroundJob
// for it, and pushes it onto the dispatch queue. A payload-derivation
// failure (required intermediate data absent) aborts the whole workflow
// rather than silently skipping the stage, per spec.md §4.6. retryAttempt
// is 0 for a stage's first (non-retry) run; a positive value marks this
// job as the Nth retry of stage and is recorded in job.MetaRetryAttempt
// per spec.md §4.7.
func (o *Orchestrator) enqueueStage(ctx context.Context, state *State, def *Definition, stage StageDefinition, priority job.Priority, retryAttempt int) error {
	o.mu.Lock()
	payload, err := o.buildPayload(state, stage)
	o.mu.Unlock()
	if err != nil {
		return o.abortWorkflow(ctx, state.WorkflowID, err)
	}

	metadata := map[string]any{
		job.MetaWorkflowID:    state.WorkflowID,
		job.MetaWorkflowStage: stage.StageName,
	}
	if retryAttempt > 0 {
		metadata[job.MetaRetryAttempt] = retryAttempt
	}

	j := &job.BackgroundJob{
		ID:               uuid.NewString(),
		SessionID:        state.SessionID,
		ProjectDirectory: state.ProjectDirectory,
		TaskType:         stage.TaskType,
		Status:           job.StatusQueued,
		Payload:          payload,
		Priority:         priority,
		CreatedAt:        time.Now(),
		Metadata:         metadata,
	}

	if err := o.store.CreateJob(ctx, j); err != nil {
		return o.abortWorkflow(ctx, state.WorkflowID, fmt.Errorf("creating stage job: %w", err))
	}

	o.mu.Lock()
	state.UpdateStageStatus(stage.StageName, StageRunning, "")
	sj := state.StageJobByName(stage.StageName)
	if sj != nil {
		sj.JobID = j.ID
	}
	o.mu.Unlock()

	if err := o.queue.Enqueue(j, j.Priority); err != nil {
		return o.abortWorkflow(ctx, state.WorkflowID, fmt.Errorf("enqueuing stage job: %w", err))
	}

	o.logger.Info("workflow stage enqueued", "workflow_id", state.WorkflowID, "stage", stage.StageName, "job_id", j.ID)
	return nil
}

// buildPayload derives a stage's job payload from the workflow's current
// intermediate data, failing if the stage's task type requires data that
// is not yet populated. Caller must hold o.mu.
func (o *Orchestrator) buildPayload(state *State, stage StageDefinition) ([]byte, error) {
	for _, field := range requiredIntermediate[stage.TaskType] {
		switch field {
		case "verified_paths":
			if len(state.Intermediate.VerifiedPaths) == 0 {
				return nil, &conductorerrors.JobError{JobID: stage.StageName, Reason: fmt.Sprintf("verified_paths not available for stage %q", stage.StageName)}
			}
		case "final_selected_files":
			if len(state.Intermediate.GetFinalSelectedFiles()) == 0 {
				return nil, &conductorerrors.JobError{JobID: stage.StageName, Reason: fmt.Sprintf("final_selected_files not available for stage %q", stage.StageName)}
			}
		}
	}

	p := stagePayload{
		WorkflowID:       state.WorkflowID,
		StageName:        stage.StageName,
		SessionID:        state.SessionID,
		TaskDescription:  state.TaskDescription,
		ProjectDirectory: state.ProjectDirectory,
		ExcludedPaths:    state.ExcludedPaths,
		VerifiedPaths:    state.Intermediate.VerifiedPaths,
		CorrectedPaths:   state.Intermediate.CorrectedPaths,
		FinalSelected:    state.Intermediate.GetFinalSelectedFiles(),
	}
	return json.Marshal(p)
}

// OnJobTerminal is called (typically from dispatch.Dispatcher's OnResult
// hook) whenever a BackgroundJob created by this orchestrator reaches a
// terminal status. On success it merges the job's output into
// intermediate data and fans out to any dependent stage whose
// dependencies are now all satisfied; on failure it defers to the
// ErrorHandler.
func (o *Orchestrator) OnJobTerminal(ctx context.Context, j *job.BackgroundJob) error {
	workflowID := j.MetadataString(job.MetaWorkflowID)
	if workflowID == "" {
		return nil // not a workflow-owned job
	}
	stageName := j.MetadataString(job.MetaWorkflowStage)

	o.mu.Lock()
	state, ok := o.states[workflowID]
	if !ok {
		o.mu.Unlock()
		return &conductorerrors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	def, _ := o.registry.Get(state.DefinitionName)
	o.mu.Unlock()

	switch j.Status {
	case job.StatusCompleted:
		return o.onStageCompleted(ctx, state, def, stageName, j)
	case job.StatusFailed:
		return o.onStageFailed(ctx, state, stageName, j)
	case job.StatusCanceled:
		o.mu.Lock()
		state.UpdateStageStatus(stageName, StageCanceled, "")
		o.mu.Unlock()
		return nil
	}
	return nil
}

func (o *Orchestrator) onStageCompleted(ctx context.Context, state *State, def *Definition, stageName string, j *job.BackgroundJob) error {
	o.mu.Lock()
	state.UpdateStageStatus(stageName, StageCompleted, "")
	o.mergeOutput(state, j)

	var next []StageDefinition
	if def != nil {
		for _, candidate := range def.DependentsOf(stageName) {
			if o.dependenciesSatisfied(state, def, candidate) {
				next = append(next, candidate)
			}
		}
	}
	allDone := def != nil && len(state.CompletedStages()) == len(def.Stages)
	o.mu.Unlock()

	for _, stage := range next {
		if err := o.enqueueStage(ctx, state, def, stage, job.PriorityHigh, 0); err != nil {
			return err
		}
	}

	if allDone {
		o.MarkCompleted(ctx, state.WorkflowID)
	}
	return nil
}

// mergeOutput folds a completed stage's AdditionalMetadata into the
// workflow's intermediate data. Caller must hold o.mu.
func (o *Orchestrator) mergeOutput(state *State, j *job.BackgroundJob) {
	if j.Metadata == nil {
		return
	}
	if vp, ok := j.Metadata["verified_paths"].([]string); ok {
		state.Intermediate.VerifiedPaths = append(state.Intermediate.VerifiedPaths, vp...)
	}
	if cp, ok := j.Metadata["corrected_paths"].([]string); ok {
		state.Intermediate.CorrectedPaths = append(state.Intermediate.CorrectedPaths, cp...)
	}
	for k, v := range j.Metadata {
		if k == job.MetaWorkflowID || k == job.MetaWorkflowStage {
			continue
		}
		state.Intermediate.Extra[k] = v
	}
}

// dependenciesSatisfied reports whether every stage candidate depends on
// has reached Completed. Caller must hold o.mu.
func (o *Orchestrator) dependenciesSatisfied(state *State, def *Definition, candidate StageDefinition) bool {
	for _, dep := range candidate.DependsOn {
		sj := state.StageJobByName(dep)
		if sj == nil || sj.Status != StageCompleted {
			return false
		}
	}
	if sj := state.StageJobByName(candidate.StageName); sj != nil && sj.Status != StagePending {
		return false // already created or running
	}
	return true
}

func (o *Orchestrator) onStageFailed(ctx context.Context, state *State, stageName string, j *job.BackgroundJob) error {
	o.mu.Lock()
	state.UpdateStageStatus(stageName, StageFailed, j.ErrorMessage)
	handler := o.errors
	o.mu.Unlock()

	if handler == nil {
		return o.abortWorkflow(ctx, state.WorkflowID, fmt.Errorf("stage %q failed: %s", stageName, j.ErrorMessage))
	}
	_, err := handler.HandleStageFailure(ctx, state.WorkflowID, j.ID, stageName, fmt.Errorf("%s", j.ErrorMessage))
	return err
}

// GetStatus returns a snapshot of the workflow instance, or a
// NotFoundError if workflowID is unknown.
func (o *Orchestrator) GetStatus(workflowID string) (*State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.states[workflowID]
	if !ok {
		return nil, &conductorerrors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	return state, nil
}

// Progress returns the workflow's completion fraction against its
// definition's stage count (see State.Progress).
func (o *Orchestrator) Progress(workflowID string) (float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.states[workflowID]
	if !ok {
		return 0, &conductorerrors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	def, _ := o.registry.Get(state.DefinitionName)
	return state.Progress(def), nil
}

// MarkCompleted idempotently transitions workflowID to Completed. A
// second call after the workflow is already terminal is a no-op.
func (o *Orchestrator) MarkCompleted(ctx context.Context, workflowID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.states[workflowID]
	if !ok || state.Status.IsTerminal() {
		return
	}
	state.Status = StatusCompleted
	now := time.Now()
	state.CompletedAt = &now
	state.UpdatedAt = now
	o.logger.Info("workflow completed", "workflow_id", workflowID)
}

// MarkFailed idempotently transitions workflowID to Failed, recording
// reason. A second call after the workflow is already terminal is a
// no-op, matching the original's mark_workflow_failed idempotency.
func (o *Orchestrator) MarkFailed(ctx context.Context, workflowID, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.states[workflowID]
	if !ok || state.Status.IsTerminal() {
		return
	}
	state.Status = StatusFailed
	state.ErrorMessage = reason
	now := time.Now()
	state.CompletedAt = &now
	state.UpdatedAt = now
	o.logger.Error("workflow failed", "workflow_id", workflowID, "reason", reason)
}

func (o *Orchestrator) abortWorkflow(ctx context.Context, workflowID string, cause error) error {
	o.MarkFailed(ctx, workflowID, cause.Error())
	return cause
}

// RetryStage re-enqueues a single failed stage's job under a fresh
// BackgroundJob ID, reusing the current intermediate data. It is the
// orchestrator-side half of ErrorHandler's RetryStage/RetrySpecificStage
// strategies. attempt is the retry attempt number (1 for the first
// retry), recorded on the new job as job.MetaRetryAttempt; per spec.md
// §4.7 a retry is always enqueued at High priority.
func (o *Orchestrator) RetryStage(ctx context.Context, workflowID, stageName string, attempt int) error {
	o.mu.Lock()
	state, ok := o.states[workflowID]
	if !ok {
		o.mu.Unlock()
		return &conductorerrors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	def, _ := o.registry.Get(state.DefinitionName)
	stage := def.Stage(stageName)
	if stage == nil {
		o.mu.Unlock()
		return &conductorerrors.NotFoundError{Resource: "workflow stage", ID: stageName}
	}
	o.mu.Unlock()

	return o.enqueueStage(ctx, state, def, *stage, job.PriorityHigh, attempt)
}
