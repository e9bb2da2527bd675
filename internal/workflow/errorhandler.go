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

// Error handling for workflow stage failures (C8), grounded on
// original_source's workflow_error_handler.rs and workflow_types.rs'
// RecoveryStrategy/ErrorRecoveryConfig.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tombee/conductor/internal/queue"
)

// stageRetryKey identifies one stage's retry counter within a single
// workflow instance. Retry jobs get a fresh BackgroundJob ID on every
// attempt (internal/workflow/orchestrator.go's enqueueStage), so the
// counter cannot be keyed by job ID the way the queue's own per-job
// retry count is; it must survive across the ID change.
func stageRetryKey(workflowID, stage string) string {
	return workflowID + "\x00" + stage
}

// StrategyKind discriminates a RecoveryStrategy variant.
type StrategyKind string

const (
	StrategyRetryStage         StrategyKind = "retry_stage"
	StrategyRetrySpecificStage StrategyKind = "retry_specific_stage"
	StrategySkipStage          StrategyKind = "skip_stage"
	StrategyAbortWorkflow      StrategyKind = "abort_workflow"
)

// RecoveryStrategy describes how a stage failure should be handled.
// MaxAttempts bounds the retries of both retry kinds. DelayMS is carried
// for StrategyRetryStage, but handleRetry enqueues the retry without
// waiting on it. JobID applies only to StrategyRetrySpecificStage.
type RecoveryStrategy struct {
	Kind        StrategyKind
	MaxAttempts int
	DelayMS     int64
	JobID       string
}

// ErrorRecoveryConfig maps each stage to the RecoveryStrategy applied
// when it fails, falling back to DefaultStrategy for any stage not
// listed. MaxConsecutiveFailures bounds how many stage failures a single
// workflow may accumulate before it is aborted regardless of per-stage
// strategy, mirroring the original's global circuit breaker.
type ErrorRecoveryConfig struct {
	StrategyMap            map[string]RecoveryStrategy
	DefaultStrategy        RecoveryStrategy
	MaxConsecutiveFailures int
}

// DefaultErrorRecoveryConfig reproduces the original's Default impl: a
// few well-known stages get a bounded retry with a per-stage DelayMS hint,
// everything else aborts the workflow on first failure.
func DefaultErrorRecoveryConfig() ErrorRecoveryConfig {
	return ErrorRecoveryConfig{
		StrategyMap: map[string]RecoveryStrategy{
			"RegexFileFilter":         {Kind: StrategyRetryStage, MaxAttempts: 3, DelayMS: 3000},
			"FileRelevanceAssessment": {Kind: StrategyRetryStage, MaxAttempts: 3, DelayMS: 4000},
			"ExtendedPathFinder":      {Kind: StrategyRetryStage, MaxAttempts: 2, DelayMS: 5000},
			"PathCorrection":          {Kind: StrategyRetryStage, MaxAttempts: 2, DelayMS: 3000},
		},
		DefaultStrategy:        RecoveryStrategy{Kind: StrategyAbortWorkflow},
		MaxConsecutiveFailures: 3,
	}
}

// Response reports what the error handler did, mirroring the original's
// WorkflowErrorResponse.
type Response struct {
	ErrorHandled      bool
	RecoveryAttempted bool
	NextAction        string
	ShouldContinue    bool
	RetryJobID        string
}

// ErrorHandler applies ErrorRecoveryConfig to a failed workflow stage
// (C8). It depends on the orchestrator for retry enqueueing and
// terminal-status transitions. It holds the queue it is given but does
// not read a retry counter from it: retries are counted in stageRetries
// per (workflow, stage), as handleRetry describes.
type ErrorHandler struct {
	mu           sync.Mutex
	orchestrator *Orchestrator
	queue        queue.Queue
	cfg          ErrorRecoveryConfig
	consecutive  map[string]int
	stageRetries map[string]int
	logger       *slog.Logger
}

// NewErrorHandler creates an ErrorHandler. Call orchestrator.SetErrorHandler
// with the result so OnJobTerminal can reach it.
func NewErrorHandler(orchestrator *Orchestrator, q queue.Queue, cfg ErrorRecoveryConfig, logger *slog.Logger) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorHandler{
		orchestrator: orchestrator,
		queue:        q,
		cfg:          cfg,
		consecutive:  make(map[string]int),
		stageRetries: make(map[string]int),
		logger:       logger.With("component", "workflow.errorhandler"),
	}
}

// HandleStageFailure looks up the strategy for stage (falling back to
// DefaultStrategy), enforces the global consecutive-failure circuit
// breaker, and dispatches to the matching strategy handler.
func (h *ErrorHandler) HandleStageFailure(ctx context.Context, workflowID, failedJobID, stage string, cause error) (Response, error) {
	h.mu.Lock()
	h.consecutive[workflowID]++
	count := h.consecutive[workflowID]
	strategy, ok := h.cfg.StrategyMap[stage]
	if !ok {
		strategy = h.cfg.DefaultStrategy
	}
	maxConsecutive := h.cfg.MaxConsecutiveFailures
	if maxConsecutive <= 0 {
		maxConsecutive = 3
	}
	h.mu.Unlock()

	comprehensive := fmt.Errorf("stage %q failed: %w", stage, cause)

	if count >= maxConsecutive {
		h.logger.Error("max consecutive workflow failures exceeded, aborting", "workflow_id", workflowID, "consecutive_failures", count)
		return h.handleAbort(ctx, workflowID, comprehensive)
	}

	switch strategy.Kind {
	case StrategyRetryStage:
		return h.handleRetry(ctx, workflowID, failedJobID, stage, strategy, comprehensive)
	case StrategyRetrySpecificStage:
		return h.handleRetry(ctx, workflowID, strategy.JobID, stage, strategy, comprehensive)
	case StrategySkipStage:
		return h.handleSkip(ctx, workflowID, stage)
	default:
		return h.handleAbort(ctx, workflowID, comprehensive)
	}
}

// handleRetry requeues the stage if its retry count is still under
// MaxAttempts, otherwise aborts the workflow with the exact message
// shape the original produces: "Max retry attempts (N) exceeded for
// stage 'S'. Original error: ...". The retry count is tracked per
// (workflow, stage) rather than per job ID, since every retry attempt
// creates a brand-new BackgroundJob ID and a job-ID-keyed counter would
// never see more than one increment.
func (h *ErrorHandler) handleRetry(ctx context.Context, workflowID, failedJobID, stage string, strategy RecoveryStrategy, cause error) (Response, error) {
	key := stageRetryKey(workflowID, stage)

	h.mu.Lock()
	attempts := h.stageRetries[key]
	h.mu.Unlock()

	if attempts >= strategy.MaxAttempts {
		abortErr := fmt.Errorf("Max retry attempts (%d) exceeded for stage '%s'. Original error: %w", strategy.MaxAttempts, stage, cause)
		return h.handleAbort(ctx, workflowID, abortErr)
	}

	nextAttempt := attempts + 1
	h.mu.Lock()
	h.stageRetries[key] = nextAttempt
	h.mu.Unlock()

	if err := h.orchestrator.RetryStage(ctx, workflowID, stage, nextAttempt); err != nil {
		return h.handleAbort(ctx, workflowID, fmt.Errorf("retrying stage %q: %w", stage, err))
	}

	h.logger.Warn("retrying failed workflow stage", "workflow_id", workflowID, "stage", stage, "job_id", failedJobID, "attempt", nextAttempt, "max_attempts", strategy.MaxAttempts)
	return Response{ErrorHandled: true, RecoveryAttempted: true, NextAction: "retry", ShouldContinue: true}, nil
}

func (h *ErrorHandler) handleSkip(ctx context.Context, workflowID, stage string) (Response, error) {
	h.logger.Warn("skipping failed workflow stage", "workflow_id", workflowID, "stage", stage)
	return Response{ErrorHandled: true, RecoveryAttempted: false, NextAction: "skip", ShouldContinue: true}, nil
}

func (h *ErrorHandler) handleAbort(ctx context.Context, workflowID string, cause error) (Response, error) {
	h.orchestrator.MarkFailed(ctx, workflowID, cause.Error())
	return Response{ErrorHandled: true, RecoveryAttempted: false, NextAction: "abort", ShouldContinue: false}, cause
}

// ResetConsecutiveFailures clears the failure counter for workflowID,
// called by the orchestrator after a stage completes successfully so a
// single transient streak does not count against a later, unrelated one.
func (h *ErrorHandler) ResetConsecutiveFailures(workflowID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.consecutive, workflowID)
}
