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
	"strings"
	"testing"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/jobstore/memory"
	"github.com/tombee/conductor/internal/queue"
)

func singleRootDefinition() *Definition {
	return &Definition{
		Name: "filter-only",
		Stages: []StageDefinition{
			{StageName: "filter", TaskType: job.TaskRegexFileFilter},
		},
	}
}

func TestErrorHandler_RetriesThenAbortsAtMaxAttempts(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(singleRootDefinition()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	store := memory.New()
	q := queue.NewMemoryQueue()
	defer q.Close()

	o := NewOrchestrator(registry, store, q, nil)
	cfg := ErrorRecoveryConfig{
		StrategyMap:            map[string]RecoveryStrategy{"filter": {Kind: StrategyRetryStage, MaxAttempts: 2}},
		DefaultStrategy:        RecoveryStrategy{Kind: StrategyAbortWorkflow},
		MaxConsecutiveFailures: 10,
	}
	h := NewErrorHandler(o, q, cfg, nil)
	o.SetErrorHandler(h)

	ctx := context.Background()
	state, err := o.CreateWorkflow("session-1", "filter-only", "task", "/repo", nil, 1000)
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if err := o.Start(ctx, state.WorkflowID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Each failing job gets a fresh ID on retry (internal/workflow/orchestrator.go's
	// enqueueStage mints a new uuid per attempt), so this test feeds the
	// real, just-dequeued retry job's ID back into the next
	// HandleStageFailure call rather than reusing the original job's ID —
	// otherwise it would validate the per-job-ID retry-count bug instead
	// of the real fresh-ID-per-retry code path.
	failingJob := dequeueWithTimeout(t, q)

	resp, err := h.HandleStageFailure(ctx, state.WorkflowID, failingJob.ID, "filter", errOriginal)
	if err != nil {
		t.Fatalf("first HandleStageFailure should retry, not fail: %v", err)
	}
	if resp.NextAction != "retry" {
		t.Fatalf("expected first failure to retry, got action %q", resp.NextAction)
	}

	retry1 := dequeueWithTimeout(t, q)
	if retry1.ID == failingJob.ID {
		t.Fatal("expected the retried job to get a fresh ID, not reuse the failed job's ID")
	}
	if retry1.Priority != job.PriorityHigh {
		t.Errorf("expected retried job to be enqueued at High priority, got %q", retry1.Priority)
	}
	if attempt, ok := retry1.Metadata[job.MetaRetryAttempt].(int); !ok || attempt != 1 {
		t.Errorf("expected retried job metadata retryAttempt=1, got %v", retry1.Metadata[job.MetaRetryAttempt])
	}
	failingJob = retry1

	resp, err = h.HandleStageFailure(ctx, state.WorkflowID, failingJob.ID, "filter", errOriginal)
	if err != nil {
		t.Fatalf("second HandleStageFailure should still retry: %v", err)
	}
	if resp.NextAction != "retry" {
		t.Fatalf("expected second failure to retry, got action %q", resp.NextAction)
	}

	retry2 := dequeueWithTimeout(t, q)
	if retry2.ID == failingJob.ID {
		t.Fatal("expected the second retried job to get a fresh ID too")
	}
	if attempt, ok := retry2.Metadata[job.MetaRetryAttempt].(int); !ok || attempt != 2 {
		t.Errorf("expected retried job metadata retryAttempt=2, got %v", retry2.Metadata[job.MetaRetryAttempt])
	}
	failingJob = retry2

	resp, err = h.HandleStageFailure(ctx, state.WorkflowID, failingJob.ID, "filter", errOriginal)
	if err == nil {
		t.Fatal("expected third failure to exceed MaxAttempts and abort")
	}
	if resp.NextAction != "abort" {
		t.Fatalf("expected abort action, got %q", resp.NextAction)
	}
	if !strings.Contains(err.Error(), "Max retry attempts (2) exceeded for stage 'filter'") {
		t.Fatalf("expected error message to name the exceeded attempt count and stage, got: %v", err)
	}

	got, _ := o.GetStatus(state.WorkflowID)
	if got.Status != StatusFailed {
		t.Errorf("expected workflow Status Failed after abort, got %s", got.Status)
	}
}

func TestErrorHandler_MaxConsecutiveFailuresAbortsRegardlessOfStrategy(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(singleRootDefinition()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	store := memory.New()
	q := queue.NewMemoryQueue()
	defer q.Close()

	o := NewOrchestrator(registry, store, q, nil)
	cfg := ErrorRecoveryConfig{
		StrategyMap:            map[string]RecoveryStrategy{"filter": {Kind: StrategyRetryStage, MaxAttempts: 100}},
		DefaultStrategy:        RecoveryStrategy{Kind: StrategyAbortWorkflow},
		MaxConsecutiveFailures: 2,
	}
	h := NewErrorHandler(o, q, cfg, nil)
	o.SetErrorHandler(h)

	ctx := context.Background()
	state, err := o.CreateWorkflow("session-1", "filter-only", "task", "/repo", nil, 1000)
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}

	if _, err := h.HandleStageFailure(ctx, state.WorkflowID, "job-1", "filter", errOriginal); err != nil {
		t.Fatalf("first failure should not abort: %v", err)
	}
	_, err = h.HandleStageFailure(ctx, state.WorkflowID, "job-1", "filter", errOriginal)
	if err == nil {
		t.Fatal("expected the global consecutive-failure threshold to abort the workflow")
	}
}

var errOriginal = &testError{"original error"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
