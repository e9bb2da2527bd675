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
	"testing"
	"time"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/jobstore/memory"
	"github.com/tombee/conductor/internal/queue"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *Registry, *memory.Store, *queue.MemoryQueue) {
	t.Helper()
	registry := NewRegistry()
	if err := registry.Register(validTwoStageDefinition()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	store := memory.New()
	q := queue.NewMemoryQueue()
	t.Cleanup(func() { _ = q.Close() })
	return NewOrchestrator(registry, store, q, nil), registry, store, q
}

func dequeueWithTimeout(t *testing.T, q *queue.MemoryQueue) *job.BackgroundJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	j, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue timed out or failed: %v", err)
	}
	return j
}

func TestOrchestrator_StartEnqueuesRootStage(t *testing.T) {
	o, _, _, q := newTestOrchestrator(t)
	ctx := context.Background()

	state, err := o.CreateWorkflow("session-1", "path-finding", "find the auth module", "/repo", nil, 60000)
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if err := o.Start(ctx, state.WorkflowID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	j := dequeueWithTimeout(t, q)
	if j.TaskType != job.TaskExtendedPathFinder {
		t.Errorf("expected root stage task type %s, got %s", job.TaskExtendedPathFinder, j.TaskType)
	}
	if j.MetadataString(job.MetaWorkflowID) != state.WorkflowID {
		t.Errorf("expected job metadata to carry workflow id %s", state.WorkflowID)
	}
	if j.MetadataString(job.MetaWorkflowStage) != "find" {
		t.Errorf("expected job metadata stage %q, got %q", "find", j.MetadataString(job.MetaWorkflowStage))
	}
}

func TestOrchestrator_CompletedRootStageFansOutToDependent(t *testing.T) {
	o, _, store, q := newTestOrchestrator(t)
	ctx := context.Background()

	state, err := o.CreateWorkflow("session-1", "path-finding", "find the auth module", "/repo", nil, 60000)
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if err := o.Start(ctx, state.WorkflowID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	rootJob := dequeueWithTimeout(t, q)

	completed, err := store.GetByID(ctx, rootJob.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	completed.Status = job.StatusCompleted
	completed.Metadata["verified_paths"] = []string{"internal/auth/auth.go"}

	if err := o.OnJobTerminal(ctx, completed); err != nil {
		t.Fatalf("OnJobTerminal failed: %v", err)
	}

	dependent := dequeueWithTimeout(t, q)
	if dependent.TaskType != job.TaskExtendedPathCorrection {
		t.Errorf("expected dependent stage task type %s, got %s", job.TaskExtendedPathCorrection, dependent.TaskType)
	}
	if dependent.Priority != job.PriorityHigh {
		t.Errorf("expected fanned-out dependent stage to be enqueued at High priority, got %q", dependent.Priority)
	}

	got, err := o.GetStatus(state.WorkflowID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if got.StageJobByName("find").Status != StageCompleted {
		t.Errorf("expected root stage Completed, got %s", got.StageJobByName("find").Status)
	}
	if got.StageJobByName("correct").Status != StageRunning {
		t.Errorf("expected dependent stage Running after enqueue, got %s", got.StageJobByName("correct").Status)
	}
}

func TestOrchestrator_AbortsWhenRequiredIntermediateDataMissing(t *testing.T) {
	o, _, store, q := newTestOrchestrator(t)
	ctx := context.Background()

	state, err := o.CreateWorkflow("session-1", "path-finding", "find the auth module", "/repo", nil, 60000)
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if err := o.Start(ctx, state.WorkflowID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	rootJob := dequeueWithTimeout(t, q)
	completed, err := store.GetByID(ctx, rootJob.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	completed.Status = job.StatusCompleted
	// No verified_paths metadata set: the dependent stage requires it.

	if err := o.OnJobTerminal(ctx, completed); err == nil {
		t.Fatal("expected OnJobTerminal to fail the workflow on missing intermediate data")
	}

	got, err := o.GetStatus(state.WorkflowID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("expected workflow Status Failed, got %s", got.Status)
	}
}

func TestOrchestrator_RetryStageEnqueuesHighPriorityWithAttemptMetadata(t *testing.T) {
	o, _, _, q := newTestOrchestrator(t)
	ctx := context.Background()

	state, err := o.CreateWorkflow("session-1", "path-finding", "find the auth module", "/repo", nil, 60000)
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	if err := o.Start(ctx, state.WorkflowID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	original := dequeueWithTimeout(t, q)

	if err := o.RetryStage(ctx, state.WorkflowID, "find", 1); err != nil {
		t.Fatalf("RetryStage failed: %v", err)
	}

	retried := dequeueWithTimeout(t, q)
	if retried.ID == original.ID {
		t.Fatal("expected the retried job to get a fresh ID")
	}
	if retried.Priority != job.PriorityHigh {
		t.Errorf("expected retried job to be enqueued at High priority, got %q", retried.Priority)
	}
	if attempt, ok := retried.Metadata[job.MetaRetryAttempt].(int); !ok || attempt != 1 {
		t.Errorf("expected retried job metadata retryAttempt=1, got %v", retried.Metadata[job.MetaRetryAttempt])
	}
}

func TestOrchestrator_MarkFailedIsIdempotent(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	state, err := o.CreateWorkflow("session-1", "path-finding", "task", "/repo", nil, 1000)
	if err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}

	o.MarkFailed(ctx, state.WorkflowID, "first failure")
	o.MarkFailed(ctx, state.WorkflowID, "second failure")

	got, _ := o.GetStatus(state.WorkflowID)
	if got.ErrorMessage != "first failure" {
		t.Errorf("expected first failure reason to stick, got %q", got.ErrorMessage)
	}
}

func TestState_ProgressUsesDefinitionStageCount(t *testing.T) {
	def := validTwoStageDefinition()
	state := NewState("wf-1", def.Name, "session-1")
	for _, s := range def.Stages {
		state.AddStageJob(s.StageName, string(s.TaskType))
	}

	if p := state.Progress(def); p != 0 {
		t.Errorf("expected 0%% progress before any stage completes, got %v", p)
	}

	state.UpdateStageStatus("find", StageCompleted, "")
	if p := state.Progress(def); p != 0.5 {
		t.Errorf("expected 50%% progress after one of two stages completes, got %v", p)
	}
}

func TestIntermediateData_GetFinalSelectedFiles(t *testing.T) {
	d := IntermediateData{
		VerifiedPaths:  []string{"b.go", "a.go"},
		CorrectedPaths: []string{"a.go", "c.go"},
	}
	got := d.GetFinalSelectedFiles()
	want := []string{"a.go", "b.go", "c.go"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
