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

package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/jobstore/memory"
	"github.com/tombee/conductor/internal/processor"
	"github.com/tombee/conductor/internal/queue"
)

type fakeProcessor struct {
	taskType job.TaskType
	workFn   func(ctx context.Context, j *job.BackgroundJob, probe processor.CancelProbe) (processor.Outcome, error)
}

func (f *fakeProcessor) TaskType() job.TaskType { return f.taskType }
func (f *fakeProcessor) Setup(ctx context.Context, j *job.BackgroundJob) error { return nil }
func (f *fakeProcessor) Work(ctx context.Context, j *job.BackgroundJob, probe processor.CancelProbe) (processor.Outcome, error) {
	return f.workFn(ctx, j, probe)
}
func (f *fakeProcessor) Finalize(ctx context.Context, j *job.BackgroundJob, outcome processor.Outcome, workErr error) error {
	return nil
}

func TestDispatcher_SuccessPath(t *testing.T) {
	store := memory.New()
	q := queue.NewMemoryQueue()
	defer q.Close()

	registry := processor.NewRegistry()
	registry.Register(&fakeProcessor{
		taskType: job.TaskTextImprovement,
		workFn: func(ctx context.Context, j *job.BackgroundJob, probe processor.CancelProbe) (processor.Outcome, error) {
			return processor.Outcome{Response: "done", ModelUsed: "test-model"}, nil
		},
	})

	ctx := context.Background()
	j := &job.BackgroundJob{ID: "j1", TaskType: job.TaskTextImprovement, Status: job.StatusAcknowledged, ModelUsed: "test-model", MaxOutputTokens: 1000}
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := q.Enqueue(j, job.PriorityNormal); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	d := New(store, q, registry, nil, nil, DefaultConfig(), nil)

	var mu sync.Mutex
	var results []Result
	d.OnResult(func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	})

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go d.Run(runCtx)

	deadline := time.After(1 * time.Second)
	for {
		mu.Lock()
		n := len(results)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("dispatcher did not process the job in time")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	got, err := store.GetByID(ctx, "j1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("expected job to be completed, got %s", got.Status)
	}
	if got.Response != "done" {
		t.Errorf("expected response %q, got %q", "done", got.Response)
	}
}

func TestDispatcher_FailureRetriesThenFinalizesFailed(t *testing.T) {
	store := memory.New()
	q := queue.NewMemoryQueue()
	defer q.Close()

	registry := processor.NewRegistry()
	registry.Register(&fakeProcessor{
		taskType: job.TaskTextCorrection,
		workFn: func(ctx context.Context, j *job.BackgroundJob, probe processor.CancelProbe) (processor.Outcome, error) {
			return processor.Outcome{}, errors.New("boom")
		},
	})

	ctx := context.Background()
	j := &job.BackgroundJob{ID: "j2", TaskType: job.TaskTextCorrection, Status: job.StatusAcknowledged, ModelUsed: "test-model", MaxOutputTokens: 1000}
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := q.Enqueue(j, job.PriorityNormal); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	cfg := Config{MaxConcurrency: 1, MaxRetries: 1}
	d := New(store, q, registry, nil, nil, cfg, nil)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go d.Run(runCtx)

	deadline := time.After(1500 * time.Millisecond)
	for {
		got, err := store.GetByID(ctx, "j2")
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.Status == job.StatusFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never reached Failed, last status %s", got.Status)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestDispatcher_ResolvesMissingProcessorAsFailure(t *testing.T) {
	store := memory.New()
	q := queue.NewMemoryQueue()
	defer q.Close()

	registry := processor.NewRegistry()

	ctx := context.Background()
	j := &job.BackgroundJob{ID: "j3", TaskType: job.TaskUnknown, Status: job.StatusAcknowledged, ModelUsed: "test-model", MaxOutputTokens: 1000}
	if err := store.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := q.Enqueue(j, job.PriorityNormal); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	d := New(store, q, registry, nil, nil, DefaultConfig(), nil)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	go d.Run(runCtx)

	deadline := time.After(1 * time.Second)
	for {
		got, err := store.GetByID(ctx, "j3")
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.Status == job.StatusFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never finalized as failed for missing processor")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}
