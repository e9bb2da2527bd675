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

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tombee/conductor/internal/job"
)

func TestMemoryQueue_EnqueueDequeue(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	ctx := context.Background()

	j := &job.BackgroundJob{ID: "test-job-1", Status: job.StatusQueued}

	if err := q.Enqueue(j, job.PriorityNormal); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if q.Len() != 1 {
		t.Errorf("expected queue length 1, got %d", q.Len())
	}

	dequeued, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	if dequeued.ID != j.ID {
		t.Errorf("expected job ID %s, got %s", j.ID, dequeued.ID)
	}

	if q.Len() != 0 {
		t.Errorf("expected queue length 0, got %d", q.Len())
	}
}

func TestMemoryQueue_PriorityOrdering(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	low := &job.BackgroundJob{ID: "low"}
	high := &job.BackgroundJob{ID: "high"}
	normal := &job.BackgroundJob{ID: "normal"}

	q.Enqueue(low, job.PriorityLow)
	q.Enqueue(normal, job.PriorityNormal)
	q.Enqueue(high, job.PriorityHigh)

	ctx := context.Background()
	order := []string{}
	for i := 0; i < 3; i++ {
		entry, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		order = append(order, entry.ID)
	}

	want := []string{"high", "normal", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected dequeue order %v, got %v", want, order)
		}
	}
}

func TestMemoryQueue_FIFOWithinLane(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(&job.BackgroundJob{ID: id}, job.PriorityNormal)
	}

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if got.ID != want {
			t.Fatalf("expected FIFO order, wanted %s got %s", want, got.ID)
		}
	}
}

func TestMemoryQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result := make(chan *job.BackgroundJob, 1)
	go func() {
		entry, err := q.Dequeue(ctx)
		if err != nil {
			return
		}
		result <- entry
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(&job.BackgroundJob{ID: "late"}, job.PriorityNormal)

	select {
	case entry := <-result:
		if entry.ID != "late" {
			t.Fatalf("expected 'late', got %s", entry.ID)
		}
	case <-ctx.Done():
		t.Fatal("Dequeue did not unblock after Enqueue")
	}
}

func TestMemoryQueue_CloseUnblocksDequeue(t *testing.T) {
	q := NewMemoryQueue()

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if err != ErrQueueClosed {
			t.Fatalf("expected ErrQueueClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not unblock after Close")
	}

	if err := q.Enqueue(&job.BackgroundJob{ID: "x"}, job.PriorityNormal); err != ErrQueueClosed {
		t.Fatalf("expected Enqueue on closed queue to fail, got %v", err)
	}
}

func TestMemoryQueue_RetryCount(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	if got := q.RetryCount("job-1"); got != 0 {
		t.Fatalf("expected initial retry count 0, got %d", got)
	}

	if got := q.IncrementRetryCount("job-1"); got != 1 {
		t.Fatalf("expected incremented retry count 1, got %d", got)
	}

	if got := q.IncrementRetryCount("job-1"); got != 2 {
		t.Fatalf("expected incremented retry count 2, got %d", got)
	}
}

func TestMemoryQueue_ConcurrentEnqueueDequeue(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			q.Enqueue(&job.BackgroundJob{ID: "job"}, job.PriorityNormal)
		}(i)
	}
	wg.Wait()

	if q.Len() != n {
		t.Fatalf("expected %d entries, got %d", n, q.Len())
	}

	ctx := context.Background()
	for i := 0; i < n; i++ {
		if _, err := q.Dequeue(ctx); err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after draining, got %d", q.Len())
	}
}
