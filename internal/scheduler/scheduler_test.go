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

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/jobstore/memory"
	"github.com/tombee/conductor/internal/queue"
)

func TestCalculateCooldown(t *testing.T) {
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{3, 80 * time.Second},
		{4, 160 * time.Second},
		{5, 300 * time.Second}, // 320s clamps to the 300s ceiling
		{100, 300 * time.Second},
	}

	for _, tc := range cases {
		if got := calculateCooldown(tc.failures); got != tc.want {
			t.Errorf("calculateCooldown(%d) = %v, want %v", tc.failures, got, tc.want)
		}
	}
}

func TestScheduler_ClaimsAndEnqueuesQueuedJobs(t *testing.T) {
	store := memory.New()
	q := queue.NewMemoryQueue()
	defer q.Close()

	ctx := context.Background()
	if err := store.CreateJob(ctx, &job.BackgroundJob{ID: "j1", Status: job.StatusQueued, Priority: job.PriorityHigh}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	s := New(store, q, Config{
		TickInterval: 10 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
	}, nil)

	s.Start(ctx)
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("scheduler did not enqueue the claimed job in time")
		default:
		}
		if q.Len() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	claimed, err := store.GetByID(ctx, "j1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if claimed.Status != job.StatusAcknowledged {
		t.Errorf("expected job to be acknowledged, got %s", claimed.Status)
	}
}

func TestScheduler_StartStopIsIdempotent(t *testing.T) {
	store := memory.New()
	q := queue.NewMemoryQueue()
	defer q.Close()

	s := New(store, q, DefaultConfig(), nil)
	ctx := context.Background()

	s.Start(ctx)
	s.Start(ctx) // second Start is a no-op
	s.Stop()
	s.Stop() // second Stop is a no-op
}
