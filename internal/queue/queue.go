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

// Package queue provides the in-memory priority queue that sits between the
// scheduler's DB poll and the job dispatcher.
package queue

import (
	"context"
	"sync"

	"github.com/tombee/conductor/internal/job"
)

// Error is a typed queue error.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

// ErrQueueClosed is returned by Enqueue/Dequeue once the queue has been closed.
var ErrQueueClosed = &Error{Message: "queue is closed"}

// Queue is the contract the scheduler and dispatcher depend on. Exactly
// three lanes exist (High, Normal, Low); Dequeue always drains High before
// Normal before Low, and preserves FIFO order within a lane.
type Queue interface {
	Enqueue(j *job.BackgroundJob, priority job.Priority) error
	Dequeue(ctx context.Context) (*job.BackgroundJob, error)
	Len() int
	Close() error
	RetryCount(jobID string) uint32
	IncrementRetryCount(jobID string) uint32
}

// MemoryQueue is the only Queue implementation; the queue never persists,
// per spec.md §4.2 — after a restart the scheduler repopulates it from the
// store.
type MemoryQueue struct {
	mu    sync.Mutex
	lanes map[job.Priority][]*job.BackgroundJob

	signal chan struct{}

	closedMu sync.RWMutex
	closed   bool

	retryMu sync.Mutex
	retries map[string]uint32
}

var laneOrder = []job.Priority{job.PriorityHigh, job.PriorityNormal, job.PriorityLow}

// NewMemoryQueue creates an empty, open queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		lanes:   map[job.Priority][]*job.BackgroundJob{job.PriorityHigh: nil, job.PriorityNormal: nil, job.PriorityLow: nil},
		signal:  make(chan struct{}, 1),
		retries: make(map[string]uint32),
	}
}

// Enqueue appends j to the lane named by priority. It is non-blocking and
// safe for concurrent use.
func (q *MemoryQueue) Enqueue(j *job.BackgroundJob, priority job.Priority) error {
	if q.isClosed() {
		return ErrQueueClosed
	}

	if priority == "" {
		priority = job.PriorityNormal
	}

	q.mu.Lock()
	q.lanes[priority] = append(q.lanes[priority], j)
	q.mu.Unlock()

	q.notify()
	return nil
}

// Dequeue blocks until an entry is available, the context is canceled, or
// the queue is closed. It drains High, then Normal, then Low.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*job.BackgroundJob, error) {
	for {
		if entry, ok := q.tryDequeue(); ok {
			return entry, nil
		}

		if q.isClosed() {
			return nil, ErrQueueClosed
		}

		select {
		case <-q.signal:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *MemoryQueue) tryDequeue() (*job.BackgroundJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, lane := range laneOrder {
		entries := q.lanes[lane]
		if len(entries) == 0 {
			continue
		}
		entry := entries[0]
		q.lanes[lane] = entries[1:]
		return entry, true
	}
	return nil, false
}

// Len returns the total number of entries across all lanes.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, lane := range laneOrder {
		total += len(q.lanes[lane])
	}
	return total
}

// Close marks the queue closed; subsequent Enqueue calls fail and a
// blocked Dequeue returns ErrQueueClosed once drained.
func (q *MemoryQueue) Close() error {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	q.notify()
	return nil
}

func (q *MemoryQueue) isClosed() bool {
	q.closedMu.RLock()
	defer q.closedMu.RUnlock()
	return q.closed
}

func (q *MemoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// RetryCount returns the current retry counter for jobID, 0 if unset.
func (q *MemoryQueue) RetryCount(jobID string) uint32 {
	q.retryMu.Lock()
	defer q.retryMu.Unlock()
	return q.retries[jobID]
}

// IncrementRetryCount increments and returns the retry counter for jobID.
func (q *MemoryQueue) IncrementRetryCount(jobID string) uint32 {
	q.retryMu.Lock()
	defer q.retryMu.Unlock()
	q.retries[jobID]++
	return q.retries[jobID]
}
