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

// Package jobstore defines the durable BackgroundJob store contract
// (spec.md §4.1, C1). A store implementation is any relational backend
// supporting row-level locking and JSON columns; the required primitive is
// an atomic "select queued limit N, mark acknowledged" operation.
//
// Following the teacher's interface-segregation pattern (see
// internal/controller/backend/backend.go), the contract is split into
// small pieces so a minimal backend only has to implement what it uses;
// callers that need the worker-claim primitive assert for JobClaimer.
package jobstore

import (
	"context"
	"io"

	"github.com/tombee/conductor/internal/job"
)

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Status   job.Status
	TaskType job.TaskType
	Limit    int
	Offset   int
}

// Store is the full contract C1 requires. A concrete backend (memory,
// sqlite, postgres) implements Store in full; callers that only need a
// subset may depend on one of the smaller interfaces below instead.
type Store interface {
	JobReader
	JobWriter
	JobClaimer
	io.Closer
}

// JobReader covers read-only job access.
type JobReader interface {
	GetByID(ctx context.Context, id string) (*job.BackgroundJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*job.BackgroundJob, error)
	GetJobsByMetadataField(ctx context.Context, key, value string) ([]*job.BackgroundJob, error)
}

// JobWriter covers job creation and non-terminal mutation.
type JobWriter interface {
	CreateJob(ctx context.Context, j *job.BackgroundJob) error
	UpdateJob(ctx context.Context, j *job.BackgroundJob) error
	CancelJob(ctx context.Context, id string, reason string) error
	Finalize(ctx context.Context, id string, response string, usage *job.Usage, model, systemPromptID string, additionalMetadata map[string]any) error
	FinalizeFailure(ctx context.Context, id string, errorMessage string, errorKind string) error
}

// JobClaimer covers the worker-facing atomic claim and stale-recovery
// operations that back the scheduler's DB poll (spec.md §4.1, §4.3).
type JobClaimer interface {
	// AcknowledgeQueuedJobs atomically transitions up to limit Queued rows
	// to Acknowledged and returns them. Implementations MUST guarantee that
	// two concurrent callers never receive the same row (spec.md: "must be
	// serializable").
	AcknowledgeQueuedJobs(ctx context.Context, limit int) ([]*job.BackgroundJob, error)

	// ResetStaleAcknowledgedJobs resets to Queued every row that has been
	// Acknowledged for longer than thresholdSeconds. Returns the count reset.
	ResetStaleAcknowledgedJobs(ctx context.Context, thresholdSeconds int64) (int, error)
}
