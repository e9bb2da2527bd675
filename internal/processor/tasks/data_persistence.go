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

// DataPersistenceProcessor writes a job's payload to a caller-supplied key/
// value sink without ever talking to an LLM — the one processor in this
// package whose Work is pure I/O, grounded on how the teacher's
// internal/action/file executors write outputs through a narrow interface
// rather than touching the filesystem directly.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/processor"
	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// PersistenceSink is the narrow interface DataPersistenceProcessor writes
// through; any key/value store, such as a session-scoped one, can
// satisfy it.
type PersistenceSink interface {
	Put(ctx context.Context, scope, key string, value []byte) error
}

// DataPersistencePayload is the task-specific payload for
// TaskDataPersistence jobs.
type DataPersistencePayload struct {
	Scope string          `json:"scope"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// DataPersistenceProcessor is the C6 processor for TaskDataPersistence.
type DataPersistenceProcessor struct {
	Sink PersistenceSink

	payload DataPersistencePayload
}

var _ processor.Processor = (*DataPersistenceProcessor)(nil)

func (p *DataPersistenceProcessor) TaskType() job.TaskType { return job.TaskDataPersistence }

func (p *DataPersistenceProcessor) Setup(ctx context.Context, j *job.BackgroundJob) error {
	var payload DataPersistencePayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return &conductorerrors.ValidationError{Field: "payload", Message: fmt.Sprintf("invalid data persistence payload: %v", err)}
	}
	if payload.Key == "" {
		return &conductorerrors.ValidationError{Field: "key", Message: "must not be empty"}
	}
	if len(payload.Value) == 0 {
		return &conductorerrors.ValidationError{Field: "value", Message: "must not be empty"}
	}
	p.payload = payload
	return nil
}

func (p *DataPersistenceProcessor) Work(ctx context.Context, j *job.BackgroundJob, probe processor.CancelProbe) (processor.Outcome, error) {
	if probe() {
		return processor.Outcome{}, context.Canceled
	}
	if p.Sink == nil {
		return processor.Outcome{}, &conductorerrors.InitializationError{Subsystem: "persistence", Reason: "no persistence sink configured"}
	}

	scope := p.payload.Scope
	if scope == "" {
		scope = j.SessionID
	}

	if err := p.Sink.Put(ctx, scope, p.payload.Key, p.payload.Value); err != nil {
		return processor.Outcome{}, &conductorerrors.DatabaseError{Operation: "persist job data", Cause: err}
	}

	return processor.Outcome{Response: "ok"}, nil
}

func (p *DataPersistenceProcessor) Finalize(ctx context.Context, j *job.BackgroundJob, outcome processor.Outcome, workErr error) error {
	return nil
}
