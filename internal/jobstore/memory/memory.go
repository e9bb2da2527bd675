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

// Package memory provides an in-memory jobstore.Store implementation, used
// by tests and single-process deployments without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	conductorerrors "github.com/tombee/conductor/pkg/errors"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/jobstore"
)

// Store is an in-memory jobstore.Store.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*job.BackgroundJob
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{jobs: make(map[string]*job.BackgroundJob)}
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, j *job.BackgroundJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.ID]; exists {
		return &conductorerrors.JobError{JobID: j.ID, Reason: "job already exists"}
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

// GetByID returns a deep copy of the job, or NotFoundError.
func (s *Store) GetByID(ctx context.Context, id string) (*job.BackgroundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, &conductorerrors.NotFoundError{Resource: "job", ID: id}
	}
	return j.Clone(), nil
}

// UpdateJob overwrites a non-terminal job row. Terminal rows are immutable
// (spec.md invariant J1); the call is a silent no-op in that case.
func (s *Store) UpdateJob(ctx context.Context, j *job.BackgroundJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[j.ID]
	if !ok {
		return &conductorerrors.NotFoundError{Resource: "job", ID: j.ID}
	}
	if existing.Status.IsTerminal() {
		return nil
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

// CancelJob transitions an active job to Canceled. It is idempotent: an
// already-terminal job returns nil without modification (spec.md §4.1).
func (s *Store) CancelJob(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return &conductorerrors.NotFoundError{Resource: "job", ID: id}
	}
	if j.Status.IsTerminal() {
		return nil
	}

	now := time.Now()
	j.Status = job.StatusCanceled
	j.CompletedAt = &now
	if j.Metadata == nil {
		j.Metadata = map[string]any{}
	}
	j.Metadata[job.MetaCancelReason] = reason
	return nil
}

// Finalize writes the terminal Completed row. It is a no-op on an
// already-terminal job (invariant J1).
func (s *Store) Finalize(ctx context.Context, id, response string, usage *job.Usage, model, systemPromptID string, additionalMetadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return &conductorerrors.NotFoundError{Resource: "job", ID: id}
	}
	if j.Status.IsTerminal() {
		return nil
	}

	now := time.Now()
	j.Status = job.StatusCompleted
	j.Response = response
	j.Usage = usage
	j.ModelUsed = model
	j.CompletedAt = &now
	if j.Metadata == nil {
		j.Metadata = map[string]any{}
	}
	delete(j.Metadata, job.MetaIsStreaming)
	delete(j.Metadata, job.MetaStreamProgress)
	for k, v := range additionalMetadata {
		j.Metadata[k] = v
	}
	if systemPromptID != "" {
		j.Metadata["system_prompt_id"] = systemPromptID
	}
	return nil
}

// FinalizeFailure writes the terminal Failed row. It is a no-op on an
// already-terminal job (invariant J1).
func (s *Store) FinalizeFailure(ctx context.Context, id, errorMessage, errorKind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return &conductorerrors.NotFoundError{Resource: "job", ID: id}
	}
	if j.Status.IsTerminal() {
		return nil
	}

	now := time.Now()
	j.Status = job.StatusFailed
	j.ErrorMessage = errorMessage
	j.ErrorKind = errorKind
	j.CompletedAt = &now
	if j.Metadata == nil {
		j.Metadata = map[string]any{}
	}
	delete(j.Metadata, job.MetaIsStreaming)
	delete(j.Metadata, job.MetaStreamProgress)
	return nil
}

// ListJobs returns a deterministic (created_at order) filtered view.
func (s *Store) ListJobs(ctx context.Context, filter jobstore.JobFilter) ([]*job.BackgroundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*job.BackgroundJob
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.TaskType != "" && j.TaskType != filter.TaskType {
			continue
		}
		result = append(result, j.Clone())
	}

	sort.Slice(result, func(i, k int) bool { return result[i].CreatedAt.Before(result[k].CreatedAt) })

	if filter.Offset > 0 && filter.Offset < len(result) {
		result = result[filter.Offset:]
	} else if filter.Offset >= len(result) {
		result = nil
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// GetJobsByMetadataField returns all jobs whose metadata[key] == value,
// used to gather all jobs belonging to a workflow.
func (s *Store) GetJobsByMetadataField(ctx context.Context, key, value string) ([]*job.BackgroundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*job.BackgroundJob
	for _, j := range s.jobs {
		if j.MetadataString(key) == value {
			result = append(result, j.Clone())
		}
	}
	sort.Slice(result, func(i, k int) bool { return result[i].CreatedAt.Before(result[k].CreatedAt) })
	return result, nil
}

// AcknowledgeQueuedJobs atomically claims up to limit Queued rows. Because
// this store is guarded by a single mutex, the "serializable" requirement
// in spec.md §4.1 is satisfied trivially: no concurrent caller can observe
// a row between its Queued read and its Acknowledged write.
func (s *Store) AcknowledgeQueuedJobs(ctx context.Context, limit int) ([]*job.BackgroundJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*job.BackgroundJob
	for _, j := range s.jobs {
		if j.Status == job.StatusQueued {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(i, k int) bool { return candidates[i].CreatedAt.Before(candidates[k].CreatedAt) })

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := time.Now()
	claimed := make([]*job.BackgroundJob, 0, len(candidates))
	for _, j := range candidates {
		j.Status = job.StatusAcknowledged
		j.AcknowledgedAt = &now
		claimed = append(claimed, j.Clone())
	}
	return claimed, nil
}

// ResetStaleAcknowledgedJobs resets rows Acknowledged longer than
// thresholdSeconds back to Queued (spec.md invariant J3).
func (s *Store) ResetStaleAcknowledgedJobs(ctx context.Context, thresholdSeconds int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-time.Duration(thresholdSeconds) * time.Second)
	count := 0
	for _, j := range s.jobs {
		if j.Status != job.StatusAcknowledged {
			continue
		}
		if j.AcknowledgedAt == nil || j.AcknowledgedAt.Before(threshold) {
			j.Status = job.StatusQueued
			j.AcknowledgedAt = nil
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

var _ jobstore.Store = (*Store)(nil)
