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
	"sort"
	"time"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// IsTerminal reports whether no further stage of this workflow may run.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// StageStatus mirrors job.Status for the subset of states a workflow
// stage-job tracks before a BackgroundJob even exists for it (Pending).
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageCanceled  StageStatus = "canceled"
	StageSkipped   StageStatus = "skipped"
)

// StageJob tracks one stage's execution within a workflow instance. It
// exists (in Pending status, JobID empty) from workflow creation, and is
// populated with a JobID once the orchestrator enqueues its
// BackgroundJob — mirroring the original's WorkflowStageJob, minus the
// Rust-only depends_on singular field (a stage may depend on more than
// one prior stage here, tracked on the Definition, not duplicated here).
type StageJob struct {
	StageName   string
	TaskType    string
	JobID       string
	Status      StageStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
	SubStatus   string
}

// IntermediateData is the cross-stage payload the orchestrator threads
// between stages, restricted to the fields spec.md's invariant W5 names.
// Per DESIGN.md's Open Question #2 decision, earlier per-stage fields the
// original also tracked (initial verified/corrected paths before
// extension) are not reproduced here — only the two fields
// GetFinalSelectedFiles actually consumes.
type IntermediateData struct {
	VerifiedPaths  []string
	CorrectedPaths []string

	// Free-form fields later stages may stash and earlier stages may
	// read, keyed by the completed job's metadata key (mergeOutput copies
	// every entry except the workflow id and stage keys), for task types
	// spec.md does not name an
	// explicit intermediate-data shape for (e.g. directory tree content,
	// raw regex patterns).
	Extra map[string]any
}

// GetFinalSelectedFiles returns the sorted, de-duplicated union of
// VerifiedPaths and CorrectedPaths, matching invariant W5 exactly.
func (d *IntermediateData) GetFinalSelectedFiles() []string {
	seen := make(map[string]struct{}, len(d.VerifiedPaths)+len(d.CorrectedPaths))
	var out []string
	for _, p := range d.VerifiedPaths {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	for _, p := range d.CorrectedPaths {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// State is one running (or completed) workflow instance.
type State struct {
	WorkflowID       string
	DefinitionName   string
	SessionID        string
	Status           Status
	StageJobs        []*StageJob
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
	TaskDescription  string
	ProjectDirectory string
	ExcludedPaths    []string
	TimeoutMS        int64
	Intermediate     IntermediateData
	ErrorMessage     string
}

// NewState creates an empty, Created-status workflow instance.
func NewState(workflowID, definitionName, sessionID string) *State {
	now := time.Now()
	return &State{
		WorkflowID:     workflowID,
		DefinitionName: definitionName,
		SessionID:      sessionID,
		Status:         StatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
		Intermediate:   IntermediateData{Extra: map[string]any{}},
	}
}

// StageJobByName returns the tracked StageJob for stageName, or nil.
func (s *State) StageJobByName(stageName string) *StageJob {
	for _, sj := range s.StageJobs {
		if sj.StageName == stageName {
			return sj
		}
	}
	return nil
}

// StageJobByJobID returns the tracked StageJob whose JobID matches jobID, or nil.
func (s *State) StageJobByJobID(jobID string) *StageJob {
	for _, sj := range s.StageJobs {
		if sj.JobID == jobID {
			return sj
		}
	}
	return nil
}

// AddStageJob appends a new Pending stage-job tracker.
func (s *State) AddStageJob(stageName, taskType string) *StageJob {
	sj := &StageJob{
		StageName: stageName,
		TaskType:  taskType,
		Status:    StagePending,
		CreatedAt: time.Now(),
	}
	s.StageJobs = append(s.StageJobs, sj)
	s.UpdatedAt = time.Now()
	return sj
}

// UpdateStageStatus transitions a tracked stage-job's status, stamping
// StartedAt on the Running transition and CompletedAt on any terminal one.
func (s *State) UpdateStageStatus(stageName string, status StageStatus, errMsg string) {
	sj := s.StageJobByName(stageName)
	if sj == nil {
		return
	}
	sj.Status = status
	sj.Error = errMsg
	now := time.Now()
	switch status {
	case StageRunning:
		sj.StartedAt = &now
	case StageCompleted, StageFailed, StageCanceled, StageSkipped:
		sj.CompletedAt = &now
	}
	s.UpdatedAt = now
}

// CompletedStages returns the StageNames of every Completed stage-job.
func (s *State) CompletedStages() []string {
	var out []string
	for _, sj := range s.StageJobs {
		if sj.Status == StageCompleted {
			out = append(out, sj.StageName)
		}
	}
	return out
}

// FailedStages returns the StageNames of every Failed stage-job.
func (s *State) FailedStages() []string {
	var out []string
	for _, sj := range s.StageJobs {
		if sj.Status == StageFailed {
			out = append(out, sj.StageName)
		}
	}
	return out
}

// Progress returns the fraction of def's stages that have reached a
// Completed status, using the definition's stage count as the
// denominator rather than the number of stage-jobs created so far — a
// workflow whose later stages have not been created yet (because their
// dependencies have not completed) must not show 100% after its first
// stage finishes. This corrects the original's naive
// calculate_progress(), which divided by len(stage_jobs) and is called
// out in its own source as misleading.
func (s *State) Progress(def *Definition) float64 {
	if def == nil || len(def.Stages) == 0 {
		return 0
	}
	completed := 0
	for _, name := range s.CompletedStages() {
		if def.Stage(name) != nil {
			completed++
		}
	}
	return float64(completed) / float64(len(def.Stages))
}

// IsCompleted, HasFailed and HasCanceled mirror the workflow Status.
func (s *State) IsCompleted() bool { return s.Status == StatusCompleted }
func (s *State) HasFailed() bool   { return s.Status == StatusFailed }
func (s *State) HasCanceled() bool { return s.Status == StatusCanceled }

// ShouldStop reports whether the workflow is in a terminal state and no
// further stage should be scheduled.
func (s *State) ShouldStop() bool { return s.Status.IsTerminal() }
