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

// Package job defines the BackgroundJob domain type and its lifecycle.
package job

import "time"

// Status is the lifecycle state of a BackgroundJob.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusAcknowledged Status = "acknowledged"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCanceled     Status = "canceled"
)

// IsActive reports whether the status is one in which the job is still
// eligible for scheduling or cancellation (Queued, Acknowledged, Running).
func (s Status) IsActive() bool {
	switch s {
	case StatusQueued, StatusAcknowledged, StatusRunning:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is one from which no further
// transition is permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Priority is the dispatch priority lane a job is enqueued under.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// TaskType discriminates which processor handles a job. See the Glossary
// in spec.md for the full enumeration.
type TaskType string

const (
	TaskImplementationPlan         TaskType = "ImplementationPlan"
	TaskPathFinder                 TaskType = "PathFinder"
	TaskPathCorrection              TaskType = "PathCorrection"
	TaskExtendedPathFinder          TaskType = "ExtendedPathFinder"
	TaskExtendedPathCorrection      TaskType = "ExtendedPathCorrection"
	TaskTextImprovement             TaskType = "TextImprovement"
	TaskTextCorrection              TaskType = "TextCorrection"
	TaskTaskEnhancement             TaskType = "TaskEnhancement"
	TaskGuidanceGeneration          TaskType = "GuidanceGeneration"
	TaskVoiceTranscription          TaskType = "VoiceTranscription"
	TaskRegexPatternGeneration      TaskType = "RegexPatternGeneration"
	TaskRegexSummaryGeneration      TaskType = "RegexSummaryGeneration"
	TaskGenericLlmStream            TaskType = "GenericLlmStream"
	TaskFileRelevanceAssessment     TaskType = "FileRelevanceAssessment"
	TaskRegexFileFilter             TaskType = "RegexFileFilter"
	TaskLocalFileFiltering          TaskType = "LocalFileFiltering"
	TaskDirectoryTreeGeneration     TaskType = "DirectoryTreeGeneration"
	TaskWebSearchPromptsGeneration  TaskType = "WebSearchPromptsGeneration"
	TaskWebSearchExecution          TaskType = "WebSearchExecution"
	TaskWebSearchWorkflow           TaskType = "WebSearchWorkflow"
	TaskImplementationPlanMerge     TaskType = "ImplementationPlanMerge"
	TaskStreaming                   TaskType = "Streaming"
	TaskDataPersistence             TaskType = "DataPersistence"
	TaskUnknown                     TaskType = "Unknown"
)

// AllTaskTypes returns every concrete task type named in spec.md's
// Glossary, excluding TaskUnknown (which exists only as a zero-value
// sentinel, never as something a processor is registered against).
func AllTaskTypes() []TaskType {
	return []TaskType{
		TaskImplementationPlan,
		TaskPathFinder,
		TaskPathCorrection,
		TaskExtendedPathFinder,
		TaskExtendedPathCorrection,
		TaskTextImprovement,
		TaskTextCorrection,
		TaskTaskEnhancement,
		TaskGuidanceGeneration,
		TaskVoiceTranscription,
		TaskRegexPatternGeneration,
		TaskRegexSummaryGeneration,
		TaskGenericLlmStream,
		TaskFileRelevanceAssessment,
		TaskRegexFileFilter,
		TaskLocalFileFiltering,
		TaskDirectoryTreeGeneration,
		TaskWebSearchPromptsGeneration,
		TaskWebSearchExecution,
		TaskWebSearchWorkflow,
		TaskImplementationPlanMerge,
		TaskStreaming,
		TaskDataPersistence,
	}
}

// Usage records LLM token accounting for a completed job. The core is
// tolerant of a zero CachedTokens value — providers that never report a
// cache split still produce a valid Usage.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CachedTokens int     `json:"cached_tokens"`
	Cost         float64 `json:"cost"`
}

// UnsetTemperature marks a BackgroundJob.Temperature that was never given
// an explicit value by its creator. 0.0 is itself a valid temperature
// (spec invariant J4), so a sentinel outside the valid [0.0, 2.0] range
// is what lets the processor setup step (internal/processor.ResolveTaskSettings)
// tell "caller wants the configured default" apart from "caller asked
// for temperature 0".
const UnsetTemperature = -1.0

// Metadata well-known keys. Additional caller-defined keys are permitted;
// these are the ones the core itself reads or writes.
const (
	MetaJobPayloadForWorker  = "jobPayloadForWorker"
	MetaJobPriorityForWorker = "jobPriorityForWorker"
	MetaWorkflowID           = "workflowId"
	MetaWorkflowStage        = "workflowStage"
	MetaRetryAttempt         = "retryAttempt"
	MetaGeneratedTitle       = "generated_title"
	MetaInvalidPaths         = "invalidPaths"
	MetaIsStreaming          = "isStreaming"
	MetaStreamProgress       = "streamProgress"
	MetaCancelReason         = "cancelReason"
)

// BackgroundJob is the persistent, one-row-per-job unit of work described
// in spec.md §3. Only the finalization step (Store.Finalize /
// Store.FinalizeFailure) is permitted to set Response, Usage, and a
// terminal Status; no other mutation path may touch a terminal row.
type BackgroundJob struct {
	ID                string         `json:"id"`
	SessionID         string         `json:"session_id"`
	ProjectDirectory  string         `json:"project_directory"`
	TaskType          TaskType       `json:"task_type"`
	Status            Status         `json:"status"`
	Payload           []byte         `json:"payload"` // task-specific, serialized JSON
	Priority          Priority       `json:"priority"`
	ModelUsed         string         `json:"model_used"`
	Temperature       float64        `json:"temperature"`
	MaxOutputTokens   int            `json:"max_output_tokens"`
	CreatedAt         time.Time      `json:"created_at"`
	AcknowledgedAt    *time.Time     `json:"acknowledged_at,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Response          string         `json:"response,omitempty"`
	Usage             *Usage         `json:"usage,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	ErrorKind         string         `json:"error_kind,omitempty"`
	Metadata          map[string]any `json:"metadata"`
}

// Clone returns a deep copy safe to hand to a caller outside the store's
// lock, mirroring the teacher's RunSnapshot contract: the copy contains no
// aliasing to the original's mutable state.
func (j *BackgroundJob) Clone() *BackgroundJob {
	if j == nil {
		return nil
	}
	clone := *j
	if j.Payload != nil {
		clone.Payload = append([]byte(nil), j.Payload...)
	}
	if j.AcknowledgedAt != nil {
		t := *j.AcknowledgedAt
		clone.AcknowledgedAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		clone.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		clone.CompletedAt = &t
	}
	if j.Usage != nil {
		u := *j.Usage
		clone.Usage = &u
	}
	if j.Metadata != nil {
		clone.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// MetadataString returns the string value of a metadata key, or "" if it
// is absent or not a string.
func (j *BackgroundJob) MetadataString(key string) string {
	if j.Metadata == nil {
		return ""
	}
	v, ok := j.Metadata[key].(string)
	if !ok {
		return ""
	}
	return v
}
