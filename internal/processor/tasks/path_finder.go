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

// PathFinderProcessor covers TaskPathFinder and TaskExtendedPathFinder:
// ask the LLM which files in the project are relevant to a task
// description, then turn the free-form answer into a clean path list with
// parse.ParsePathList and drop anything that resolves outside the project
// root. PathCorrectionProcessor covers the single-path sibling of
// TaskExtendedPathCorrection: one candidate path in, one verified-or-empty
// path out.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/llmclient"
	"github.com/tombee/conductor/internal/parse"
	"github.com/tombee/conductor/internal/pathsafe"
	"github.com/tombee/conductor/internal/processor"
	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// PathFinderPayload is the task-specific payload for path-finding jobs.
type PathFinderPayload struct {
	TaskDescription string   `json:"task_description"`
	CandidateFiles  []string `json:"candidate_files,omitempty"`
}

// PathFinderProcessor resolves a task description to a list of relevant
// project-relative file paths.
type PathFinderProcessor struct {
	Type   job.TaskType
	Client llmclient.LlmClient

	payload PathFinderPayload
	root    *pathsafe.Resolver
}

var _ processor.Processor = (*PathFinderProcessor)(nil)

func (p *PathFinderProcessor) TaskType() job.TaskType { return p.Type }

func (p *PathFinderProcessor) Setup(ctx context.Context, j *job.BackgroundJob) error {
	var payload PathFinderPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return &conductorerrors.ValidationError{Field: "payload", Message: fmt.Sprintf("invalid path finder payload: %v", err)}
	}
	if payload.TaskDescription == "" {
		return &conductorerrors.ValidationError{Field: "task_description", Message: "must not be empty"}
	}
	if j.ProjectDirectory == "" {
		return &conductorerrors.ValidationError{Field: "project_directory", Message: "required for path finding"}
	}
	p.payload = payload
	p.root = pathsafe.NewResolver(j.ProjectDirectory)
	return nil
}

func (p *PathFinderProcessor) Work(ctx context.Context, j *job.BackgroundJob, probe processor.CancelProbe) (processor.Outcome, error) {
	if probe() {
		return processor.Outcome{}, context.Canceled
	}
	if p.Client == nil {
		return processor.Outcome{}, &conductorerrors.InitializationError{Subsystem: "llmclient", Reason: "no client configured for path finder"}
	}

	prompt := fmt.Sprintf("Task: %s\n\nList, one per line, the relative file paths in this project most relevant to the task. Reply with only the paths.", p.payload.TaskDescription)
	if len(p.payload.CandidateFiles) > 0 {
		prompt += "\n\nCandidate files to consider:\n"
		for _, f := range p.payload.CandidateFiles {
			prompt += f + "\n"
		}
	}

	temperature := j.Temperature
	maxTokens := j.MaxOutputTokens
	resp, err := p.Client.Complete(ctx, llmclient.CompletionRequest{
		Model:       j.ModelUsed,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
		Messages:    []llmclient.Message{{Role: llmclient.RoleUser, Content: prompt}},
	})
	if err != nil {
		return processor.Outcome{}, err
	}

	candidates := parse.ParsePathList(resp.Content)
	verified := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, err := p.root.Resolve(c); err == nil {
			verified = append(verified, c)
		}
	}

	responseJSON, err := json.Marshal(verified)
	if err != nil {
		return processor.Outcome{}, &conductorerrors.InternalError{Operation: "marshal path finder result", Cause: err}
	}

	return processor.Outcome{
		Response:  string(responseJSON),
		ModelUsed: resp.Model,
		Usage: &job.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			CachedTokens: resp.Usage.CachedTokens,
			Cost:         resp.Usage.Cost,
		},
	}, nil
}

func (p *PathFinderProcessor) Finalize(ctx context.Context, j *job.BackgroundJob, outcome processor.Outcome, workErr error) error {
	return nil
}

// PathCorrectionPayload is the task-specific payload for single-path
// correction jobs.
type PathCorrectionPayload struct {
	CandidatePath string `json:"candidate_path"`
}

// PathCorrectionProcessor verifies a single candidate path against the
// project root without attempting LLM-assisted correction — the
// non-"extended" sibling of ExtendedPathCorrectionProcessor.
type PathCorrectionProcessor struct {
	payload PathCorrectionPayload
	root    *pathsafe.Resolver
}

var _ processor.Processor = (*PathCorrectionProcessor)(nil)

func (p *PathCorrectionProcessor) TaskType() job.TaskType { return job.TaskPathCorrection }

func (p *PathCorrectionProcessor) Setup(ctx context.Context, j *job.BackgroundJob) error {
	var payload PathCorrectionPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return &conductorerrors.ValidationError{Field: "payload", Message: fmt.Sprintf("invalid path correction payload: %v", err)}
	}
	if payload.CandidatePath == "" {
		return &conductorerrors.ValidationError{Field: "candidate_path", Message: "must not be empty"}
	}
	if j.ProjectDirectory == "" {
		return &conductorerrors.ValidationError{Field: "project_directory", Message: "required for path correction"}
	}
	p.payload = payload
	p.root = pathsafe.NewResolver(j.ProjectDirectory)
	return nil
}

func (p *PathCorrectionProcessor) Work(ctx context.Context, j *job.BackgroundJob, probe processor.CancelProbe) (processor.Outcome, error) {
	if probe() {
		return processor.Outcome{}, context.Canceled
	}

	resolved, err := p.root.Resolve(p.payload.CandidatePath)
	if err != nil {
		return processor.Outcome{Response: ""}, nil
	}
	exists, statErr := pathsafe.Exists(resolved)
	if statErr != nil || !exists {
		return processor.Outcome{Response: ""}, nil
	}
	return processor.Outcome{Response: p.payload.CandidatePath}, nil
}

func (p *PathCorrectionProcessor) Finalize(ctx context.Context, j *job.BackgroundJob, outcome processor.Outcome, workErr error) error {
	return nil
}
