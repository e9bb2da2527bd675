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

// GenericLLMProcessor covers the family of task types that are, from the
// dispatcher's point of view, "send this job's payload text through an
// LLM with a task-specific system prompt and store the text response":
// TextImprovement, TextCorrection, TaskEnhancement, GuidanceGeneration,
// RegexPatternGeneration, RegexSummaryGeneration, FileRelevanceAssessment,
// and WebSearchPromptsGeneration. Each gets its own registered instance
// differing only in TaskType and SystemPrompt, mirroring how the teacher's
// step executors share one adapter shape across step kinds
// (internal/daemon/runner ExecutionAdapter).
package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/llmclient"
	"github.com/tombee/conductor/internal/processor"
	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// GenericLLMPayload is the task-specific payload for every GenericLLMProcessor task type.
type GenericLLMPayload struct {
	Input string `json:"input"`
}

// GenericLLMProcessor sends Payload.Input through Client with SystemPrompt
// and returns the raw text response. Model/Temperature/MaxTokens always
// come from the job row: the dispatcher runs processor.ResolveTaskSettings
// before Setup, so by the time Work executes they are already populated
// and in range.
type GenericLLMProcessor struct {
	Type         job.TaskType
	SystemPrompt string
	Client       llmclient.LlmClient

	payload GenericLLMPayload
}

var _ processor.Processor = (*GenericLLMProcessor)(nil)

func (p *GenericLLMProcessor) TaskType() job.TaskType { return p.Type }

func (p *GenericLLMProcessor) Setup(ctx context.Context, j *job.BackgroundJob) error {
	var payload GenericLLMPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return &conductorerrors.ValidationError{Field: "payload", Message: fmt.Sprintf("invalid payload for %s: %v", p.Type, err)}
	}
	if payload.Input == "" {
		return &conductorerrors.ValidationError{Field: "input", Message: "must not be empty"}
	}
	p.payload = payload
	return nil
}

func (p *GenericLLMProcessor) Work(ctx context.Context, j *job.BackgroundJob, probe processor.CancelProbe) (processor.Outcome, error) {
	if probe() {
		return processor.Outcome{}, context.Canceled
	}
	if p.Client == nil {
		return processor.Outcome{}, &conductorerrors.InitializationError{Subsystem: "llmclient", Reason: fmt.Sprintf("no client configured for %s", p.Type)}
	}

	temperature := j.Temperature
	maxTokens := j.MaxOutputTokens
	req := llmclient.CompletionRequest{
		Model:       j.ModelUsed,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
		Messages: []llmclient.Message{
			{Role: llmclient.RoleSystem, Content: p.SystemPrompt},
			{Role: llmclient.RoleUser, Content: p.payload.Input},
		},
	}

	resp, err := p.Client.Complete(ctx, req)
	if err != nil {
		return processor.Outcome{}, err
	}

	if probe() {
		return processor.Outcome{}, context.Canceled
	}

	return processor.Outcome{
		Response:  resp.Content,
		ModelUsed: resp.Model,
		Usage: &job.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			CachedTokens: resp.Usage.CachedTokens,
			Cost:         resp.Usage.Cost,
		},
	}, nil
}

func (p *GenericLLMProcessor) Finalize(ctx context.Context, j *job.BackgroundJob, outcome processor.Outcome, workErr error) error {
	return nil
}

// genericLLMSystemPrompts names the fixed system prompt used for each
// generic task type; registered by internal/processor/tasks.BuildRegistry.
var genericLLMSystemPrompts = map[job.TaskType]string{
	job.TaskTextImprovement:            "Improve the clarity and correctness of the given text without changing its meaning.",
	job.TaskTextCorrection:             "Correct grammar, spelling, and punctuation errors in the given text. Preserve its meaning and tone.",
	job.TaskTaskEnhancement:            "Rewrite the given task description to be more specific and actionable for a software engineer.",
	job.TaskGuidanceGeneration:         "Produce concise, actionable implementation guidance for the given task description.",
	job.TaskRegexPatternGeneration:     "Produce a single regular expression that matches the pattern described in the input. Reply with only the pattern.",
	job.TaskRegexSummaryGeneration:     "Summarize in one sentence what the given regular expression matches.",
	job.TaskFileRelevanceAssessment:    "Given a file path and a task description, reply with YES if the file is relevant to the task, or NO otherwise.",
	job.TaskWebSearchPromptsGeneration: "Produce a short list of web search queries, one per line, that would help research the given topic.",
}
