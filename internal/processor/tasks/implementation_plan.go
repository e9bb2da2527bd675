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

// ImplementationPlanProcessor streams a structured <ImplementationPlan> of
// <Step> elements from the LLM and parses the aggregated text with
// parse.ParseImplementationPlan, falling back to heuristic text
// segmentation when the model's XML is malformed. Response carries the
// unwrapped XML verbatim; the parsed struct rides along in metadata so
// downstream stages don't re-parse it.
// ImplementationPlanMergeProcessor combines several previously generated
// plans (as produced by earlier workflow stages) into one ordered plan.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/llmclient"
	"github.com/tombee/conductor/internal/parse"
	"github.com/tombee/conductor/internal/processor"
	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

const implementationPlanSystemPrompt = `You produce an implementation plan as XML in the following shape:
<ImplementationPlan>
  <AgentInstructions>optional free-form guidance for the agent executing this plan</AgentInstructions>
  <Steps>
    <Step>
      <Number>1</Number>
      <Title>short title</Title>
      <Description>what to do</Description>
      <FileOperations><Operation>path/one</Operation></FileOperations>
      <BashCommands><Command>...</Command></BashCommands>
      <ExplorationCommands><Command>...</Command></ExplorationCommands>
    </Step>
  </Steps>
</ImplementationPlan>
Reply with only the XML, optionally wrapped in a single ` + "```xml" + ` code fence.`

// ImplementationPlanPayload is the task-specific payload for
// TaskImplementationPlan jobs.
type ImplementationPlanPayload struct {
	TaskDescription string `json:"task_description"`
	Context         string `json:"context,omitempty"`
}

// ImplementationPlanProcessor is the C6 processor for TaskImplementationPlan.
// Model comes from the job row: the dispatcher resolves it before Setup
// runs, via processor.ResolveTaskSettings.
type ImplementationPlanProcessor struct {
	Client   llmclient.LlmClient
	Progress ProgressReporter

	payload ImplementationPlanPayload
}

var _ processor.Processor = (*ImplementationPlanProcessor)(nil)

func (p *ImplementationPlanProcessor) TaskType() job.TaskType { return job.TaskImplementationPlan }

func (p *ImplementationPlanProcessor) Setup(ctx context.Context, j *job.BackgroundJob) error {
	var payload ImplementationPlanPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return &conductorerrors.ValidationError{Field: "payload", Message: fmt.Sprintf("invalid implementation plan payload: %v", err)}
	}
	if payload.TaskDescription == "" {
		return &conductorerrors.ValidationError{Field: "task_description", Message: "must not be empty"}
	}
	p.payload = payload
	return nil
}

func (p *ImplementationPlanProcessor) Work(ctx context.Context, j *job.BackgroundJob, probe processor.CancelProbe) (processor.Outcome, error) {
	if probe() {
		return processor.Outcome{}, context.Canceled
	}
	if p.Client == nil {
		return processor.Outcome{}, &conductorerrors.InitializationError{Subsystem: "llmclient", Reason: "no client configured for implementation plan"}
	}

	userContent := p.payload.TaskDescription
	if p.payload.Context != "" {
		userContent = fmt.Sprintf("%s\n\nContext:\n%s", userContent, p.payload.Context)
	}

	stream, err := p.Client.Stream(ctx, llmclient.CompletionRequest{
		Model: j.ModelUsed,
		Messages: []llmclient.Message{
			{Role: llmclient.RoleSystem, Content: implementationPlanSystemPrompt},
			{Role: llmclient.RoleUser, Content: userContent},
		},
	})
	if err != nil {
		return processor.Outcome{}, err
	}

	agg := parse.NewStreamAggregator()
	var finalUsage *llmclient.Usage

	for chunk := range stream {
		if probe() {
			return processor.Outcome{}, context.Canceled
		}
		if chunk.Error != nil {
			return processor.Outcome{}, chunk.Error
		}
		if chunk.Delta != "" {
			agg.Append(chunk.Delta)
			if p.Progress != nil {
				if err := p.Progress.ReportProgress(ctx, j.ID, agg.ChunkCount()); err != nil {
					return processor.Outcome{}, &conductorerrors.InternalError{Operation: "report stream progress", Cause: err}
				}
			}
		}
		if chunk.Usage != nil {
			finalUsage = chunk.Usage
		}
		if chunk.Done {
			break
		}
	}

	unwrapped := parse.ExtractXMLFromMarkdown(agg.Content())

	plan, err := parse.ParseImplementationPlan(unwrapped)
	if err != nil {
		return processor.Outcome{}, &conductorerrors.ExternalServiceError{Service: "llm", Cause: fmt.Errorf("malformed implementation plan: %w", err)}
	}

	outcome := processor.Outcome{
		Response:  unwrapped,
		ModelUsed: j.ModelUsed,
		AdditionalMetadata: map[string]any{
			"planData":          plan,
			job.MetaIsStreaming: false,
		},
	}
	if finalUsage != nil {
		outcome.Usage = &job.Usage{
			InputTokens:  finalUsage.InputTokens,
			OutputTokens: finalUsage.OutputTokens,
			CachedTokens: finalUsage.CachedTokens,
			Cost:         finalUsage.Cost,
		}
	}
	return outcome, nil
}

func (p *ImplementationPlanProcessor) Finalize(ctx context.Context, j *job.BackgroundJob, outcome processor.Outcome, workErr error) error {
	return nil
}

// ImplementationPlanMergePayload is the task-specific payload for
// TaskImplementationPlanMerge jobs: a set of previously parsed plans (each
// carried in an earlier ImplementationPlanProcessor run's planData metadata).
type ImplementationPlanMergePayload struct {
	Plans []parse.StructuredImplementationPlan `json:"plans"`
}

// ImplementationPlanMergeProcessor concatenates a set of plans into one, in
// the order given, renumbering steps and deduplicating by description,
// without invoking the LLM again.
type ImplementationPlanMergeProcessor struct {
	payload ImplementationPlanMergePayload
}

var _ processor.Processor = (*ImplementationPlanMergeProcessor)(nil)

func (p *ImplementationPlanMergeProcessor) TaskType() job.TaskType {
	return job.TaskImplementationPlanMerge
}

func (p *ImplementationPlanMergeProcessor) Setup(ctx context.Context, j *job.BackgroundJob) error {
	var payload ImplementationPlanMergePayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return &conductorerrors.ValidationError{Field: "payload", Message: fmt.Sprintf("invalid implementation plan merge payload: %v", err)}
	}
	if len(payload.Plans) == 0 {
		return &conductorerrors.ValidationError{Field: "plans", Message: "must contain at least one plan"}
	}
	p.payload = payload
	return nil
}

func (p *ImplementationPlanMergeProcessor) Work(ctx context.Context, j *job.BackgroundJob, probe processor.CancelProbe) (processor.Outcome, error) {
	merged := parse.StructuredImplementationPlan{}
	var instructions []string

	for _, plan := range p.payload.Plans {
		if probe() {
			return processor.Outcome{}, context.Canceled
		}
		merged.Steps = append(merged.Steps, plan.Steps...)
		if plan.AgentInstructions != "" {
			instructions = append(instructions, plan.AgentInstructions)
		}
	}
	merged.AgentInstructions = strings.Join(instructions, "\n")

	seen := make(map[string]struct{}, len(merged.Steps))
	deduped := merged.Steps[:0]
	for _, step := range merged.Steps {
		key := strings.TrimSpace(step.Description)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, step)
	}
	for i := range deduped {
		deduped[i].Number = i + 1
	}
	merged.Steps = deduped

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return processor.Outcome{}, &conductorerrors.InternalError{Operation: "marshal merged implementation plan", Cause: err}
	}

	return processor.Outcome{
		Response:           string(mergedJSON),
		AdditionalMetadata: map[string]any{"planData": merged},
	}, nil
}

func (p *ImplementationPlanMergeProcessor) Finalize(ctx context.Context, j *job.BackgroundJob, outcome processor.Outcome, workErr error) error {
	return nil
}
