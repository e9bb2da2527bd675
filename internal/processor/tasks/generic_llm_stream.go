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

// GenericLlmStreamProcessor covers TaskGenericLlmStream and TaskStreaming:
// stream chunks from the LLM instead of waiting for one completion, and
// report the running chunk count through an optional ProgressReporter
// between chunks, the way the teacher's runner reports StepProgress while
// a step is still executing. The final outcome's metadata carries
// streamProgress; isStreaming is not set.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/llmclient"
	"github.com/tombee/conductor/internal/parse"
	"github.com/tombee/conductor/internal/processor"
	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// ProgressReporter is the narrow interface GenericLlmStreamProcessor uses
// to publish intermediate chunk counts while a stream is in flight.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, jobID string, chunkCount int) error
}

// GenericLlmStreamPayload is the task-specific payload shared by
// TaskGenericLlmStream and TaskStreaming jobs.
type GenericLlmStreamPayload struct {
	SystemPrompt string `json:"system_prompt,omitempty"`
	Input        string `json:"input"`
}

// GenericLlmStreamProcessor streams a completion and aggregates it into a
// final response, reporting chunk progress as it goes. Model comes from
// the job row, already resolved by the dispatcher before Setup runs.
type GenericLlmStreamProcessor struct {
	Type     job.TaskType
	Client   llmclient.LlmClient
	Progress ProgressReporter

	payload GenericLlmStreamPayload
}

var _ processor.Processor = (*GenericLlmStreamProcessor)(nil)

func (p *GenericLlmStreamProcessor) TaskType() job.TaskType { return p.Type }

func (p *GenericLlmStreamProcessor) Setup(ctx context.Context, j *job.BackgroundJob) error {
	var payload GenericLlmStreamPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return &conductorerrors.ValidationError{Field: "payload", Message: fmt.Sprintf("invalid streaming payload: %v", err)}
	}
	if payload.Input == "" {
		return &conductorerrors.ValidationError{Field: "input", Message: "must not be empty"}
	}
	p.payload = payload
	return nil
}

func (p *GenericLlmStreamProcessor) Work(ctx context.Context, j *job.BackgroundJob, probe processor.CancelProbe) (processor.Outcome, error) {
	if probe() {
		return processor.Outcome{}, context.Canceled
	}
	if p.Client == nil {
		return processor.Outcome{}, &conductorerrors.InitializationError{Subsystem: "llmclient", Reason: fmt.Sprintf("no client configured for %s", p.Type)}
	}

	messages := make([]llmclient.Message, 0, 2)
	if p.payload.SystemPrompt != "" {
		messages = append(messages, llmclient.Message{Role: llmclient.RoleSystem, Content: p.payload.SystemPrompt})
	}
	messages = append(messages, llmclient.Message{Role: llmclient.RoleUser, Content: p.payload.Input})

	stream, err := p.Client.Stream(ctx, llmclient.CompletionRequest{
		Model:    j.ModelUsed,
		Messages: messages,
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

	outcome := processor.Outcome{
		Response:  agg.Content(),
		ModelUsed: j.ModelUsed,
		AdditionalMetadata: map[string]any{
			job.MetaStreamProgress: agg.ChunkCount(),
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

func (p *GenericLlmStreamProcessor) Finalize(ctx context.Context, j *job.BackgroundJob, outcome processor.Outcome, workErr error) error {
	return nil
}
