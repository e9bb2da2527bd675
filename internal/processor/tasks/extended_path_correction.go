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

// ExtendedPathCorrectionProcessor implements spec.md §4.5's exact
// three-step extended path correction algorithm: partition candidates into
// exists-on-fs and missing; if nothing is missing, finalize with the
// verified set; otherwise build a single correction prompt listing both
// sets, call the LLM once, intersect its reply with the filesystem, and
// union the result with the originally-valid set. The job's final
// Metadata carries the original missing set unconditionally (spec.md
// invariant W5 / scenario S3).
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/llmclient"
	"github.com/tombee/conductor/internal/parse"
	"github.com/tombee/conductor/internal/pathsafe"
	"github.com/tombee/conductor/internal/processor"
	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// ExtendedPathCorrectionPayload is the task-specific payload for
// TaskExtendedPathCorrection jobs.
type ExtendedPathCorrectionPayload struct {
	CandidatePaths []string `json:"candidate_paths"`
}

// ExtendedPathCorrectionProcessor is the C6 processor for
// TaskExtendedPathCorrection.
type ExtendedPathCorrectionProcessor struct {
	Client llmclient.LlmClient

	payload ExtendedPathCorrectionPayload
	root    *pathsafe.Resolver
}

var _ processor.Processor = (*ExtendedPathCorrectionProcessor)(nil)

func (p *ExtendedPathCorrectionProcessor) TaskType() job.TaskType {
	return job.TaskExtendedPathCorrection
}

func (p *ExtendedPathCorrectionProcessor) Setup(ctx context.Context, j *job.BackgroundJob) error {
	var payload ExtendedPathCorrectionPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return &conductorerrors.ValidationError{Field: "payload", Message: fmt.Sprintf("invalid extended path correction payload: %v", err)}
	}
	if len(payload.CandidatePaths) == 0 {
		return &conductorerrors.ValidationError{Field: "candidate_paths", Message: "must contain at least one path"}
	}
	if j.ProjectDirectory == "" {
		return &conductorerrors.ValidationError{Field: "project_directory", Message: "required for path correction"}
	}
	p.payload = payload
	p.root = pathsafe.NewResolver(j.ProjectDirectory)
	return nil
}

func (p *ExtendedPathCorrectionProcessor) Work(ctx context.Context, j *job.BackgroundJob, probe processor.CancelProbe) (processor.Outcome, error) {
	if probe() {
		return processor.Outcome{}, context.Canceled
	}

	var verified, missing []string
	for _, candidate := range p.payload.CandidatePaths {
		if p.existsOnFS(candidate) {
			verified = append(verified, candidate)
		} else {
			missing = append(missing, candidate)
		}
	}

	final := verified
	if len(missing) > 0 {
		if p.Client == nil {
			return processor.Outcome{}, &conductorerrors.InitializationError{Subsystem: "llmclient", Reason: "no client configured for path correction"}
		}

		prompt := buildCorrectionPrompt(verified, missing)
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

		if probe() {
			return processor.Outcome{}, context.Canceled
		}

		candidates := parse.ParsePathList(resp.Content)
		var corrected []string
		for _, c := range candidates {
			if p.existsOnFS(c) {
				corrected = append(corrected, c)
			}
		}
		final = unionPreserveOrder(verified, corrected)
	}

	responseJSON, err := json.Marshal(final)
	if err != nil {
		return processor.Outcome{}, &conductorerrors.InternalError{Operation: "marshal path correction result", Cause: err}
	}

	return processor.Outcome{
		Response: string(responseJSON),
		AdditionalMetadata: map[string]any{
			"verified_paths":    final,
			job.MetaInvalidPaths: missing,
		},
	}, nil
}

func (p *ExtendedPathCorrectionProcessor) Finalize(ctx context.Context, j *job.BackgroundJob, outcome processor.Outcome, workErr error) error {
	return nil
}

func (p *ExtendedPathCorrectionProcessor) existsOnFS(candidate string) bool {
	resolved, err := p.root.Resolve(candidate)
	if err != nil {
		return false
	}
	exists, err := pathsafe.Exists(resolved)
	if err != nil {
		return false
	}
	return exists
}

func buildCorrectionPrompt(valid, invalid []string) string {
	return fmt.Sprintf(
		"The following paths do not exist on disk:\n%s\n\n"+
			"For reference, these paths are known to exist:\n%s\n\n"+
			"Reply with a corrected path for each invalid path that has an obvious real counterpart, one per line. "+
			"Omit any path you cannot confidently correct.",
		strings.Join(invalid, "\n"), strings.Join(valid, "\n"))
}

// unionPreserveOrder returns the de-duplicated concatenation of a then b,
// preserving first-seen order, per spec.md §4.5 step 3.
func unionPreserveOrder(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
