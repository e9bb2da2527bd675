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

// RegexFileFilterProcessor and LocalFileFilteringProcessor both narrow a
// candidate file list without calling an LLM: the former by regex against
// title/content (the titleRegex/contentRegex pair RegexPatternGeneration
// produces), the latter by doublestar include/exclude glob, mirroring
// internal/controller/filewatcher.PatternMatcher. RegexFileFilter is
// declared critical in the cancellation coordinator (spec glossary);
// LocalFileFiltering is not. Neither probes cancellation mid-loop — once
// started, a filtering pass runs to completion.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/processor"
	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// RegexFileFilterPayload is the task-specific payload for
// TaskRegexFileFilter jobs.
type RegexFileFilterPayload struct {
	Candidates    []string `json:"candidates"`
	TitleRegex    string   `json:"title_regex,omitempty"`
	ContentRegex  string   `json:"content_regex,omitempty"`
	ProjectDirect string   `json:"-"`
}

// RegexFileFilterProcessor is the C6 processor for TaskRegexFileFilter.
type RegexFileFilterProcessor struct {
	payload      RegexFileFilterPayload
	titleRegex   *regexp.Regexp
	contentRegex *regexp.Regexp
}

var _ processor.Processor = (*RegexFileFilterProcessor)(nil)

func (p *RegexFileFilterProcessor) TaskType() job.TaskType { return job.TaskRegexFileFilter }

func (p *RegexFileFilterProcessor) Setup(ctx context.Context, j *job.BackgroundJob) error {
	var payload RegexFileFilterPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return &conductorerrors.ValidationError{Field: "payload", Message: fmt.Sprintf("invalid regex file filter payload: %v", err)}
	}
	if len(payload.Candidates) == 0 {
		return &conductorerrors.ValidationError{Field: "candidates", Message: "must contain at least one candidate"}
	}
	if payload.TitleRegex == "" && payload.ContentRegex == "" {
		return &conductorerrors.ValidationError{Field: "title_regex", Message: "at least one of title_regex or content_regex is required"}
	}
	if payload.TitleRegex != "" {
		re, err := regexp.Compile(payload.TitleRegex)
		if err != nil {
			return &conductorerrors.ValidationError{Field: "title_regex", Message: fmt.Sprintf("invalid pattern: %v", err)}
		}
		p.titleRegex = re
	}
	if payload.ContentRegex != "" {
		re, err := regexp.Compile(payload.ContentRegex)
		if err != nil {
			return &conductorerrors.ValidationError{Field: "content_regex", Message: fmt.Sprintf("invalid pattern: %v", err)}
		}
		p.contentRegex = re
	}
	payload.ProjectDirect = j.ProjectDirectory
	p.payload = payload
	return nil
}

func (p *RegexFileFilterProcessor) Work(ctx context.Context, j *job.BackgroundJob, probe processor.CancelProbe) (processor.Outcome, error) {
	var matched []string
	for _, candidate := range p.payload.Candidates {
		if p.titleRegex != nil && !p.titleRegex.MatchString(filepath.Base(candidate)) {
			continue
		}
		if p.contentRegex != nil {
			ok, err := fileContentMatches(p.payload.ProjectDirect, candidate, p.contentRegex)
			if err != nil || !ok {
				continue
			}
		}
		matched = append(matched, candidate)
	}

	responseJSON, err := json.Marshal(matched)
	if err != nil {
		return processor.Outcome{}, &conductorerrors.InternalError{Operation: "marshal regex file filter result", Cause: err}
	}
	return processor.Outcome{Response: string(responseJSON)}, nil
}

func (p *RegexFileFilterProcessor) Finalize(ctx context.Context, j *job.BackgroundJob, outcome processor.Outcome, workErr error) error {
	return nil
}

func fileContentMatches(projectDir, relPath string, re *regexp.Regexp) (bool, error) {
	abs := relPath
	if !filepath.IsAbs(relPath) {
		abs = filepath.Join(projectDir, relPath)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return false, err
	}
	return re.Match(data), nil
}

// LocalFileFilteringPayload is the task-specific payload for
// TaskLocalFileFiltering jobs.
type LocalFileFilteringPayload struct {
	Candidates      []string `json:"candidates"`
	IncludePatterns []string `json:"include_patterns,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
}

// LocalFileFilteringProcessor is the C6 processor for TaskLocalFileFiltering:
// a pure glob-based narrowing pass, the background-job equivalent of
// internal/controller/filewatcher.PatternMatcher.Match, with no LLM
// round-trip.
type LocalFileFilteringProcessor struct {
	payload LocalFileFilteringPayload
}

var _ processor.Processor = (*LocalFileFilteringProcessor)(nil)

func (p *LocalFileFilteringProcessor) TaskType() job.TaskType { return job.TaskLocalFileFiltering }

func (p *LocalFileFilteringProcessor) Setup(ctx context.Context, j *job.BackgroundJob) error {
	var payload LocalFileFilteringPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return &conductorerrors.ValidationError{Field: "payload", Message: fmt.Sprintf("invalid local file filtering payload: %v", err)}
	}
	if len(payload.Candidates) == 0 {
		return &conductorerrors.ValidationError{Field: "candidates", Message: "must contain at least one candidate"}
	}
	for _, pattern := range payload.IncludePatterns {
		if _, err := doublestar.Match(pattern, "test"); err != nil {
			return &conductorerrors.ValidationError{Field: "include_patterns", Message: fmt.Sprintf("invalid pattern %q: %v", pattern, err)}
		}
	}
	for _, pattern := range payload.ExcludePatterns {
		if _, err := doublestar.Match(pattern, "test"); err != nil {
			return &conductorerrors.ValidationError{Field: "exclude_patterns", Message: fmt.Sprintf("invalid pattern %q: %v", pattern, err)}
		}
	}
	p.payload = payload
	return nil
}

func (p *LocalFileFilteringProcessor) Work(ctx context.Context, j *job.BackgroundJob, probe processor.CancelProbe) (processor.Outcome, error) {
	var kept []string
	for _, candidate := range p.payload.Candidates {
		included := len(p.payload.IncludePatterns) == 0
		for _, pattern := range p.payload.IncludePatterns {
			if matchesAny([]string{pattern}, candidate, filepath.Base(candidate)) {
				included = true
				break
			}
		}
		if !included {
			continue
		}
		if matchesAny(p.payload.ExcludePatterns, candidate, filepath.Base(candidate)) {
			continue
		}
		kept = append(kept, candidate)
	}

	responseJSON, err := json.Marshal(kept)
	if err != nil {
		return processor.Outcome{}, &conductorerrors.InternalError{Operation: "marshal local file filtering result", Cause: err}
	}
	return processor.Outcome{Response: string(responseJSON)}, nil
}

func (p *LocalFileFilteringProcessor) Finalize(ctx context.Context, j *job.BackgroundJob, outcome processor.Outcome, workErr error) error {
	return nil
}
