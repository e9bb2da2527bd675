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

// WebSearchExecutionProcessor runs the queries WebSearchPromptsGeneration
// produced against a pluggable search backend and returns the ranked
// result list as JSON. WebSearchWorkflow is not its own processor: it is
// a workflow definition chaining WebSearchPromptsGeneration into
// WebSearchExecution, the same way any multi-stage DAG is just data for
// the orchestrator (C7) rather than code here.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/processor"
	"github.com/tombee/conductor/pkg/httpclient"
	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// WebSearchResult is a single ranked hit returned by a SearchClient.
type WebSearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchClient is the narrow interface WebSearchExecutionProcessor issues
// queries through, mirroring llmclient.LlmClient's shape: callers supply
// a concrete provider, the processor stays provider-agnostic.
type SearchClient interface {
	Search(ctx context.Context, query string, maxResults int) ([]WebSearchResult, error)
}

// WebSearchExecutionPayload is the task-specific payload for
// TaskWebSearchExecution jobs.
type WebSearchExecutionPayload struct {
	Queries    []string `json:"queries"`
	MaxResults int      `json:"max_results,omitempty"`
}

// WebSearchExecutionProcessor is the C6 processor for
// TaskWebSearchExecution.
type WebSearchExecutionProcessor struct {
	Client SearchClient

	payload WebSearchExecutionPayload
}

var _ processor.Processor = (*WebSearchExecutionProcessor)(nil)

func (p *WebSearchExecutionProcessor) TaskType() job.TaskType { return job.TaskWebSearchExecution }

func (p *WebSearchExecutionProcessor) Setup(ctx context.Context, j *job.BackgroundJob) error {
	var payload WebSearchExecutionPayload
	if err := json.Unmarshal(j.Payload, &payload); err != nil {
		return &conductorerrors.ValidationError{Field: "payload", Message: fmt.Sprintf("invalid web search execution payload: %v", err)}
	}
	if len(payload.Queries) == 0 {
		return &conductorerrors.ValidationError{Field: "queries", Message: "must contain at least one query"}
	}
	if payload.MaxResults <= 0 {
		payload.MaxResults = 5
	}
	p.payload = payload
	return nil
}

func (p *WebSearchExecutionProcessor) Work(ctx context.Context, j *job.BackgroundJob, probe processor.CancelProbe) (processor.Outcome, error) {
	if probe() {
		return processor.Outcome{}, context.Canceled
	}
	if p.Client == nil {
		return processor.Outcome{}, &conductorerrors.InitializationError{Subsystem: "websearch", Reason: "no search client configured"}
	}

	results := make(map[string][]WebSearchResult, len(p.payload.Queries))
	for _, query := range p.payload.Queries {
		if probe() {
			return processor.Outcome{}, context.Canceled
		}
		hits, err := p.Client.Search(ctx, query, p.payload.MaxResults)
		if err != nil {
			return processor.Outcome{}, &conductorerrors.ExternalServiceError{Service: "websearch", Cause: err}
		}
		results[query] = hits
	}

	if probe() {
		return processor.Outcome{}, context.Canceled
	}

	responseJSON, err := json.Marshal(results)
	if err != nil {
		return processor.Outcome{}, &conductorerrors.InternalError{Operation: "marshal web search results", Cause: err}
	}
	return processor.Outcome{Response: string(responseJSON)}, nil
}

func (p *WebSearchExecutionProcessor) Finalize(ctx context.Context, j *job.BackgroundJob, outcome processor.Outcome, workErr error) error {
	return nil
}

// NewHTTPSearchClient builds a SearchClient backed by endpoint (a search
// API returning a JSON array of {title,url,snippet} objects) and
// pkg/httpclient's retrying, sanitized-logging transport.
func NewHTTPSearchClient(endpoint, apiKey string) (SearchClient, error) {
	cfg := httpclient.DefaultConfig()
	cfg.UserAgent = "conductor-websearch/1.0"
	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, &conductorerrors.InitializationError{Subsystem: "websearch", Reason: err.Error()}
	}
	return &httpSearchClient{http: client, endpoint: endpoint, apiKey: apiKey}, nil
}

type httpSearchClient struct {
	http     *http.Client
	endpoint string
	apiKey   string
}

func (c *httpSearchClient) Search(ctx context.Context, query string, maxResults int) ([]WebSearchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("q", query)
	q.Set("max_results", fmt.Sprintf("%d", maxResults))
	req.URL.RawQuery = q.Encode()
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search backend returned status %d", resp.StatusCode)
	}

	var results []WebSearchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return results, nil
}
