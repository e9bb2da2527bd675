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

package parse

import (
	"encoding/json"
	"strings"
)

// responsesAPIEnvelope mirrors the subset of an OpenAI Responses API
// payload AggregateResponsesAPIOutput cares about: a top-level array of
// output items, each carrying a nested array of content parts, plus a
// top-level output_text fallback some providers send instead.
type responsesAPIEnvelope struct {
	Output []struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	OutputText string `json:"output_text"`
}

// AggregateResponsesAPIOutput accumulates the text of every
// output[*].content[*] item of type "output_text" or "refusal" in raw (a
// full or partial OpenAI-Responses-API-style JSON document), joining them
// with newlines in document order. If no such item contributes any text,
// it falls back to the envelope's top-level output_text field. Invalid
// JSON yields an empty string rather than an error, since callers use
// this against possibly-partial streamed buffers.
func AggregateResponsesAPIOutput(raw string) string {
	var envelope responsesAPIEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return ""
	}

	var parts []string
	for _, item := range envelope.Output {
		for _, content := range item.Content {
			if content.Type == "output_text" || content.Type == "refusal" {
				if content.Text != "" {
					parts = append(parts, content.Text)
				}
			}
		}
	}

	if len(parts) == 0 {
		return envelope.OutputText
	}
	return strings.Join(parts, "\n")
}
