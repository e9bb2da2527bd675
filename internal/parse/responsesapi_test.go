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

import "testing"

func TestAggregateResponsesAPIOutputJoinsTextAndRefusalParts(t *testing.T) {
	raw := `{"output":[{"content":[{"type":"output_text","text":"Hello"}]},` +
		`{"content":[{"type":"refusal","text":"I can't help with that"}]}]}`
	got := AggregateResponsesAPIOutput(raw)
	want := "Hello\nI can't help with that"
	if got != want {
		t.Fatalf("AggregateResponsesAPIOutput() = %q, want %q", got, want)
	}
}

func TestAggregateResponsesAPIOutputFallsBackToTopLevelOutputText(t *testing.T) {
	raw := `{"output":[],"output_text":"fallback text"}`
	got := AggregateResponsesAPIOutput(raw)
	if got != "fallback text" {
		t.Fatalf("AggregateResponsesAPIOutput() = %q, want %q", got, "fallback text")
	}
}

func TestAggregateResponsesAPIOutputInvalidJSONReturnsEmpty(t *testing.T) {
	if got := AggregateResponsesAPIOutput("not json"); got != "" {
		t.Fatalf("AggregateResponsesAPIOutput() = %q, want \"\"", got)
	}
}
