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
	"strings"
	"testing"

	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// TestParseImplementationPlanXML exercises scenario S1's payload shape.
func TestParseImplementationPlanXML(t *testing.T) {
	raw := "```xml\n<ImplementationPlan><Steps><Step><Number>1</Number>" +
		"<Title>Insert logger</Title><Description>add info!() calls</Description>" +
		"</Step></Steps></ImplementationPlan>\n```"

	unwrapped := ExtractXMLFromMarkdown(raw)
	if strings.Contains(unwrapped, "```") {
		t.Fatalf("ExtractXMLFromMarkdown left fence markers: %q", unwrapped)
	}

	plan, err := ParseImplementationPlan(unwrapped)
	if err != nil {
		t.Fatalf("ParseImplementationPlan() error = %v", err)
	}
	if len(plan.Steps) != 1 {
		t.Fatalf("len(plan.Steps) = %d, want 1", len(plan.Steps))
	}
	if plan.Steps[0].Title != "Insert logger" {
		t.Fatalf("plan.Steps[0].Title = %q, want %q", plan.Steps[0].Title, "Insert logger")
	}
	if plan.Steps[0].Description != "add info!() calls" {
		t.Fatalf("plan.Steps[0].Description = %q", plan.Steps[0].Description)
	}
}

func TestParseImplementationPlanEmptyContentIsValidationError(t *testing.T) {
	_, err := ParseImplementationPlan("   ")
	if err == nil {
		t.Fatal("ParseImplementationPlan(\"\") returned nil error, want ValidationError")
	}
	var verr *conductorerrors.ValidationError
	if !isValidationError(err, &verr) {
		t.Fatalf("error = %v (%T), want *conductorerrors.ValidationError", err, err)
	}
}

func isValidationError(err error, target **conductorerrors.ValidationError) bool {
	verr, ok := err.(*conductorerrors.ValidationError)
	if !ok {
		return false
	}
	*target = verr
	return true
}

func TestParseImplementationPlanFallbackHeuristic(t *testing.T) {
	raw := "Step 1: Add the config flag\n" +
		"Wire it through the loader.\n" +
		"2. Document the flag\n" +
		"Add a line to the README."

	plan, err := ParseImplementationPlan(raw)
	if err != nil {
		t.Fatalf("ParseImplementationPlan() error = %v", err)
	}
	if plan.AgentInstructions != "parsed from text format" {
		t.Fatalf("plan.AgentInstructions = %q, want %q", plan.AgentInstructions, "parsed from text format")
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("len(plan.Steps) = %d, want 2: %#v", len(plan.Steps), plan.Steps)
	}
	if plan.Steps[0].Title != "Add the config flag" {
		t.Fatalf("plan.Steps[0].Title = %q", plan.Steps[0].Title)
	}
	if plan.Steps[0].Description != "Wire it through the loader." {
		t.Fatalf("plan.Steps[0].Description = %q", plan.Steps[0].Description)
	}
	if plan.Steps[1].Title != "Document the flag" {
		t.Fatalf("plan.Steps[1].Title = %q", plan.Steps[1].Title)
	}
}

func TestParseImplementationPlanFallbackAlwaysEmitsOneStep(t *testing.T) {
	plan, err := ParseImplementationPlan("just do the thing, no markers here")
	if err != nil {
		t.Fatalf("ParseImplementationPlan() error = %v", err)
	}
	if len(plan.Steps) != 1 {
		t.Fatalf("len(plan.Steps) = %d, want 1", len(plan.Steps))
	}
}

func TestParseImplementationPlanMalformedXMLFallsBack(t *testing.T) {
	raw := "<ImplementationPlan><Steps><Step><Title>Broken</Title>"
	plan, err := ParseImplementationPlan(raw)
	if err != nil {
		t.Fatalf("ParseImplementationPlan() error = %v", err)
	}
	if plan.AgentInstructions != "parsed from text format" {
		t.Fatalf("expected fallback plan, got %#v", plan)
	}
}
