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

package workflow

import (
	"testing"

	"github.com/tombee/conductor/internal/job"
)

func validTwoStageDefinition() *Definition {
	return &Definition{
		Name: "path-finding",
		Stages: []StageDefinition{
			{StageName: "find", TaskType: job.TaskExtendedPathFinder},
			{StageName: "correct", TaskType: job.TaskExtendedPathCorrection, DependsOn: []string{"find"}},
		},
	}
}

func TestDefinition_ValidateAccepts(t *testing.T) {
	def := validTwoStageDefinition()
	if err := def.Validate(); err != nil {
		t.Fatalf("expected valid definition, got error: %v", err)
	}
}

func TestDefinition_ValidateRejectsDuplicateStageName(t *testing.T) {
	def := validTwoStageDefinition()
	def.Stages = append(def.Stages, StageDefinition{StageName: "find", TaskType: job.TaskRegexFileFilter})

	if err := def.Validate(); err == nil {
		t.Fatal("expected error for duplicate stage name")
	}
}

func TestDefinition_ValidateRejectsUnknownDependency(t *testing.T) {
	def := validTwoStageDefinition()
	def.Stages[1].DependsOn = []string{"does-not-exist"}

	if err := def.Validate(); err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestDefinition_ValidateRejectsCycle(t *testing.T) {
	def := &Definition{
		Name: "cyclic",
		Stages: []StageDefinition{
			{StageName: "a", TaskType: job.TaskRegexFileFilter, DependsOn: []string{"b"}},
			{StageName: "b", TaskType: job.TaskFileRelevanceAssessment, DependsOn: []string{"a"}},
		},
	}

	if err := def.Validate(); err == nil {
		t.Fatal("expected error for cyclic dependency graph")
	}
}

func TestDefinition_RootStages(t *testing.T) {
	def := validTwoStageDefinition()
	roots := def.RootStages()
	if len(roots) != 1 || roots[0].StageName != "find" {
		t.Fatalf("expected single root stage %q, got %+v", "find", roots)
	}
}

func TestDefinition_DependentsOf(t *testing.T) {
	def := validTwoStageDefinition()
	dependents := def.DependentsOf("find")
	if len(dependents) != 1 || dependents[0].StageName != "correct" {
		t.Fatalf("expected %q to depend on %q, got %+v", "correct", "find", dependents)
	}
}

func TestRegistry_RegisterRejectsInvalidDefinition(t *testing.T) {
	r := NewRegistry()
	bad := &Definition{Name: "bad"} // no stages
	if err := r.Register(bad); err == nil {
		t.Fatal("expected registration of an empty definition to fail")
	}
	if _, ok := r.Get("bad"); ok {
		t.Fatal("a failed registration must not be retrievable")
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	def := validTwoStageDefinition()
	if err := r.Register(def); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	got, ok := r.Get("path-finding")
	if !ok || got.Name != "path-finding" {
		t.Fatalf("expected to retrieve registered definition, got %+v, %v", got, ok)
	}
}
