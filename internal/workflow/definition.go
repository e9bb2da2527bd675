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

// Package workflow implements the workflow orchestrator (C7), its error
// handler (C8), and the cancellation coordinator (C9) described in
// spec.md §4.6-§4.8.
//
// Unlike pkg/workflow's YAML automation definitions (conditionals,
// foreach/parallel/loop steps, per-step LLM config), a WorkflowDefinition
// here is a static DAG: an ordered list of stages, each naming the task
// type it runs and the set of stages it depends on. The simpler shape
// mirrors the fixed pipelines in spec.md's glossary (path-finding,
// extended path-correction, web-search) rather than pkg/workflow's
// general-purpose automation language; the validation pipeline
// (ApplyDefaults/Validate, *errors.ValidationError{Field,Message,Suggestion})
// is carried over from pkg/workflow/definition.go.
package workflow

import (
	"fmt"

	conductorerrors "github.com/tombee/conductor/pkg/errors"

	"github.com/tombee/conductor/internal/job"
)

// StageDefinition is one node of a WorkflowDefinition's DAG. Per
// DESIGN.md's Open Question #1 decision, there is no separate enum of
// "known" stages — StageName is an arbitrary identifier validated only
// against the definition's own stage list, replacing the four-variant
// WorkflowStage enum the original carried as legacy residue.
type StageDefinition struct {
	// StageName uniquely identifies this stage within the definition.
	StageName string `yaml:"stage_name" json:"stage_name"`

	// TaskType is the BackgroundJob.TaskType the orchestrator creates a
	// job for when this stage becomes executable.
	TaskType job.TaskType `yaml:"task_type" json:"task_type"`

	// DependsOn lists the StageNames that must complete successfully
	// before this stage is eligible for execution. A stage with no
	// dependencies is a root and is created immediately when the
	// workflow starts.
	DependsOn []string `yaml:"depends_on" json:"depends_on"`
}

// Definition is a named, versioned DAG of stages. Definitions are
// immutable once validated; the orchestrator never mutates one.
type Definition struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Stages      []StageDefinition `yaml:"stages" json:"stages"`
}

// StageIndex returns the position of stageName in Stages, or -1.
func (d *Definition) StageIndex(stageName string) int {
	for i, s := range d.Stages {
		if s.StageName == stageName {
			return i
		}
	}
	return -1
}

// Stage returns the StageDefinition named stageName, or nil.
func (d *Definition) Stage(stageName string) *StageDefinition {
	idx := d.StageIndex(stageName)
	if idx < 0 {
		return nil
	}
	return &d.Stages[idx]
}

// RootStages returns every stage with no dependencies, in definition order.
func (d *Definition) RootStages() []StageDefinition {
	var roots []StageDefinition
	for _, s := range d.Stages {
		if len(s.DependsOn) == 0 {
			roots = append(roots, s)
		}
	}
	return roots
}

// DependentsOf returns every stage that directly depends on stageName.
func (d *Definition) DependentsOf(stageName string) []StageDefinition {
	var out []StageDefinition
	for _, s := range d.Stages {
		for _, dep := range s.DependsOn {
			if dep == stageName {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// Validate checks structural soundness: unique non-empty stage names,
// dependencies that reference stages actually present in the definition,
// and — the invariant spec.md calls out explicitly — that the dependency
// graph is acyclic. Validation runs once, at definition-registration
// time (Registry.Register), never per-workflow-instance, so a cyclic
// definition is rejected before any workflow can ever be created from it.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &conductorerrors.ValidationError{Field: "name", Message: "workflow definition name is required"}
	}
	if len(d.Stages) == 0 {
		return &conductorerrors.ValidationError{Field: "stages", Message: "workflow definition must declare at least one stage"}
	}

	seen := make(map[string]bool, len(d.Stages))
	for _, s := range d.Stages {
		if s.StageName == "" {
			return &conductorerrors.ValidationError{Field: "stages[].stage_name", Message: "stage name must not be empty"}
		}
		if seen[s.StageName] {
			return &conductorerrors.ValidationError{
				Field:      "stages[].stage_name",
				Message:    fmt.Sprintf("duplicate stage name %q", s.StageName),
				Suggestion: "stage names must be unique within a workflow definition",
			}
		}
		seen[s.StageName] = true
		if s.TaskType == "" {
			return &conductorerrors.ValidationError{Field: "stages[].task_type", Message: fmt.Sprintf("stage %q must declare a task_type", s.StageName)}
		}
	}

	for _, s := range d.Stages {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return &conductorerrors.ValidationError{
					Field:      "stages[].depends_on",
					Message:    fmt.Sprintf("stage %q depends on unknown stage %q", s.StageName, dep),
					Suggestion: "depends_on entries must name a stage_name declared elsewhere in the same definition",
				}
			}
		}
	}

	return d.checkAcyclic()
}

// checkAcyclic runs a depth-first search with the standard
// white/gray/black coloring to detect a cycle in the dependency graph.
func (d *Definition) checkAcyclic() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(d.Stages))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return &conductorerrors.ValidationError{
				Field:      "stages[].depends_on",
				Message:    fmt.Sprintf("cyclic dependency detected: %s -> %s", joinPath(path), name),
				Suggestion: "remove the cyclic depends_on edge",
			}
		}
		color[name] = gray
		path = append(path, name)
		stage := d.Stage(name)
		if stage != nil {
			for _, dep := range stage.DependsOn {
				if err := visit(dep, path); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}

	for _, s := range d.Stages {
		if color[s.StageName] == white {
			if err := visit(s.StageName, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func joinPath(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += " -> "
		}
		out += p
	}
	return out
}

// Registry holds validated workflow definitions by name.
type Registry struct {
	definitions map[string]*Definition
}

// NewRegistry creates an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]*Definition)}
}

// Register validates def and adds it under def.Name, returning the
// validation error (and leaving the registry unchanged) if def is
// malformed or cyclic.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.definitions[def.Name] = def
	return nil
}

// Get returns the registered definition named name, or false if none exists.
func (r *Registry) Get(name string) (*Definition, bool) {
	d, ok := r.definitions[name]
	return d, ok
}
