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

import "github.com/tombee/conductor/internal/job"

// BuiltinDefinitions returns the fixed WorkflowDefinitions named in
// spec.md's component design and glossary: "FileFinder" (directory-tree
// generation feeding regex/local filtering, AI path-finding, then
// extended path-correction to repair anything the filesystem check
// rejects) and "WebSearchWorkflow" (prompt generation feeding search
// execution), the two multi-stage pipelines the spec's processor
// catalogue and §9 notes describe by name.
func BuiltinDefinitions() []*Definition {
	return []*Definition{
		{
			Name:        "FileFinder",
			Description: "Locate and verify the files relevant to a task description.",
			Stages: []StageDefinition{
				{StageName: "GeneratingDirTree", TaskType: job.TaskDirectoryTreeGeneration},
				{StageName: "GeneratingRegex", TaskType: job.TaskRegexPatternGeneration, DependsOn: []string{"GeneratingDirTree"}},
				{StageName: "LocalFiltering", TaskType: job.TaskLocalFileFiltering, DependsOn: []string{"GeneratingRegex"}},
				{StageName: "RegexFiltering", TaskType: job.TaskRegexFileFilter, DependsOn: []string{"LocalFiltering"}},
				{StageName: "PathFinding", TaskType: job.TaskExtendedPathFinder, DependsOn: []string{"RegexFiltering"}},
				{StageName: "PathCorrection", TaskType: job.TaskExtendedPathCorrection, DependsOn: []string{"PathFinding"}},
			},
		},
		{
			Name:        "WebSearchWorkflow",
			Description: "Generate search prompts and execute them against the search backend.",
			Stages: []StageDefinition{
				{StageName: "GeneratingSearchPrompts", TaskType: job.TaskWebSearchPromptsGeneration},
				{StageName: "ExecutingSearch", TaskType: job.TaskWebSearchExecution, DependsOn: []string{"GeneratingSearchPrompts"}},
			},
		},
	}
}

// RegisterBuiltinDefinitions registers every BuiltinDefinitions() entry
// into r, returning the first validation error encountered (none is
// expected — the definitions above are fixed).
func RegisterBuiltinDefinitions(r *Registry) error {
	for _, def := range BuiltinDefinitions() {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}
