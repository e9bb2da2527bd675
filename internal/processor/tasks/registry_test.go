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

package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tombee/conductor/internal/job"
)

func TestBuildRegistry_CoversEveryKnownTaskType(t *testing.T) {
	reg := BuildRegistry(Dependencies{})

	want := []job.TaskType{
		job.TaskImplementationPlan,
		job.TaskImplementationPlanMerge,
		job.TaskPathFinder,
		job.TaskPathCorrection,
		job.TaskExtendedPathFinder,
		job.TaskExtendedPathCorrection,
		job.TaskTextImprovement,
		job.TaskTextCorrection,
		job.TaskTaskEnhancement,
		job.TaskGuidanceGeneration,
		job.TaskVoiceTranscription,
		job.TaskRegexPatternGeneration,
		job.TaskRegexSummaryGeneration,
		job.TaskGenericLlmStream,
		job.TaskFileRelevanceAssessment,
		job.TaskRegexFileFilter,
		job.TaskLocalFileFiltering,
		job.TaskDirectoryTreeGeneration,
		job.TaskWebSearchPromptsGeneration,
		job.TaskWebSearchExecution,
		job.TaskStreaming,
		job.TaskDataPersistence,
	}

	for _, tt := range want {
		_, ok := reg.Resolve(tt)
		assert.Truef(t, ok, "expected a processor registered for %s", tt)
	}

	// WebSearchWorkflow is a workflow definition, not a processor; Unknown
	// is the deliberate "no handler" sentinel.
	for _, tt := range []job.TaskType{job.TaskWebSearchWorkflow, job.TaskUnknown} {
		_, ok := reg.Resolve(tt)
		assert.Falsef(t, ok, "did not expect a registered processor for %s", tt)
	}
}
