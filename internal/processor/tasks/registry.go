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
	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/llmclient"
	"github.com/tombee/conductor/internal/processor"
)

// Dependencies bundles everything BuildRegistry needs to construct every
// concrete processor. Nil fields are fine if the caller knows a given
// task type will never be dispatched: every processor is registered
// regardless, and one whose dependency is nil fails its job with an
// InitializationError from Work.
type Dependencies struct {
	LLM           llmclient.LlmClient
	Transcription llmclient.TranscriptionClient
	Search        SearchClient
	Persistence   PersistenceSink
	TreeCache     *TreeCache
	Progress      ProgressReporter
}

// BuildRegistry constructs one instance of every concrete processor (C6)
// and registers it under its TaskType, the single place that wires the
// processor catalogue together for cmd/conductord — the equivalent of
// the teacher's internal/daemon/runner adapter registration, generalized
// from one hardcoded adapter to the full task-type enumeration.
func BuildRegistry(deps Dependencies) *processor.Registry {
	reg := processor.NewRegistry()

	reg.Register(&ImplementationPlanProcessor{Client: deps.LLM, Progress: deps.Progress})
	reg.Register(&ImplementationPlanMergeProcessor{})

	reg.Register(&PathFinderProcessor{Type: job.TaskPathFinder, Client: deps.LLM})
	reg.Register(&PathFinderProcessor{Type: job.TaskExtendedPathFinder, Client: deps.LLM})
	reg.Register(&PathCorrectionProcessor{})
	reg.Register(&ExtendedPathCorrectionProcessor{Client: deps.LLM})

	for taskType, systemPrompt := range genericLLMSystemPrompts {
		reg.Register(&GenericLLMProcessor{Type: taskType, SystemPrompt: systemPrompt, Client: deps.LLM})
	}

	reg.Register(&GenericLlmStreamProcessor{Type: job.TaskGenericLlmStream, Client: deps.LLM, Progress: deps.Progress})
	reg.Register(&GenericLlmStreamProcessor{Type: job.TaskStreaming, Client: deps.LLM, Progress: deps.Progress})

	reg.Register(&VoiceTranscriptionProcessor{Client: deps.Transcription})

	reg.Register(&RegexFileFilterProcessor{})
	reg.Register(&LocalFileFilteringProcessor{})
	reg.Register(&DirectoryTreeGenerationProcessor{Cache: deps.TreeCache})

	reg.Register(&WebSearchExecutionProcessor{Client: deps.Search})

	reg.Register(&DataPersistenceProcessor{Sink: deps.Persistence})

	return reg
}
