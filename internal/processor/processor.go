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

// Package processor defines the uniform Processor contract (C5) every
// task-type handler implements, and the Registry (C4's resolution half)
// that maps a job's TaskType to its processor. Concrete processors live in
// internal/processor/tasks; this file holds only the shared contract,
// following the teacher's interface-segregation style
// (internal/controller/backend/backend.go).
package processor

import (
	"context"

	"github.com/tombee/conductor/internal/job"
)

// CancelProbe is polled by a processor's Work step between expensive
// operations (an LLM call, a filesystem walk) so long-running work notices
// cancellation promptly instead of only at its next store write. Every
// concrete processor's Work implementation MUST check this at each natural
// checkpoint (spec.md §4.5: "mandatory cancellation probes").
type CancelProbe func() bool

// Outcome is the terminal result of a processor's Work step.
type Outcome struct {
	Response           string
	Usage              *job.Usage
	ModelUsed          string
	SystemPromptID     string
	AdditionalMetadata map[string]any
}

// Processor is the setup -> work -> finalize triad every task-type handler
// implements. Setup validates the payload and prepares any per-job state;
// Work performs the (possibly long-running, cancelable) unit of work;
// Finalize is called with the Outcome or error so the processor can do any
// cleanup that must run regardless of success.
type Processor interface {
	// TaskType identifies which BackgroundJob.TaskType this processor
	// handles; the Registry uses it as the lookup key.
	TaskType() job.TaskType

	// Setup validates j.Payload and returns an error if the job cannot be
	// processed (a ValidationError is appropriate for malformed payloads).
	Setup(ctx context.Context, j *job.BackgroundJob) error

	// Work performs the unit of work. It must call probe() between
	// expensive steps and return a canceled-style error promptly once probe
	// reports true, rather than completing unnecessary work.
	Work(ctx context.Context, j *job.BackgroundJob, probe CancelProbe) (Outcome, error)

	// Finalize runs after Work returns, regardless of outcome, for any
	// processor-specific cleanup. workErr is the error Work returned, or
	// nil on success; Finalize does not itself write job state — the
	// dispatcher owns calling Store.Finalize/FinalizeFailure.
	Finalize(ctx context.Context, j *job.BackgroundJob, outcome Outcome, workErr error) error
}

// Registry resolves a TaskType to its registered Processor.
type Registry struct {
	processors map[job.TaskType]Processor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[job.TaskType]Processor)}
}

// Register adds p under its own TaskType, overwriting any prior
// registration for that type.
func (r *Registry) Register(p Processor) {
	r.processors[p.TaskType()] = p
}

// Resolve returns the processor registered for taskType, or false if none
// is registered.
func (r *Registry) Resolve(taskType job.TaskType) (Processor, bool) {
	p, ok := r.processors[taskType]
	return p, ok
}

// Registered lists every TaskType with a registered processor.
func (r *Registry) Registered() []job.TaskType {
	types := make([]job.TaskType, 0, len(r.processors))
	for t := range r.processors {
		types = append(types, t)
	}
	return types
}
