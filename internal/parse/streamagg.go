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

import "strings"

// StreamAggregator accumulates streaming LLM chunks into a final response
// string and tracks a coarse progress counter, used by the generic
// streaming processor to maintain BackgroundJob.Metadata's streamProgress
// field between chunks.
type StreamAggregator struct {
	builder    strings.Builder
	chunkCount int
}

// NewStreamAggregator returns an empty aggregator.
func NewStreamAggregator() *StreamAggregator {
	return &StreamAggregator{}
}

// Append adds a delta to the accumulated content and advances the chunk
// counter.
func (a *StreamAggregator) Append(delta string) {
	a.builder.WriteString(delta)
	a.chunkCount++
}

// Content returns everything accumulated so far.
func (a *StreamAggregator) Content() string {
	return a.builder.String()
}

// ChunkCount returns how many chunks have been appended, used as the
// streamProgress metadata value.
func (a *StreamAggregator) ChunkCount() int {
	return a.chunkCount
}
