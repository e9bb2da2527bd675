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

// DirectoryTreeGenerationProcessor walks a project directory into a
// newline-indented tree listing, the payload every downstream
// ImplementationPlan/PathFinder stage expects as directory_tree_content.
// Exclude matching uses doublestar the way
// internal/controller/filewatcher.PatternMatcher does; an optional
// TreeCache, invalidated by fsnotify events the way
// internal/controller/filewatcher.Watcher reports them, lets repeated
// stages in the same workflow skip re-walking an unchanged tree.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/pathsafe"
	"github.com/tombee/conductor/internal/processor"
	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// DirectoryTreeGenerationPayload is the task-specific payload for
// TaskDirectoryTreeGeneration jobs.
type DirectoryTreeGenerationPayload struct {
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
	MaxDepth        int      `json:"max_depth,omitempty"`
}

// TreeCache memoizes a generated tree per project directory until an
// fsnotify event invalidates it. A nil cache disables memoization.
type TreeCache struct {
	mu       sync.Mutex
	trees    map[string]string
	watchers map[string]*fsnotify.Watcher
}

// NewTreeCache returns an empty cache.
func NewTreeCache() *TreeCache {
	return &TreeCache{trees: make(map[string]string), watchers: make(map[string]*fsnotify.Watcher)}
}

func (c *TreeCache) get(dir string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tree, ok := c.trees[dir]
	return tree, ok
}

// put stores tree for dir and, on first insertion, starts an fsnotify
// watch on dir that evicts the entry on its first event. The watch is not
// recursive: only changes directly inside dir evict the entry. Watch
// failures are non-fatal: the entry is simply never cached for that dir.
func (c *TreeCache) put(dir, tree string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, watching := c.watchers[dir]; watching {
		c.trees[dir] = tree
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return
	}
	c.watchers[dir] = w
	c.trees[dir] = tree
	go c.evictOnChange(dir, w)
}

func (c *TreeCache) evictOnChange(dir string, w *fsnotify.Watcher) {
	defer w.Close()
	select {
	case <-w.Events:
	case <-w.Errors:
	}
	c.mu.Lock()
	delete(c.trees, dir)
	delete(c.watchers, dir)
	c.mu.Unlock()
}

// DirectoryTreeGenerationProcessor is the C6 processor for
// TaskDirectoryTreeGeneration.
type DirectoryTreeGenerationProcessor struct {
	Cache *TreeCache

	payload DirectoryTreeGenerationPayload
}

var _ processor.Processor = (*DirectoryTreeGenerationProcessor)(nil)

func (p *DirectoryTreeGenerationProcessor) TaskType() job.TaskType {
	return job.TaskDirectoryTreeGeneration
}

func (p *DirectoryTreeGenerationProcessor) Setup(ctx context.Context, j *job.BackgroundJob) error {
	var payload DirectoryTreeGenerationPayload
	if len(j.Payload) > 0 {
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return &conductorerrors.ValidationError{Field: "payload", Message: fmt.Sprintf("invalid directory tree payload: %v", err)}
		}
	}
	if j.ProjectDirectory == "" {
		return &conductorerrors.ValidationError{Field: "project_directory", Message: "required for directory tree generation"}
	}
	p.payload = payload
	return nil
}

func (p *DirectoryTreeGenerationProcessor) Work(ctx context.Context, j *job.BackgroundJob, probe processor.CancelProbe) (processor.Outcome, error) {
	if probe() {
		return processor.Outcome{}, context.Canceled
	}

	root := filepath.Clean(j.ProjectDirectory)
	if p.Cache != nil {
		if tree, ok := p.Cache.get(root); ok {
			return processor.Outcome{Response: tree, AdditionalMetadata: map[string]any{"cached": true}}, nil
		}
	}

	exclude := p.payload.ExcludePatterns
	var lines []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if matchesAny(exclude, rel, d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p.payload.MaxDepth > 0 && strings.Count(rel, "/")+1 > p.payload.MaxDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		depth := strings.Count(rel, "/")
		indent := strings.Repeat("  ", depth)
		if d.IsDir() {
			lines = append(lines, fmt.Sprintf("%s%s/", indent, d.Name()))
		} else {
			lines = append(lines, fmt.Sprintf("%s%s", indent, d.Name()))
		}
		return nil
	})
	if err != nil {
		return processor.Outcome{}, &pathsafe.Error{Path: root, Reason: err.Error()}
	}

	tree := strings.Join(lines, "\n")

	if probe() {
		return processor.Outcome{}, context.Canceled
	}

	if p.Cache != nil {
		p.Cache.put(root, tree)
	}

	return processor.Outcome{Response: tree}, nil
}

func (p *DirectoryTreeGenerationProcessor) Finalize(ctx context.Context, j *job.BackgroundJob, outcome processor.Outcome, workErr error) error {
	return nil
}

// matchesAny reports whether rel (project-relative, slash-separated) or
// base (its final path element) matches any of patterns, using the same
// full-path-then-basename fallback as
// internal/controller/filewatcher.PatternMatcher.matchPattern.
func matchesAny(patterns []string, rel, base string) bool {
	for _, pattern := range patterns {
		if matched, _ := doublestar.Match(pattern, rel); matched {
			return true
		}
		if matched, _ := doublestar.Match(pattern, base); matched {
			return true
		}
	}
	return false
}
