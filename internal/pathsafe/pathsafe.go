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

// Package pathsafe resolves and validates file paths an LLM suggested
// against a project root, adapted from internal/action/file.PathResolver:
// the same absolute/canonicalize/validate-against-allowed-root pipeline,
// trimmed to the subset the path-correction processors need (no $out/
// $temp prefixes, no symlink policy — a background job only ever reasons
// about paths inside one project directory).
package pathsafe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Error reports a path that failed validation.
type Error struct {
	Path   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("unsafe path %q: %s", e.Path, e.Reason)
}

// Resolver validates candidate paths against a single project root.
type Resolver struct {
	root string
}

// NewResolver creates a Resolver rooted at projectDir. projectDir must be
// an absolute path; it is cleaned but not required to exist.
func NewResolver(projectDir string) *Resolver {
	return &Resolver{root: filepath.Clean(projectDir)}
}

// Resolve converts a candidate path (absolute or relative-to-root) into
// its canonical absolute form and verifies it stays within the project
// root. A non-existent path is not an error — ExtendedPathCorrection
// routinely validates paths that do not exist yet.
func (r *Resolver) Resolve(candidate string) (string, error) {
	if candidate == "" {
		return "", &Error{Path: candidate, Reason: "empty path"}
	}

	var abs string
	if filepath.IsAbs(candidate) {
		abs = filepath.Clean(candidate)
	} else {
		abs = filepath.Join(r.root, candidate)
	}

	rel, err := filepath.Rel(r.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &Error{Path: candidate, Reason: "escapes project root"}
	}

	return abs, nil
}

// Exists reports whether the resolved path exists on disk, distinguishing
// a missing path (ok=false, err=nil) from a stat failure (err != nil).
func Exists(resolvedPath string) (ok bool, err error) {
	_, statErr := os.Stat(resolvedPath)
	if statErr == nil {
		return true, nil
	}
	if os.IsNotExist(statErr) {
		return false, nil
	}
	return false, statErr
}
