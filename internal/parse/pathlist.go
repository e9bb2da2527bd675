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

// Package parse holds the small, dependency-free text parsers the
// processors use to turn raw LLM output back into structured data: a
// path-list parser, an XML-with-fallback implementation-plan parser, a
// UTF-8-safe chunk splitter, and a streaming response aggregator
// (spec.md §4.11).
package parse

import (
	"path/filepath"
	"strings"
)

// proseLinePrefixes are the "this isn't a path, it's commentary" openers
// spec.md §4.11 calls out by name. A line starting with one of these
// (outside a fenced code block) is rejected outright, matching S2's
// "Here are the files:" / "Based on my analysis:" / trailing
// "Please check if these are correct." noise.
var proseLinePrefixes = []string{
	"note:", "analysis:", "here are", "here's", "based on", "these are",
	"the following", "please", "i found", "i recommend", "summary:",
	"explanation:",
}

// falsePositiveTokens are bare words that look like path-ish tokens but
// are never themselves a path.
var falsePositiveTokens = map[string]bool{
	"TODO": true, "NOTE": true, "FIXME": true, "HACK": true, "BUG": true,
	"ISSUE": true, "WARNING": true, "ERROR": true, "DEPRECATED": true,
	"IMPORTANT": true, "REVIEW": true, "REFACTOR": true, "OPTIMIZE": true,
	"json": true, "JSON": true, "null": true, "undefined": true,
}

// arrowPrefixes and bulletPrefixes are list-indicator tokens stripped, in
// order, before a line is evaluated as a candidate path.
var bulletPrefixes = []string{"- ", "* ", "+ ", "• "}
var arrowPrefixes = []string{"-> ", "=> ", "> "}

// ParsePathList extracts a de-duplicated, first-seen-order list of file
// paths from free-form LLM output, following spec.md §4.11's line-wise
// algorithm: normalize line endings, track fenced-code-block state,
// reject prose outside fences, strip ordinal/bullet/arrow list markers,
// trim surrounding quotes/brackets, and validate each survivor as a
// plausible path before accepting it.
func ParsePathList(output string) []string {
	normalized := strings.ReplaceAll(output, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	lines := strings.Split(normalized, "\n")

	var ordered []string
	seen := make(map[string]struct{})
	inFence := false
	fenceLen := 0

	for _, raw := range lines {
		trimmed := strings.TrimSpace(raw)

		if fenceLength(trimmed) > 0 {
			opening := fenceLength(trimmed)
			if !inFence {
				inFence = true
				fenceLen = opening
				continue
			}
			if inFence && opening >= fenceLen {
				inFence = false
				fenceLen = 0
				continue
			}
		}

		if trimmed == "" {
			continue
		}

		if !inFence && hasProsePrefix(trimmed) {
			continue
		}

		candidate := extractCandidate(trimmed)
		if candidate == "" {
			continue
		}
		if !looksLikePath(candidate) {
			continue
		}
		if falsePositiveTokens[candidate] {
			continue
		}

		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		ordered = append(ordered, candidate)
	}

	return ordered
}

// fenceLength returns the number of leading backticks if trimmed is a
// fence line (```` ``` ```` or ```` ```xml ````), else 0.
func fenceLength(trimmed string) int {
	n := 0
	for n < len(trimmed) && trimmed[n] == '`' {
		n++
	}
	if n >= 3 {
		return n
	}
	return 0
}

func hasProsePrefix(line string) bool {
	lower := strings.ToLower(line)
	for _, prefix := range proseLinePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// extractCandidate strips, in order: a single backtick-delimited span (if
// present, its contents replace the whole line), list-indicator markers
// (numeric/letter ordinals, bullets, arrows), and surrounding quote /
// bracket punctuation.
func extractCandidate(line string) string {
	s := line

	if start := strings.IndexByte(s, '`'); start >= 0 {
		if end := strings.IndexByte(s[start+1:], '`'); end >= 0 {
			s = s[start+1 : start+1+end]
		}
	}

	s = strings.TrimSpace(s)
	s = stripListMarkers(s)
	s = strings.Trim(s, " \t'\"`,:;[]{}()<>")
	return strings.TrimSpace(s)
}

// stripListMarkers removes, in the order spec.md §4.11 specifies: numeric
// ordinals ("1. ", "1) ", "1: ", "1- ", "1 "), single-letter ordinals
// ("a. ", "A) "), bullets ("- ", "* ", "+ ", "• "), then arrows
// ("-> ", "=> ", "> ").
func stripListMarkers(s string) string {
	if rest, ok := stripNumericOrdinal(s); ok {
		s = rest
	} else if rest, ok := stripLetterOrdinal(s); ok {
		s = rest
	}
	for _, b := range bulletPrefixes {
		if strings.HasPrefix(s, b) {
			s = s[len(b):]
			break
		}
	}
	for _, a := range arrowPrefixes {
		if strings.HasPrefix(s, a) {
			s = s[len(a):]
			break
		}
	}
	return s
}

func stripNumericOrdinal(s string) (string, bool) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) {
		return s, false
	}
	switch s[i] {
	case '.', ')', ':', '-':
		return strings.TrimSpace(s[i+1:]), true
	case ' ':
		return strings.TrimSpace(s[i+1:]), true
	}
	return s, false
}

func stripLetterOrdinal(s string) (string, bool) {
	if len(s) < 3 {
		return s, false
	}
	c := s[0]
	isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
	if !isLetter {
		return s, false
	}
	if s[1] == '.' || s[1] == ')' {
		if s[2] == ' ' {
			return strings.TrimSpace(s[3:]), true
		}
	}
	return s, false
}

// looksLikePath is the final acceptance gate: the candidate must contain
// no internal whitespace, and either a path separator or a plausible
// extension (alphanumeric/_/- of length <= 10); a single bare word with
// neither is rejected, as is anything ending in sentence punctuation with
// no earlier dot (i.e. the trailing '.' is prose, not an extension).
func looksLikePath(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t") {
		return false
	}

	hasSeparator := strings.ContainsRune(s, '/') || strings.ContainsRune(s, '\\')
	ext := filepath.Ext(s)
	hasValidExt := ext != "" && isValidExtToken(strings.TrimPrefix(ext, "."))

	if !hasSeparator && !hasValidExt {
		return false
	}

	last := s[len(s)-1]
	if last == '.' || last == ',' || last == '!' || last == '?' {
		// Trailing punctuation is only acceptable if it reads as an
		// extension dot earlier in the string (e.g. "file.txt." would be
		// unusual but "Please see file.go." is prose trailing off).
		if !strings.Contains(s[:len(s)-1], ".") {
			return false
		}
	}

	return true
}

func isValidExtToken(ext string) bool {
	if ext == "" || len(ext) > 10 {
		return false
	}
	for _, r := range ext {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-') {
			return false
		}
	}
	return true
}
