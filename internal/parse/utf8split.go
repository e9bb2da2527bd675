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

import "unicode/utf8"

// SplitUTF8Safe splits s into chunks of at most maxBytes bytes each,
// never splitting a multi-byte UTF-8 rune across a chunk boundary. Used
// when forwarding streamed LLM output in fixed-size frames (e.g. over a
// websocket) where a naive byte-slice split could corrupt a rune that
// straddles the cut.
func SplitUTF8Safe(s string, maxBytes int) []string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		if s == "" {
			return nil
		}
		return []string{s}
	}

	var chunks []string
	for len(s) > 0 {
		if len(s) <= maxBytes {
			chunks = append(chunks, s)
			break
		}

		cut := maxBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			// maxBytes landed inside the very first rune; take the whole
			// rune rather than emit an empty or truncated chunk.
			_, size := utf8.DecodeRuneInString(s)
			cut = size
		}

		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	return chunks
}

// SplitAtChar splits text into (prefix, suffix) on a rune boundary so that
// prefix holds at most targetChars runes, per spec.md §4.11's streaming
// content chunker: if text has targetChars runes or fewer, it is returned
// whole as prefix with an empty suffix. Otherwise the split point is
// nudged back to the nearest whitespace rune between targetChars/2 and
// targetChars (inclusive) when one exists, so a chunk boundary doesn't
// land mid-word; it never falls inside a multi-byte code point.
func SplitAtChar(text string, targetChars int) (string, string) {
	if targetChars <= 0 {
		return "", text
	}

	runes := []rune(text)
	if len(runes) <= targetChars {
		return text, ""
	}

	splitAt := targetChars
	low := targetChars / 2
	for i := targetChars; i >= low; i-- {
		if i < len(runes) && isSplitWhitespace(runes[i]) {
			splitAt = i
			break
		}
	}

	return string(runes[:splitAt]), string(runes[splitAt:])
}

func isSplitWhitespace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
