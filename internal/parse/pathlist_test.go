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

import (
	"reflect"
	"testing"
)

func TestParsePathListOrdinalsBulletsAndFences(t *testing.T) {
	input := "src/main.rs\n1. lib/utils.js\n- config/settings.json\n```\nsrc/fenced.go\n```\n"
	got := ParsePathList(input)
	want := []string{"src/main.rs", "lib/utils.js", "config/settings.json", "src/fenced.go"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParsePathList() = %#v, want %#v", got, want)
	}
}

// TestParsePathListProseFiltering exercises scenario S2: prose lines
// surrounding a mix of fenced and unfenced paths must be rejected while
// the paths themselves survive in document order.
func TestParsePathListProseFiltering(t *testing.T) {
	input := "Here are the files:\n" +
		"src/router.rs\n" +
		"Based on my analysis:\n" +
		"- src/mux.rs\n" +
		"```\n" +
		"src/handlers/mod.rs\n" +
		"```\n" +
		"Please check if these are correct."

	got := ParsePathList(input)
	want := []string{"src/router.rs", "src/mux.rs", "src/handlers/mod.rs"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParsePathList() = %#v, want %#v", got, want)
	}
}

func TestParsePathListRejectsFalsePositivesAndBareWords(t *testing.T) {
	input := "TODO\nNOTE\njson\nREADME\nsrc/ok.rs"
	got := ParsePathList(input)
	want := []string{"src/ok.rs"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParsePathList() = %#v, want %#v", got, want)
	}
}

func TestParsePathListDedupesPreservingFirstSeenOrder(t *testing.T) {
	input := "src/a.rs\nsrc/b.rs\nsrc/a.rs\n- src/b.rs"
	got := ParsePathList(input)
	want := []string{"src/a.rs", "src/b.rs"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParsePathList() = %#v, want %#v", got, want)
	}
}

func TestParsePathListTrimsQuotesAndBrackets(t *testing.T) {
	input := "\"src/quoted.rs\"\n[src/bracketed.rs]\n`src/backticked.rs`"
	got := ParsePathList(input)
	want := []string{"src/quoted.rs", "src/bracketed.rs", "src/backticked.rs"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParsePathList() = %#v, want %#v", got, want)
	}
}

func TestParsePathListHandlesCRLF(t *testing.T) {
	input := "src/a.rs\r\nsrc/b.rs\r\n"
	got := ParsePathList(input)
	want := []string{"src/a.rs", "src/b.rs"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParsePathList() = %#v, want %#v", got, want)
	}
}
