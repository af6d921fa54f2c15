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

package pattern

import (
	"fmt"
	"strings"
	"testing"

	"github.com/tombee/crossrun/internal/store"
)

func boolPtr(b bool) *bool { return &b }

func makeSteps(contents ...string) []*store.Step {
	steps := make([]*store.Step, len(contents))
	for i, c := range contents {
		steps[i] = &store.Step{Role: store.RoleTool, Content: c, OutcomeOK: boolPtr(true)}
	}
	return steps
}

func TestExtract_EmptyYieldsNil(t *testing.T) {
	if got := Extract("run-1", "code", "", nil); got != nil {
		t.Errorf("expected nil for empty steps, got %+v", got)
	}
}

func TestExtract_AllFailedYieldsNil(t *testing.T) {
	steps := []*store.Step{
		{Role: store.RoleTool, Content: "make test", OutcomeOK: boolPtr(false)},
		{Role: store.RoleUser, Content: "do it"},
	}
	if got := Extract("run-1", "code", "do it", steps); got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestExtract_FiltersAndNormalizes(t *testing.T) {
	steps := []*store.Step{
		{Role: store.RoleUser, Content: "ignored user turn"},
		{Role: store.RoleAssistant, Content: "  Created   hello.txt\n\nwith  content ", OutcomeOK: boolPtr(true)},
		{Role: store.RoleTool, Content: "touch hello.txt", OutcomeOK: boolPtr(true)},
		{Role: store.RoleTool, Content: "rm -rf /", OutcomeOK: boolPtr(false)},
	}

	p := Extract("run-1", "code", "touch hello.txt", steps)
	if p == nil {
		t.Fatal("expected a pattern")
	}
	if p.ID != "pat-run-1" {
		t.Errorf("unexpected id: %s", p.ID)
	}
	if len(p.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d: %v", len(p.Steps), p.Steps)
	}
	if p.Steps[0] != "Created hello.txt with content" {
		t.Errorf("whitespace not collapsed: %q", p.Steps[0])
	}
	if !strings.Contains(p.Summary, "Created hello.txt") {
		t.Errorf("unexpected summary: %q", p.Summary)
	}
}

func TestExtract_ClampsStepCountAndLength(t *testing.T) {
	long := strings.Repeat("x", 500)
	var contents []string
	for i := 0; i < 20; i++ {
		contents = append(contents, fmt.Sprintf("step %d %s", i, long))
	}

	p := Extract("run-1", "code", "", makeSteps(contents...))
	if p == nil {
		t.Fatal("expected a pattern")
	}
	if len(p.Steps) > maxSteps {
		t.Errorf("expected at most %d steps, got %d", maxSteps, len(p.Steps))
	}
	for i, step := range p.Steps {
		if len(step) > maxInstructionChars {
			t.Errorf("step %d exceeds %d chars: %d", i, maxInstructionChars, len(step))
		}
	}
}

func TestExtract_TokenClampDropsTail(t *testing.T) {
	// Many short words per step push the rendered block past the token
	// budget before the step cap kicks in.
	words := strings.Repeat("a ", 79)
	var contents []string
	for i := 0; i < 12; i++ {
		contents = append(contents, words)
	}

	p := Extract("run-1", "code", "", makeSteps(contents...))
	if p == nil {
		t.Fatal("expected a pattern")
	}
	if got := len(strings.Fields(Render(p))); got > maxTokens {
		t.Errorf("rendered block has %d words, budget is %d", got, maxTokens)
	}
	if len(p.Steps) >= 12 {
		t.Errorf("expected tail steps dropped, still have %d", len(p.Steps))
	}
}

func TestExtract_Idempotent(t *testing.T) {
	steps := makeSteps(
		"read data.csv and filter by region",
		"generate bar chart of sales",
		"save output to report.md",
	)

	first := Extract("run-1", "data_analysis", "analyze data.csv", steps)
	second := Extract("run-1", "data_analysis", "analyze data.csv", steps)
	if first == nil || second == nil {
		t.Fatal("expected patterns")
	}
	if Render(first) != Render(second) {
		t.Error("extraction is not idempotent")
	}
}

func TestRender_Shape(t *testing.T) {
	p := &Pattern{
		ID:      "pat-run-1",
		Summary: "Created hello.txt",
		Steps:   []string{"touch hello.txt", "verify"},
		Variables: []Variable{
			{Name: "file", Type: "file", Example: "hello.txt"},
		},
	}
	block := Render(p)

	wantLines := []string{
		`<reference_workflow id="pat-run-1">`,
		"What worked before: Created hello.txt",
		"",
		"Sequence:",
		"1. touch hello.txt",
		"2. verify",
		"",
		"Variables:",
		"- file: file (ex: hello.txt)",
		"",
		"Apply the same sequence when it fits. If critical context is missing, ask once, then continue with the user's goal.",
		"</reference_workflow>",
	}
	if block != strings.Join(wantLines, "\n") {
		t.Errorf("rendered block mismatch:\n%s", block)
	}
}

func TestRender_EmptyVariablesAndSteps(t *testing.T) {
	block := Render(&Pattern{ID: "pat-x"})
	if !strings.Contains(block, "No reusable steps captured.") {
		t.Error("missing empty-sequence line")
	}
	if !strings.Contains(block, "- none discovered") {
		t.Error("missing empty-variables line")
	}
	if !strings.Contains(block, "Follow the proven approach from the reference run.") {
		t.Error("missing fallback summary")
	}
}

func TestCodeExtractor_Variables(t *testing.T) {
	vars := newVariableSet()
	codeExtractor{}.DiscoverVariables("replace TODO with contents from notes.md", vars)

	got := map[string]Variable{}
	for _, v := range vars.vars {
		got[v.Name] = v
	}
	if v, ok := got["placeholder"]; !ok || v.Example != "TODO" {
		t.Errorf("placeholder: %+v", got["placeholder"])
	}
	if v, ok := got["source"]; !ok || v.Example != "notes.md" {
		t.Errorf("source: %+v", got["source"])
	}
	if v, ok := got["file"]; !ok || v.Example != "notes.md" {
		t.Errorf("file: %+v", got["file"])
	}
}

func TestResearchExtractor_Variables(t *testing.T) {
	vars := newVariableSet()
	researchExtractor{}.DiscoverVariables(
		"search for: climate adaptation, source: IPCC report, see https://example.org/paper", vars)

	names := map[string]bool{}
	for _, v := range vars.vars {
		names[v.Name] = true
	}
	for _, want := range []string{"search_query", "source_doc", "url"} {
		if !names[want] {
			t.Errorf("missing variable %s: %+v", want, vars.vars)
		}
	}
}

func TestDataExtractor_Variables(t *testing.T) {
	vars := newVariableSet()
	dataExtractor{}.DiscoverVariables("filter by region then draw a bar chart of mean sales", vars)

	got := map[string]string{}
	for _, v := range vars.vars {
		got[v.Name] = v.Example
	}
	if got["chart_type"] != "bar chart" {
		t.Errorf("chart_type: %q", got["chart_type"])
	}
	if got["statistical_method"] != "mean" {
		t.Errorf("statistical_method: %q", got["statistical_method"])
	}
	if _, ok := got["data_operation"]; !ok {
		t.Errorf("missing data_operation: %+v", vars.vars)
	}
}

func TestDocumentExtractor_Variables(t *testing.T) {
	vars := newVariableSet()
	documentExtractor{}.DiscoverVariables("convert docx to pdf for every invoice", vars)

	got := map[string]string{}
	for _, v := range vars.vars {
		got[v.Name] = v.Example
	}
	if got["source_format"] != "docx" || got["target_format"] != "pdf" {
		t.Errorf("formats: %+v", got)
	}
	if got["batch_item"] != "invoice" {
		t.Errorf("batch_item: %q", got["batch_item"])
	}
}

func TestForTaskType_Fallback(t *testing.T) {
	if _, ok := ForTaskType("unknown").(codeExtractor); !ok {
		t.Error("unknown task type should fall back to the code extractor")
	}
	if _, ok := ForTaskType("document_writing").(documentExtractor); !ok {
		t.Error("document_writing should map to the document extractor")
	}
}

func TestFromCache_RendersIdentically(t *testing.T) {
	steps := makeSteps("touch hello.txt", "verify hello.txt exists")
	extracted := Extract("run-1", "code", "touch hello.txt", steps)
	if extracted == nil {
		t.Fatal("expected a pattern")
	}

	cached := &store.Pattern{
		RunID:   "run-1",
		Name:    extracted.Name,
		Summary: extracted.Summary,
		Steps:   extracted.Steps,
	}
	for _, v := range extracted.Variables {
		cached.Variables = append(cached.Variables, store.PatternVariable(v))
	}

	if Render(FromCache(cached)) != Render(extracted) {
		t.Error("cached pattern renders differently from the extracted one")
	}
}

func TestFirstWriterWins(t *testing.T) {
	vars := newVariableSet()
	vars.setDefault("file", "file", "a.txt")
	vars.setDefault("file", "file", "b.txt")
	if len(vars.vars) != 1 || vars.vars[0].Example != "a.txt" {
		t.Errorf("expected first writer to win: %+v", vars.vars)
	}
}
