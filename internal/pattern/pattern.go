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

// Package pattern distills bounded, reusable workflows from the steps
// of a finished run. Extraction is total and idempotent: the same step
// list always yields byte-identical output, and unusable input yields
// nil rather than an error.
package pattern

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tombee/crossrun/internal/store"
)

const (
	maxSteps     = 12
	maxTokens    = 600
	summaryChars = 200

	// maxInstructionChars clamps each normalized step.
	maxInstructionChars = 160
)

// Variable is one discovered pattern variable.
type Variable struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Example     string `json:"example"`
	Description string `json:"description,omitempty"`
}

// Pattern is a distilled workflow ready for caching and injection.
type Pattern struct {
	ID          string     `json:"id"`
	SourceRunID string     `json:"source_run_id"`
	Name        string     `json:"name"`
	Summary     string     `json:"summary"`
	Steps       []string   `json:"steps"`
	Variables   []Variable `json:"variables"`
}

// variableSet accumulates variables in discovery order, first writer
// wins, mirroring map setdefault semantics with stable iteration.
type variableSet struct {
	vars []Variable
	seen map[string]bool
}

func newVariableSet() *variableSet {
	return &variableSet{seen: make(map[string]bool)}
}

func (s *variableSet) setDefault(name, typ, example string) {
	if s.seen[name] {
		return
	}
	s.seen[name] = true
	s.vars = append(s.vars, Variable{Name: name, Type: typ, Example: example})
}

// Extractor discovers domain-specific variables in instruction text.
// Step filtering, normalization, and rendering are shared; variants
// differ only in what they recognize as a variable.
type Extractor interface {
	DiscoverVariables(text string, vars *variableSet)
}

// Extract distills a pattern from a run's steps. Returns nil when no
// usable step survives filtering, so callers cache nothing for empty
// or all-failed runs.
func Extract(runID, taskType, instructions string, steps []*store.Step) *Pattern {
	extractor := ForTaskType(taskType)

	vars := newVariableSet()
	if trimmed := normalizeInstruction(instructions); trimmed != "" {
		extractor.DiscoverVariables(trimmed, vars)
	}

	var usable []string
	for _, step := range steps {
		if !includeStep(step) {
			continue
		}
		normalized := normalizeInstruction(step.Content)
		if normalized == "" {
			continue
		}
		extractor.DiscoverVariables(normalized, vars)
		usable = append(usable, normalized)
	}

	if len(usable) == 0 {
		return nil
	}
	if len(usable) > maxSteps {
		usable = usable[:maxSteps]
	}

	summary := strings.Join(usable[:min(2, len(usable))], " ")
	if len(summary) > summaryChars {
		summary = summary[:summaryChars]
	}

	pattern := &Pattern{
		ID:          "pat-" + runID,
		SourceRunID: runID,
		Name:        "Pattern from " + runID,
		Summary:     summary,
		Steps:       usable,
		Variables:   vars.vars,
	}

	clampTokens(pattern)
	return pattern
}

// includeStep keeps assistant/tool steps whose outcome is not an
// explicit failure. Unknown outcomes count as usable.
func includeStep(step *store.Step) bool {
	if step.Role != store.RoleAssistant && step.Role != store.RoleTool {
		return false
	}
	if step.OutcomeOK != nil && !*step.OutcomeOK {
		return false
	}
	return true
}

var whitespaceRE = regexp.MustCompile(`\s+`)

func normalizeInstruction(text string) string {
	cleaned := whitespaceRE.ReplaceAllString(strings.TrimSpace(text), " ")
	if len(cleaned) > maxInstructionChars {
		cleaned = cleaned[:maxInstructionChars]
	}
	return cleaned
}

// clampTokens drops tail steps until the rendered block fits the token
// budget, using a crude words-as-tokens estimate.
func clampTokens(p *Pattern) {
	for len(p.Steps) > 0 {
		if len(strings.Fields(Render(p))) <= maxTokens {
			return
		}
		p.Steps = p.Steps[:len(p.Steps)-1]
	}
}

// Render produces the injectable reference_workflow block. The exact
// shape is part of the public contract: composed system instructions
// embed it verbatim.
func Render(p *Pattern) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("<reference_workflow id=%q>", p.ID))

	summary := p.Summary
	if summary == "" {
		summary = "Follow the proven approach from the reference run."
	}
	lines = append(lines, "What worked before: "+summary)
	lines = append(lines, "")

	lines = append(lines, "Sequence:")
	if len(p.Steps) > 0 {
		for i, step := range p.Steps {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, step))
		}
	} else {
		lines = append(lines, "No reusable steps captured.")
	}
	lines = append(lines, "")

	lines = append(lines, "Variables:")
	if len(p.Variables) > 0 {
		for _, v := range p.Variables {
			typ := v.Type
			if typ == "" {
				typ = "text"
			}
			example := v.Example
			if example == "" {
				example = "?"
			}
			lines = append(lines, fmt.Sprintf("- %s: %s (ex: %s)", v.Name, typ, example))
		}
	} else {
		lines = append(lines, "- none discovered")
	}
	lines = append(lines, "")

	lines = append(lines,
		"Apply the same sequence when it fits. If critical context is missing, ask once, "+
			"then continue with the user's goal.")
	lines = append(lines, "</reference_workflow>")

	return strings.Join(lines, "\n")
}

// FromCache rebuilds a Pattern from its persisted form so older caches
// render identically.
func FromCache(cached *store.Pattern) *Pattern {
	p := &Pattern{
		ID:          "pat-" + cached.RunID,
		SourceRunID: cached.RunID,
		Name:        cached.Name,
		Summary:     cached.Summary,
		Steps:       cached.Steps,
	}
	for _, v := range cached.Variables {
		p.Variables = append(p.Variables, Variable(v))
	}
	return p
}
