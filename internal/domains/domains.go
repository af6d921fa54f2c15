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

// Package domains defines the closed set of task types and the
// per-domain instruction templates composed into a run's system
// instructions.
package domains

import (
	"embed"
	"strings"
)

//go:embed instructions/*.txt
var instructionFS embed.FS

// BasePrompt is the instruction fallback used when a domain template
// is missing. It is also composed into every run's instructions.
const BasePrompt = "You are a precise code agent. Keep changes minimal."

// ToolUsage is the tooling contract appended to every run's composed
// instructions so the planner routes workspace work through codex.
const ToolUsage = `Tooling contract:
- When the user asks for workspace changes or commands (edit files, run tests, inspect git, process documents, run scripts), ALWAYS call ` + "`codex_exec(prompt=...)`" + `.
- Put the exact shell/script steps you need in the tool prompt (e.g., "touch hello.txt && git status" or "python analyze.py").
- Codex can execute Python scripts, run shell commands, edit files, and perform file operations.
- Only return a natural-language summary after at least one successful tool invocation, including key outcomes (files touched, command results).
- If the user request truly requires no changes (e.g., a conceptual answer), you may respond normally, but prefer the tool when unsure.`

// Config describes one task type.
type Config struct {
	Name                 string
	Description          string
	InstructionTemplate  string
	PrimaryArtifactTypes []string
}

const (
	TaskCode               = "code"
	TaskResearch           = "research"
	TaskWriting            = "writing"
	TaskDataAnalysis       = "data_analysis"
	TaskDocumentProcessing = "document_processing"
	TaskDocumentWriting    = "document_writing"
	TaskDocumentAnalysis   = "document_analysis"
)

var configs = map[string]Config{
	TaskCode: {
		Name:                 "Code Development",
		Description:          "Software development, scripting, and coding tasks",
		InstructionTemplate:  "code_mode.txt",
		PrimaryArtifactTypes: []string{"codex-jsonl", "diff-summary"},
	},
	TaskResearch: {
		Name:                 "Research",
		Description:          "Literature review, web research, citation gathering, and synthesis",
		InstructionTemplate:  "research_mode.txt",
		PrimaryArtifactTypes: []string{"markdown", "codex-jsonl", "json"},
	},
	TaskWriting: {
		Name:                 "Long-Form Writing",
		Description:          "Articles, reports, documentation, and other long-form content",
		InstructionTemplate:  "writing_mode.txt",
		PrimaryArtifactTypes: []string{"markdown", "docx", "pdf", "codex-jsonl"},
	},
	TaskDataAnalysis: {
		Name:                 "Data Analysis",
		Description:          "Python analysis, data visualization, statistical computing",
		InstructionTemplate:  "data_mode.txt",
		PrimaryArtifactTypes: []string{"ipynb", "csv", "png", "json", "codex-jsonl"},
	},
	TaskDocumentProcessing: {
		Name:                 "Document Processing",
		Description:          "Batch document conversion, formatting, and transformation",
		InstructionTemplate:  "document_mode.txt",
		PrimaryArtifactTypes: []string{"docx", "pdf", "markdown", "codex-jsonl"},
	},
	TaskDocumentWriting: {
		Name:                 "Document Writing",
		Description:          "Structured document authoring from templates and source material",
		InstructionTemplate:  "document_mode.txt",
		PrimaryArtifactTypes: []string{"docx", "pdf", "markdown", "codex-jsonl"},
	},
	TaskDocumentAnalysis: {
		Name:                 "Document Analysis",
		Description:          "Extraction and summarization across document collections",
		InstructionTemplate:  "document_mode.txt",
		PrimaryArtifactTypes: []string{"markdown", "json", "codex-jsonl"},
	},
}

// Valid reports whether taskType belongs to the closed set.
func Valid(taskType string) bool {
	_, ok := configs[taskType]
	return ok
}

// Get returns the configuration for a task type, falling back to the
// code domain for unknown values.
func Get(taskType string) Config {
	if cfg, ok := configs[taskType]; ok {
		return cfg
	}
	return configs[TaskCode]
}

// TaskTypes lists the closed set in a stable order.
func TaskTypes() []string {
	return []string{
		TaskCode, TaskResearch, TaskWriting, TaskDataAnalysis,
		TaskDocumentProcessing, TaskDocumentWriting, TaskDocumentAnalysis,
	}
}

// Instructions loads the domain instruction template for a task type.
// Missing templates fall back to the base prompt.
func Instructions(taskType string) string {
	cfg := Get(taskType)
	data, err := instructionFS.ReadFile("instructions/" + cfg.InstructionTemplate)
	if err != nil {
		return BasePrompt
	}
	return strings.TrimSpace(string(data))
}

// Compose joins the pattern block, the base prompt, the domain
// instructions, and the tooling contract into the run's system
// instructions. Empty parts are dropped.
func Compose(patternBlock, taskType string) string {
	parts := make([]string, 0, 4)
	for _, part := range []string{strings.TrimSpace(patternBlock), BasePrompt, Instructions(taskType), ToolUsage} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "\n\n")
}
