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

package runservice

import (
	"path"
	"sort"
	"strings"

	"github.com/tombee/crossrun/internal/store"
	"github.com/tombee/crossrun/internal/workspace"
)

const maxSecondaryArtifacts = 5

// textExtensions is the allow-list used when guessing the primary
// artifact among files of unknown provenance.
var textExtensions = map[string]bool{
	".md": true, ".txt": true, ".csv": true, ".json": true,
	".py": true, ".html": true, ".go": true, ".js": true,
	".ts": true, ".yaml": true, ".yml": true,
}

// Synthesize builds the machine summary for a finalized run. Pure and
// total: any combination of inputs yields a well-formed summary.
func Synthesize(run *store.Run, steps []*store.Step, files []workspace.FileInfo) *store.MachineSummary {
	summary := &store.MachineSummary{
		Goal:               strings.TrimSpace(run.Instructions),
		ExecutionAttempted: len(steps) > 0,
		ExecutionSucceeded: run.Status == store.StatusSucceeded,
	}
	if summary.Goal == "" {
		summary.Goal = "No goal specified"
	}

	primary, secondary := identifyArtifacts(steps, files)
	summary.PrimaryArtifact = primary
	summary.SecondaryArtifacts = secondary

	if !summary.ExecutionSucceeded {
		summary.ReasonForFailure, summary.Notes = failureReason(run, steps)
	}
	return summary
}

// identifyArtifacts picks the run's primary output and up to five
// secondary outputs. Candidates are the workspace files, narrowed to
// the step-reported touched set when the two intersect. Preference
// order: referenced by the last assistant step, then largest text
// file, then lexicographically first.
func identifyArtifacts(steps []*store.Step, files []workspace.FileInfo) (string, []string) {
	candidates := files
	if touched := touchedFiles(steps); len(touched) > 0 {
		var narrowed []workspace.FileInfo
		for _, f := range files {
			if touched[f.Path] || touched[path.Base(f.Path)] {
				narrowed = append(narrowed, f)
			}
		}
		if len(narrowed) > 0 {
			candidates = narrowed
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Path < candidates[j].Path
	})

	primary := referencedByLastAssistant(steps, candidates)
	if primary == "" {
		primary = largestTextFile(candidates)
	}
	if primary == "" {
		primary = candidates[0].Path
	}

	var secondary []string
	for _, f := range candidates {
		if f.Path == primary {
			continue
		}
		secondary = append(secondary, f.Path)
		if len(secondary) == maxSecondaryArtifacts {
			break
		}
	}
	return primary, secondary
}

func touchedFiles(steps []*store.Step) map[string]bool {
	touched := make(map[string]bool)
	for _, step := range steps {
		for _, f := range step.Files {
			touched[f] = true
		}
	}
	return touched
}

// referencedByLastAssistant returns the first candidate, in path
// order, mentioned by the final assistant step.
func referencedByLastAssistant(steps []*store.Step, candidates []workspace.FileInfo) string {
	var content string
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Role == store.RoleAssistant {
			content = steps[i].Content
			break
		}
	}
	if content == "" {
		return ""
	}
	for _, f := range candidates {
		if strings.Contains(content, f.Path) || strings.Contains(content, path.Base(f.Path)) {
			return f.Path
		}
	}
	return ""
}

func largestTextFile(candidates []workspace.FileInfo) string {
	best := ""
	var bestSize int64 = -1
	for _, f := range candidates {
		if !textExtensions[strings.ToLower(path.Ext(f.Path))] {
			continue
		}
		if f.SizeBytes > bestSize {
			best, bestSize = f.Path, f.SizeBytes
		}
	}
	return best
}

// failureReason maps a failed or cancelled run to a category and a
// human note. Cancelled runs get a fixed reason; failed runs report
// the first recorded error, falling back to the last failed tool step.
func failureReason(run *store.Run, steps []*store.Step) (string, string) {
	if run.Status == store.StatusCancelled {
		return "cancelled", "Run was cancelled by user"
	}
	if len(run.Errors) > 0 {
		first := run.Errors[0]
		return string(first.Code), first.Message
	}

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Role == store.RoleTool && step.OutcomeOK != nil && !*step.OutcomeOK {
			return "tool_failure", strings.Join(step.Notes, "; ")
		}
	}
	return "execution_error", "Run failed without specific error details"
}
