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

package workspace

import (
	"context"
	"os/exec"
	"strings"
)

// DiffSummary is a structured view of uncommitted changes in a
// workspace's git repository.
type DiffSummary struct {
	Branch    string       `json:"branch"`
	ShortStat string       `json:"shortstat"`
	Files     []FileChange `json:"files"`
	StatText  string       `json:"stat_text"`
}

// FileChange is one changed path with its two-letter porcelain status.
type FileChange struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

// GitDiffSummary summarizes the working tree of the repository at path.
// Returns (nil, nil) when path is not a git repository or the git
// binary is unavailable; it never fails the caller for a missing tool.
func (m *Manager) GitDiffSummary(ctx context.Context, path string) (*DiffSummary, error) {
	if !m.IsGitRepo(path) {
		return nil, nil
	}
	if _, err := exec.LookPath("git"); err != nil {
		return nil, nil
	}

	summary := &DiffSummary{}

	if out, err := gitOutput(ctx, path, "status", "-sb"); err == nil {
		if line, _, found := strings.Cut(out, "\n"); found || line != "" {
			summary.Branch = strings.TrimPrefix(strings.TrimSpace(line), "## ")
		}
	}

	// Untracked files matter in fresh workspaces, so diff against the
	// porcelain status rather than HEAD alone.
	if out, err := gitOutput(ctx, path, "status", "--porcelain"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			if len(line) < 4 {
				continue
			}
			summary.Files = append(summary.Files, FileChange{
				Status: strings.TrimSpace(line[:2]),
				Path:   strings.TrimSpace(line[3:]),
			})
		}
	}

	if out, err := gitOutput(ctx, path, "diff", "--shortstat"); err == nil {
		summary.ShortStat = strings.TrimSpace(out)
	}
	if out, err := gitOutput(ctx, path, "diff", "--stat"); err == nil {
		summary.StatText = strings.TrimSpace(out)
	}

	if summary.Branch == "" && len(summary.Files) == 0 && summary.ShortStat == "" {
		return nil, nil
	}
	return summary, nil
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	return string(out), err
}
