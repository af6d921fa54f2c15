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

// Package workspace materializes and confines per-run filesystem
// sandboxes under a configured root.
package workspace

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	runerrors "github.com/tombee/crossrun/pkg/errors"
)

// Manager resolves, creates, and clones run workspaces. Every resolved
// path is checked against the root; adversarial project or run ids can
// never escape it.
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager creates a Manager rooted at root. Root must be absolute.
func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("workspace root must be absolute, got %q", root)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{root: filepath.Clean(root), logger: logger}, nil
}

// Root returns the configured workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Path returns the absolute workspace path {root}/{safe(project)}/{safe(run)}.
// Components are percent-encoded so the result is always a direct
// two-level descendant of the root.
func (m *Manager) Path(projectID, runID string) (string, error) {
	path := filepath.Join(m.root, safeComponent(projectID), safeComponent(runID))

	resolved, err := filepath.Abs(path)
	if err != nil {
		return "", runerrors.NewRunError(runerrors.CodeWorkspacePathInvalid,
			fmt.Sprintf("cannot resolve workspace path: %v", err))
	}
	if !isUnder(m.root, resolved) {
		return "", runerrors.NewRunError(runerrors.CodeWorkspacePathInvalid,
			fmt.Sprintf("workspace path %q escapes root", resolved))
	}
	return resolved, nil
}

// PrepareResult describes a prepared workspace.
type PrepareResult struct {
	Path string

	// ClonedFrom is the source run id when cloning was requested.
	ClonedFrom string

	// SourceFound reports whether the clone source workspace existed.
	// A missing source is a soft condition: the run proceeds with an
	// empty workspace.
	SourceFound bool

	// Entries lists the top-level entries copied from the source.
	Entries []string
}

// Prepare creates the workspace directory for a run. When fromRunID is
// set and its workspace exists under the same project, the source tree
// is deep-copied first, including any .git subtree and symlinks. The
// directory is then initialized as a git repository when the git binary
// is available and no repository exists yet.
func (m *Manager) Prepare(ctx context.Context, projectID, runID, fromRunID string) (*PrepareResult, error) {
	path, err := m.Path(projectID, runID)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		if os.IsPermission(err) {
			return nil, runerrors.NewRunError(runerrors.CodePermissionError, err.Error())
		}
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	result := &PrepareResult{Path: path}

	if fromRunID != "" {
		result.ClonedFrom = fromRunID

		source, err := m.Path(projectID, fromRunID)
		if err != nil {
			return nil, err
		}
		if info, err := os.Stat(source); err == nil && info.IsDir() {
			result.SourceFound = true
			entries, err := copyTree(source, path)
			if err != nil {
				return nil, fmt.Errorf("failed to clone workspace from %s: %w", fromRunID, err)
			}
			result.Entries = entries
			m.logger.Info("workspace cloned",
				"run_id", runID,
				"from_run_id", fromRunID,
				"entries", len(entries),
			)
		} else {
			m.logger.Warn("clone source workspace missing",
				"run_id", runID,
				"from_run_id", fromRunID,
			)
		}
	}

	m.ensureGitRepo(ctx, path)

	return result, nil
}

// IsGitRepo reports whether path contains a .git directory.
func (m *Manager) IsGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && info.IsDir()
}

// ensureGitRepo initializes a repository so the diff summary works for
// fresh workspaces. Best effort: a missing git binary is not an error.
func (m *Manager) ensureGitRepo(ctx context.Context, path string) {
	if m.IsGitRepo(path) {
		return
	}
	if _, err := exec.LookPath("git"); err != nil {
		return
	}
	cmd := exec.CommandContext(ctx, "git", "init", "-q")
	cmd.Dir = path
	if err := cmd.Run(); err != nil {
		m.logger.Debug("git init failed", "path", path, "error", err)
	}
}

// safeComponent percent-encodes every byte outside [A-Za-z0-9._-].
func safeComponent(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '.', c == '_', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// isUnder reports whether path is root or a descendant of root.
func isUnder(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}

// copyTree deep-copies src into dst, preserving symlinks and modes, and
// returns the sorted top-level entry names.
func copyTree(src, dst string) ([]string, error) {
	var topLevel []string

	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if filepath.Dir(rel) == "." {
			topLevel = append(topLevel, rel)
		}

		target := filepath.Join(dst, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(topLevel)
	return topLevel, nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
