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
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	runerrors "github.com/tombee/crossrun/pkg/errors"
)

// ignorePatterns are glob patterns excluded from file listings. The
// .git subtree is still cloned by Prepare; it is only hidden here.
var ignorePatterns = []string{
	".git/**",
	".git",
	"**/__pycache__/**",
	"**/node_modules/**",
}

// FileInfo describes one workspace file in a listing.
type FileInfo struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Type      string `json:"type"`
}

// ListFiles returns every non-ignored regular file under the workspace,
// sorted by relative path.
func (m *Manager) ListFiles(path string) ([]FileInfo, error) {
	if !isUnder(m.root, path) {
		return nil, runerrors.NewRunError(runerrors.CodeWorkspacePathInvalid,
			fmt.Sprintf("listing path %q escapes root", path))
	}

	var files []FileInfo
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if ignored(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}

		files = append(files, FileInfo{
			Path:      filepath.ToSlash(rel),
			SizeBytes: info.Size(),
			Type:      mimeType(rel),
		})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to list workspace files: %w", err)
	}

	return files, nil
}

// ReadFile returns the bytes of rel resolved under the workspace path.
// Any resolved target outside the workspace fails with PATH_TRAVERSAL
// before a single byte is read.
func (m *Manager) ReadFile(path, rel string) ([]byte, error) {
	target, err := m.resolve(path, rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsPermission(err) {
			return nil, runerrors.NewRunError(runerrors.CodePermissionError, err.Error())
		}
		return nil, err
	}
	return data, nil
}

// resolve joins rel onto the workspace path and confines the result.
func (m *Manager) resolve(path, rel string) (string, error) {
	if !isUnder(m.root, path) {
		return "", runerrors.NewRunError(runerrors.CodeWorkspacePathInvalid,
			fmt.Sprintf("workspace path %q escapes root", path))
	}

	target := filepath.Clean(filepath.Join(path, filepath.FromSlash(rel)))
	if !isUnder(path, target) || target == filepath.Clean(path) {
		return "", runerrors.NewRunError(runerrors.CodePathTraversal,
			fmt.Sprintf("path %q resolves outside the workspace", rel))
	}
	return target, nil
}

func ignored(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, pattern := range ignorePatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// mimeType guesses a content type from the extension, defaulting to
// text/plain for common source extensions and octet-stream otherwise.
func mimeType(rel string) string {
	ext := strings.ToLower(filepath.Ext(rel))
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	switch ext {
	case ".py", ".go", ".rs", ".sh", ".yaml", ".yml", ".toml", ".md", ".txt", "":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
