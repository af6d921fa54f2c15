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
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	runerrors "github.com/tombee/crossrun/pkg/errors"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m
}

func TestSafeComponent(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"demo", "demo"},
		{"run-123_v2.0", "run-123_v2.0"},
		{"a/b", "a%2Fb"},
		{"../evil", "..%2Fevil"},
		{"a b", "a%20b"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := safeComponent(tt.in); got != tt.want {
			t.Errorf("safeComponent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPath_Confinement(t *testing.T) {
	m := newTestManager(t)

	path, err := m.Path("../../etc", "../passwd")
	if err != nil {
		t.Fatalf("Path failed: %v", err)
	}
	if !strings.HasPrefix(path, m.Root()) {
		t.Errorf("path %q escapes root %q", path, m.Root())
	}
}

func TestPrepare_EmptyWorkspace(t *testing.T) {
	m := newTestManager(t)

	result, err := m.Prepare(context.Background(), "demo", "run-1", "")
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if result.ClonedFrom != "" || result.SourceFound {
		t.Errorf("unexpected clone fields: %+v", result)
	}
	info, err := os.Stat(result.Path)
	if err != nil || !info.IsDir() {
		t.Fatalf("workspace directory missing: %v", err)
	}
}

func TestPrepare_CloneFromSource(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	src, err := m.Prepare(ctx, "demo", "run-a", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src.Path, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src.Path, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src.Path, "sub", "b.txt"), []byte("world"), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := m.Prepare(ctx, "demo", "run-b", "run-a")
	if err != nil {
		t.Fatalf("Prepare with clone failed: %v", err)
	}
	if !result.SourceFound {
		t.Fatal("expected source to be found")
	}
	found := false
	for _, e := range result.Entries {
		if e == "a.txt" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a.txt in entries, got %v", result.Entries)
	}

	data, err := os.ReadFile(filepath.Join(result.Path, "a.txt"))
	if err != nil || string(data) != "hello" {
		t.Errorf("cloned file mismatch: %q, %v", data, err)
	}
	data, err = os.ReadFile(filepath.Join(result.Path, "sub", "b.txt"))
	if err != nil || string(data) != "world" {
		t.Errorf("nested cloned file mismatch: %q, %v", data, err)
	}
}

func TestPrepare_MissingSourceIsSoft(t *testing.T) {
	m := newTestManager(t)

	result, err := m.Prepare(context.Background(), "demo", "run-b", "run-missing")
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if result.SourceFound {
		t.Error("expected source_found=false")
	}
	if result.ClonedFrom != "run-missing" {
		t.Errorf("expected cloned_from recorded, got %q", result.ClonedFrom)
	}
	if _, err := os.Stat(result.Path); err != nil {
		t.Errorf("workspace should still exist: %v", err)
	}
}

func TestListFiles(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ws, err := m.Prepare(ctx, "demo", "run-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws.Path, "hello.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(ws.Path, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws.Path, ".git", "HEAD"), []byte("ref"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := m.ListFiles(ws.Path)
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 file (git hidden), got %d: %+v", len(files), files)
	}
	if files[0].Path != "hello.txt" || files[0].SizeBytes != 2 {
		t.Errorf("unexpected listing: %+v", files[0])
	}
	if !strings.HasPrefix(files[0].Type, "text/plain") {
		t.Errorf("unexpected mime type: %s", files[0].Type)
	}
}

func TestReadFile(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ws, err := m.Prepare(ctx, "demo", "run-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws.Path, "hello.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	data, err := m.ReadFile(ws.Path, "hello.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "hi" {
		t.Errorf("unexpected content: %q", data)
	}
}

func TestReadFile_Traversal(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	ws, err := m.Prepare(ctx, "demo", "run-1", "")
	if err != nil {
		t.Fatal(err)
	}

	for _, rel := range []string{
		"../../../etc/passwd",
		"..",
		"sub/../../other",
	} {
		_, err := m.ReadFile(ws.Path, rel)
		var runErr *runerrors.RunError
		if !runerrors.As(err, &runErr) || runErr.Code != runerrors.CodePathTraversal {
			t.Errorf("ReadFile(%q): expected PATH_TRAVERSAL, got %v", rel, err)
		}
	}
}

func TestGitDiffSummary_NonRepoDegradesToNil(t *testing.T) {
	m := newTestManager(t)

	dir := filepath.Join(m.Root(), "plain")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	summary, err := m.GitDiffSummary(context.Background(), dir)
	if err != nil {
		t.Fatalf("GitDiffSummary failed: %v", err)
	}
	if summary != nil {
		t.Errorf("expected nil summary for non-repo, got %+v", summary)
	}
}
