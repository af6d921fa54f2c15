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

package codex

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tombee/crossrun/internal/config"
	"github.com/tombee/crossrun/internal/store"
	runerrors "github.com/tombee/crossrun/pkg/errors"
)

func newFakeTool(t *testing.T) (*Tool, string) {
	t.Helper()
	artifacts := t.TempDir()
	tool := NewTool(config.CodexConfig{Fake: true}, artifacts, false, NewRegistry(), slog.Default())
	return tool, artifacts
}

func TestExecFake_ProducesStepAndArtifact(t *testing.T) {
	tool, artifacts := newFakeTool(t)
	ws := t.TempDir()

	var steps []*store.Step
	var arts []*store.Artifact
	rc := &RunContext{
		RunID:     "run-1",
		ProjectID: "demo",
		Workspace: ws,
		TaskType:  "code",
		Fake:      true,
		OnStep: func(_ context.Context, s *store.Step) error {
			steps = append(steps, s)
			return nil
		},
		OnArtifact: func(_ context.Context, a *store.Artifact) error {
			arts = append(arts, a)
			return nil
		},
	}

	report, err := tool.Exec(context.Background(), rc, "touch hello.txt")
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if report.Summary != "codex_exec(fake)" {
		t.Errorf("unexpected summary: %s", report.Summary)
	}
	if !report.OK {
		t.Error("expected ok report")
	}

	if len(steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(steps))
	}
	step := steps[0]
	if step.Role != store.RoleTool || step.Content != "codex_exec(fake)" {
		t.Errorf("unexpected step: %+v", step)
	}
	if len(step.Notes) == 0 || step.Notes[0] != "fake-codex-mode" {
		t.Errorf("expected fake-codex-mode note, got %v", step.Notes)
	}

	// The touch directive materializes the file in the workspace.
	if _, err := os.Stat(filepath.Join(ws, "hello.txt")); err != nil {
		t.Errorf("expected hello.txt to exist: %v", err)
	}

	if len(arts) != 1 {
		t.Fatalf("expected 1 artifact, got %d", len(arts))
	}
	if arts[0].Kind != "codex-jsonl" {
		t.Errorf("unexpected artifact kind: %s", arts[0].Kind)
	}
	if !strings.HasPrefix(arts[0].Path, artifacts) {
		t.Errorf("artifact path %q escapes root %q", arts[0].Path, artifacts)
	}
	data, err := os.ReadFile(arts[0].Path)
	if err != nil {
		t.Fatalf("artifact file missing: %v", err)
	}
	if !strings.Contains(string(data), `"type":"run.end"`) {
		t.Errorf("unexpected artifact payload: %s", data)
	}
	if !strings.Contains(string(data), "touch hello.txt") {
		t.Errorf("artifact should echo the prompt: %s", data)
	}
}

func TestExecFake_SleepIsCancellable(t *testing.T) {
	tool, _ := newFakeTool(t)

	var flag atomic.Bool
	rc := &RunContext{
		RunID:           "run-1",
		Workspace:       t.TempDir(),
		Fake:            true,
		CancelRequested: flag.Load,
	}

	go func() {
		time.Sleep(300 * time.Millisecond)
		flag.Store(true)
	}()

	start := time.Now()
	report, err := tool.Exec(context.Background(), rc, "sleep 60")
	elapsed := time.Since(start)

	if elapsed > 5*time.Second {
		t.Fatalf("cancellation took too long: %s", elapsed)
	}
	var runErr *runerrors.RunError
	if !runerrors.As(err, &runErr) || runErr.Code != runerrors.CodeCancelled {
		t.Fatalf("expected CANCELLED, got %v", err)
	}
	found := false
	for _, note := range report.Notes {
		if note == "cancelled-by-user" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected cancelled-by-user note, got %v", report.Notes)
	}
}

func TestFakeTouchTargets(t *testing.T) {
	tests := []struct {
		prompt string
		want   []string
	}{
		{"touch hello.txt", []string{"hello.txt"}},
		{"touch a.txt && touch b/c.txt", []string{"a.txt", "b/c.txt"}},
		{"touch ../escape", nil},
		{"touch /etc/passwd", nil},
		{"no files here", nil},
	}
	for _, tt := range tests {
		got := fakeTouchTargets(tt.prompt)
		if len(got) != len(tt.want) {
			t.Errorf("fakeTouchTargets(%q) = %v, want %v", tt.prompt, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("fakeTouchTargets(%q) = %v, want %v", tt.prompt, got, tt.want)
			}
		}
	}
}

func TestFakeSleepSeconds(t *testing.T) {
	if got := fakeSleepSeconds("sleep 60 please"); got != 60 {
		t.Errorf("expected 60, got %d", got)
	}
	if got := fakeSleepSeconds("no delay"); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}

func TestRegistry_CancelFlag(t *testing.T) {
	r := NewRegistry()

	if r.IsCancelled("run-1") {
		t.Error("fresh registry should not be cancelled")
	}
	r.Cancel("run-1")
	if !r.IsCancelled("run-1") {
		t.Error("expected cancelled after Cancel")
	}
	// Idempotent.
	r.Cancel("run-1")
	if !r.IsCancelled("run-1") {
		t.Error("expected cancelled after second Cancel")
	}
	r.Clear("run-1")
	if r.IsCancelled("run-1") {
		t.Error("expected flag cleared")
	}
}

func TestRegistry_RegisterDeregister(t *testing.T) {
	r := NewRegistry()
	// Cancel with no live process must not panic.
	r.Register("run-1", nil)
	r.Deregister("run-1")
	r.Cancel("run-1")
}
