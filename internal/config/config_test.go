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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %s", cfg.Server.Addr)
	}
	if cfg.Codex.Timeout != 30*time.Minute {
		t.Errorf("expected default codex timeout 30m, got %s", cfg.Codex.Timeout)
	}
	if cfg.Planner.URL != "http://localhost:5055" {
		t.Errorf("expected default planner URL, got %s", cfg.Planner.URL)
	}
	if !filepath.IsAbs(cfg.Workspace.Root) {
		t.Errorf("workspace root should be absolute, got %s", cfg.Workspace.Root)
	}
	if !filepath.IsAbs(cfg.Database.Path) {
		t.Errorf("database path should be absolute, got %s", cfg.Database.Path)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  addr: ":9090"
workspace:
  root: ` + filepath.Join(dir, "ws") + `
  require_git_repo: true
codex:
  profile: fast
  timeout: 10m
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected addr :9090, got %s", cfg.Server.Addr)
	}
	if !cfg.Workspace.RequireGitRepo {
		t.Error("expected require_git_repo true")
	}
	if cfg.Codex.Profile != "fast" {
		t.Errorf("expected profile fast, got %s", cfg.Codex.Profile)
	}
	if cfg.Codex.Timeout != 10*time.Minute {
		t.Errorf("expected timeout 10m, got %s", cfg.Codex.Timeout)
	}
	// Values absent from the file fall back to defaults.
	if cfg.Planner.URL != "http://localhost:5055" {
		t.Errorf("expected default planner URL, got %s", cfg.Planner.URL)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default addr, got %s", cfg.Server.Addr)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CROSSRUN_ADDR", "127.0.0.1:7000")
	t.Setenv("WORKSPACE_ROOT", t.TempDir())
	t.Setenv("FAKE_CODEX", "1")
	t.Setenv("FAKE_PLANNER", "true")
	t.Setenv("CODEX_TIMEOUT", "90")
	t.Setenv("RUNNER_URL", "http://planner:6000")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:7000" {
		t.Errorf("expected env addr, got %s", cfg.Server.Addr)
	}
	if !cfg.Codex.Fake || !cfg.Planner.Fake {
		t.Error("expected fake modes enabled")
	}
	if cfg.Codex.Timeout != 90*time.Second {
		t.Errorf("expected 90s timeout, got %s", cfg.Codex.Timeout)
	}
	if cfg.Planner.URL != "http://planner:6000" {
		t.Errorf("expected env planner URL, got %s", cfg.Planner.URL)
	}
	if cfg.Codex.APIKey != "sk-test" {
		t.Error("expected API key from env")
	}
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CROSSRUN_ADDR", ":7777")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":7777" {
		t.Errorf("expected env to win, got %s", cfg.Server.Addr)
	}
}

func TestValidate_BadPlannerURL(t *testing.T) {
	t.Setenv("RUNNER_URL", "ftp://nope")
	_, err := Load("")
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestParseSecondsOrDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"90", 90 * time.Second},
		{"45m", 45 * time.Minute},
		{"1h30m", 90 * time.Minute},
	}
	for _, tt := range tests {
		got, err := parseSecondsOrDuration(tt.in)
		if err != nil {
			t.Errorf("parse %q: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parse %q = %s, want %s", tt.in, got, tt.want)
		}
	}
	if _, err := parseSecondsOrDuration("soon"); err == nil {
		t.Error("expected error for non-duration input")
	}
}
