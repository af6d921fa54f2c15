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

// Package codex wraps the codex CLI as the planner's exec primitive.
// It streams the CLI's JSONL output, materializes one step per event,
// registers the raw stream as an artifact, and honors cooperative
// cancellation through a process registry.
package codex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/crossrun/internal/config"
	"github.com/tombee/crossrun/internal/store"
	runerrors "github.com/tombee/crossrun/pkg/errors"
)

const cliName = "codex"

// StepSink receives each materialized step as the stream is read.
type StepSink func(ctx context.Context, step *store.Step) error

// ArtifactSink registers a produced artifact.
type ArtifactSink func(ctx context.Context, artifact *store.Artifact) error

// RunContext is the per-run bundle threaded into every Exec call.
type RunContext struct {
	RunID     string
	ProjectID string
	Workspace string
	TaskType  string

	// ThreadID resumes a prior CLI session when set. Updated in place
	// when the CLI reports a session id.
	ThreadID string

	Profile string
	Fake    bool

	// CancelRequested is polled between JSONL lines.
	CancelRequested func() bool

	OnStep     StepSink
	OnArtifact ArtifactSink
}

// Report is the structured outcome of one Exec call.
type Report struct {
	OK      bool
	Files   []string
	Notes   []string
	Summary string
}

// Tool executes the codex CLI inside run workspaces.
type Tool struct {
	cfg           config.CodexConfig
	artifactsRoot string
	requireGit    bool
	registry      *Registry
	logger        *slog.Logger
}

// NewTool creates a Tool writing artifacts under artifactsRoot.
func NewTool(cfg config.CodexConfig, artifactsRoot string, requireGit bool, registry *Registry, logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tool{
		cfg:           cfg,
		artifactsRoot: artifactsRoot,
		requireGit:    requireGit,
		registry:      registry,
		logger:        logger.With("component", "codex"),
	}
}

// Registry exposes the process registry for cancellation.
func (t *Tool) Registry() *Registry {
	return t.registry
}

// Exec runs the CLI with prompt inside the run's workspace and returns
// the one-line summary handed back to the planner. The returned Report
// always carries the accumulated notes, including on error.
func (t *Tool) Exec(ctx context.Context, rc *RunContext, prompt string) (*Report, error) {
	if rc.Fake || t.cfg.Fake {
		return t.execFake(ctx, rc, prompt)
	}
	return t.execReal(ctx, rc, prompt)
}

// execFake synthesizes a deterministic run without spawning the CLI.
// Simple "touch NAME" and "sleep N" directives in the prompt are
// honored so offline end-to-end flows still produce observable files
// and cancellable delays.
func (t *Tool) execFake(ctx context.Context, rc *RunContext, prompt string) (*Report, error) {
	report := &Report{OK: true, Notes: []string{"fake-codex-mode"}}

	if secs := fakeSleepSeconds(prompt); secs > 0 {
		deadline := time.Now().Add(time.Duration(secs) * time.Second)
		for time.Now().Before(deadline) {
			if rc.CancelRequested != nil && rc.CancelRequested() {
				report.OK = false
				report.Notes = append(report.Notes, "cancelled-by-user")
				report.Summary = "codex_exec(cancelled)"
				return report, runerrors.NewRunError(runerrors.CodeCancelled, "cancelled by user")
			}
			select {
			case <-ctx.Done():
				report.OK = false
				report.Notes = append(report.Notes, "cancelled-by-user")
				report.Summary = "codex_exec(cancelled)"
				return report, runerrors.Classify(ctx.Err())
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	for _, name := range fakeTouchTargets(prompt) {
		path := filepath.Join(rc.Workspace, name)
		if err := os.WriteFile(path, nil, 0o644); err == nil {
			report.Files = append(report.Files, name)
		}
	}

	payload, _ := json.Marshal(map[string]any{
		"type":   "run.end",
		"status": "succeeded",
		"prompt": prompt,
	})
	if err := t.writeArtifact(ctx, rc, append(payload, '\n')); err != nil {
		t.logger.Warn("failed to write fake artifact", "run_id", rc.RunID, "error", err)
	}

	ok := true
	step := &store.Step{
		RunID:     rc.RunID,
		Role:      store.RoleTool,
		Content:   "codex_exec(fake)",
		Files:     report.Files,
		Notes:     report.Notes,
		OutcomeOK: &ok,
	}
	if rc.OnStep != nil {
		if err := rc.OnStep(ctx, step); err != nil {
			return report, err
		}
	}

	report.Summary = "codex_exec(fake)"
	return report, nil
}

func (t *Tool) execReal(ctx context.Context, rc *RunContext, prompt string) (*Report, error) {
	report := &Report{OK: true}

	if _, err := exec.LookPath(cliName); err != nil {
		report.OK = false
		report.Notes = append(report.Notes, "codex-cli-not-found")
		report.Summary = "codex_exec(not-installed)"
		return report, runerrors.NewRunError(runerrors.CodeCodexNotInstalled,
			"codex CLI is not installed or not on PATH")
	}

	env := t.buildEnv()
	if err := t.ensureLogin(ctx, env, report); err != nil {
		report.OK = false
		report.Summary = "codex_exec(login-needed)"
		return report, err
	}

	hasGit := false
	if info, err := os.Stat(filepath.Join(rc.Workspace, ".git")); err == nil && info.IsDir() {
		hasGit = true
	}
	skipGitCheck := !t.requireGit || !hasGit

	args := []string{"exec", "--json", "--cd", rc.Workspace, "--full-auto"}
	profile := rc.Profile
	if profile == "" {
		profile = t.cfg.Profile
	}
	if profile != "" {
		args = append(args, "--profile", profile)
		report.Notes = append(report.Notes, "profile:"+profile)
	}
	if skipGitCheck {
		args = append(args, "--skip-git-repo-check")
		report.Notes = append(report.Notes, "skip-git-repo-check")
	}
	if rc.ThreadID != "" {
		args = append(args, "resume", rc.ThreadID)
	}
	args = append(args, prompt)

	timeout := t.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, cliName, args...)
	cmd.Env = env
	cmd.Dir = rc.Workspace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return report, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		report.OK = false
		report.Notes = append(report.Notes, "codex-cli-not-found")
		report.Summary = "codex_exec(not-installed)"
		return report, runerrors.NewRunError(runerrors.CodeCodexNotInstalled, err.Error())
	}

	t.registry.Register(rc.RunID, cmd)
	defer t.registry.Deregister(rc.RunID)

	touched := make(map[string]struct{})
	var captured bytes.Buffer
	cancelled := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if rc.CancelRequested != nil && rc.CancelRequested() {
			cancelled = true
			report.Notes = append(report.Notes, "cancelled-by-user")
			t.registry.Cancel(rc.RunID)
			break
		}

		captured.WriteString(line)
		captured.WriteByte('\n')

		event, _ := ParseLine(line)
		if event == nil {
			continue
		}
		if event.Type == "thread.started" && event.ThreadID != "" {
			rc.ThreadID = event.ThreadID
			continue
		}

		step := StepFromEvent(rc.RunID, event)
		if step == nil {
			continue
		}
		if step.OutcomeOK != nil && !*step.OutcomeOK {
			report.OK = false
		}
		report.Notes = append(report.Notes, step.Notes...)
		for _, f := range step.Files {
			touched[f] = struct{}{}
		}
		if rc.OnStep != nil {
			if err := rc.OnStep(ctx, step); err != nil {
				t.logger.Warn("step sink failed", "run_id", rc.RunID, "error", err)
			}
		}
	}

	waitErr := cmd.Wait()

	if cancelled {
		report.OK = false
	} else if waitErr != nil {
		report.OK = false
		if execCtx.Err() == context.DeadlineExceeded {
			report.Notes = append(report.Notes, "codex-timeout")
		} else if exitErr, ok := waitErr.(*exec.ExitError); ok {
			report.Notes = append(report.Notes, fmt.Sprintf("codex-exit-%d", exitErr.ExitCode()))
		} else {
			report.Notes = append(report.Notes, "codex-error:"+waitErr.Error())
		}
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		report.Notes = append(report.Notes, "stderr:"+truncate(msg, 200))
	}

	if err := t.writeArtifact(ctx, rc, captured.Bytes()); err != nil {
		t.logger.Warn("failed to write jsonl artifact", "run_id", rc.RunID, "error", err)
	}

	report.Files = sortedKeys(touched)
	report.Summary = fmt.Sprintf("codex_exec(ok=%v, files=%d)", report.OK, len(report.Files))

	if runErr := runerrors.ClassifyNotes(report.Notes); runErr != nil {
		return report, runErr
	}
	return report, nil
}

// ensureLogin checks CLI authentication and performs at most one
// automatic login with the configured key.
func (t *Tool) ensureLogin(ctx context.Context, env []string, report *Report) error {
	status := exec.CommandContext(ctx, cliName, "login", "status")
	status.Env = env
	if status.Run() == nil {
		return nil
	}

	if t.cfg.APIKey == "" {
		report.Notes = append(report.Notes, "codex-login-missing-key")
		return runerrors.NewRunError(runerrors.CodeCodexAuthRequired,
			"codex CLI is not authenticated and no API key is configured")
	}

	login := exec.CommandContext(ctx, cliName, "login", "--with-api-key")
	login.Env = env
	login.Stdin = strings.NewReader(t.cfg.APIKey + "\n")
	var out bytes.Buffer
	login.Stdout = &out
	login.Stderr = &out
	if err := login.Run(); err != nil {
		failure := strings.TrimSpace(out.String())
		if failure == "" {
			failure = "unknown failure"
		}
		report.Notes = append(report.Notes, "codex-login-failed:"+truncate(failure, 200))
		return runerrors.NewRunError(runerrors.CodeCodexAuthRequired,
			"codex CLI authentication failed")
	}
	return nil
}

// buildEnv returns the subprocess environment with the credential set.
func (t *Tool) buildEnv() []string {
	env := os.Environ()
	if t.cfg.APIKey != "" {
		env = append(env, "OPENAI_API_KEY="+t.cfg.APIKey)
	}
	return env
}

// writeArtifact persists the captured JSONL under
// {artifacts_root}/{run_id}/{artifact_id}.jsonl and registers it.
func (t *Tool) writeArtifact(ctx context.Context, rc *RunContext, data []byte) error {
	artifactID := "art-" + uuid.New().String()
	dir := filepath.Join(t.artifactsRoot, rc.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, artifactID+".jsonl")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}

	if rc.OnArtifact != nil {
		return rc.OnArtifact(ctx, &store.Artifact{
			ID:        artifactID,
			RunID:     rc.RunID,
			Kind:      "codex-jsonl",
			Path:      path,
			SizeBytes: int64(len(data)),
		})
	}
	return nil
}

var (
	touchPattern = regexp.MustCompile(`touch\s+([A-Za-z0-9._/-]+)`)
	sleepPattern = regexp.MustCompile(`sleep\s+(\d+)`)
)

func fakeTouchTargets(prompt string) []string {
	var names []string
	for _, match := range touchPattern.FindAllStringSubmatch(prompt, -1) {
		name := filepath.Clean(match[1])
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			continue
		}
		names = append(names, name)
	}
	return names
}

func fakeSleepSeconds(prompt string) int {
	match := sleepPattern.FindStringSubmatch(prompt)
	if match == nil {
		return 0
	}
	secs, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}
	return secs
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
