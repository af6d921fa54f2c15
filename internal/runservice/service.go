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

// Package runservice orchestrates run lifecycles: creation, staged
// execution, cancellation, and finalization. It is the single source
// of truth for run state transitions.
package runservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/crossrun/internal/codex"
	"github.com/tombee/crossrun/internal/domains"
	"github.com/tombee/crossrun/internal/events"
	internallog "github.com/tombee/crossrun/internal/log"
	"github.com/tombee/crossrun/internal/metrics"
	"github.com/tombee/crossrun/internal/pattern"
	"github.com/tombee/crossrun/internal/planner"
	"github.com/tombee/crossrun/internal/store"
	"github.com/tombee/crossrun/internal/workspace"
	runerrors "github.com/tombee/crossrun/pkg/errors"
)

const maxInstructionLen = 10000

var projectIDRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Progress milestones for the lifecycle stages. Progress is monotone
// and reaches 100 exactly at the terminal transition.
const (
	progressQueued    = 0
	progressWorkspace = 20
	progressComposed  = 30
	progressExecuted  = 70
	progressDiffed    = 80
	progressPattern   = 95
)

// Service drives run lifecycles. One goroutine per run; within a run
// all work is sequential.
type Service struct {
	store      store.Store
	broker     *events.Broker
	workspaces *workspace.Manager
	tool       *codex.Tool
	planner    *planner.Client

	artifactsRoot string
	metrics       *metrics.Metrics
	logger        *slog.Logger

	wg sync.WaitGroup
}

// New wires the orchestrator. All collaborators are required except
// metrics, which may be nil in tests.
func New(
	st store.Store,
	broker *events.Broker,
	workspaces *workspace.Manager,
	tool *codex.Tool,
	plannerClient *planner.Client,
	artifactsRoot string,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         st,
		broker:        broker,
		workspaces:    workspaces,
		tool:          tool,
		planner:       plannerClient,
		artifactsRoot: artifactsRoot,
		metrics:       m,
		logger:        internallog.WithComponent(logger, "runservice"),
	}
}

// CreateRunInput is the create-run request after JSON decoding.
type CreateRunInput struct {
	ProjectID      string `json:"project_id"`
	Name           string `json:"name"`
	Instructions   string `json:"instructions"`
	TaskType       string `json:"task_type,omitempty"`
	ReferenceRunID string `json:"reference_run_id,omitempty"`
	FromRunID      string `json:"from_run_id,omitempty"`
}

// UpsertProject validates and persists a project.
func (s *Service) UpsertProject(ctx context.Context, project *store.Project) error {
	if !projectIDRE.MatchString(project.ID) {
		return &runerrors.ValidationError{Field: "id", Message: "must match [A-Za-z0-9_-]{1,64}"}
	}
	if project.TaskType != "" && !domains.Valid(project.TaskType) {
		return &runerrors.ValidationError{Field: "task_type", Message: "unknown task type " + project.TaskType}
	}
	return s.store.UpsertProject(ctx, project)
}

// CreateRun validates the input, persists the run as queued, and
// launches its lifecycle. Validation failures have no side effects.
func (s *Service) CreateRun(ctx context.Context, in CreateRunInput) (*store.Run, error) {
	if !projectIDRE.MatchString(in.ProjectID) {
		return nil, &runerrors.ValidationError{Field: "project_id", Message: "must match [A-Za-z0-9_-]{1,64}"}
	}
	trimmed := strings.TrimSpace(in.Instructions)
	if trimmed == "" || len(in.Instructions) > maxInstructionLen {
		return nil, &runerrors.ValidationError{Field: "instructions", Message: fmt.Sprintf("must be 1..%d characters", maxInstructionLen)}
	}

	project, err := s.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		if err == store.ErrProjectNotFound {
			return nil, &runerrors.NotFoundError{Resource: "project", ID: in.ProjectID}
		}
		return nil, err
	}

	taskType := in.TaskType
	if taskType == "" {
		taskType = project.TaskType
	}
	if taskType == "" {
		taskType = domains.TaskCode
	}
	if !domains.Valid(taskType) {
		return nil, &runerrors.ValidationError{Field: "task_type", Message: "unknown task type " + taskType}
	}

	run := &store.Run{
		ID:             "run-" + uuid.NewString(),
		ProjectID:      project.ID,
		Name:           in.Name,
		TaskType:       taskType,
		Status:         store.StatusQueued,
		Progress:       progressQueued,
		Instructions:   in.Instructions,
		ReferenceRunID: in.ReferenceRunID,
		FromRunID:      in.FromRunID,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RunsStarted.Inc()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// The lifecycle outlives the request context.
		s.runLifecycle(context.Background(), run)
	}()

	return run, nil
}

// Cancel requests cancellation of a run. Idempotent for non-terminal
// runs; terminal runs yield a conflict.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if err == store.ErrRunNotFound {
			return &runerrors.NotFoundError{Resource: "run", ID: runID}
		}
		return err
	}
	if run.Status.IsTerminal() {
		return &runerrors.ConflictError{Resource: "run", Message: "run " + runID + " already " + string(run.Status)}
	}

	if err := s.store.RequestCancel(ctx, runID); err != nil {
		if err == store.ErrRunTerminal {
			return &runerrors.ConflictError{Resource: "run", Message: "run " + runID + " already finished"}
		}
		return err
	}
	s.tool.Registry().Cancel(runID)
	s.publish(events.Event{
		Kind:  events.KindCancellationRequested,
		RunID: runID,
	})
	return nil
}

// Drain blocks until every in-flight lifecycle finishes.
func (s *Service) Drain() {
	s.wg.Wait()
}

// runLifecycle executes stages 1..7 for a run. Every exit path runs
// finalization; nothing is re-raised to the caller.
func (s *Service) runLifecycle(ctx context.Context, run *store.Run) {
	started := time.Now()
	logger := internallog.WithRunContext(s.logger, run.ID, run.ProjectID)
	logger.Info("run lifecycle starting", internallog.TaskTypeKey, run.TaskType)

	if s.metrics != nil {
		s.metrics.ActiveRuns.Inc()
		defer s.metrics.ActiveRuns.Dec()
	}

	var runErr *runerrors.RunError
	wsPath, report := s.executeStages(ctx, run, logger, &runErr)

	s.finalize(ctx, run, wsPath, report, runErr, logger)

	if s.metrics != nil {
		s.metrics.RunDuration.Observe(time.Since(started).Seconds())
	}
	logger.Info("run lifecycle finished", "status", run.Status, "elapsed", time.Since(started))
}

// executeStages runs prepare through dispatch. It returns early on the
// first failure, recording it in runErr.
func (s *Service) executeStages(ctx context.Context, run *store.Run, logger *slog.Logger, runErr **runerrors.RunError) (string, *codex.Report) {
	fail := func(err error) {
		*runErr = runerrors.Classify(err)
		logger.Error("run stage failed", "code", (*runErr).Code, internallog.Error(err))
	}

	// Stage 1: prepare the workspace.
	s.publishProgress(run.ID, "workspace_prep", progressQueued, "preparing workspace")
	prep, err := s.workspaces.Prepare(ctx, run.ProjectID, run.ID, run.FromRunID)
	if err != nil {
		fail(err)
		return "", nil
	}
	s.publish(events.Event{
		Kind:  events.KindWorkspace,
		RunID: run.ID,
		Data: events.WorkspaceData{
			ClonedFrom:  prep.ClonedFrom,
			SourceFound: prep.SourceFound,
			Entries:     prep.Entries,
		},
	})
	if err := s.store.UpdateRunProgress(ctx, run.ID, progressWorkspace); err != nil {
		fail(err)
		return prep.Path, nil
	}
	s.publishProgress(run.ID, "workspace_ready", progressWorkspace, "")

	// Stage 2: compose system instructions.
	patternBlock := s.patternBlockFor(ctx, run, logger)
	composed := domains.Compose(patternBlock, run.TaskType) + "\n\n" + strings.TrimSpace(run.Instructions)
	if err := s.store.SetRunSystemInstructions(ctx, run.ID, composed); err != nil {
		fail(err)
		return prep.Path, nil
	}
	run.SystemInstructions = composed
	if err := s.store.UpdateRunProgress(ctx, run.ID, progressComposed); err != nil {
		fail(err)
		return prep.Path, nil
	}

	// Stage 3: transition to running.
	if err := s.store.UpdateRunStatus(ctx, run.ID, store.StatusRunning, progressComposed); err != nil {
		fail(err)
		return prep.Path, nil
	}
	run.Status = store.StatusRunning
	s.publish(events.Event{
		Kind:  events.KindStatus,
		RunID: run.ID,
		Data:  events.StatusData{Status: string(store.StatusRunning), Progress: progressComposed},
	})
	s.publishProgress(run.ID, "executing", progressComposed, "")

	// Stage 4: dispatch to the planner. A reference run donates its codex
	// thread so the tool can resume the prior conversation.
	if run.ThreadID == "" && run.ReferenceRunID != "" {
		if ref, rerr := s.store.GetRun(ctx, run.ReferenceRunID); rerr == nil && ref.ThreadID != "" {
			run.ThreadID = ref.ThreadID
			if terr := s.store.SetRunThreadID(ctx, run.ID, ref.ThreadID); terr != nil {
				logger.Warn("recording inherited thread id failed", "error", terr)
			}
		}
	}
	rc := s.runContext(run, prep.Path)
	report, err := s.dispatch(ctx, run, rc, patternBlock)
	if rc.ThreadID != "" && rc.ThreadID != run.ThreadID {
		run.ThreadID = rc.ThreadID
		if terr := s.store.SetRunThreadID(ctx, run.ID, rc.ThreadID); terr != nil {
			logger.Warn("recording thread id failed", "error", terr)
		}
	}
	if err != nil {
		fail(err)
		return prep.Path, report
	}
	if perr := s.store.UpdateRunProgress(ctx, run.ID, progressExecuted); perr != nil {
		logger.Warn("recording progress failed", "error", perr)
	}
	s.publishProgress(run.ID, "executing", progressExecuted, "")

	return prep.Path, report
}

// runContext builds the codex execution bundle with persistence sinks
// attached.
func (s *Service) runContext(run *store.Run, wsPath string) *codex.RunContext {
	return &codex.RunContext{
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		Workspace: wsPath,
		TaskType:  run.TaskType,
		ThreadID:  run.ThreadID,
		CancelRequested: func() bool {
			cancelled, err := s.store.IsCancelRequested(context.Background(), run.ID)
			return err == nil && cancelled
		},
		OnStep:     s.stepSink(run.ID),
		OnArtifact: s.artifactSink(run.ID),
	}
}

func (s *Service) stepSink(runID string) codex.StepSink {
	return func(ctx context.Context, step *store.Step) error {
		step.RunID = runID
		if err := s.store.AppendStep(ctx, step); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.StepsRecorded.Inc()
		}
		s.publish(events.Event{
			Kind:  events.KindStep,
			RunID: runID,
			Data: events.StepData{
				Seq:       step.Seq,
				Role:      step.Role,
				Content:   step.Content,
				Files:     step.Files,
				Notes:     step.Notes,
				OutcomeOK: step.OutcomeOK,
			},
		})
		return nil
	}
}

func (s *Service) artifactSink(runID string) codex.ArtifactSink {
	return func(ctx context.Context, artifact *store.Artifact) error {
		artifact.RunID = runID
		if err := s.store.AddArtifact(ctx, artifact); err != nil {
			return err
		}
		s.publish(events.Event{
			Kind:  events.KindArtifact,
			RunID: runID,
			Data: events.ArtifactData{
				ID:    artifact.ID,
				Kind:  artifact.Kind,
				Path:  artifact.Path,
				Bytes: artifact.SizeBytes,
			},
		})
		return nil
	}
}

// dispatch invokes the planner and records its assistant reply as a
// trailing step when the stream did not already carry one.
func (s *Service) dispatch(ctx context.Context, run *store.Run, rc *codex.RunContext, patternBlock string) (*codex.Report, error) {
	resp, err := s.planner.Run(ctx, planner.Invocation{
		RunContext:   rc,
		Instructions: run.Instructions,
		PatternBlock: patternBlock,
		BasePrompt:   domains.BasePrompt,
	})

	var report *codex.Report
	if resp != nil {
		if reply := resp.Reply(); reply != "" {
			sinkErr := rc.OnStep(ctx, &store.Step{
				Role:    store.RoleAssistant,
				Content: reply,
			})
			if sinkErr != nil && err == nil {
				err = sinkErr
			}
		}
		report = &codex.Report{Summary: resp.Reply(), OK: err == nil}
	}
	return report, err
}

// patternBlockFor loads the cached pattern of the reference run, if
// any, rendered for injection. A missing pattern is not an error.
func (s *Service) patternBlockFor(ctx context.Context, run *store.Run, logger *slog.Logger) string {
	if run.ReferenceRunID == "" {
		return ""
	}
	cached, err := s.store.GetPattern(ctx, run.ReferenceRunID)
	if err != nil {
		if err != store.ErrPatternNotFound {
			logger.Warn("loading reference pattern failed", "reference_run_id", run.ReferenceRunID, "error", err)
		}
		return ""
	}
	if cached.Rendered != "" {
		return cached.Rendered
	}
	return pattern.Render(pattern.FromCache(cached))
}

// finalize runs stages 5..7: diff, pattern extraction, machine
// summary, terminal transition, and broker teardown.
func (s *Service) finalize(ctx context.Context, run *store.Run, wsPath string, report *codex.Report, runErr *runerrors.RunError, logger *slog.Logger) {
	cancelled, _ := s.store.IsCancelRequested(ctx, run.ID)
	if cancelled && (runErr == nil || runErr.Code != runerrors.CodeCancelled) {
		runErr = runerrors.NewRunError(runerrors.CodeCancelled, "cancelled by user")
	}

	// Stage 5: diff summary.
	if wsPath != "" {
		s.recordDiff(ctx, run, wsPath, logger)
	}
	if perr := s.store.UpdateRunProgress(ctx, run.ID, progressDiffed); perr == nil {
		s.publishProgress(run.ID, "finalizing", progressDiffed, "")
	}

	status := store.StatusSucceeded
	switch {
	case runErr != nil && runErr.Code == runerrors.CodeCancelled:
		status = store.StatusCancelled
	case runErr != nil:
		status = store.StatusFailed
	case report != nil && !report.OK:
		status = store.StatusFailed
		runErr = runerrors.NewRunError(runerrors.CodeToolFailure, "execution reported failure")
	}

	// Stage 6: pattern extraction, successful runs only.
	if status == store.StatusSucceeded {
		s.extractPattern(ctx, run, logger)
	}
	if perr := s.store.UpdateRunProgress(ctx, run.ID, progressPattern); perr == nil {
		s.publishProgress(run.ID, "finalizing", progressPattern, "")
	}

	// Stage 7: machine summary and the terminal transition.
	run.Status = status
	if runErr != nil {
		run.HadErrors = true
		run.Errors = append(run.Errors, runErr)
		s.publish(events.Event{
			Kind:  events.KindError,
			RunID: run.ID,
			Data:  events.ErrorData{Code: string(runErr.Code), Message: runErr.Message, Recovery: runErr.Recovery},
		})
	}

	steps, err := s.store.ListSteps(ctx, run.ID)
	if err != nil {
		logger.Warn("loading steps for summary failed", "error", err)
	}
	var files []workspace.FileInfo
	if wsPath != "" {
		if files, err = s.workspaces.ListFiles(wsPath); err != nil {
			logger.Warn("listing workspace for summary failed", "error", err)
		}
	}
	run.MachineSummary = Synthesize(run, steps, files)

	if err := s.store.FinalizeRun(ctx, run); err != nil {
		logger.Error("finalizing run failed", "error", err)
	}
	if s.metrics != nil {
		s.metrics.RunsTerminal.WithLabelValues(string(status)).Inc()
	}

	s.publish(events.Event{
		Kind:  events.KindStatus,
		RunID: run.ID,
		Data:  events.StatusData{Status: string(status), Progress: 100},
	})
	s.broker.Close(run.ID)
}

// recordDiff computes the git diff summary, registers it as an
// artifact, and publishes a diff event. Best effort.
func (s *Service) recordDiff(ctx context.Context, run *store.Run, wsPath string, logger *slog.Logger) {
	summary, err := s.workspaces.GitDiffSummary(ctx, wsPath)
	if err != nil {
		logger.Warn("diff summary failed", "error", err)
		return
	}
	if summary == nil {
		return
	}

	payload, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return
	}
	artID := "art-" + uuid.NewString()
	path := filepath.Join(s.artifactsRoot, run.ID, artID+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Warn("writing diff artifact failed", "error", err)
		return
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		logger.Warn("writing diff artifact failed", "error", err)
		return
	}

	artifact := &store.Artifact{
		ID:        artID,
		RunID:     run.ID,
		Kind:      "diff-summary",
		Path:      path,
		SizeBytes: int64(len(payload)),
	}
	if err := s.store.AddArtifact(ctx, artifact); err != nil {
		logger.Warn("registering diff artifact failed", "error", err)
		return
	}
	s.publish(events.Event{Kind: events.KindDiff, RunID: run.ID, Data: summary})
}

// extractPattern distills and caches a pattern from this run's steps.
// Failures are logged, never fatal.
func (s *Service) extractPattern(ctx context.Context, run *store.Run, logger *slog.Logger) *store.Pattern {
	steps, err := s.store.ListSteps(ctx, run.ID)
	if err != nil {
		logger.Warn("loading steps for pattern extraction failed", "error", err)
		return nil
	}
	extracted := pattern.Extract(run.ID, run.TaskType, run.Instructions, steps)
	if extracted == nil {
		return nil
	}

	cached := &store.Pattern{
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		Name:      extracted.Name,
		TaskType:  run.TaskType,
		Summary:   extracted.Summary,
		Steps:     extracted.Steps,
		Rendered:  pattern.Render(extracted),
	}
	for _, v := range extracted.Variables {
		cached.Variables = append(cached.Variables, store.PatternVariable(v))
	}
	if err := s.store.SavePattern(ctx, cached); err != nil {
		logger.Warn("caching pattern failed", "error", err)
		return nil
	}
	s.publish(events.Event{
		Kind:  events.KindPattern,
		RunID: run.ID,
		Data:  map[string]any{"run_id": run.ID, "steps": len(cached.Steps)},
	})
	return cached
}

// PatternFor returns the cached pattern for a run. When the run
// succeeded but no pattern was stored, extraction runs on demand.
func (s *Service) PatternFor(ctx context.Context, runID string) (*store.Pattern, error) {
	cached, err := s.store.GetPattern(ctx, runID)
	if err == nil {
		return cached, nil
	}
	if err != store.ErrPatternNotFound {
		return nil, err
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != store.StatusSucceeded {
		return nil, store.ErrPatternNotFound
	}
	if p := s.extractPattern(ctx, run, s.logger); p != nil {
		return p, nil
	}
	return nil, store.ErrPatternNotFound
}

func (s *Service) publishProgress(runID, stage string, percent int, message string) {
	s.logger.Debug("progress", internallog.RunIDKey, runID, internallog.StageKey, stage, "percent", percent)
	s.publish(events.Event{
		Kind:  events.KindProgress,
		RunID: runID,
		Data:  events.ProgressData{Stage: stage, Percent: percent, Message: message},
	})
}

func (s *Service) publish(event events.Event) {
	if s.metrics != nil {
		s.metrics.EventsPublished.WithLabelValues(string(event.Kind)).Inc()
	}
	s.broker.Publish(event)
}
