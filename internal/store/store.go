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

// Package store persists projects, runs, steps, artifacts, and cached
// patterns in an embedded sqlite database.
package store

import (
	"context"
	"errors"
)

var (
	// ErrProjectNotFound is returned when a project doesn't exist.
	ErrProjectNotFound = errors.New("project not found")

	// ErrRunNotFound is returned when a run doesn't exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrArtifactNotFound is returned when an artifact doesn't exist.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrPatternNotFound is returned when no pattern is cached for a run.
	ErrPatternNotFound = errors.New("pattern not found")

	// ErrRunTerminal is returned when a mutation targets a run that has
	// already reached a terminal status.
	ErrRunTerminal = errors.New("run is terminal")
)

// Store is the repository consumed by the orchestrator and the API layer.
type Store interface {
	// Projects.
	UpsertProject(ctx context.Context, project *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)

	// Runs.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, projectID string) ([]*Run, error)

	// UpdateRunStatus transitions a run's status and raises progress.
	// Terminal states are absorbing: transitioning a terminal run
	// returns ErrRunTerminal. Progress never decreases. Entering
	// "running" stamps started_at; entering a terminal status stamps
	// finished_at and forces progress to 100.
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, progress int) error

	// UpdateRunProgress raises progress on a non-terminal run. Values
	// below the current progress are ignored.
	UpdateRunProgress(ctx context.Context, id string, progress int) error

	SetRunSystemInstructions(ctx context.Context, id, instructions string) error
	SetRunThreadID(ctx context.Context, id, threadID string) error

	// RequestCancel durably marks the run for cancellation. Idempotent;
	// a no-op for runs the lifecycle has already finished.
	RequestCancel(ctx context.Context, id string) error
	IsCancelRequested(ctx context.Context, id string) (bool, error)

	// FinalizeRun records the terminal outcome: status, error list,
	// had_errors flag, and machine summary, with progress forced to 100.
	FinalizeRun(ctx context.Context, run *Run) error

	// Steps. AppendStep assigns the next sequence number atomically.
	AppendStep(ctx context.Context, step *Step) error
	ListSteps(ctx context.Context, runID string) ([]*Step, error)

	// Artifacts.
	AddArtifact(ctx context.Context, artifact *Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error)
	GetArtifact(ctx context.Context, runID, artifactID string) (*Artifact, error)

	// Patterns.
	SavePattern(ctx context.Context, pattern *Pattern) error
	GetPattern(ctx context.Context, runID string) (*Pattern, error)

	Close() error
}
