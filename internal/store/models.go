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

package store

import (
	"time"

	"github.com/tombee/crossrun/pkg/errors"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing.
func (s RunStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Step roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Project groups runs and accumulates patterns.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TaskType  string    `json:"task_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MachineSummary is the deterministic record of a terminal run's outcome.
type MachineSummary struct {
	Goal               string   `json:"goal"`
	PrimaryArtifact    string   `json:"primary_artifact,omitempty"`
	SecondaryArtifacts []string `json:"secondary_artifacts,omitempty"`
	ExecutionAttempted bool     `json:"execution_attempted"`
	ExecutionSucceeded bool     `json:"execution_succeeded"`
	ReasonForFailure   string   `json:"reason_for_failure,omitempty"`
	Notes              string   `json:"notes,omitempty"`
}

// Run is one execution of an instruction under a project.
type Run struct {
	ID                 string              `json:"id"`
	ProjectID          string              `json:"project_id"`
	Name               string              `json:"name"`
	TaskType           string              `json:"task_type"`
	Status             RunStatus           `json:"status"`
	Progress           int                 `json:"progress"`
	Instructions       string              `json:"instructions"`
	SystemInstructions string              `json:"system_instructions,omitempty"`
	ReferenceRunID     string              `json:"reference_run_id,omitempty"`
	FromRunID          string              `json:"from_run_id,omitempty"`
	ThreadID           string              `json:"thread_id,omitempty"`
	CancelRequested    bool                `json:"cancel_requested"`
	HadErrors          bool                `json:"had_errors"`
	Errors             []*errors.RunError  `json:"errors,omitempty"`
	MachineSummary     *MachineSummary     `json:"machine_summary,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	StartedAt          *time.Time          `json:"started_at,omitempty"`
	FinishedAt         *time.Time          `json:"finished_at,omitempty"`
}

// Step is one observed planner or CLI turn, totally ordered by Seq.
type Step struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Files     []string  `json:"files,omitempty"`
	Notes     []string  `json:"notes,omitempty"`
	OutcomeOK *bool     `json:"outcome_ok,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Artifact is a persisted byte payload tied to a run.
type Artifact struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// PatternVariable is one discovered variable of a cached pattern.
type PatternVariable struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Example     string `json:"example"`
	Description string `json:"description,omitempty"`
}

// Pattern is a reusable workflow distilled from one successful run.
// Its id is the originating run id.
type Pattern struct {
	RunID     string            `json:"run_id"`
	ProjectID string            `json:"project_id"`
	Name      string            `json:"name"`
	TaskType  string            `json:"task_type"`
	Summary   string            `json:"summary"`
	Steps     []string          `json:"steps"`
	Variables []PatternVariable `json:"variables"`
	Rendered  string            `json:"rendered"`
	CreatedAt time.Time         `json:"created_at"`
}
