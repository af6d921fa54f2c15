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
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	runerrors "github.com/tombee/crossrun/pkg/errors"
)

// SQLiteStore implements Store using SQLite.
//
// Features:
//   - WAL mode for better concurrency
//   - Foreign key constraints enabled
//   - Terminal-status and progress guards enforced in SQL
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the database at path and
// runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// SQLite connection string with WAL mode for better concurrency
	connStr := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite with WAL mode can handle multiple concurrent readers
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			task_type TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			name TEXT NOT NULL,
			task_type TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			instructions TEXT NOT NULL,
			system_instructions TEXT NOT NULL DEFAULT '',
			reference_run_id TEXT,
			from_run_id TEXT,
			thread_id TEXT,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			had_errors INTEGER NOT NULL DEFAULT 0,
			errors_json TEXT,
			machine_summary_json TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			files_json TEXT,
			notes_json TEXT,
			outcome_ok INTEGER,
			created_at TEXT NOT NULL,
			UNIQUE(run_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			path TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS patterns (
			run_id TEXT PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			task_type TEXT NOT NULL,
			summary TEXT NOT NULL,
			steps_json TEXT NOT NULL,
			variables_json TEXT NOT NULL,
			rendered TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_runs_project
			ON runs(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_seq
			ON steps(run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run
			ON artifacts(run_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const terminalStatuses = `('succeeded', 'failed', 'cancelled')`

// UpsertProject creates or updates a project, preserving created_at on
// update.
func (s *SQLiteStore) UpsertProject(ctx context.Context, project *Project) error {
	if project == nil {
		return fmt.Errorf("project cannot be nil")
	}
	if project.ID == "" {
		return fmt.Errorf("project id is required")
	}

	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	query := `INSERT INTO projects (id, name, task_type, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET
	              name = excluded.name,
	              task_type = excluded.task_type,
	              updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		project.ID,
		project.Name,
		project.TaskType,
		project.CreatedAt.Format(time.RFC3339),
		project.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by id.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	query := `SELECT id, name, task_type, created_at, updated_at
	          FROM projects WHERE id = ?`

	var project Project
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&project.ID,
		&project.Name,
		&project.TaskType,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	project.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	project.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &project, nil
}

// ListProjects returns all projects sorted by id.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*Project, error) {
	query := `SELECT id, name, task_type, created_at, updated_at
	          FROM projects ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var project Project
		var createdAt, updatedAt string

		if err := rows.Scan(
			&project.ID,
			&project.Name,
			&project.TaskType,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}

		project.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		project.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

		projects = append(projects, &project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}

	return projects, nil
}

// CreateRun persists a new run. Status defaults to queued.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run == nil {
		return fmt.Errorf("run cannot be nil")
	}
	if run.ProjectID == "" {
		return fmt.Errorf("project id is required")
	}

	if run.ID == "" {
		run.ID = "run-" + uuid.New().String()
	}
	if run.Status == "" {
		run.Status = StatusQueued
	}

	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	query := `INSERT INTO runs
	          (id, project_id, name, task_type, status, progress, instructions,
	           system_instructions, reference_run_id, from_run_id, thread_id,
	           cancel_requested, had_errors, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.ProjectID,
		run.Name,
		run.TaskType,
		string(run.Status),
		run.Progress,
		run.Instructions,
		run.SystemInstructions,
		nullString(run.ReferenceRunID),
		nullString(run.FromRunID),
		nullString(run.ThreadID),
		boolToInt(run.CancelRequested),
		boolToInt(run.HadErrors),
		run.CreatedAt.Format(time.RFC3339),
		run.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

const runColumns = `id, project_id, name, task_type, status, progress,
	instructions, system_instructions, reference_run_id, from_run_id,
	thread_id, cancel_requested, had_errors, errors_json,
	machine_summary_json, created_at, updated_at, started_at, finished_at`

// GetRun retrieves a run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest-first, optionally filtered by project.
func (s *SQLiteStore) ListRuns(ctx context.Context, projectID string) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// UpdateRunStatus transitions status and raises progress. See Store.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus, progress int) error {
	now := time.Now().UTC().Format(time.RFC3339)

	query := `UPDATE runs
	          SET status = ?,
	              progress = MAX(progress, ?),
	              updated_at = ?,
	              started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END,
	              finished_at = CASE WHEN ? IN ` + terminalStatuses + ` THEN ? ELSE finished_at END
	          WHERE id = ? AND status NOT IN ` + terminalStatuses

	if status.IsTerminal() {
		progress = 100
	}

	result, err := s.db.ExecContext(ctx, query,
		string(status), progress, now,
		string(status), now,
		string(status), now,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.missingOrTerminal(ctx, id)
	}
	return nil
}

// UpdateRunProgress raises progress on a non-terminal run.
func (s *SQLiteStore) UpdateRunProgress(ctx context.Context, id string, progress int) error {
	now := time.Now().UTC().Format(time.RFC3339)

	query := `UPDATE runs
	          SET progress = MAX(progress, ?), updated_at = ?
	          WHERE id = ? AND status NOT IN ` + terminalStatuses

	result, err := s.db.ExecContext(ctx, query, progress, now, id)
	if err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.missingOrTerminal(ctx, id)
	}
	return nil
}

// SetRunSystemInstructions records the composed system prompt.
func (s *SQLiteStore) SetRunSystemInstructions(ctx context.Context, id, instructions string) error {
	return s.updateRunField(ctx, id, "system_instructions", instructions)
}

// SetRunThreadID records the upstream session id.
func (s *SQLiteStore) SetRunThreadID(ctx context.Context, id, threadID string) error {
	return s.updateRunField(ctx, id, "thread_id", threadID)
}

func (s *SQLiteStore) updateRunField(ctx context.Context, id, column, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `UPDATE runs SET ` + column + ` = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, value, now, id)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", column, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

// RequestCancel durably marks a run for cancellation. Idempotent and a
// no-op on terminal runs (the caller decides how to report that).
func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	query := `UPDATE runs SET cancel_requested = 1, updated_at = ?
	          WHERE id = ? AND status NOT IN ` + terminalStatuses

	result, err := s.db.ExecContext(ctx, query, now, id)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.missingOrTerminal(ctx, id)
	}
	return nil
}

// IsCancelRequested reports the durable cancellation flag.
func (s *SQLiteStore) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM runs WHERE id = ?`, id).Scan(&flag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrRunNotFound
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return flag != 0, nil
}

// FinalizeRun records the terminal outcome. See Store.
func (s *SQLiteStore) FinalizeRun(ctx context.Context, run *Run) error {
	if run == nil {
		return fmt.Errorf("run cannot be nil")
	}
	if !run.Status.IsTerminal() {
		return fmt.Errorf("finalize requires a terminal status, got %q", run.Status)
	}

	errorsJSON, err := marshalOrNil(run.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal errors: %w", err)
	}
	summaryJSON, err := marshalOrNil(run.MachineSummary)
	if err != nil {
		return fmt.Errorf("failed to marshal machine summary: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)

	query := `UPDATE runs
	          SET status = ?, progress = 100, had_errors = ?,
	              errors_json = ?, machine_summary_json = ?,
	              updated_at = ?, finished_at = ?
	          WHERE id = ? AND status NOT IN ` + terminalStatuses

	result, err := s.db.ExecContext(ctx, query,
		string(run.Status),
		boolToInt(run.HadErrors),
		errorsJSON,
		summaryJSON,
		now, now,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.missingOrTerminal(ctx, run.ID)
	}
	return nil
}

// AppendStep inserts a step with the next sequence number for its run.
// Sequence assignment runs inside a transaction; sqlite's single-writer
// model keeps it monotone under concurrency.
func (s *SQLiteStore) AppendStep(ctx context.Context, step *Step) error {
	if step == nil {
		return fmt.Errorf("step cannot be nil")
	}
	if step.RunID == "" {
		return fmt.Errorf("run id is required")
	}

	if step.ID == "" {
		step.ID = "step-" + uuid.New().String()
	}
	step.CreatedAt = time.Now().UTC()

	filesJSON, err := marshalOrNil(step.Files)
	if err != nil {
		return fmt.Errorf("failed to marshal files: %w", err)
	}
	notesJSON, err := marshalOrNil(step.Notes)
	if err != nil {
		return fmt.Errorf("failed to marshal notes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM steps WHERE run_id = ?`,
		step.RunID,
	).Scan(&step.Seq); err != nil {
		return fmt.Errorf("failed to allocate step sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO steps (id, run_id, seq, role, content, files_json, notes_json, outcome_ok, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID,
		step.RunID,
		step.Seq,
		step.Role,
		step.Content,
		filesJSON,
		notesJSON,
		boolPtrToInt(step.OutcomeOK),
		step.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert step: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit step: %w", err)
	}
	return nil
}

// ListSteps returns a run's steps ordered by sequence.
func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	query := `SELECT id, run_id, seq, role, content, files_json, notes_json, outcome_ok, created_at
	          FROM steps WHERE run_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		var step Step
		var filesJSON, notesJSON sql.NullString
		var outcomeOK sql.NullInt64
		var createdAt string

		if err := rows.Scan(
			&step.ID,
			&step.RunID,
			&step.Seq,
			&step.Role,
			&step.Content,
			&filesJSON,
			&notesJSON,
			&outcomeOK,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		if filesJSON.Valid && filesJSON.String != "" {
			if err := json.Unmarshal([]byte(filesJSON.String), &step.Files); err != nil {
				return nil, fmt.Errorf("failed to unmarshal files: %w", err)
			}
		}
		if notesJSON.Valid && notesJSON.String != "" {
			if err := json.Unmarshal([]byte(notesJSON.String), &step.Notes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal notes: %w", err)
			}
		}
		if outcomeOK.Valid {
			ok := outcomeOK.Int64 != 0
			step.OutcomeOK = &ok
		}
		step.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

		steps = append(steps, &step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

// AddArtifact registers an artifact for a run.
func (s *SQLiteStore) AddArtifact(ctx context.Context, artifact *Artifact) error {
	if artifact == nil {
		return fmt.Errorf("artifact cannot be nil")
	}
	if artifact.RunID == "" {
		return fmt.Errorf("run id is required")
	}

	if artifact.ID == "" {
		artifact.ID = "art-" + uuid.New().String()
	}
	artifact.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, run_id, kind, path, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		artifact.ID,
		artifact.RunID,
		artifact.Kind,
		artifact.Path,
		artifact.SizeBytes,
		artifact.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to add artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns a run's artifacts in creation order.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error) {
	query := `SELECT id, run_id, kind, path, size_bytes, created_at
	          FROM artifacts WHERE run_id = ? ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		var artifact Artifact
		var createdAt string

		if err := rows.Scan(
			&artifact.ID,
			&artifact.RunID,
			&artifact.Kind,
			&artifact.Path,
			&artifact.SizeBytes,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifact.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

		artifacts = append(artifacts, &artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}

	return artifacts, nil
}

// GetArtifact retrieves one artifact of a run.
func (s *SQLiteStore) GetArtifact(ctx context.Context, runID, artifactID string) (*Artifact, error) {
	query := `SELECT id, run_id, kind, path, size_bytes, created_at
	          FROM artifacts WHERE run_id = ? AND id = ?`

	var artifact Artifact
	var createdAt string

	err := s.db.QueryRowContext(ctx, query, runID, artifactID).Scan(
		&artifact.ID,
		&artifact.RunID,
		&artifact.Kind,
		&artifact.Path,
		&artifact.SizeBytes,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	artifact.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &artifact, nil
}

// SavePattern caches one pattern per run, replacing any previous cache.
func (s *SQLiteStore) SavePattern(ctx context.Context, pattern *Pattern) error {
	if pattern == nil {
		return fmt.Errorf("pattern cannot be nil")
	}
	if pattern.RunID == "" {
		return fmt.Errorf("run id is required")
	}

	pattern.CreatedAt = time.Now().UTC()

	stepsJSON, err := json.Marshal(pattern.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal pattern steps: %w", err)
	}
	variablesJSON, err := json.Marshal(pattern.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal pattern variables: %w", err)
	}

	query := `INSERT INTO patterns
	          (run_id, project_id, name, task_type, summary, steps_json, variables_json, rendered, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(run_id) DO UPDATE SET
	              summary = excluded.summary,
	              steps_json = excluded.steps_json,
	              variables_json = excluded.variables_json,
	              rendered = excluded.rendered`

	_, err = s.db.ExecContext(ctx, query,
		pattern.RunID,
		pattern.ProjectID,
		pattern.Name,
		pattern.TaskType,
		pattern.Summary,
		string(stepsJSON),
		string(variablesJSON),
		pattern.Rendered,
		pattern.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save pattern: %w", err)
	}
	return nil
}

// GetPattern retrieves the cached pattern for a run.
func (s *SQLiteStore) GetPattern(ctx context.Context, runID string) (*Pattern, error) {
	query := `SELECT run_id, project_id, name, task_type, summary, steps_json, variables_json, rendered, created_at
	          FROM patterns WHERE run_id = ?`

	var pattern Pattern
	var stepsJSON, variablesJSON, createdAt string

	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&pattern.RunID,
		&pattern.ProjectID,
		&pattern.Name,
		&pattern.TaskType,
		&pattern.Summary,
		&stepsJSON,
		&variablesJSON,
		&pattern.Rendered,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPatternNotFound
		}
		return nil, fmt.Errorf("failed to get pattern: %w", err)
	}

	if err := json.Unmarshal([]byte(stepsJSON), &pattern.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pattern steps: %w", err)
	}
	if err := json.Unmarshal([]byte(variablesJSON), &pattern.Variables); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pattern variables: %w", err)
	}
	pattern.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return &pattern, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// missingOrTerminal distinguishes a zero-row update between an unknown
// run and a terminal one.
func (s *SQLiteStore) missingOrTerminal(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check run status: %w", err)
	}
	return ErrRunTerminal
}

// scanner abstracts *sql.Row and *sql.Rows for scanRun.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var run Run
	var status string
	var referenceRunID, fromRunID, threadID sql.NullString
	var errorsJSON, summaryJSON sql.NullString
	var cancelRequested, hadErrors int
	var createdAt, updatedAt string
	var startedAt, finishedAt sql.NullString

	if err := sc.Scan(
		&run.ID,
		&run.ProjectID,
		&run.Name,
		&run.TaskType,
		&status,
		&run.Progress,
		&run.Instructions,
		&run.SystemInstructions,
		&referenceRunID,
		&fromRunID,
		&threadID,
		&cancelRequested,
		&hadErrors,
		&errorsJSON,
		&summaryJSON,
		&createdAt,
		&updatedAt,
		&startedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	run.Status = RunStatus(status)
	run.ReferenceRunID = referenceRunID.String
	run.FromRunID = fromRunID.String
	run.ThreadID = threadID.String
	run.CancelRequested = cancelRequested != 0
	run.HadErrors = hadErrors != 0

	if errorsJSON.Valid && errorsJSON.String != "" {
		var runErrs []*runerrors.RunError
		if err := json.Unmarshal([]byte(errorsJSON.String), &runErrs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run errors: %w", err)
		}
		run.Errors = runErrs
	}
	if summaryJSON.Valid && summaryJSON.String != "" {
		var summary MachineSummary
		if err := json.Unmarshal([]byte(summaryJSON.String), &summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal machine summary: %w", err)
		}
		run.MachineSummary = &summary
	}

	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339, startedAt.String)
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAt.String)
		run.FinishedAt = &t
	}

	return &run, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func boolPtrToInt(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func marshalOrNil(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *MachineSummary:
		if val == nil {
			return nil, nil
		}
	case []*runerrors.RunError:
		if len(val) == 0 {
			return nil, nil
		}
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
