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

// Package errors defines the error taxonomy recorded on runs and surfaced
// to API callers. Every failure inside a run lifecycle is classified into
// one of the closed set of codes below before it is persisted.
package errors

import (
	"fmt"
	"time"
)

// Code identifies a failure category. The set is closed: anything that
// cannot be classified lands on CodeRuntimeError.
type Code string

const (
	CodeInvalidInput         Code = "INVALID_INPUT"
	CodeCodexNotInstalled    Code = "CODEX_NOT_INSTALLED"
	CodeCodexAuthRequired    Code = "CODEX_AUTH_REQUIRED"
	CodeWorkspacePathInvalid Code = "WORKSPACE_PATH_INVALID"
	CodePathTraversal        Code = "PATH_TRAVERSAL"
	CodeWorkspaceMissing     Code = "WORKSPACE_MISSING"
	CodePermissionError      Code = "PERMISSION_ERROR"
	CodeTimeout              Code = "TIMEOUT"
	CodeToolFailure          Code = "TOOL_FAILURE"
	CodeRuntimeError         Code = "RUNTIME_ERROR"
	CodeCancelled            Code = "CANCELLED"
)

// RunError is a classified failure attached to a run. Recovery carries an
// actionable hint for the caller.
type RunError struct {
	Code     Code   `json:"code"`
	Message  string `json:"message"`
	Recovery string `json:"recovery,omitempty"`
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationError represents user input validation failures.
// Use this for invalid request fields or constraint violations; it maps to
// CodeInvalidInput and an HTTP 400 without creating a run record.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "project", "run", "artifact")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError represents an operation rejected because of resource state,
// such as cancelling a run that already reached a terminal status.
type ConflictError struct {
	// Resource is the type of resource in the wrong state
	Resource string

	// Message explains the state conflict
	Message string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Message)
}

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "codex exec")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}
