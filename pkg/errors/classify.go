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

package errors

import (
	"context"
	"errors"
	"os"
	"strings"
)

// Recovery hints keyed by code. Kept here so every surface (run error
// list, error events, machine summary) reports the same guidance.
var recoveryHints = map[Code]string{
	CodeInvalidInput:         "Fix the request and resubmit; the run was not created.",
	CodeCodexNotInstalled:    "Install the codex CLI and ensure it is on PATH.",
	CodeCodexAuthRequired:    "Set OPENAI_API_KEY or run 'codex login' manually.",
	CodeWorkspacePathInvalid: "Workspace path escaped the configured root; check project and run ids.",
	CodePathTraversal:        "The requested path resolves outside the workspace.",
	CodeWorkspaceMissing:     "Check the source run id, or start without from_run_id.",
	CodePermissionError:      "Filesystem access was denied inside the workspace.",
	CodeTimeout:              "The CLI exceeded its wall-clock limit; retry with a smaller task.",
	CodeToolFailure:          "The CLI exited non-zero; inspect the run's codex-jsonl artifact.",
	CodeRuntimeError:         "Unexpected orchestrator failure; see server logs.",
	CodeCancelled:            "Run was cancelled by the user.",
}

// NewRunError builds a RunError for a code with the standard recovery hint.
func NewRunError(code Code, message string) *RunError {
	return &RunError{Code: code, Message: message, Recovery: recoveryHints[code]}
}

// Classify maps an arbitrary error to a RunError. Known typed errors and
// context sentinels keep their category; everything else is RUNTIME_ERROR.
func Classify(err error) *RunError {
	if err == nil {
		return nil
	}

	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return NewRunError(CodeInvalidInput, valErr.Error())
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return NewRunError(CodeTimeout, timeoutErr.Error())
	}

	if errors.Is(err, context.Canceled) {
		return NewRunError(CodeCancelled, "cancelled by user")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRunError(CodeTimeout, err.Error())
	}
	if errors.Is(err, os.ErrPermission) {
		return NewRunError(CodePermissionError, err.Error())
	}

	return NewRunError(CodeRuntimeError, err.Error())
}

// ClassifyNotes inspects the structured notes returned by a codex exec
// report and returns the matching RunError, or nil when the notes carry no
// recognizable failure marker.
func ClassifyNotes(notes []string) *RunError {
	for _, note := range notes {
		switch {
		case strings.Contains(note, "codex-cli-not-found"):
			return NewRunError(CodeCodexNotInstalled, "codex CLI is not installed or not on PATH")
		case strings.Contains(note, "codex-login-failed"),
			strings.Contains(note, "codex-login-missing-key"):
			return NewRunError(CodeCodexAuthRequired, "codex CLI authentication failed")
		case strings.Contains(note, "cancelled-by-user"):
			return NewRunError(CodeCancelled, "cancelled by user")
		case strings.Contains(note, "codex-timeout"):
			return NewRunError(CodeTimeout, "codex CLI exceeded its wall-clock limit")
		}
	}
	for _, note := range notes {
		lower := strings.ToLower(note)
		if strings.Contains(lower, "permission denied") {
			return NewRunError(CodePermissionError, note)
		}
	}
	for _, note := range notes {
		if strings.HasPrefix(note, "codex-exit-") {
			return NewRunError(CodeToolFailure, note)
		}
	}
	return nil
}
