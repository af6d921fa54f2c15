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

package runservice

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/crossrun/internal/store"
	"github.com/tombee/crossrun/internal/workspace"
	runerrors "github.com/tombee/crossrun/pkg/errors"
)

func okStep(role, content string, files ...string) *store.Step {
	ok := true
	return &store.Step{Role: role, Content: content, Files: files, OutcomeOK: &ok}
}

func TestSynthesize_GoalAndStatus(t *testing.T) {
	run := &store.Run{Instructions: "  write a report  ", Status: store.StatusSucceeded}
	s := Synthesize(run, []*store.Step{okStep(store.RoleTool, "x")}, nil)

	assert.Equal(t, "write a report", s.Goal)
	assert.True(t, s.ExecutionAttempted)
	assert.True(t, s.ExecutionSucceeded)
	assert.Empty(t, s.ReasonForFailure)
}

func TestSynthesize_EmptyInputs(t *testing.T) {
	s := Synthesize(&store.Run{Status: store.StatusFailed}, nil, nil)
	assert.Equal(t, "No goal specified", s.Goal)
	assert.False(t, s.ExecutionAttempted)
	assert.False(t, s.ExecutionSucceeded)
	assert.Equal(t, "execution_error", s.ReasonForFailure)
	assert.Empty(t, s.PrimaryArtifact)
}

func TestIdentifyArtifacts_LastAssistantReference(t *testing.T) {
	files := []workspace.FileInfo{
		{Path: "aaa.md", SizeBytes: 9000},
		{Path: "report.md", SizeBytes: 10},
	}
	steps := []*store.Step{
		okStep(store.RoleAssistant, "see aaa.md for scratch notes"),
		okStep(store.RoleAssistant, "the final output is report.md"),
	}

	primary, secondary := identifyArtifacts(steps, files)
	assert.Equal(t, "report.md", primary)
	assert.Equal(t, []string{"aaa.md"}, secondary)
}

func TestIdentifyArtifacts_LargestTextFile(t *testing.T) {
	files := []workspace.FileInfo{
		{Path: "big.bin", SizeBytes: 99999},
		{Path: "small.txt", SizeBytes: 5},
		{Path: "large.md", SizeBytes: 500},
	}
	primary, _ := identifyArtifacts(nil, files)
	assert.Equal(t, "large.md", primary)
}

func TestIdentifyArtifacts_LexicographicFallback(t *testing.T) {
	files := []workspace.FileInfo{
		{Path: "z.bin", SizeBytes: 10},
		{Path: "a.bin", SizeBytes: 10},
	}
	primary, secondary := identifyArtifacts(nil, files)
	assert.Equal(t, "a.bin", primary)
	assert.Equal(t, []string{"z.bin"}, secondary)
}

func TestIdentifyArtifacts_NarrowsToTouchedSet(t *testing.T) {
	files := []workspace.FileInfo{
		{Path: "untouched.md", SizeBytes: 9000},
		{Path: "out/result.csv", SizeBytes: 50},
	}
	steps := []*store.Step{
		okStep(store.RoleTool, "wrote results", "result.csv"),
	}

	primary, secondary := identifyArtifacts(steps, files)
	assert.Equal(t, "out/result.csv", primary)
	assert.Empty(t, secondary)
}

func TestIdentifyArtifacts_SecondaryCap(t *testing.T) {
	var files []workspace.FileInfo
	for i := 0; i < 10; i++ {
		files = append(files, workspace.FileInfo{Path: fmt.Sprintf("f%02d.txt", i), SizeBytes: 1})
	}
	_, secondary := identifyArtifacts(nil, files)
	assert.Len(t, secondary, maxSecondaryArtifacts)
}

func TestFailureReason_Cancelled(t *testing.T) {
	reason, note := failureReason(&store.Run{Status: store.StatusCancelled}, nil)
	assert.Equal(t, "cancelled", reason)
	assert.Equal(t, "Run was cancelled by user", note)
}

func TestFailureReason_RecordedError(t *testing.T) {
	run := &store.Run{
		Status: store.StatusFailed,
		Errors: []*runerrors.RunError{
			runerrors.NewRunError(runerrors.CodeTimeout, "exceeded 30m"),
		},
	}
	reason, note := failureReason(run, nil)
	assert.Equal(t, "TIMEOUT", reason)
	assert.Equal(t, "exceeded 30m", note)
}

func TestFailureReason_FailedToolStep(t *testing.T) {
	failed := false
	steps := []*store.Step{
		{Role: store.RoleTool, Content: "make test", OutcomeOK: &failed, Notes: []string{"cmd:make test exit:2", "codex-exit-2"}},
	}
	reason, note := failureReason(&store.Run{Status: store.StatusFailed}, steps)
	assert.Equal(t, "tool_failure", reason)
	assert.Contains(t, note, "codex-exit-2")
}

func TestSynthesize_IsPure(t *testing.T) {
	run := &store.Run{Instructions: "goal", Status: store.StatusSucceeded}
	steps := []*store.Step{okStep(store.RoleAssistant, "wrote a.md", "a.md")}
	files := []workspace.FileInfo{{Path: "a.md", SizeBytes: 3}}

	first := Synthesize(run, steps, files)
	second := Synthesize(run, steps, files)
	require.Equal(t, first, second)
}
