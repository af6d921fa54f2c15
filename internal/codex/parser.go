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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tombee/crossrun/internal/store"
)

// Event is one decoded line of the CLI's JSONL stream.
type Event struct {
	Type     string     `json:"type"`
	ThreadID string     `json:"thread_id,omitempty"`
	Item     *EventItem `json:"item,omitempty"`
	Error    *EventErr  `json:"error,omitempty"`
	Status   string     `json:"status,omitempty"`
	Message  string     `json:"message,omitempty"`
}

// EventItem is the payload of item.completed events.
type EventItem struct {
	ID               string       `json:"id,omitempty"`
	Type             string       `json:"item_type,omitempty"`
	AltType          string       `json:"type,omitempty"`
	Text             string       `json:"text,omitempty"`
	Command          string       `json:"command,omitempty"`
	ExitCode         *int         `json:"exit_code,omitempty"`
	AggregatedOutput string       `json:"aggregated_output,omitempty"`
	Changes          []FileChange `json:"changes,omitempty"`
}

// FileChange is one entry of a file_change item.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"`
}

// EventErr carries the error payload of failed events.
type EventErr struct {
	Message string `json:"message"`
}

// itemType tolerates both field spellings the CLI has used.
func (i *EventItem) itemType() string {
	if i.Type != "" {
		return i.Type
	}
	return i.AltType
}

// ParseLine decodes one JSONL line. Blank lines and non-JSON noise
// return (nil, nil): the stream must survive partial writes.
func ParseLine(line string) (*Event, error) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return nil, nil
	}
	var event Event
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		return nil, nil
	}
	if event.Type == "" {
		return nil, nil
	}
	return &event, nil
}

// StepFromEvent converts a decoded event into a persistable step, or
// nil for events that carry no turn (thread metadata, turn boundaries).
func StepFromEvent(runID string, event *Event) *store.Step {
	if event == nil {
		return nil
	}

	switch event.Type {
	case "item.completed":
		if event.Item == nil {
			return nil
		}
		return stepFromItem(runID, event.Item)

	case "turn.failed", "run.failed", "error":
		notOK := false
		message := "codex reported a failure"
		if event.Error != nil && event.Error.Message != "" {
			message = event.Error.Message
		} else if event.Message != "" {
			message = event.Message
		}
		return &store.Step{
			RunID:     runID,
			Role:      store.RoleTool,
			Content:   truncate(message, 2000),
			Notes:     []string{"stderr:" + truncate(message, 400)},
			OutcomeOK: &notOK,
		}

	case "run.end":
		// Fake-mode terminator; the tool synthesizes its own step.
		return nil

	default:
		return nil
	}
}

func stepFromItem(runID string, item *EventItem) *store.Step {
	switch item.itemType() {
	case "agent_message", "assistant_message":
		ok := true
		return &store.Step{
			RunID:     runID,
			Role:      store.RoleAssistant,
			Content:   strings.TrimSpace(item.Text),
			OutcomeOK: &ok,
		}

	case "command_execution":
		exit := 0
		if item.ExitCode != nil {
			exit = *item.ExitCode
		}
		ok := exit == 0
		step := &store.Step{
			RunID:     runID,
			Role:      store.RoleTool,
			Content:   strings.TrimSpace(item.Command),
			Notes:     []string{fmt.Sprintf("cmd:%s exit:%d", strings.TrimSpace(item.Command), exit)},
			OutcomeOK: &ok,
		}
		if !ok && item.AggregatedOutput != "" {
			step.Notes = append(step.Notes, "stderr:"+truncate(item.AggregatedOutput, 400))
		}
		return step

	case "file_change":
		ok := true
		var files []string
		for _, change := range item.Changes {
			if change.Path != "" {
				files = append(files, change.Path)
			}
		}
		return &store.Step{
			RunID:     runID,
			Role:      store.RoleTool,
			Content:   fmt.Sprintf("file changes (%d)", len(files)),
			Files:     files,
			OutcomeOK: &ok,
		}

	case "reasoning":
		// Reasoning summaries are noise for patterns; skip them.
		return nil

	default:
		return nil
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
