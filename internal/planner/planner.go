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

// Package planner calls the upstream single-agent service, or degrades
// to a synthetic mode that drives the codex tool directly when no
// planner credential is configured.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tombee/crossrun/internal/codex"
	"github.com/tombee/crossrun/internal/config"
)

// Message is one chat turn in the planner conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ContextVariables carries run context to the planner service.
type ContextVariables struct {
	Workspace      string `json:"workspace"`
	PatternBlock   string `json:"pattern_block"`
	BasePrompt     string `json:"base_prompt"`
	TaskType       string `json:"task_type"`
	Profile        string `json:"profile,omitempty"`
	PriorSessionID string `json:"prior_session_id,omitempty"`
	RunID          string `json:"run_id"`
	ProjectID      string `json:"project_id"`

	// SessionID is set on responses when the planner opened or resumed
	// a codex thread on the run's behalf.
	SessionID string `json:"session_id,omitempty"`
}

type runRequest struct {
	Messages         []Message        `json:"messages"`
	ContextVariables ContextVariables `json:"context_variables"`
	MaxTurns         int              `json:"max_turns"`
}

// RunResponse is the planner's reply.
type RunResponse struct {
	Messages         []Message        `json:"messages"`
	Agent            map[string]any   `json:"agent"`
	ContextVariables ContextVariables `json:"context_variables"`
}

// Reply returns the last assistant message, or empty.
func (r *RunResponse) Reply() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "assistant" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Invocation is one planner call on behalf of a run.
type Invocation struct {
	RunContext   *codex.RunContext
	Instructions string
	PatternBlock string
	BasePrompt   string
}

// Client invokes the planner. The synthetic path is selected once at
// construction: no API key configured, or fake mode forced.
type Client struct {
	cfg       config.PlannerConfig
	synthetic bool
	tool      *codex.Tool
	http      *http.Client
	logger    *slog.Logger
}

// NewClient builds a planner client. The tool powers synthetic mode
// and must be non-nil.
func NewClient(cfg config.PlannerConfig, apiKey string, tool *codex.Tool, logger *slog.Logger) *Client {
	return &Client{
		cfg:       cfg,
		synthetic: cfg.Fake || apiKey == "",
		tool:      tool,
		// The upstream call has no intrinsic timeout. Cancellation is
		// transitive through the run's cancellation predicate.
		http:   &http.Client{},
		logger: logger.With("component", "planner"),
	}
}

// Synthetic reports whether the client bypasses the upstream service.
func (c *Client) Synthetic() bool {
	return c.synthetic
}

// Run executes one planner turn for the run.
func (c *Client) Run(ctx context.Context, inv Invocation) (*RunResponse, error) {
	if c.synthetic {
		return c.runSynthetic(ctx, inv)
	}
	return c.runRemote(ctx, inv)
}

// runSynthetic invokes the codex tool directly with the user's
// instruction and wraps the summary as the assistant reply.
func (c *Client) runSynthetic(ctx context.Context, inv Invocation) (*RunResponse, error) {
	c.logger.Info("planner in synthetic mode", "run_id", inv.RunContext.RunID)

	report, err := c.tool.Exec(ctx, inv.RunContext, inv.Instructions)
	resp := &RunResponse{
		Messages: []Message{
			{Role: "user", Content: inv.Instructions},
		},
		Agent:            map[string]any{"name": "OfflineBuilder"},
		ContextVariables: c.contextVariables(inv),
	}
	if report != nil {
		resp.Messages = append(resp.Messages, Message{Role: "assistant", Content: report.Summary})
	}
	return resp, err
}

func (c *Client) runRemote(ctx context.Context, inv Invocation) (*RunResponse, error) {
	reqBody := runRequest{
		Messages:         []Message{{Role: "user", Content: inv.Instructions}},
		ContextVariables: c.contextVariables(inv),
		MaxTurns:         10,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encoding planner request: %w", err)
	}

	url := strings.TrimRight(c.cfg.URL, "/") + "/run"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building planner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling planner: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return nil, fmt.Errorf("planner returned %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
	}

	var resp RunResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding planner response: %w", err)
	}
	if sid := resp.ContextVariables.SessionID; sid != "" {
		inv.RunContext.ThreadID = sid
	}
	return &resp, nil
}

func (c *Client) contextVariables(inv Invocation) ContextVariables {
	rc := inv.RunContext
	return ContextVariables{
		Workspace:      rc.Workspace,
		PatternBlock:   inv.PatternBlock,
		BasePrompt:     inv.BasePrompt,
		TaskType:       rc.TaskType,
		Profile:        rc.Profile,
		PriorSessionID: rc.ThreadID,
		RunID:          rc.RunID,
		ProjectID:      rc.ProjectID,
	}
}
