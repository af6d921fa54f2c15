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

// Package cli implements the crossrun command line client.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tombee/crossrun/internal/events"
	"github.com/tombee/crossrun/internal/runservice"
	"github.com/tombee/crossrun/internal/store"
)

// Client talks to a crossrund server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given server base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// BaseURL returns the server base URL with any trailing slash removed.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// apiError is a non-2xx response from the server.
type apiError struct {
	Status int
	Detail string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Detail)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var detail struct {
			Detail string `json:"detail"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &detail) != nil || detail.Detail == "" {
			detail.Detail = strings.TrimSpace(string(data))
		}
		return &apiError{Status: resp.StatusCode, Detail: detail.Detail}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// UpsertProject creates or updates a project.
func (c *Client) UpsertProject(ctx context.Context, project *store.Project) (*store.Project, error) {
	var stored store.Project
	err := c.do(ctx, http.MethodPut, "/projects/"+url.PathEscape(project.ID), project, &stored)
	return &stored, err
}

// ListProjects returns all projects.
func (c *Client) ListProjects(ctx context.Context) ([]*store.Project, error) {
	var projects []*store.Project
	err := c.do(ctx, http.MethodGet, "/projects", nil, &projects)
	return projects, err
}

// CreateRun submits a new run under a project.
func (c *Client) CreateRun(ctx context.Context, in runservice.CreateRunInput) (*store.Run, error) {
	var run store.Run
	err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(in.ProjectID)+"/runs", in, &run)
	return &run, err
}

// ListRuns returns runs, optionally filtered by project.
func (c *Client) ListRuns(ctx context.Context, projectID string) ([]*store.Run, error) {
	path := "/runs"
	if projectID != "" {
		path += "?project_id=" + url.QueryEscape(projectID)
	}
	var runs []*store.Run
	err := c.do(ctx, http.MethodGet, path, nil, &runs)
	return runs, err
}

// RunDetail is the full run view returned by the server.
type RunDetail struct {
	store.Run
	Artifacts []*store.Artifact `json:"artifacts"`
}

// GetRun fetches a run with its artifacts.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunDetail, error) {
	var detail RunDetail
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), nil, &detail)
	return &detail, err
}

// ListSteps returns a run's ordered steps.
func (c *Client) ListSteps(ctx context.Context, runID string) ([]*store.Step, error) {
	var steps []*store.Step
	err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/steps", nil, &steps)
	return steps, err
}

// Cancel requests cancellation of a run.
func (c *Client) Cancel(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/cancel", nil, nil)
}

// GetPattern fetches the cached pattern extracted from a run.
func (c *Client) GetPattern(ctx context.Context, runID string) (*store.Pattern, error) {
	var cached store.Pattern
	err := c.do(ctx, http.MethodGet, "/patterns/"+url.PathEscape(runID), nil, &cached)
	return &cached, err
}

// Watch streams a run's events until the stream closes on terminal
// status or ctx is cancelled. Each decoded event is passed to fn.
func (c *Client) Watch(ctx context.Context, runID string, fn func(events.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/runs/"+url.PathEscape(runID)+"/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{Status: resp.StatusCode, Detail: strings.TrimSpace(string(data))}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event events.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			return fmt.Errorf("decoding stream event: %w", err)
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}
