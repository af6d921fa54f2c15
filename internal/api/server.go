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

// Package api exposes the orchestrator over HTTP: projects, runs,
// steps, the SSE event stream, workspace browsing, artifacts, and
// cached patterns.
package api

import (
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/tombee/crossrun/internal/events"
	"github.com/tombee/crossrun/internal/runservice"
	"github.com/tombee/crossrun/internal/store"
	"github.com/tombee/crossrun/internal/workspace"
)

// Server routes HTTP requests to the run service and its stores.
type Server struct {
	service    *runservice.Service
	store      store.Store
	broker     *events.Broker
	workspaces *workspace.Manager
	logger     *slog.Logger
}

// NewServer wires the HTTP surface.
func NewServer(service *runservice.Service, st store.Store, broker *events.Broker, workspaces *workspace.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		service:    service,
		store:      st,
		broker:     broker,
		workspaces: workspaces,
		logger:     logger.With("component", "api"),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("PUT /projects/{id}", s.handleUpsertProject)
	mux.HandleFunc("GET /projects", s.handleListProjects)
	mux.HandleFunc("POST /projects/{id}/runs", s.handleCreateRun)

	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/steps", s.handleListSteps)
	mux.HandleFunc("GET /runs/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /runs/{id}/diff", s.handleDiff)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /runs/{id}/workspace/files", s.handleListWorkspaceFiles)
	mux.HandleFunc("GET /runs/{id}/workspace/files/{path...}", s.handleDownloadWorkspaceFile)
	mux.HandleFunc("GET /runs/{id}/artifacts", s.handleListArtifacts)
	mux.HandleFunc("GET /runs/{id}/artifacts/{aid}/download", s.handleDownloadArtifact)

	mux.HandleFunc("GET /patterns/{run_id}", s.handleGetPattern)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpsertProject(w http.ResponseWriter, r *http.Request) {
	var project store.Project
	if err := decodeJSON(r, &project); err != nil {
		writeError(w, err)
		return
	}
	project.ID = r.PathValue("id")

	if err := s.service.UpsertProject(r.Context(), &project); err != nil {
		writeError(w, err)
		return
	}
	stored, err := s.store.GetProject(r.Context(), project.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if projects == nil {
		projects = []*store.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var in runservice.CreateRunInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	in.ProjectID = r.PathValue("id")

	run, err := s.service.CreateRun(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// runDetail is the full run view with its artifacts attached.
type runDetail struct {
	*store.Run
	Artifacts []*store.Artifact `json:"artifacts"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	artifacts, err := s.store.ListArtifacts(r.Context(), run.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if artifacts == nil {
		artifacts = []*store.Artifact{}
	}
	writeJSON(w, http.StatusOK, runDetail{Run: run, Artifacts: artifacts})
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	steps, err := s.store.ListSteps(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	if steps == nil {
		steps = []*store.Step{}
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	wsPath, err := s.workspaces.Path(run.ProjectID, run.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := s.workspaces.GitDiffSummary(r.Context(), wsPath)
	if err != nil {
		writeError(w, err)
		return
	}
	if summary == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Detail: "no diff available for run " + run.ID})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.service.Cancel(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancellation_requested", "run_id": runID})
}

// workspaceListing is the files endpoint response shape.
type workspaceListing struct {
	TotalFiles int                  `json:"total_files"`
	Files      []workspace.FileInfo `json:"files"`
}

func (s *Server) handleListWorkspaceFiles(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	wsPath, err := s.workspaces.Path(run.ProjectID, run.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	files, err := s.workspaces.ListFiles(wsPath)
	if err != nil {
		writeError(w, err)
		return
	}
	if files == nil {
		files = []workspace.FileInfo{}
	}
	writeJSON(w, http.StatusOK, workspaceListing{TotalFiles: len(files), Files: files})
}

func (s *Server) handleDownloadWorkspaceFile(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	wsPath, err := s.workspaces.Path(run.ProjectID, run.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	rel := r.PathValue("path")
	data, err := s.workspaces.ReadFile(wsPath, rel)
	if err != nil {
		writeError(w, err)
		return
	}

	contentType := mime.TypeByExtension(filepath.Ext(rel))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	artifacts, err := s.store.ListArtifacts(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	if artifacts == nil {
		artifacts = []*store.Artifact{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.store.GetArtifact(r.Context(), r.PathValue("id"), r.PathValue("aid"))
	if err != nil {
		writeError(w, err)
		return
	}
	http.ServeFile(w, r, artifact.Path)
}

func (s *Server) handleGetPattern(w http.ResponseWriter, r *http.Request) {
	cached, err := s.service.PatternFor(r.Context(), r.PathValue("run_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cached)
}
