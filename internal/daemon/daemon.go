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

// Package daemon is the composition root for crossrund: it wires the
// store, broker, workspace manager, codex tool, planner client, run
// service, and HTTP surface, and owns graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tombee/crossrun/internal/api"
	"github.com/tombee/crossrun/internal/codex"
	"github.com/tombee/crossrun/internal/config"
	"github.com/tombee/crossrun/internal/events"
	internallog "github.com/tombee/crossrun/internal/log"
	"github.com/tombee/crossrun/internal/metrics"
	"github.com/tombee/crossrun/internal/planner"
	"github.com/tombee/crossrun/internal/runservice"
	"github.com/tombee/crossrun/internal/store"
	"github.com/tombee/crossrun/internal/workspace"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the crossrund service.
type Daemon struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	server  *http.Server
	store   *store.SQLiteStore
	service *runservice.Service
}

// New wires every component from the configuration. The returned
// daemon owns the store and closes it on shutdown.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = internallog.New(internallog.FromEnv())
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	manager, err := workspace.NewManager(cfg.Workspace.Root, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("workspace manager: %w", err)
	}

	broker := events.NewBroker()
	m := metrics.New()
	tool := codex.NewTool(cfg.Codex, cfg.Workspace.ArtifactsRoot, cfg.Workspace.RequireGitRepo, codex.NewRegistry(), logger)
	plannerClient := planner.NewClient(cfg.Planner, cfg.Codex.APIKey, tool, logger)
	if cfg.Codex.APIKey != "" {
		logger.Info("planner credential configured", "api_key", internallog.SanitizeAPIKey(cfg.Codex.APIKey))
	}

	service := runservice.New(st, broker, manager, tool, plannerClient, cfg.Workspace.ArtifactsRoot, m, logger)
	apiServer := api.NewServer(service, st, broker, manager, logger)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.Handle("GET /metrics", m.Handler())

	return &Daemon{
		cfg:    cfg,
		opts:   opts,
		logger: internallog.WithComponent(logger, "daemon"),
		server: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           internallog.HTTPMiddleware(logger, mux),
			ReadHeaderTimeout: 10 * time.Second,
		},
		store:   st,
		service: service,
	}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully:
// stop accepting requests, drain in-flight run lifecycles, close the
// store.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.server.Addr)
	if err != nil {
		d.store.Close()
		return fmt.Errorf("listening on %s: %w", d.server.Addr, err)
	}

	d.logger.Info("crossrund starting",
		"addr", ln.Addr().String(),
		"version", d.opts.Version,
		"commit", d.opts.Commit,
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- d.server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		d.store.Close()
		return err
	case <-ctx.Done():
	}

	d.logger.Info("shutting down", "shutdown_timeout", d.cfg.Server.ShutdownTimeout, "drain_timeout", d.cfg.Server.DrainTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		d.logger.Warn("http shutdown incomplete", "error", err)
	}

	drained := make(chan struct{})
	go func() {
		d.service.Drain()
		close(drained)
	}()
	select {
	case <-drained:
		d.logger.Info("all run lifecycles drained")
	case <-time.After(d.cfg.Server.DrainTimeout):
		d.logger.Warn("drain timeout elapsed with lifecycles still running")
	}

	if err := d.store.Close(); err != nil {
		d.logger.Warn("closing store", "error", err)
	}
	return nil
}
