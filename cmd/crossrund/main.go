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

// crossrund is the run orchestration daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tombee/crossrun/internal/config"
	"github.com/tombee/crossrun/internal/daemon"
	"github.com/tombee/crossrun/internal/lifecycle"
	"github.com/tombee/crossrun/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to config file (YAML)")
		addr          = flag.String("addr", "", "HTTP listen address")
		workspaceRoot = flag.String("workspace-root", "", "Directory for run workspaces")
		artifactsRoot = flag.String("artifacts-root", "", "Directory for run artifacts")
		databasePath  = flag.String("database", "", "Path to the sqlite database")
		fakeCodex     = flag.Bool("fake-codex", false, "Skip the codex CLI; emit stub events")
		fakePlanner   = flag.Bool("fake-planner", false, "Skip planner HTTP; use synthetic mode")
		pidFilePath   = flag.String("pidfile", "", "Write a locked PID file at this path")
		showVersion   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("crossrund %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *workspaceRoot != "" {
		cfg.Workspace.Root = mustAbs(logger, *workspaceRoot)
	}
	if *artifactsRoot != "" {
		cfg.Workspace.ArtifactsRoot = mustAbs(logger, *artifactsRoot)
	}
	if *databasePath != "" {
		cfg.Database.Path = mustAbs(logger, *databasePath)
	}
	if *fakeCodex {
		cfg.Codex.Fake = true
	}
	if *fakePlanner {
		cfg.Planner.Fake = true
	}

	var pidFile *lifecycle.PIDFile
	if *pidFilePath != "" {
		pidFile = lifecycle.NewPIDFile(mustAbs(logger, *pidFilePath))
		if err := pidFile.Acquire(); err != nil {
			logger.Error("Failed to acquire PID file", slog.String("path", *pidFilePath), slog.Any("error", err))
			os.Exit(1)
		}
	}

	d, err := daemon.New(cfg, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	}, logger)
	if err != nil {
		logger.Error("Failed to start daemon", slog.Any("error", err))
		if pidFile != nil {
			pidFile.Release()
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := d.Run(ctx)
	if pidFile != nil {
		if err := pidFile.Release(); err != nil {
			logger.Warn("Failed to release PID file", slog.Any("error", err))
		}
	}
	if runErr != nil {
		logger.Error("Daemon exited with error", slog.Any("error", runErr))
		os.Exit(1)
	}
}

func mustAbs(logger *slog.Logger, path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		logger.Error("Failed to resolve path", slog.String("path", path), slog.Any("error", err))
		os.Exit(1)
	}
	return abs
}
