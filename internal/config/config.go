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

// Package config loads daemon settings from an optional YAML file plus
// environment variable overrides. Environment always wins over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Database  DatabaseConfig  `yaml:"database"`
	Codex     CodexConfig     `yaml:"codex"`
	Planner   PlannerConfig   `yaml:"planner"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address.
	// Environment: CROSSRUN_ADDR
	// Default: :8080
	Addr string `yaml:"addr,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// DrainTimeout bounds how long shutdown waits for active runs to finish.
	// Environment: CROSSRUN_DRAIN_TIMEOUT
	// Default: 60s
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// WorkspaceConfig configures on-disk run state.
type WorkspaceConfig struct {
	// Root is the directory under which per-run workspaces are created.
	// Environment: WORKSPACE_ROOT
	// Default: ./workspaces
	Root string `yaml:"root,omitempty"`

	// ArtifactsRoot is the directory under which run artifacts are written.
	// Environment: ARTIFACTS_ROOT
	// Default: ./artifacts
	ArtifactsRoot string `yaml:"artifacts_root,omitempty"`

	// RequireGitRepo, when true, fails workspace preparation unless the
	// prepared directory is a git repository.
	// Environment: REQUIRE_GIT_REPO
	// Default: false
	RequireGitRepo bool `yaml:"require_git_repo"`
}

// DatabaseConfig configures the sqlite store.
type DatabaseConfig struct {
	// Path is the sqlite database file path.
	// Environment: DATABASE_PATH
	// Default: ./data/store
	Path string `yaml:"path,omitempty"`
}

// CodexConfig configures the codex CLI subprocess.
type CodexConfig struct {
	// Profile selects a codex CLI profile passed as --profile.
	// Environment: CODEX_PROFILE
	Profile string `yaml:"profile,omitempty"`

	// Timeout is the wall-clock limit for a single codex exec invocation.
	// Environment: CODEX_TIMEOUT (seconds)
	// Default: 30m
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// APIKey authenticates the codex CLI on first use.
	// Environment: OPENAI_API_KEY
	APIKey string `yaml:"api_key,omitempty"`

	// Fake replaces real codex invocations with a deterministic stub.
	// Environment: FAKE_CODEX
	// Default: false
	Fake bool `yaml:"fake"`
}

// PlannerConfig configures the planner runner service.
type PlannerConfig struct {
	// URL is the base URL of the planner runner.
	// Environment: RUNNER_URL
	// Default: http://localhost:5055
	URL string `yaml:"url,omitempty"`

	// Fake forces the synthetic planner even when an API key is present.
	// Environment: FAKE_PLANNER
	// Default: false
	Fake bool `yaml:"fake"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
			DrainTimeout:    60 * time.Second,
		},
		Workspace: WorkspaceConfig{
			Root:          "./workspaces",
			ArtifactsRoot: "./artifacts",
		},
		Database: DatabaseConfig{
			Path: "./data/store",
		},
		Codex: CodexConfig{
			Timeout: 30 * time.Minute,
		},
		Planner: PlannerConfig{
			URL: "http://localhost:5055",
		},
	}
}

// Load reads configuration from the YAML file at path (if it exists),
// applies environment overrides, resolves relative paths, and validates.
// An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	cfg.loadFromEnv()
	cfg.applyDefaults()

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromEnv applies environment variable overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("CROSSRUN_ADDR"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("CROSSRUN_DRAIN_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Server.DrainTimeout = duration
		}
	}

	if val := os.Getenv("WORKSPACE_ROOT"); val != "" {
		c.Workspace.Root = val
	}
	if val := os.Getenv("ARTIFACTS_ROOT"); val != "" {
		c.Workspace.ArtifactsRoot = val
	}
	if val := os.Getenv("REQUIRE_GIT_REPO"); val != "" {
		c.Workspace.RequireGitRepo = envBool(val)
	}

	if val := os.Getenv("DATABASE_PATH"); val != "" {
		c.Database.Path = val
	}

	if val := os.Getenv("CODEX_PROFILE"); val != "" {
		c.Codex.Profile = val
	}
	if val := os.Getenv("CODEX_TIMEOUT"); val != "" {
		if duration, err := parseSecondsOrDuration(val); err == nil {
			c.Codex.Timeout = duration
		}
	}
	if val := os.Getenv("OPENAI_API_KEY"); val != "" {
		c.Codex.APIKey = val
	}
	if val := os.Getenv("FAKE_CODEX"); val != "" {
		c.Codex.Fake = envBool(val)
	}

	if val := os.Getenv("RUNNER_URL"); val != "" {
		c.Planner.URL = val
	}
	if val := os.Getenv("FAKE_PLANNER"); val != "" {
		c.Planner.Fake = envBool(val)
	}
}

// applyDefaults fills zero values left by a partial YAML file.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Server.DrainTimeout == 0 {
		c.Server.DrainTimeout = def.Server.DrainTimeout
	}
	if c.Workspace.Root == "" {
		c.Workspace.Root = def.Workspace.Root
	}
	if c.Workspace.ArtifactsRoot == "" {
		c.Workspace.ArtifactsRoot = def.Workspace.ArtifactsRoot
	}
	if c.Database.Path == "" {
		c.Database.Path = def.Database.Path
	}
	if c.Codex.Timeout == 0 {
		c.Codex.Timeout = def.Codex.Timeout
	}
	if c.Planner.URL == "" {
		c.Planner.URL = def.Planner.URL
	}
}

// resolvePaths makes filesystem paths absolute so that later chdir calls
// and confinement checks behave predictably.
func (c *Config) resolvePaths() error {
	var err error
	if c.Workspace.Root, err = filepath.Abs(c.Workspace.Root); err != nil {
		return fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if c.Workspace.ArtifactsRoot, err = filepath.Abs(c.Workspace.ArtifactsRoot); err != nil {
		return fmt.Errorf("failed to resolve artifacts root: %w", err)
	}
	if c.Database.Path, err = filepath.Abs(c.Database.Path); err != nil {
		return fmt.Errorf("failed to resolve database path: %w", err)
	}
	return nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr must not be empty", ErrInvalidConfig)
	}
	if c.Codex.Timeout <= 0 {
		return fmt.Errorf("%w: codex.timeout must be positive", ErrInvalidConfig)
	}
	if !strings.HasPrefix(c.Planner.URL, "http://") && !strings.HasPrefix(c.Planner.URL, "https://") {
		return fmt.Errorf("%w: planner.url must be an http(s) URL", ErrInvalidConfig)
	}
	return nil
}

func envBool(val string) bool {
	return val == "1" || strings.EqualFold(val, "true") || strings.EqualFold(val, "yes")
}

// parseSecondsOrDuration accepts either a bare integer (seconds) or a Go
// duration string such as "45m".
func parseSecondsOrDuration(val string) (time.Duration, error) {
	if d, err := time.ParseDuration(val); err == nil {
		return d, nil
	}
	var secs int
	if _, err := fmt.Sscanf(val, "%d", &secs); err != nil {
		return 0, fmt.Errorf("cannot parse duration %q", val)
	}
	return time.Duration(secs) * time.Second, nil
}
