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
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// terminateGrace is how long a signalled subprocess gets to exit before
// it is killed.
const terminateGrace = 5 * time.Second

// Registry tracks the live CLI subprocess for each run so cancellation
// can reach it. All mutations happen under one mutex. Entries are
// removed before their run transitions to terminal.
type Registry struct {
	mu        sync.Mutex
	procs     map[string]*exec.Cmd
	cancelled map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		procs:     make(map[string]*exec.Cmd),
		cancelled: make(map[string]bool),
	}
}

// Register records the subprocess for a run. Must be called before the
// first read from the process.
func (r *Registry) Register(runID string, cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[runID] = cmd
}

// Deregister removes the subprocess entry. Guaranteed by callers on all
// exit paths.
func (r *Registry) Deregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, runID)
}

// Cancel marks the run cancelled and, if a subprocess is live, sends it
// SIGTERM and schedules a SIGKILL after the grace period. Idempotent.
func (r *Registry) Cancel(runID string) {
	r.mu.Lock()
	r.cancelled[runID] = true
	cmd := r.procs[runID]
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	proc := cmd.Process
	_ = proc.Signal(syscall.SIGTERM)

	go func() {
		deadline := time.Now().Add(terminateGrace)
		for time.Now().Before(deadline) {
			if !r.alive(runID) {
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
		_ = proc.Kill()
	}()
}

// IsCancelled reports whether Cancel was called for the run.
func (r *Registry) IsCancelled(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled[runID]
}

// Clear drops the cancellation mark once the run has finished.
func (r *Registry) Clear(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancelled, runID)
}

func (r *Registry) alive(runID string) bool {
	r.mu.Lock()
	cmd := r.procs[runID]
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	// Signal 0 probes liveness without delivering anything.
	return cmd.Process.Signal(syscall.Signal(0)) == nil
}
