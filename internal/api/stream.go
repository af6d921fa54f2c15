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

package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tombee/crossrun/internal/events"
	"github.com/tombee/crossrun/internal/store"
)

// handleStream serves the per-run SSE event feed. The current status
// is replayed as the first event so late subscribers see where the
// run stands; the stream closes after the terminal status event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "streaming unsupported"})
		return
	}

	// Subscribe first, then re-read the run: a finalization landing
	// between the lookup and the subscription would otherwise leave a
	// stale non-terminal snapshot with no terminal event to follow.
	ch, unsubscribe := s.broker.Subscribe(run.ID)
	defer unsubscribe()

	if current, rerr := s.store.GetRun(r.Context(), run.ID); rerr == nil {
		run = current
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snapshot := events.Event{
		Kind:  events.KindStatus,
		RunID: run.ID,
		Data:  events.StatusData{Status: string(run.Status), Progress: run.Progress},
	}
	if err := writeSSE(w, snapshot); err != nil {
		return
	}
	flusher.Flush()

	if run.Status.IsTerminal() {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			if err := writeSSE(w, event); err != nil {
				return
			}
			flusher.Flush()

			if event.Kind == events.KindStatus {
				if data, ok := event.Data.(events.StatusData); ok && store.RunStatus(data.Status).IsTerminal() {
					return
				}
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
