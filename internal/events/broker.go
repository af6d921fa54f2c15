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

// Package events provides an in-memory per-run publish/subscribe broker.
// Delivery is per-run FIFO, best-effort: a slow subscriber loses its
// oldest buffered events rather than blocking the publisher.
package events

import (
	"sync"
	"time"
)

// subscriberBuffer is the per-subscriber channel capacity. When full,
// the oldest buffered event is dropped to make room.
const subscriberBuffer = 256

// Kind discriminates event payloads.
type Kind string

const (
	KindStatus                Kind = "status"
	KindProgress              Kind = "progress"
	KindStep                  Kind = "step"
	KindArtifact              Kind = "artifact"
	KindDiff                  Kind = "diff"
	KindWorkspace             Kind = "workspace"
	KindError                 Kind = "error"
	KindCancellationRequested Kind = "cancellation_requested"
	KindPattern               Kind = "pattern"
)

// Event is one broker message. Data carries the kind-specific payload
// and serializes directly onto the SSE stream.
type Event struct {
	Kind      Kind      `json:"event"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"ts"`
	Data      any       `json:"data,omitempty"`
}

// ProgressData is the payload of a progress event.
type ProgressData struct {
	Stage     string  `json:"stage"`
	Percent   int     `json:"percent"`
	Message   string  `json:"message,omitempty"`
	ElapsedMS float64 `json:"elapsed_ms,omitempty"`
}

// StepData is the payload of a step event.
type StepData struct {
	Seq       int      `json:"seq"`
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	Files     []string `json:"files,omitempty"`
	Notes     []string `json:"notes,omitempty"`
	OutcomeOK *bool    `json:"outcome_ok,omitempty"`
}

// ArtifactData is the payload of an artifact event.
type ArtifactData struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// StatusData is the payload of a status event.
type StatusData struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Recovery string `json:"recovery,omitempty"`
}

// WorkspaceData is the payload of a workspace event.
type WorkspaceData struct {
	ClonedFrom  string   `json:"cloned_from,omitempty"`
	SourceFound bool     `json:"source_found"`
	Entries     []string `json:"entries,omitempty"`
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// Broker fans events out to the current subscribers of a run. It is
// ephemeral: nothing is retained for subscribers that join later.
type Broker struct {
	mu   sync.Mutex
	runs map[string][]*subscriber
	done map[string]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		runs: make(map[string][]*subscriber),
		done: make(map[string]struct{}),
	}
}

// Publish delivers the event to every current subscriber of its run.
// Never blocks: when a subscriber's buffer is full the oldest buffered
// event is discarded first.
func (b *Broker) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.runs[event.RunID] {
		if sub.closed {
			continue
		}
		for {
			select {
			case sub.ch <- event:
			default:
				// Buffer full: drop the oldest and retry.
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribe registers a subscriber for a run. The returned channel
// carries events in publish order until Close is called for the run or
// the unsubscribe function runs. Subscribing to a run whose stream
// already closed yields an immediately-closed channel. Unsubscribe is
// idempotent and safe on all exit paths.
func (b *Broker) Subscribe(runID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	if _, finished := b.done[runID]; finished {
		sub.closed = true
		close(sub.ch)
		b.mu.Unlock()
		return sub.ch, func() {}
	}
	b.runs[runID] = append(b.runs[runID], sub)
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.remove(runID, sub)
		})
	}
	return sub.ch, unsubscribe
}

// Close closes every subscriber channel for the run and marks the run
// finished, so later Subscribe calls terminate immediately instead of
// waiting on a stream that will never end. Called after the terminal
// status is published.
func (b *Broker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.done[runID] = struct{}{}
	for _, sub := range b.runs[runID] {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	delete(b.runs, runID)
}

// SubscriberCount reports the current number of subscribers for a run.
func (b *Broker) SubscriberCount(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs[runID])
}

// remove must be called with b.mu held.
func (b *Broker) remove(runID string, target *subscriber) {
	subs := b.runs[runID]
	for i, sub := range subs {
		if sub == target {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
			b.runs[runID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.runs[runID]) == 0 {
		delete(b.runs, runID)
	}
}
