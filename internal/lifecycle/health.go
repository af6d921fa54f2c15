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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrUnhealthy is returned when the endpoint does not become healthy
// before the context expires.
var ErrUnhealthy = errors.New("endpoint not healthy")

// HealthChecker probes an HTTP health endpoint with exponential backoff.
type HealthChecker struct {
	endpoint        string
	client          *http.Client
	initialInterval time.Duration
	maxInterval     time.Duration
}

// CheckResult is the outcome of a single probe.
type CheckResult struct {
	Healthy      bool
	StatusCode   int
	ResponseTime time.Duration
	Err          error
}

// NewHealthChecker returns a checker for the given endpoint.
// Backoff starts at 50ms and doubles up to 1s between probes.
func NewHealthChecker(endpoint string) *HealthChecker {
	return &HealthChecker{
		endpoint:        endpoint,
		client:          &http.Client{Timeout: 5 * time.Second},
		initialInterval: 50 * time.Millisecond,
		maxInterval:     time.Second,
	}
}

// WithHTTPClient sets a custom HTTP client, mainly for tests.
func (h *HealthChecker) WithHTTPClient(client *http.Client) *HealthChecker {
	h.client = client
	return h
}

// Check performs a single probe.
func (h *HealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint, nil)
	if err != nil {
		return CheckResult{Err: fmt.Errorf("build request: %w", err)}
	}

	resp, err := h.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return CheckResult{ResponseTime: elapsed, Err: err}
	}
	defer resp.Body.Close()

	return CheckResult{
		Healthy:      resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode:   resp.StatusCode,
		ResponseTime: elapsed,
	}
}

// Wait polls the endpoint until it reports healthy or the context ends.
func (h *HealthChecker) Wait(ctx context.Context) error {
	interval := h.initialInterval
	attempts := 0

	for {
		attempts++
		result := h.Check(ctx)
		if result.Healthy {
			return nil
		}

		select {
		case <-ctx.Done():
			if result.Err != nil {
				return fmt.Errorf("%w after %d attempts: %v", ErrUnhealthy, attempts, result.Err)
			}
			return fmt.Errorf("%w after %d attempts: status %d", ErrUnhealthy, attempts, result.StatusCode)
		case <-time.After(interval):
		}

		interval *= 2
		if interval > h.maxInterval {
			interval = h.maxInterval
		}
	}
}
