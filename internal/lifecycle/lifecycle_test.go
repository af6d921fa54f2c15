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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_AcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crossrund.pid")
	pf := NewPIDFile(path)

	require.NoError(t, pf.Acquire())

	pid, err := pf.ReadPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, pf.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPIDFile_SecondAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crossrund.pid")
	first := NewPIDFile(path)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := NewPIDFile(path)
	err := second.Acquire()
	require.ErrorIs(t, err, ErrPIDFileLocked)
}

func TestPIDFile_ReadPIDInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crossrund.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o600))

	_, err := NewPIDFile(path).ReadPID()
	require.ErrorIs(t, err, ErrInvalidPID)
}

func TestHealthChecker_Check(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result := NewHealthChecker(srv.URL + "/healthz").Check(context.Background())
	assert.True(t, result.Healthy)
	assert.Equal(t, http.StatusOK, result.StatusCode)
}

func TestHealthChecker_WaitRecovers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := NewHealthChecker(srv.URL).Wait(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestHealthChecker_WaitTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := NewHealthChecker(srv.URL).Wait(ctx)
	require.ErrorIs(t, err, ErrUnhealthy)
}
