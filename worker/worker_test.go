// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer mimics the run API closely enough to exercise the client:
// one pending run, token-checked callbacks.
type fakeServer struct {
	t       *testing.T
	token   string
	claimed bool

	metrics   map[string]string
	artifacts int
	completed int
	finished  string
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	f := &fakeServer{t: t, token: "tok-123", metrics: map[string]string{}}
	server := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeServer) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+f.token
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/runs/claim":
		if f.claimed {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		f.claimed = true
		json.NewEncoder(w).Encode(map[string]interface{}{
			"run_id":      int64(7),
			"job_id":      int64(3),
			"build_token": f.token,
			"sha":         "0123456789abcdef0123456789abcdef01234567",
			"remote_path": "codepr/beluga",
			"clone_url":   "https://github.com/codepr/beluga.git",
		})
	case r.URL.Path == "/api/runs/7/metrics":
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var m struct{ Name, Value string }
		json.NewDecoder(r.Body).Decode(&m)
		f.metrics[m.Name] = m.Value
		w.Write([]byte(`{"msg": "ok"}`))
	case r.URL.Path == "/api/runs/7/artifacts":
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.artifacts++
		json.NewEncoder(w).Encode(map[string]int64{"artifact_id": int64(f.artifacts)})
	case r.URL.Path == "/api/artifacts/1/complete":
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.completed++
		w.Write([]byte(`{"msg": "ok"}`))
	case r.URL.Path == "/api/runs/7/finish":
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.finished != "" {
			w.WriteHeader(http.StatusConflict)
			return
		}
		var body struct{ Result, Desc string }
		json.NewDecoder(r.Body).Decode(&body)
		f.finished = body.Result
		w.Write([]byte(`{"msg": "ok"}`))
	default:
		f.t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestClaimAndReport(t *testing.T) {
	fake, server := newFakeServer(t)
	client := NewClient(server.URL)
	ctx := context.Background()

	run, err := client.Claim(ctx, DetectHost())
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, int64(7), run.RunID)
	assert.Equal(t, "https://github.com/codepr/beluga.git", run.CloneURL)

	// Nothing left to hand out.
	again, err := client.Claim(ctx, DetectHost())
	require.NoError(t, err)
	assert.Nil(t, again)

	require.NoError(t, run.RecordMetric(ctx, "tests_passed", "88"))
	assert.Equal(t, "88", fake.metrics["tests_passed"])

	artifactID, err := run.CreateArtifact(ctx, "test-log", "suite output")
	require.NoError(t, err)
	require.NoError(t, run.CompleteArtifact(ctx, artifactID))
	assert.Equal(t, 1, fake.completed)

	require.NoError(t, run.Finish(ctx, true, "all green"))
	assert.Equal(t, "pass", fake.finished)

	// A second verdict is refused upstream.
	err = run.Finish(ctx, false, "flip")
	assert.Error(t, err)
}

func TestCallbacksRejectBadToken(t *testing.T) {
	fake, server := newFakeServer(t)
	client := NewClient(server.URL)
	ctx := context.Background()

	run, err := client.Claim(ctx, DetectHost())
	require.NoError(t, err)
	require.NotNil(t, run)

	run.BuildToken = "stolen"
	err = run.RecordMetric(ctx, "x", "y")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token")
	assert.Empty(t, fake.metrics)
}

func TestDetectHost(t *testing.T) {
	host := DetectHost()
	assert.NotEmpty(t, host.Hostname)
	assert.Greater(t, host.CPUCores, int64(0))
	assert.NotEmpty(t, host.Arch)
	assert.NotEmpty(t, host.OS)
}

func TestPollerDrainsAndReports(t *testing.T) {
	fake, server := newFakeServer(t)
	client := NewClient(server.URL)

	log := logrus.New()
	log.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())

	// Shutdown lands while the run is still in flight. The verdict for
	// work already done must reach the server anyway.
	executed := make(chan int64, 1)
	runFn := func(runCtx context.Context, run *ClaimedRun) (bool, string) {
		executed <- run.RunID
		cancel()
		return true, "done"
	}

	stopped := make(chan struct{})
	poller := NewPoller(client, nil, DetectHost(), 10*time.Millisecond, runFn, log)
	go func() {
		poller.Run(ctx)
		close(stopped)
	}()

	select {
	case runID := <-executed:
		assert.Equal(t, int64(7), runID)
	case <-time.After(2 * time.Second):
		t.Fatal("poller never executed the pending run")
	}

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop on cancel")
	}
	assert.Equal(t, "pass", fake.finished)
}

// recordingRun captures metric reports for the step tracker tests.
type recordingRun struct {
	values []string
}

func (r *recordingRun) RecordMetric(ctx context.Context, name, value string) error {
	r.values = append(r.values, value)
	return nil
}
func (r *recordingRun) CreateArtifact(ctx context.Context, name, desc string) (int64, error) {
	return 0, nil
}
func (r *recordingRun) CompleteArtifact(ctx context.Context, artifactID int64) error { return nil }
func (r *recordingRun) Finish(ctx context.Context, pass bool, desc string) error     { return nil }

func TestStepsTracking(t *testing.T) {
	rec := &recordingRun{}
	steps := NewSteps(rec)
	ctx := context.Background()

	steps.Push(ctx, "checkout")
	assert.Equal(t, "checkout", steps.Current())

	steps.Advance(ctx, "build")
	steps.Push(ctx, "compile")
	assert.Equal(t, "build/compile", steps.Current())

	steps.Advance(ctx, "link")
	steps.Pop(ctx)
	steps.Advance(ctx, "test")
	assert.Equal(t, "test", steps.Current())

	// Pop below the root is harmless.
	steps.Pop(ctx)
	steps.Pop(ctx)
	assert.Equal(t, "", steps.Current())

	assert.Equal(t, []string{
		"checkout", "build", "build/compile", "build/link", "build", "test", "", "",
	}, rec.values)
}
