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

// Package worker is the client side of the run API. Build logic running on
// a worker host sees only the RunContext capability: it can report on the
// run it holds and nothing else. How those reports travel (HTTP, with the
// run's build token) is this package's business.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// RunContext is what build logic is handed for the duration of one run.
type RunContext interface {
	RecordMetric(ctx context.Context, name, value string) error
	CreateArtifact(ctx context.Context, name, desc string) (int64, error)
	CompleteArtifact(ctx context.Context, artifactID int64) error
	Finish(ctx context.Context, pass bool, desc string) error
}

// HostInfo is the hardware fingerprint sent along with a claim. The server
// treats any change in the tuple as a different host.
type HostInfo struct {
	Hostname     string `json:"hostname"`
	CPUVendorID  string `json:"cpu_vendor_id"`
	CPUModelName string `json:"cpu_model_name"`
	CPUFamily    string `json:"cpu_family"`
	CPUModel     string `json:"cpu_model"`
	CPUMicrocode string `json:"cpu_microcode"`
	CPUMaxFreq   int64  `json:"cpu_max_freq_khz"`
	CPUCores     int64  `json:"cpu_cores"`
	MemTotal     string `json:"mem_total"`
	Arch         string `json:"arch"`
	Family       string `json:"family"`
	OS           string `json:"os"`
}

// DetectHost fills in what the Go runtime knows about this machine. CPU
// details beyond the core count are platform specific and left empty here;
// a deployment that cares can fill them in before claiming.
func DetectHost() HostInfo {
	hostname, _ := os.Hostname()
	return HostInfo{
		Hostname: hostname,
		CPUCores: int64(runtime.NumCPU()),
		Arch:     runtime.GOARCH,
		OS:       runtime.GOOS,
	}
}

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ClaimedRun is one run held by this worker. It carries everything needed
// to actually do the work (what to clone, which commit) and implements
// RunContext for reporting.
type ClaimedRun struct {
	RunID          int64   `json:"run_id"`
	JobID          int64   `json:"job_id"`
	BuildToken     string  `json:"build_token"`
	Sha            string  `json:"sha"`
	RemotePath     string  `json:"remote_path"`
	CloneURL       string  `json:"clone_url"`
	RunPreferences *string `json:"run_preferences,omitempty"`

	client *Client
}

// Claim asks the server for work. A nil run with nil error means the queue
// is empty for this host; poll again later.
func (c *Client) Claim(ctx context.Context, host HostInfo) (*ClaimedRun, error) {
	var run ClaimedRun
	status, err := c.post(ctx, "/api/runs/claim", "", host, &run)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("claim: server said %d", status)
	}
	run.client = c
	return &run, nil
}

func (r *ClaimedRun) RecordMetric(ctx context.Context, name, value string) error {
	path := fmt.Sprintf("/api/runs/%d/metrics", r.RunID)
	return r.client.expectOK(ctx, path, r.BuildToken, map[string]string{
		"name": name, "value": value,
	})
}

func (r *ClaimedRun) CreateArtifact(ctx context.Context, name, desc string) (int64, error) {
	path := fmt.Sprintf("/api/runs/%d/artifacts", r.RunID)
	var out struct {
		ArtifactID int64 `json:"artifact_id"`
	}
	status, err := r.client.post(ctx, path, r.BuildToken, map[string]string{
		"name": name, "desc": desc,
	}, &out)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("create artifact: server said %d", status)
	}
	return out.ArtifactID, nil
}

func (r *ClaimedRun) CompleteArtifact(ctx context.Context, artifactID int64) error {
	path := fmt.Sprintf("/api/artifacts/%d/complete", artifactID)
	return r.client.expectOK(ctx, path, r.BuildToken, struct{}{})
}

// Finish reports the terminal verdict. After a successful Finish the build
// token is dead and every further call on this run will be rejected.
func (r *ClaimedRun) Finish(ctx context.Context, pass bool, desc string) error {
	result := "fail"
	if pass {
		result = "pass"
	}
	path := fmt.Sprintf("/api/runs/%d/finish", r.RunID)
	return r.client.expectOK(ctx, path, r.BuildToken, map[string]string{
		"result": result, "desc": desc,
	})
}

func (c *Client) post(ctx context.Context, path, token string, body, out interface{}) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) expectOK(ctx context.Context, path, token string, body interface{}) error {
	status, err := c.post(ctx, path, token, body, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: build token rejected", path)
	case http.StatusConflict:
		return fmt.Errorf("%s: run no longer accepts this operation", path)
	default:
		return fmt.Errorf("%s: server said %d", path, status)
	}
}

// Steps tracks where in its build script a run currently is, mirrored to
// the server as the "current_step" metric so the status page can show
// progress. Purely advisory; losing an update costs nothing but detail.
type Steps struct {
	run RunContext

	mu   sync.Mutex
	path []string
}

func NewSteps(run RunContext) *Steps {
	return &Steps{run: run}
}

// Push descends into a named step.
func (s *Steps) Push(ctx context.Context, name string) {
	s.mu.Lock()
	s.path = append(s.path, name)
	s.mu.Unlock()
	s.report(ctx)
}

// Pop leaves the innermost step.
func (s *Steps) Pop(ctx context.Context) {
	s.mu.Lock()
	if len(s.path) > 0 {
		s.path = s.path[:len(s.path)-1]
	}
	s.mu.Unlock()
	s.report(ctx)
}

// Advance replaces the innermost step with a sibling.
func (s *Steps) Advance(ctx context.Context, name string) {
	s.mu.Lock()
	if len(s.path) > 0 {
		s.path[len(s.path)-1] = name
	} else {
		s.path = append(s.path, name)
	}
	s.mu.Unlock()
	s.report(ctx)
}

func (s *Steps) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.path, "/")
}

func (s *Steps) report(ctx context.Context) {
	// A later report overwrites whatever this write carried.
	_ = s.run.RecordMetric(ctx, "current_step", s.Current())
}
