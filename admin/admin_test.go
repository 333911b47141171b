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

package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepr/beluga/store"
)

const testSha = "0123456789abcdef0123456789abcdef01234567"

func newTestAdmin(t *testing.T) (*Admin, *store.Store, string) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	configRoot := t.TempDir()
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(st, configRoot, log), st, configRoot
}

func writeGithubConfig(t *testing.T, configRoot, name, apiBase string) {
	t.Helper()
	cfg := fmt.Sprintf(`{
		"kind": "github",
		"ci_server": "ci.example.com",
		"token": "tok",
		"webhook_token": "hook-secret",
		"api_base": %q
	}`, apiBase)
	require.NoError(t, os.WriteFile(filepath.Join(configRoot, name), []byte(cfg), 0o600))
}

func TestAddRepoWithRemoteBootstrapsWebhook(t *testing.T) {
	a, st, configRoot := newTestAdmin(t)
	ctx := context.Background()

	hookCreated := false
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte("[]"))
		case http.MethodPost:
			hookCreated = true
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id": 1}`))
		}
	}))
	defer provider.Close()
	writeGithubConfig(t, configRoot, "beluga.config", provider.URL+"/")

	repoID, err := a.AddRepo(ctx, "beluga", &RemoteSpec{
		Path:       "codepr/beluga",
		API:        "github",
		URL:        "https://github.com/codepr/beluga",
		GitURL:     "https://github.com/codepr/beluga.git",
		ConfigPath: "beluga.config",
	})
	require.NoError(t, err)
	assert.True(t, hookCreated)

	remotes, err := st.RemotesForRepo(ctx, repoID)
	require.NoError(t, err)
	require.Len(t, remotes, 1)
	assert.Equal(t, "codepr/beluga", remotes[0].RemotePath)
}

func TestAddRemoteSurvivesMissingConfig(t *testing.T) {
	a, st, _ := newTestAdmin(t)
	ctx := context.Background()

	repoID, err := a.AddRepo(ctx, "beluga", nil)
	require.NoError(t, err)

	// Webhook bootstrap is best effort; the remote is tracked anyway.
	_, err = a.AddRemote(ctx, repoID, RemoteSpec{
		Path:       "codepr/beluga",
		API:        "github",
		ConfigPath: "nonexistent.config",
	})
	require.NoError(t, err)

	remotes, err := st.RemotesForRepo(ctx, repoID)
	require.NoError(t, err)
	assert.Len(t, remotes, 1)
}

func TestAddRemoteRequiresPathAndAPI(t *testing.T) {
	a, _, _ := newTestAdmin(t)
	ctx := context.Background()
	repoID, err := a.AddRepo(ctx, "beluga", nil)
	require.NoError(t, err)

	_, err = a.AddRemote(ctx, repoID, RemoteSpec{Path: "codepr/beluga"})
	assert.Error(t, err)
	_, err = a.AddRemote(ctx, repoID, RemoteSpec{API: "github"})
	assert.Error(t, err)
}

func seedRemote(t *testing.T, a *Admin, st *store.Store) int64 {
	t.Helper()
	ctx := context.Background()
	repoID, err := a.AddRepo(ctx, "beluga", nil)
	require.NoError(t, err)
	remoteID, err := st.NewRemote(ctx, repoID, "codepr/beluga", "github",
		"https://github.com/codepr/beluga",
		"https://github.com/codepr/beluga.git",
		"beluga.config")
	require.NoError(t, err)
	return remoteID
}

func TestCreateJobAndReruns(t *testing.T) {
	a, st, _ := newTestAdmin(t)
	ctx := context.Background()
	seedRemote(t, a, st)

	jobID, run, err := a.CreateJob(ctx, "github:codepr/beluga", testSha, "dev@example.com")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, jobID, run.JobID)

	job, err := st.JobByID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "dev@example.com", job.Source.String)

	// Already enqueued.
	_, _, err = a.CreateJob(ctx, "codepr/beluga", testSha, "")
	assert.ErrorIs(t, err, store.ErrExists)

	rerun, err := a.RerunRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, jobID, rerun.JobID)
	assert.NotEqual(t, run.ID, rerun.ID)

	rerun2, err := a.RerunCommit(ctx, testSha)
	require.NoError(t, err)
	assert.Equal(t, jobID, rerun2.JobID)

	rows, err := a.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	_, _, err = a.CreateJob(ctx, "github:unknown/repo", testSha, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecentJobs(t *testing.T) {
	a, st, _ := newTestAdmin(t)
	ctx := context.Background()
	seedRemote(t, a, st)

	for i, sha := range []string{
		testSha,
		strings.Repeat("a", 40),
		strings.Repeat("b", 40),
	} {
		_, _, err := a.CreateJob(ctx, "codepr/beluga", sha, fmt.Sprintf("dev%d@example.com", i))
		require.NoError(t, err)
	}

	jobs, err := a.RecentJobs(ctx, "github:codepr/beluga", 2)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = a.RecentJobs(ctx, "codepr/beluga", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	var sources []string
	for _, job := range jobs {
		sources = append(sources, job.Source.String)
	}
	assert.ElementsMatch(t, []string{
		"dev0@example.com", "dev1@example.com", "dev2@example.com",
	}, sources)

	_, err = a.RecentJobs(ctx, "github:unknown/repo", 10)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInvalidateRun(t *testing.T) {
	a, st, _ := newTestAdmin(t)
	ctx := context.Background()
	seedRemote(t, a, st)

	_, run, err := a.CreateJob(ctx, "codepr/beluga", testSha, "")
	require.NoError(t, err)

	require.NoError(t, a.InvalidateRun(ctx, run.ID))
	got, err := st.RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunInvalid, got.State)
}

func TestValidateReportsBrokenConfigs(t *testing.T) {
	a, st, configRoot := newTestAdmin(t)
	ctx := context.Background()
	seedRemote(t, a, st)

	// Config file missing entirely.
	problems, err := a.Validate(ctx)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Equal(t, "codepr/beluga", problems[0].Subject)

	// An email config on a github remote can't authenticate webhooks.
	emailCfg, _ := json.Marshal(map[string]string{
		"username": "ci", "password": "x", "mailserver": "smtp.example.com",
		"from": "ci@example.com", "to": "dev@example.com",
	})
	require.NoError(t, os.WriteFile(filepath.Join(configRoot, "beluga.config"), emailCfg, 0o600))
	problems, err = a.Validate(ctx)
	require.NoError(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0].Detail, "webhook")

	// A proper github config clears the finding.
	writeGithubConfig(t, configRoot, "beluga.config", "")
	problems, err = a.Validate(ctx)
	require.NoError(t, err)
	assert.Empty(t, problems)
}
