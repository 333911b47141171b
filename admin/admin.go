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

// Package admin implements the operator-facing maintenance operations the
// belugactl CLI exposes. Everything here talks straight to the state file;
// the HTTP server does not need to be running for any of it.
package admin

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/codepr/beluga/githubclient"
	"github.com/codepr/beluga/notifier"
	"github.com/codepr/beluga/store"
)

type Admin struct {
	store      *store.Store
	configRoot string
	log        *logrus.Logger
}

func New(st *store.Store, configRoot string, log *logrus.Logger) *Admin {
	return &Admin{store: st, configRoot: configRoot, log: log}
}

// RemoteSpec is everything needed to track one provider-hosted mirror.
type RemoteSpec struct {
	Path       string // provider-local id, owner/repo for github
	API        string // "github" for now
	URL        string // human-facing browse URL
	GitURL     string // cloneable
	ConfigPath string // notifier config, relative to the config root
}

// AddRepo declares a new CI target. When spec is non-nil the first remote
// is registered in the same breath, the common case for `repo add`.
func (a *Admin) AddRepo(ctx context.Context, name string, spec *RemoteSpec) (int64, error) {
	repoID, err := a.store.NewRepo(ctx, name)
	if err != nil {
		return 0, err
	}
	if spec != nil {
		if _, err := a.AddRemote(ctx, repoID, *spec); err != nil {
			return 0, fmt.Errorf("repo %q created (id %d) but remote failed: %w", name, repoID, err)
		}
	}
	return repoID, nil
}

// AddRemote registers a remote and, for github remotes with a loadable
// github config, makes sure the push webhook exists upstream. Webhook
// bootstrap is best effort: the remote is tracked either way and the
// operator can re-run validate to see what's missing.
func (a *Admin) AddRemote(ctx context.Context, repoID int64, spec RemoteSpec) (int64, error) {
	if spec.Path == "" || spec.API == "" {
		return 0, fmt.Errorf("remote path and api are required")
	}
	remoteID, err := a.store.NewRemote(ctx, repoID, spec.Path, spec.API, spec.URL, spec.GitURL, spec.ConfigPath)
	if err != nil {
		return 0, err
	}
	if spec.API == "github" {
		a.bootstrapWebhook(ctx, spec)
	}
	return remoteID, nil
}

func (a *Admin) bootstrapWebhook(ctx context.Context, spec RemoteSpec) {
	cfg, err := notifier.GithubConfigFromFile(a.resolveConfig(spec.ConfigPath))
	if err != nil {
		a.log.WithError(err).WithField("remote", spec.Path).
			Warn("no usable github config, skipping webhook bootstrap")
		return
	}
	client := githubclient.New(cfg.CIServer, cfg.Token, cfg.WebhookToken)
	if cfg.APIBase != "" {
		if err := client.SetBaseURL(cfg.APIBase); err != nil {
			a.log.WithError(err).WithField("remote", spec.Path).Warn("bad api_base in config")
			return
		}
	}
	created, err := client.EnsureWebhook(ctx, spec.Path)
	if err != nil {
		a.log.WithError(err).WithField("remote", spec.Path).Warn("webhook bootstrap failed")
		return
	}
	if created {
		a.log.WithField("remote", spec.Path).Info("webhook created")
	} else {
		a.log.WithField("remote", spec.Path).Info("webhook already present")
	}
}

// RepoIDByName resolves a repo name for commands that address repos by name.
func (a *Admin) RepoIDByName(ctx context.Context, name string) (int64, error) {
	return a.store.RepoIDByName(ctx, name)
}

// ListJobs flattens every run with its owning job for operator inspection.
func (a *Admin) ListJobs(ctx context.Context) ([]store.RunListing, error) {
	return a.store.AllRunsWithJobs(ctx)
}

// RerunRun schedules a fresh pending run on the job that owns runID. The
// old run is left untouched; the status page follows the newest run.
func (a *Admin) RerunRun(ctx context.Context, runID int64) (*store.Run, error) {
	run, err := a.store.RunByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	return a.store.NewRun(ctx, run.JobID, nil, nil)
}

// RerunCommit reruns the job owning the commit named by sha.
func (a *Admin) RerunCommit(ctx context.Context, sha string) (*store.Run, error) {
	jobID, err := a.store.JobForCommit(ctx, sha)
	if err != nil {
		return nil, err
	}
	return a.store.NewRun(ctx, jobID, nil, nil)
}

// InvalidateRun abandons a stuck run without waiting for the sweep.
func (a *Admin) InvalidateRun(ctx context.Context, runID int64) error {
	return a.store.InvalidateRun(ctx, runID)
}

// CreateJob manually enqueues a commit, bypassing the webhook. remoteRef
// is either a bare remote path or "api:path", e.g. "github:codepr/beluga".
// source is free-form provenance (typically a pusher email); empty gets a
// generic marker.
func (a *Admin) CreateJob(ctx context.Context, remoteRef, sha, source string) (jobID int64, run *store.Run, err error) {
	api, path := splitRemoteRef(remoteRef)
	remote, err := a.store.RemoteByPathAndAPI(ctx, path, api)
	if err != nil {
		return 0, nil, fmt.Errorf("remote %q: %w", remoteRef, err)
	}
	repo, err := a.store.RepoByID(ctx, remote.RepoID)
	if err != nil {
		return 0, nil, err
	}
	var runPreferences *string
	if repo.DefaultRunPreference.Valid {
		runPreferences = &repo.DefaultRunPreference.String
	}
	if source == "" {
		source = "manually created"
	}
	jobID, _, created, err := a.store.NewJob(ctx, remote.ID, sha, &source, runPreferences)
	if err != nil {
		return 0, nil, err
	}
	if !created {
		return jobID, nil, fmt.Errorf("commit %s already has a job (%d) on %s: %w", sha, jobID, path, store.ErrExists)
	}
	run, err = a.store.NewRun(ctx, jobID, nil, nil)
	return jobID, run, err
}

// RecentJobs lists the newest jobs tracked on a remote, newest first.
// remoteRef takes the same "api:path" form CreateJob accepts.
func (a *Admin) RecentJobs(ctx context.Context, remoteRef string, limit int) ([]store.Job, error) {
	api, path := splitRemoteRef(remoteRef)
	remote, err := a.store.RemoteByPathAndAPI(ctx, path, api)
	if err != nil {
		return nil, fmt.Errorf("remote %q: %w", remoteRef, err)
	}
	return a.store.LastJobsFromRemote(ctx, remote.ID, limit)
}

// splitRemoteRef resolves "api:path" refs, defaulting bare paths to github.
func splitRemoteRef(remoteRef string) (api, path string) {
	api, path = "github", remoteRef
	if idx := strings.Index(remoteRef, ":"); idx > 0 {
		api, path = remoteRef[:idx], remoteRef[idx+1:]
	}
	return api, path
}

// Problem is one finding from Validate.
type Problem struct {
	Subject string
	Detail  string
}

func (p Problem) String() string {
	return p.Subject + ": " + p.Detail
}

// Validate walks every remote and checks its notifier config loads and
// matches a known shape. Returns the findings rather than failing on the
// first, so one pass shows the whole picture.
func (a *Admin) Validate(ctx context.Context) ([]Problem, error) {
	remotes, err := a.store.AllRemotes(ctx)
	if err != nil {
		return nil, err
	}
	var problems []Problem
	for _, remote := range remotes {
		if remote.NotifierConfigPath == "" {
			problems = append(problems, Problem{
				Subject: remote.RemotePath,
				Detail:  "no notifier config path recorded",
			})
			continue
		}
		cfg, err := notifier.ConfigFromFile(a.resolveConfig(remote.NotifierConfigPath))
		if err != nil {
			problems = append(problems, Problem{
				Subject: remote.RemotePath,
				Detail:  err.Error(),
			})
			continue
		}
		kind, _ := cfg.ResolveKind()
		if remote.RemoteAPI == "github" && kind != notifier.KindGithub {
			problems = append(problems, Problem{
				Subject: remote.RemotePath,
				Detail:  fmt.Sprintf("github remote has %s notifier config, inbound webhooks can't be authenticated", kind),
			})
		}
	}
	return problems, nil
}

func (a *Admin) resolveConfig(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(a.configRoot, path)
}
