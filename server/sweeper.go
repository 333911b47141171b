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

package server

import (
	"context"
	"time"

	git "github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/sirupsen/logrus"

	"github.com/codepr/beluga/store"
)

// hostCoverageWindow bounds how far back the host-coverage sweep reaches.
// Jobs older than this never grow new per-host runs, even under "all".
const hostCoverageWindow = 14 * 24 * time.Hour

// Sweeper runs the periodic maintenance passes: invalidating pending runs
// nobody claimed in time, backfilling per-host runs for "all"-preference
// jobs, and demoting commit names whose upstream ref has moved on. Every
// pass is idempotent, so overlapping or repeated sweeps are harmless.
type Sweeper struct {
	store          *store.Store
	log            *logrus.Logger
	interval       time.Duration
	defaultTimeout time.Duration
	quit           chan struct{}
}

func NewSweeper(st *store.Store, log *logrus.Logger, interval, defaultTimeout time.Duration) *Sweeper {
	return &Sweeper{
		store:          st,
		log:            log,
		interval:       interval,
		defaultTimeout: defaultTimeout,
		quit:           make(chan struct{}),
	}
}

func (sw *Sweeper) Start() {
	ticker := time.NewTicker(sw.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sw.sweep()
			case <-sw.quit:
				return
			}
		}
	}()
}

func (sw *Sweeper) Stop() {
	close(sw.quit)
}

func (sw *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sw.interval)
	defer cancel()
	sw.sweepExpired(ctx)
	sw.sweepHostCoverage(ctx)
	sw.sweepNameFreshness(ctx)
}

func (sw *Sweeper) sweepExpired(ctx context.Context) {
	n, err := sw.store.SweepExpiredPendingRuns(ctx, sw.defaultTimeout.Milliseconds())
	if err != nil {
		sw.log.WithError(err).Error("sweep expired runs")
		return
	}
	if n > 0 {
		runsSwept.Add(float64(n))
		sw.log.WithField("count", n).Info("invalidated expired pending runs")
	}
}

// sweepHostCoverage creates pinned runs so every known host eventually
// evaluates each recent "all"-preference job exactly once.
func (sw *Sweeper) sweepHostCoverage(ctx context.Context) {
	hosts, err := sw.store.AllHosts(ctx)
	if err != nil {
		sw.log.WithError(err).Error("list hosts")
		return
	}
	since := sw.store.Now() - hostCoverageWindow.Milliseconds()
	for _, host := range hosts {
		jobs, err := sw.store.JobsNeedingHostRun(ctx, since, host.ID)
		if err != nil {
			sw.log.WithError(err).WithField("host", host.Hostname).Error("jobs needing host run")
			continue
		}
		for _, job := range jobs {
			hostID := host.ID
			if _, err := sw.store.NewRun(ctx, job.ID, &hostID, nil); err != nil {
				sw.log.WithError(err).WithFields(logrus.Fields{
					"job_id": job.ID,
					"host":   host.Hostname,
				}).Error("backfill host run")
				continue
			}
			sw.log.WithFields(logrus.Fields{
				"job_id": job.ID,
				"host":   host.Hostname,
			}).Info("backfilled host run")
		}
	}
}

// sweepNameFreshness lists each remote's refs and demotes recorded branch
// names that no longer point at the commit they were recorded for. Short
// sha names are never considered, they can't go stale.
func (sw *Sweeper) sweepNameFreshness(ctx context.Context) {
	remotes, err := sw.store.AllRemotes(ctx)
	if err != nil {
		sw.log.WithError(err).Error("list remotes")
		return
	}
	for _, remote := range remotes {
		names, err := sw.store.FreshNamesForRemote(ctx, remote.ID)
		if err != nil {
			sw.log.WithError(err).WithField("remote", remote.RemotePath).Error("fresh names")
			continue
		}
		if len(names) == 0 {
			continue
		}
		refs, err := listRemoteRefs(ctx, remote.RemoteGitURL)
		if err != nil {
			// Upstream unreachable; try again next interval rather than
			// demoting names on flaky evidence.
			sw.log.WithError(err).WithField("remote", remote.RemotePath).
				Warn("skipping name freshness, remote unreachable")
			continue
		}
		for _, name := range names {
			sha, known := refs["refs/heads/"+name.Name]
			if known && sha == name.Sha {
				continue
			}
			if err := sw.store.MarkCommitNameStale(ctx, name.NameID); err != nil {
				sw.log.WithError(err).WithField("name", name.Name).Error("mark name stale")
				continue
			}
			sw.log.WithFields(logrus.Fields{
				"remote": remote.RemotePath,
				"name":   name.Name,
			}).Info("commit name went stale")
		}
	}
}

// listRemoteRefs asks the upstream for its ref advertisement without
// cloning anything, and flattens it to ref name -> sha.
func listRemoteRefs(ctx context.Context, gitURL string) (map[string]string, error) {
	rem := git.NewRemote(memory.NewStorage(), &gitcfg.RemoteConfig{
		Name: "origin",
		URLs: []string{gitURL},
	})
	refs, err := rem.ListContext(ctx, &git.ListOptions{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(refs))
	for _, ref := range refs {
		out[ref.Name().String()] = ref.Hash().String()
	}
	return out, nil
}
