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

// Package notifier resolves per-remote outbound notification configs and
// reports job state transitions upstream, either as GitHub commit statuses
// or as plain emails. Notifier handles borrow a remote's identity and
// re-read config from disk on each resolution; nothing here caches
// mutable state, so rotating a secret on disk takes effect on the next
// lookup without a restart.
package notifier

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/sirupsen/logrus"
	gomail "gopkg.in/gomail.v2"

	"github.com/codepr/beluga/githubclient"
	"github.com/codepr/beluga/store"
)

// RemoteNotifier is an outbound channel bound to one remote.
type RemoteNotifier struct {
	RemotePath string
	Config     *Config
}

// Registry loads per-remote notifier configs from disk and produces
// notifier handles bound to a remote.
type Registry struct {
	store      *store.Store
	configRoot string
	log        *logrus.Logger
}

func NewRegistry(st *store.Store, configRoot string, log *logrus.Logger) *Registry {
	return &Registry{store: st, configRoot: configRoot, log: log}
}

// NotifiersForRepo joins a repo's remotes with their config files. A
// remote whose config fails to load is a hard error; validate should have
// caught it earlier.
func (r *Registry) NotifiersForRepo(ctx context.Context, repoID int64) ([]*RemoteNotifier, error) {
	remotes, err := r.store.RemotesForRepo(ctx, repoID)
	if err != nil {
		return nil, err
	}
	notifiers := make([]*RemoteNotifier, 0, len(remotes))
	for _, remote := range remotes {
		cfg, err := ConfigFromFile(resolveConfigPath(r.configRoot, remote.NotifierConfigPath))
		if err != nil {
			return nil, fmt.Errorf("remote %d (%s): %w", remote.ID, remote.RemotePath, err)
		}
		notifiers = append(notifiers, &RemoteNotifier{
			RemotePath: remote.RemotePath,
			Config:     cfg,
		})
	}
	return notifiers, nil
}

// WebhookSecrets collects the union of webhook_token values across every
// github-kind notifier config known to the store. The webhook ingress
// accepts a delivery iff its HMAC matches any of these, so rotating a
// repo's secret never requires a restart. Configs that fail to load are
// logged and skipped: one broken file must not lock every repo out.
func (r *Registry) WebhookSecrets(ctx context.Context) ([][]byte, error) {
	remotes, err := r.store.AllRemotes(ctx)
	if err != nil {
		return nil, err
	}
	var secrets [][]byte
	seen := make(map[string]bool)
	for _, remote := range remotes {
		if remote.RemoteAPI != "github" {
			continue
		}
		cfg, err := ConfigFromFile(resolveConfigPath(r.configRoot, remote.NotifierConfigPath))
		if err != nil {
			r.log.WithError(err).WithField("remote", remote.RemotePath).
				Warn("skipping unreadable notifier config")
			continue
		}
		if kind, err := cfg.ResolveKind(); err != nil || kind != KindGithub {
			continue
		}
		if !seen[cfg.WebhookToken] {
			seen[cfg.WebhookToken] = true
			secrets = append(secrets, []byte(cfg.WebhookToken))
		}
	}
	return secrets, nil
}

// TellPendingJob reports that a job has been queued for a commit.
func (n *RemoteNotifier) TellPendingJob(ctx context.Context, repoID int64, sha string, jobID int64) error {
	return n.TellJobStatus(ctx, sha, githubclient.StatusPending, "build is queued")
}

// TellCompleteJob reports a terminal job outcome.
func (n *RemoteNotifier) TellCompleteJob(ctx context.Context, repoID int64, sha string, jobID int64, pass bool, desc string) error {
	state := githubclient.StatusSuccess
	if !pass {
		state = githubclient.StatusFailure
	}
	return n.TellJobStatus(ctx, sha, state, desc)
}

// TellJobStatus delivers one status transition upstream on whichever
// channel the remote's config selects.
func (n *RemoteNotifier) TellJobStatus(ctx context.Context, sha, state, desc string) error {
	kind, err := n.Config.ResolveKind()
	if err != nil {
		return err
	}
	switch kind {
	case KindGithub:
		targetURL := fmt.Sprintf("https://%s/%s/%s", n.Config.CIServer, n.RemotePath, sha)
		client := githubclient.New(n.Config.CIServer, n.Config.Token, n.Config.WebhookToken)
		if n.Config.APIBase != "" {
			if err := client.SetBaseURL(n.Config.APIBase); err != nil {
				return fmt.Errorf("api_base %q: %w", n.Config.APIBase, err)
			}
		}
		return client.PostCommitStatus(ctx, n.RemotePath, sha, state, desc, targetURL)
	case KindEmail:
		return n.sendEmail(
			fmt.Sprintf("[ci] %s: %s is %s", n.RemotePath, shortSha(sha), state),
			fmt.Sprintf("commit %s on %s: %s (%s)\n", sha, n.RemotePath, state, desc))
	default:
		return fmt.Errorf("unknown notifier kind %q", kind)
	}
}

func (n *RemoteNotifier) sendEmail(subject, body string) error {
	host, portStr, err := net.SplitHostPort(n.Config.Mailserver)
	if err != nil {
		// Bare hostname, default submission port.
		host, portStr = n.Config.Mailserver, "587"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("mailserver %q: bad port: %w", n.Config.Mailserver, err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.Config.From)
	m.SetHeader("To", n.Config.To)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	d := gomail.NewDialer(host, port, n.Config.Username, n.Config.Password)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send mail via %s: %w", n.Config.Mailserver, err)
	}
	return nil
}

func shortSha(sha string) string {
	if len(sha) > 9 {
		return sha[:9]
	}
	return sha
}
