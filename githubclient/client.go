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

// Package githubclient wraps the outbound calls the control plane makes
// against the GitHub REST API: posting commit statuses and bootstrapping
// the inbound push webhook.
package githubclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v32/github"
	"golang.org/x/oauth2"
)

const (
	userAgent      = "beluga-ci"
	requestTimeout = 10 * time.Second
)

// Valid commit status states on the provider side.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// sharedTransport caps concurrent outbound sockets across every notifier
// call; the per-request timeout lives on the client.
var sharedTransport = &http.Transport{
	MaxIdleConns:        10,
	MaxConnsPerHost:     10,
	MaxIdleConnsPerHost: 5,
}

type Client struct {
	gh *github.Client

	// ciServer is this control plane's public hostname, used both as the
	// webhook target and in status target URLs.
	ciServer     string
	webhookToken string
}

// New builds a client authenticated with a personal access token holding
// at least repo:status scope.
func New(ciServer, token, webhookToken string) *Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := &http.Client{
		Transport: &oauth2.Transport{Source: src, Base: sharedTransport},
		Timeout:   requestTimeout,
	}
	gh := github.NewClient(httpClient)
	gh.UserAgent = userAgent
	return &Client{gh: gh, ciServer: ciServer, webhookToken: webhookToken}
}

func splitRemotePath(remotePath string) (owner, repo string, err error) {
	parts := strings.SplitN(remotePath, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("remote path %q is not owner/repo", remotePath)
	}
	return parts[0], parts[1], nil
}

// PostCommitStatus reports a commit state upstream. Anything but 200/201
// from the provider is an error carrying the upstream status code; the
// caller decides whether that is fatal (it never is on the webhook path).
func (c *Client) PostCommitStatus(ctx context.Context, remotePath, sha, state, description, targetURL string) error {
	owner, repo, err := splitRemotePath(remotePath)
	if err != nil {
		return err
	}
	status := &github.RepoStatus{
		State:       github.String(state),
		Description: github.String(description),
		TargetURL:   github.String(targetURL),
		Context:     github.String(userAgent),
	}
	_, resp, err := c.gh.Repositories.CreateStatus(ctx, owner, repo, sha, status)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("post status for %s@%s: upstream %d: %w", remotePath, sha, resp.StatusCode, err)
		}
		return fmt.Errorf("post status for %s@%s: %w", remotePath, sha, err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("post status for %s@%s: upstream %d", remotePath, sha, resp.StatusCode)
	}
	return nil
}

// webhookURL is where the provider should deliver push events for a remote.
func (c *Client) webhookURL(remotePath string) string {
	return fmt.Sprintf("https://%s/%s", c.ciServer, remotePath)
}

// HasWebhook reports whether a hook already points at this CI server.
func (c *Client) HasWebhook(ctx context.Context, remotePath string) (bool, error) {
	owner, repo, err := splitRemotePath(remotePath)
	if err != nil {
		return false, err
	}
	want := c.webhookURL(remotePath)
	opts := &github.ListOptions{PerPage: 100}
	for {
		hooks, resp, err := c.gh.Repositories.ListHooks(ctx, owner, repo, opts)
		if err != nil {
			return false, fmt.Errorf("list hooks for %s: %w", remotePath, err)
		}
		for _, hook := range hooks {
			if url, ok := hook.Config["url"].(string); ok && url == want {
				return true, nil
			}
		}
		if resp.NextPage == 0 {
			return false, nil
		}
		opts.Page = resp.NextPage
	}
}

// CreateWebhook registers a push-event webhook delivering to this CI
// server, HMAC-signed with the remote's preshared webhook token.
func (c *Client) CreateWebhook(ctx context.Context, remotePath string) error {
	owner, repo, err := splitRemotePath(remotePath)
	if err != nil {
		return err
	}
	hook := &github.Hook{
		Events: []string{"push"},
		Active: github.Bool(true),
		Config: map[string]interface{}{
			"url":          c.webhookURL(remotePath),
			"content_type": "json",
			"secret":       c.webhookToken,
		},
	}
	_, resp, err := c.gh.Repositories.CreateHook(ctx, owner, repo, hook)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("create hook for %s: upstream %d: %w", remotePath, resp.StatusCode, err)
		}
		return fmt.Errorf("create hook for %s: %w", remotePath, err)
	}
	return nil
}

// EnsureWebhook makes sure an inbound webhook exists upstream, creating
// one when absent. Reports whether a hook had to be created.
func (c *Client) EnsureWebhook(ctx context.Context, remotePath string) (bool, error) {
	present, err := c.HasWebhook(ctx, remotePath)
	if err != nil {
		return false, err
	}
	if present {
		return false, nil
	}
	if err := c.CreateWebhook(ctx, remotePath); err != nil {
		return false, err
	}
	return true, nil
}

// SetBaseURL points the client at a different API host. Tests use this to
// target a local fake.
func (c *Client) SetBaseURL(raw string) error {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	c.gh.BaseURL = u
	return nil
}
