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

package notifier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config kinds. New config files should carry an explicit "kind" field;
// legacy files are disambiguated by which fields they populate.
const (
	KindGithub = "github"
	KindEmail  = "email"
)

// Config is the per-remote outbound notification configuration, one small
// JSON document per remote under the config root.
//
// GitHub shape: { ci_server, token, webhook_token } where token is a
// personal access token with repo:status scope and webhook_token is the
// HMAC preshared secret expected on inbound webhooks.
//
// Email shape: { username, password, mailserver, from, to }.
type Config struct {
	Kind string `json:"kind,omitempty"`

	CIServer     string `json:"ci_server,omitempty"`
	Token        string `json:"token,omitempty"`
	WebhookToken string `json:"webhook_token,omitempty"`

	// APIBase overrides the provider API root, for enterprise installs
	// that don't live at the public endpoint. Empty means the default.
	APIBase string `json:"api_base,omitempty"`

	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	Mailserver string `json:"mailserver,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
}

func (c *Config) looksGithub() bool {
	return c.CIServer != "" && c.Token != "" && c.WebhookToken != ""
}

func (c *Config) looksEmail() bool {
	return c.Username != "" && c.Password != "" && c.Mailserver != "" &&
		c.From != "" && c.To != ""
}

// ResolveKind returns the config's kind, trusting an explicit kind field
// and falling back to field-shape disambiguation for legacy files. A file
// matching neither shape is a hard error.
func (c *Config) ResolveKind() (string, error) {
	switch c.Kind {
	case KindGithub:
		if !c.looksGithub() {
			return "", fmt.Errorf("config declares kind %q but misses github fields", c.Kind)
		}
		return KindGithub, nil
	case KindEmail:
		if !c.looksEmail() {
			return "", fmt.Errorf("config declares kind %q but misses email fields", c.Kind)
		}
		return KindEmail, nil
	case "":
		if c.looksGithub() {
			return KindGithub, nil
		}
		if c.looksEmail() {
			return KindEmail, nil
		}
		return "", fmt.Errorf("config matches neither github nor email shape")
	default:
		return "", fmt.Errorf("unknown notifier kind %q", c.Kind)
	}
}

// ConfigFromFile loads and shape-checks a notifier config.
func ConfigFromFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read notifier config at %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse notifier config at %s: %w", path, err)
	}
	if _, err := cfg.ResolveKind(); err != nil {
		return nil, fmt.Errorf("notifier config at %s: %w", path, err)
	}
	return &cfg, nil
}

// GithubConfigFromFile loads a config and requires the github shape.
func GithubConfigFromFile(path string) (*Config, error) {
	cfg, err := ConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	kind, err := cfg.ResolveKind()
	if err != nil {
		return nil, err
	}
	if kind != KindGithub {
		return nil, fmt.Errorf("config at %s doesn't look like a github config (but was otherwise valid?)", path)
	}
	return cfg, nil
}

// EmailConfigFromFile loads a config and requires the email shape.
func EmailConfigFromFile(path string) (*Config, error) {
	cfg, err := ConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	kind, err := cfg.ResolveKind()
	if err != nil {
		return nil, err
	}
	if kind != KindEmail {
		return nil, fmt.Errorf("config at %s doesn't look like an email config (but was otherwise valid?)", path)
	}
	return cfg, nil
}

// resolveConfigPath anchors a remote's notifier_config_path under the
// configured config root.
func resolveConfigPath(configRoot, configPath string) string {
	if filepath.IsAbs(configPath) {
		return configPath
	}
	return filepath.Join(configRoot, configPath)
}
