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

// Package config holds the server-side configuration, one small YAML file.
// Notifier configs are separate per-remote JSON documents under ConfigRoot
// and are owned by package notifier.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	// Addr is the host:port tuple the HTTP server binds.
	Addr string `yaml:"addr"`

	// DBPath locates the sqlite state file.
	DBPath string `yaml:"db_path"`

	// ConfigRoot is the directory notifier config paths resolve against.
	// Read-only to the server at runtime.
	ConfigRoot string `yaml:"config_root"`

	// TLS termination is optional here; a fronting proxy may own it.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	// AmqpURL enables best-effort run-enqueued notifications when set.
	AmqpURL   string `yaml:"amqp_url"`
	AmqpQueue string `yaml:"amqp_queue"`

	// SweepInterval spaces the periodic maintenance passes.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// DefaultRunTimeout bounds how long a Pending run may wait unclaimed
	// before the sweep invalidates it, for runs without their own timeout.
	DefaultRunTimeout time.Duration `yaml:"default_run_timeout"`
}

// Default returns the configuration used when no file is given, matching
// the CLI's conventional ./state.db and ./config locations.
func Default() *Config {
	return &Config{
		Addr:              ":8080",
		DBPath:            "./state.db",
		ConfigRoot:        "./config",
		AmqpQueue:         "runs",
		SweepInterval:     30 * time.Second,
		DefaultRunTimeout: time.Hour,
	}
}

// FromFile loads a config file over the defaults.
func FromFile(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("config %s: tls_cert and tls_key must be set together", path)
	}
	return cfg, nil
}
