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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "beluga.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFromFileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
addr: ":9090"
db_path: /var/lib/beluga/state.db
sweep_interval: 10s
`)
	cfg, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "/var/lib/beluga/state.db", cfg.DBPath)
	assert.Equal(t, 10*time.Second, cfg.SweepInterval)
	// Untouched fields keep their defaults.
	assert.Equal(t, "./config", cfg.ConfigRoot)
	assert.Equal(t, time.Hour, cfg.DefaultRunTimeout)
}

func TestFromFileRejectsHalfTLS(t *testing.T) {
	path := writeConfig(t, `
tls_cert: /etc/beluga/cert.pem
`)
	_, err := FromFile(path)
	assert.Error(t, err)

	path = writeConfig(t, `
tls_cert: /etc/beluga/cert.pem
tls_key: /etc/beluga/key.pem
`)
	cfg, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/etc/beluga/cert.pem", cfg.TLSCert)
}

func TestFromFileMissing(t *testing.T) {
	_, err := FromFile(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}
