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

// Store is the single serialization point of the control plane: every
// durable row (repos, remotes, commits, commit names, jobs, runs, metrics,
// artifacts, hosts) lives in one sqlite file mutated only through this
// package. Each exported operation is a single transaction; concurrent
// callers observe a serialized order and never a partial update.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrExists signals a uniqueness-constraint conflict, e.g. adding a
	// repo under a name already taken.
	ErrExists = errors.New("already exists")
	// ErrNotFound signals a lookup that matched no row.
	ErrNotFound = errors.New("not found")
	// ErrTokenInvalid signals a worker callback carrying a build token
	// that does not match the run it targets.
	ErrTokenInvalid = errors.New("build token mismatch")
	// ErrStateInvalid signals a transition from a state that does not
	// permit it, e.g. finishing a run that was never claimed.
	ErrStateInvalid = errors.New("state does not permit transition")
)

type Store struct {
	db *sqlx.DB

	// now is swappable for tests; returns ms since the Unix epoch, UTC.
	now func() int64
}

// Open opens (creating if needed) the database file at path and applies
// the schema. Passing ":memory:" yields a throwaway in-memory store.
//
// The connection pool is capped at a single connection: sqlite serializes
// writers anyway, and a single connection keeps every operation's
// transaction on one handle so readers never observe torn writes.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_fk=1", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Store{db: db, now: nowMs}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nowMs() int64 {
	return time.Now().UTC().UnixNano() / int64(time.Millisecond)
}

// Now exposes the store's clock so callers stamp times consistently.
func (s *Store) Now() int64 {
	return s.now()
}

// newBuildToken returns 128 bits from the system CSPRNG, hex encoded.
func newBuildToken() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate build token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// withTx runs fn inside one transaction, committing iff fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func notFoundOr(err error, wrap string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", wrap, err)
}
