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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// NewRepo creates an operator-declared CI target. Names are unique;
// a duplicate yields ErrExists.
func (s *Store) NewRepo(ctx context.Context, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`insert into repos (repo_name) values (?);`, name)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, fmt.Errorf("repo %q: %w", name, ErrExists)
		}
		return 0, fmt.Errorf("insert repo: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) RepoIDByName(ctx context.Context, name string) (int64, error) {
	var id int64
	if err := s.db.GetContext(ctx, &id, repoIDByName, name); err != nil {
		return 0, notFoundOr(err, "repo by name")
	}
	return id, nil
}

func (s *Store) RepoByID(ctx context.Context, id int64) (*Repo, error) {
	var repo Repo
	if err := s.db.GetContext(ctx, &repo, repoByID, id); err != nil {
		return nil, notFoundOr(err, "repo by id")
	}
	return &repo, nil
}

func (s *Store) AllRepos(ctx context.Context) ([]Repo, error) {
	var repos []Repo
	if err := s.db.SelectContext(ctx, &repos, allRepos); err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	return repos, nil
}

// SetDefaultRunPreference records the repo-level run preference applied to
// jobs that do not carry their own.
func (s *Store) SetDefaultRunPreference(ctx context.Context, repoID int64, pref string) error {
	res, err := s.db.ExecContext(ctx,
		`update repos set default_run_preference=? where id=?;`, pref, repoID)
	if err != nil {
		return fmt.Errorf("set run preference: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// NewRemote registers a provider-hosted mirror of a repo. The notifier
// config path is stored relative to the config root, resolved at load time.
func (s *Store) NewRemote(ctx context.Context, repoID int64, remotePath, remoteAPI, remoteURL, gitURL, notifierConfigPath string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`insert into remotes (repo_id, remote_path, remote_api, remote_url, remote_git_url, notifier_config_path)
			values (?, ?, ?, ?, ?, ?);`,
		repoID, remotePath, remoteAPI, remoteURL, gitURL, notifierConfigPath)
	if err != nil {
		return 0, fmt.Errorf("insert remote: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) RemoteByPathAndAPI(ctx context.Context, remotePath, remoteAPI string) (*Remote, error) {
	var remote Remote
	if err := s.db.GetContext(ctx, &remote, remoteByPathAndAPI, remotePath, remoteAPI); err != nil {
		return nil, notFoundOr(err, "remote by path and api")
	}
	return &remote, nil
}

func (s *Store) RemoteByID(ctx context.Context, id int64) (*Remote, error) {
	var remote Remote
	if err := s.db.GetContext(ctx, &remote, remoteByID, id); err != nil {
		return nil, notFoundOr(err, "remote by id")
	}
	return &remote, nil
}

func (s *Store) RemotesForRepo(ctx context.Context, repoID int64) ([]Remote, error) {
	var remotes []Remote
	if err := s.db.SelectContext(ctx, &remotes, remotesForRepo, repoID); err != nil {
		return nil, fmt.Errorf("remotes for repo: %w", err)
	}
	return remotes, nil
}

func (s *Store) AllRemotes(ctx context.Context) ([]Remote, error) {
	var remotes []Remote
	if err := s.db.SelectContext(ctx, &remotes, allRemotes); err != nil {
		return nil, fmt.Errorf("list remotes: %w", err)
	}
	return remotes, nil
}

// EnsureCommit records a sha if it has not been seen before. Idempotent:
// the second return reports whether the row is new.
func (s *Store) EnsureCommit(ctx context.Context, sha string) (int64, bool, error) {
	var id int64
	var wasNew bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		id, wasNew, txErr = ensureCommitTx(ctx, tx, sha)
		return txErr
	})
	return id, wasNew, err
}

func ensureCommitTx(ctx context.Context, tx *sqlx.Tx, sha string) (int64, bool, error) {
	var id int64
	err := tx.GetContext(ctx, &id, commitToID, sha)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("look up commit: %w", err)
	}
	res, err := tx.ExecContext(ctx, `insert into commits (sha) values (?);`, sha)
	if err != nil {
		return 0, false, fmt.Errorf("insert commit: %w", err)
	}
	id, err = res.LastInsertId()
	return id, true, err
}

func (s *Store) CommitByID(ctx context.Context, id int64) (*Commit, error) {
	var commit Commit
	if err := s.db.GetContext(ctx, &commit, commitByID, id); err != nil {
		return nil, notFoundOr(err, "commit by id")
	}
	return &commit, nil
}

func (s *Store) CommitIDBySha(ctx context.Context, sha string) (int64, error) {
	var id int64
	if err := s.db.GetContext(ctx, &id, commitToID, sha); err != nil {
		return 0, notFoundOr(err, "commit by sha")
	}
	return id, nil
}

// AddCommitName attaches a human-oriented label (branch, tag, short sha)
// to a commit.
func (s *Store) AddCommitName(ctx context.Context, commitID int64, name string, state NameState) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`insert into commit_names (commit_id, name, name_state) values (?, ?, ?);`,
		commitID, name, int(state))
	if err != nil {
		return 0, fmt.Errorf("insert commit name: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) CommitNamesForCommit(ctx context.Context, commitID int64) ([]CommitName, error) {
	var names []CommitName
	if err := s.db.SelectContext(ctx, &names, namesForCommit, commitID); err != nil {
		return nil, fmt.Errorf("names for commit: %w", err)
	}
	return names, nil
}

// MarkCommitNameStale downgrades a name whose ref no longer resolves to
// the commit upstream. ShortSha names are never stale and stay untouched.
func (s *Store) MarkCommitNameStale(ctx context.Context, nameID int64) error {
	res, err := s.db.ExecContext(ctx,
		`update commit_names set name_state=? where id=? and name_state=?;`,
		int(NameStale), nameID, int(NameFresh))
	if err != nil {
		return fmt.Errorf("mark name stale: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FreshNameRow feeds the name-freshness sweep: a still-fresh name together
// with the sha it is expected to resolve to.
type FreshNameRow struct {
	NameID int64  `db:"id"`
	Name   string `db:"name"`
	Sha    string `db:"sha"`
}

func (s *Store) FreshNamesForRemote(ctx context.Context, remoteID int64) ([]FreshNameRow, error) {
	var rows []FreshNameRow
	if err := s.db.SelectContext(ctx, &rows, freshNamesForRemote, remoteID); err != nil {
		return nil, fmt.Errorf("fresh names for remote: %w", err)
	}
	return rows, nil
}
