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

	"github.com/jmoiron/sqlx"
)

// NewJob ensures the commit row for sha exists and records the commitment
// to evaluate it on the given remote. At most one job exists per
// (remote, commit) pair: a duplicate push lands on the existing row and
// created reports false. Everything happens in one transaction, so
// concurrent deliveries of the same push race to exactly one job.
func (s *Store) NewJob(ctx context.Context, remoteID int64, sha string, source, runPreferences *string) (jobID, commitID int64, created bool, err error) {
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		commitID, _, txErr = ensureCommitTx(ctx, tx, sha)
		if txErr != nil {
			return txErr
		}

		var existing Job
		txErr = tx.GetContext(ctx, &existing, jobByRemoteAndCommit, remoteID, commitID)
		if txErr == nil {
			jobID = existing.ID
			created = false
			return nil
		}
		if !errors.Is(txErr, sql.ErrNoRows) {
			return fmt.Errorf("look up job: %w", txErr)
		}

		res, txErr := tx.ExecContext(ctx,
			`insert into jobs (source, created_time, remote_id, commit_id, run_preferences)
				values (?, ?, ?, ?, ?);`,
			nullable(source), s.now(), remoteID, commitID, nullable(runPreferences))
		if txErr != nil {
			return fmt.Errorf("insert job: %w", txErr)
		}
		jobID, txErr = res.LastInsertId()
		created = true
		return txErr
	})
	return jobID, commitID, created, err
}

// JobForCommit resolves a sha to its job id, joining through commits.
func (s *Store) JobForCommit(ctx context.Context, sha string) (int64, error) {
	commitID, err := s.CommitIDBySha(ctx, sha)
	if err != nil {
		return 0, err
	}
	var job Job
	if err := s.db.GetContext(ctx, &job, jobByCommitID, commitID); err != nil {
		return 0, notFoundOr(err, "job for commit")
	}
	return job.ID, nil
}

func (s *Store) JobByID(ctx context.Context, id int64) (*Job, error) {
	var job Job
	if err := s.db.GetContext(ctx, &job, jobByID, id); err != nil {
		return nil, notFoundOr(err, "job by id")
	}
	return &job, nil
}

func (s *Store) LastJobsFromRemote(ctx context.Context, remoteID int64, limit int) ([]Job, error) {
	var jobs []Job
	if err := s.db.SelectContext(ctx, &jobs, lastJobsFromRemote, remoteID, limit); err != nil {
		return nil, fmt.Errorf("last jobs from remote: %w", err)
	}
	return jobs, nil
}

// JobsNeedingHostRun returns jobs created after since whose "all" run
// preference has not yet been satisfied on hostID, skipping jobs that
// already hold an unclaimed run pinned to it.
func (s *Store) JobsNeedingHostRun(ctx context.Context, since, hostID int64) ([]Job, error) {
	var jobs []Job
	if err := s.db.SelectContext(ctx, &jobs, jobsNeedingHostRun, since, hostID, hostID); err != nil {
		return nil, fmt.Errorf("jobs needing host run: %w", err)
	}
	return jobs, nil
}

// AllRunsWithJobs flattens every run with its owning job, ordered by run
// creation time ascending. Backs the admin `job list` operation.
func (s *Store) AllRunsWithJobs(ctx context.Context) ([]RunListing, error) {
	var rows []RunListing
	if err := s.db.SelectContext(ctx, &rows, allRunsWithJobs); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return rows, nil
}

func nullable(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
