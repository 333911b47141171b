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

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

// NewRun creates one more Pending attempt for a job. Reruns are simply
// additional runs on the same job; nothing on the job marks them apart.
// A non-zero hostPreference pins the run so only that host may claim it.
func (s *Store) NewRun(ctx context.Context, jobID int64, hostPreference *int64, runTimeout *int64) (*Run, error) {
	created := s.now()
	res, err := s.db.ExecContext(ctx,
		`insert into runs (job_id, state, created_time, host_preference, run_timeout)
			values (?, ?, ?, ?, ?);`,
		jobID, int(RunPending), created, nullableInt(hostPreference), nullableInt(runTimeout))
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.RunByID(ctx, id)
}

func (s *Store) RunByID(ctx context.Context, id int64) (*Run, error) {
	var run Run
	if err := s.db.GetContext(ctx, &run, runByID, id); err != nil {
		return nil, notFoundOr(err, "run by id")
	}
	return &run, nil
}

// LastRunForJob returns the most recently created run of a job, the one
// whose state the status view reports.
func (s *Store) LastRunForJob(ctx context.Context, jobID int64) (*Run, error) {
	var run Run
	if err := s.db.GetContext(ctx, &run, lastRunForJob, jobID); err != nil {
		return nil, notFoundOr(err, "last run for job")
	}
	return &run, nil
}

// RunsForJob picks one representative run per host: the most recent on
// each, regardless of state.
func (s *Store) RunsForJob(ctx context.Context, jobID int64) ([]Run, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, runsForJob, jobID); err != nil {
		return nil, fmt.Errorf("runs for job: %w", err)
	}
	runs := make([]Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.RunByID(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, nil
}

// ClaimPendingRun atomically hands one eligible Pending run to hostID:
// oldest first, restricted to runs with no host preference or a preference
// matching the claimant. The winning run moves to Started with a fresh
// build token and start timestamp; losers of a concurrent claim get nil.
func (s *Store) ClaimPendingRun(ctx context.Context, hostID int64) (*Run, error) {
	var claimed *Run
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqrl.Select("id").From("runs").
			Where(sqrl.Eq{"state": int(RunPending)}).
			Where(sqrl.Or{sqrl.Eq{"host_preference": nil}, sqrl.Eq{"host_preference": hostID}}).
			OrderBy("created_time asc", "id asc").
			Limit(1).
			ToSql()
		if err != nil {
			return fmt.Errorf("build claim query: %w", err)
		}
		var runID int64
		if err := tx.GetContext(ctx, &runID, query, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select pending run: %w", err)
		}

		token, err := newBuildToken()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`update runs set state=?, host_id=?, build_token=?, started_time=?
				where id=? and state=?;`,
			int(RunStarted), hostID, token, s.now(), runID, int(RunPending))
		if err != nil {
			return fmt.Errorf("claim run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race inside the same transaction window; caller
			// simply sees no work.
			return nil
		}
		var run Run
		if err := tx.GetContext(ctx, &run, runByID, runID); err != nil {
			return fmt.Errorf("reload claimed run: %w", err)
		}
		claimed = &run
		return nil
	})
	return claimed, err
}

// FinishRun moves a Started run to Finished or Error according to result.
// The caller must present the build token handed out at claim time;
// anything else is rejected without touching the row.
func (s *Store) FinishRun(ctx context.Context, runID int64, buildToken string, result BuildResult, finalText string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var run Run
		if err := tx.GetContext(ctx, &run, runByID, runID); err != nil {
			return notFoundOr(err, "run by id")
		}
		if err := checkToken(&run, buildToken); err != nil {
			return err
		}
		if run.State != RunStarted {
			return fmt.Errorf("finish run %d in state %s: %w", runID, run.State, ErrStateInvalid)
		}
		state := RunFinished
		if result != BuildPass {
			state = RunError
		}
		_, err := tx.ExecContext(ctx,
			`update runs set state=?, build_result=?, final_status=?, complete_time=?
				where id=?;`,
			int(state), int(result), finalText, s.now(), runID)
		if err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
		return nil
	})
}

// InvalidateRun administratively abandons a stuck run. Terminal runs are
// left alone.
func (s *Store) InvalidateRun(ctx context.Context, runID int64) error {
	res, err := s.db.ExecContext(ctx,
		`update runs set state=?, complete_time=? where id=? and state in (?, ?);`,
		int(RunInvalid), s.now(), runID, int(RunPending), int(RunStarted))
	if err != nil {
		return fmt.Errorf("invalidate run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStateInvalid
	}
	return nil
}

// SweepExpiredPendingRuns invalidates Pending runs that were never claimed
// within their timeout (falling back to defaultTimeout when the run does
// not carry one). Returns how many runs were swept.
func (s *Store) SweepExpiredPendingRuns(ctx context.Context, defaultTimeout int64) (int64, error) {
	query, args, err := sqrl.Update("runs").
		Set("state", int(RunInvalid)).
		Set("complete_time", s.now()).
		Where(sqrl.Eq{"state": int(RunPending)}).
		Where(sqrl.Expr("created_time + coalesce(run_timeout, ?) < ?", defaultTimeout, s.now())).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build sweep query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sweep pending runs: %w", err)
	}
	return res.RowsAffected()
}

// RecordMetric upserts a (run, name) -> value datum. Re-reporting the same
// metric overwrites the value, so workers can refine numbers as they go.
func (s *Store) RecordMetric(ctx context.Context, runID int64, buildToken, name, value string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := checkRunToken(ctx, tx, runID, buildToken); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`insert into metrics (run_id, name, value) values (?, ?, ?)
				on conflict(run_id, name) do update set value=excluded.value;`,
			runID, name, value)
		if err != nil {
			return fmt.Errorf("record metric: %w", err)
		}
		return nil
	})
}

func (s *Store) MetricsForRun(ctx context.Context, runID int64) ([]Metric, error) {
	var metrics []Metric
	if err := s.db.SelectContext(ctx, &metrics, metricsForRun, runID); err != nil {
		return nil, fmt.Errorf("metrics for run: %w", err)
	}
	return metrics, nil
}

func (s *Store) MetricsForJob(ctx context.Context, jobID int64) ([]Metric, error) {
	var metrics []Metric
	if err := s.db.SelectContext(ctx, &metrics, metricsForJob, jobID); err != nil {
		return nil, fmt.Errorf("metrics for job: %w", err)
	}
	return metrics, nil
}

// CreateArtifact registers a named blob stream for a run. completed_time
// stays NULL until the upload finishes.
func (s *Store) CreateArtifact(ctx context.Context, runID int64, buildToken, name, desc string) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := checkRunToken(ctx, tx, runID, buildToken); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`insert into artifacts (run_id, name, "desc", created_time) values (?, ?, ?, ?);`,
			runID, name, desc, s.now())
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// CompleteArtifact stamps the upload as finished. The token must belong to
// the run owning the artifact.
func (s *Store) CompleteArtifact(ctx context.Context, artifactID int64, buildToken string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var artifact Artifact
		if err := tx.GetContext(ctx, &artifact, artifactByID, artifactID); err != nil {
			return notFoundOr(err, "artifact by id")
		}
		if err := checkRunToken(ctx, tx, artifact.RunID, buildToken); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`update artifacts set completed_time=? where id=?;`, s.now(), artifactID)
		if err != nil {
			return fmt.Errorf("complete artifact: %w", err)
		}
		return nil
	})
}

func (s *Store) ArtifactByID(ctx context.Context, artifactID int64) (*Artifact, error) {
	var artifact Artifact
	if err := s.db.GetContext(ctx, &artifact, artifactByID, artifactID); err != nil {
		return nil, notFoundOr(err, "artifact by id")
	}
	return &artifact, nil
}

func (s *Store) ArtifactsForRun(ctx context.Context, runID int64) ([]Artifact, error) {
	var artifacts []Artifact
	if err := s.db.SelectContext(ctx, &artifacts, artifactsForRun, runID); err != nil {
		return nil, fmt.Errorf("artifacts for run: %w", err)
	}
	return artifacts, nil
}

// EnsureHost resolves a hardware fingerprint to a host id, inserting the
// row on first sight. Any change in the tuple means a different host.
func (s *Store) EnsureHost(ctx context.Context, h *Host) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqrl.Select("id").From("hosts").Where(sqrl.Eq{
			"hostname":         h.Hostname,
			"cpu_vendor_id":    h.CPUVendorID,
			"cpu_model_name":   h.CPUModelName,
			"cpu_family":       h.CPUFamily,
			"cpu_model":        h.CPUModel,
			"cpu_microcode":    h.CPUMicrocode,
			"cpu_cores":        h.CPUCores,
			"mem_total":        h.MemTotal,
			"arch":             h.Arch,
			"family":           h.Family,
			"os":               h.OS,
		}).ToSql()
		if err != nil {
			return fmt.Errorf("build host query: %w", err)
		}
		txErr := tx.GetContext(ctx, &id, query, args...)
		if txErr == nil {
			return nil
		}
		if !errors.Is(txErr, sql.ErrNoRows) {
			return fmt.Errorf("look up host: %w", txErr)
		}
		res, txErr := tx.ExecContext(ctx,
			`insert into hosts (hostname, cpu_vendor_id, cpu_model_name, cpu_family,
				cpu_model, cpu_microcode, cpu_max_freq_khz, cpu_cores, mem_total,
				arch, family, os)
				values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			h.Hostname, h.CPUVendorID, h.CPUModelName, h.CPUFamily, h.CPUModel,
			h.CPUMicrocode, h.CPUMaxFreqKHz, h.CPUCores, h.MemTotal, h.Arch,
			h.Family, h.OS)
		if txErr != nil {
			return fmt.Errorf("insert host: %w", txErr)
		}
		id, txErr = res.LastInsertId()
		return txErr
	})
	return id, err
}

func (s *Store) AllHosts(ctx context.Context) ([]Host, error) {
	var hosts []Host
	if err := s.db.SelectContext(ctx, &hosts,
		`select id, hostname, cpu_vendor_id, cpu_model_name, cpu_family, cpu_model,
			cpu_microcode, cpu_max_freq_khz, cpu_cores, mem_total, arch, family, os
			from hosts;`); err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	return hosts, nil
}

func checkRunToken(ctx context.Context, tx *sqlx.Tx, runID int64, buildToken string) error {
	var run Run
	if err := tx.GetContext(ctx, &run, runByID, runID); err != nil {
		return notFoundOr(err, "run by id")
	}
	return checkToken(&run, buildToken)
}

func checkToken(run *Run, buildToken string) error {
	if !run.BuildToken.Valid || run.BuildToken.String != buildToken || buildToken == "" {
		return fmt.Errorf("run %d: %w", run.ID, ErrTokenInvalid)
	}
	return nil
}
