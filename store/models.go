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
	"database/sql"
	"fmt"
)

// RunState tracks the lifecycle of a single run. Transitions only move
// forward: Pending -> Started -> {Finished, Error}, with Invalid reachable
// from Pending (timeout sweep) or administratively from a stuck Started.
type RunState int

const (
	RunPending  RunState = 0
	RunStarted  RunState = 1
	RunFinished RunState = 2
	RunError    RunState = 3
	RunInvalid  RunState = 4
)

// RunStateFromInt converts the persisted integer form back to a RunState,
// rejecting anything outside the known range.
func RunStateFromInt(v int64) (RunState, error) {
	if v < int64(RunPending) || v > int64(RunInvalid) {
		return 0, fmt.Errorf("invalid run state: %d", v)
	}
	return RunState(v), nil
}

func (s RunState) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunStarted:
		return "started"
	case RunFinished:
		return "finished"
	case RunError:
		return "error"
	case RunInvalid:
		return "invalid"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Terminal reports whether no further transition is allowed from s.
func (s RunState) Terminal() bool {
	return s == RunFinished || s == RunError || s == RunInvalid
}

// BuildResult is the terminal outcome reported by a worker.
type BuildResult int

const (
	BuildPass BuildResult = 0
	BuildFail BuildResult = 1
)

// NameState qualifies a human-oriented commit name.
type NameState int

const (
	// NameFresh means the name still resolves to this commit upstream.
	NameFresh NameState = 0
	// NameStale means the ref has since moved on to another commit.
	NameStale NameState = 1
	// NameShortSha is not a ref at all, just a prefix of the full hash.
	NameShortSha NameState = 2
)

func NameStateFromInt(v int64) (NameState, error) {
	if v < int64(NameFresh) || v > int64(NameShortSha) {
		return 0, fmt.Errorf("invalid name state: %d", v)
	}
	return NameState(v), nil
}

type Repo struct {
	ID                   int64          `db:"id"`
	Name                 string         `db:"repo_name"`
	DefaultRunPreference sql.NullString `db:"default_run_preference"`
}

// Remote is one provider-hosted mirror of a repo. RemoteAPI is `github` for
// now; RemotePath is the provider-local identifier (`owner/reponame` for
// github remotes). RemoteURL is for humans, RemoteGitURL can be cloned.
type Remote struct {
	ID                 int64  `db:"id"`
	RepoID             int64  `db:"repo_id"`
	RemotePath         string `db:"remote_path"`
	RemoteAPI          string `db:"remote_api"`
	RemoteURL          string `db:"remote_url"`
	RemoteGitURL       string `db:"remote_git_url"`
	NotifierConfigPath string `db:"notifier_config_path"`
}

type Commit struct {
	ID  int64  `db:"id"`
	Sha string `db:"sha"`
}

type CommitName struct {
	ID       int64     `db:"id"`
	CommitID int64     `db:"commit_id"`
	Name     string    `db:"name"`
	State    NameState `db:"name_state"`
}

// Stringy renders the name the way the status page wants it, flagging
// names that no longer resolve to the commit.
func (n CommitName) Stringy() string {
	if n.State == NameStale {
		return n.Name + " (stale)"
	}
	return n.Name
}

// Job is the commitment to evaluate one commit on one remote. At most one
// job exists per (remote, commit) pair; a duplicate push must find the
// existing row instead of creating a second one.
type Job struct {
	ID             int64          `db:"id"`
	Source         sql.NullString `db:"source"`
	CreatedTime    int64          `db:"created_time"`
	RemoteID       int64          `db:"remote_id"`
	CommitID       int64          `db:"commit_id"`
	RunPreferences sql.NullString `db:"run_preferences"`
}

// Run is one attempt to execute a job on some host. A job may accumulate
// many runs: reruns, or one per host under the "all" run preference.
type Run struct {
	ID             int64          `db:"id"`
	JobID          int64          `db:"job_id"`
	ArtifactsPath  sql.NullString `db:"artifacts_path"`
	State          RunState       `db:"state"`
	HostID         sql.NullInt64  `db:"host_id"`
	BuildToken     sql.NullString `db:"build_token"`
	CreatedTime    int64          `db:"created_time"`
	StartedTime    sql.NullInt64  `db:"started_time"`
	CompleteTime   sql.NullInt64  `db:"complete_time"`
	RunTimeout     sql.NullInt64  `db:"run_timeout"`
	BuildResult    sql.NullInt64  `db:"build_result"`
	FinalText      sql.NullString `db:"final_status"`
	HostPreference sql.NullInt64  `db:"host_preference"`
}

type Metric struct {
	ID    int64  `db:"id"`
	RunID int64  `db:"run_id"`
	Name  string `db:"name"`
	Value string `db:"value"`
}

type Artifact struct {
	ID            int64         `db:"id"`
	RunID         int64         `db:"run_id"`
	Name          string        `db:"name"`
	Desc          string        `db:"desc"`
	CreatedTime   int64         `db:"created_time"`
	CompletedTime sql.NullInt64 `db:"completed_time"`
}

// InProgress reports whether the artifact upload has not finished yet.
func (a Artifact) InProgress() bool {
	return !a.CompletedTime.Valid
}

// Host fingerprints a worker machine. The uniqueness constraint spans the
// whole tuple so a re-provisioned host shows up as a new row.
type Host struct {
	ID            int64  `db:"id"`
	Hostname      string `db:"hostname"`
	CPUVendorID   string `db:"cpu_vendor_id"`
	CPUModelName  string `db:"cpu_model_name"`
	CPUFamily     string `db:"cpu_family"`
	CPUModel      string `db:"cpu_model"`
	CPUMicrocode  string `db:"cpu_microcode"`
	CPUMaxFreqKHz int64  `db:"cpu_max_freq_khz"`
	CPUCores      int64  `db:"cpu_cores"`
	MemTotal      string `db:"mem_total"`
	Arch          string `db:"arch"`
	Family        string `db:"family"`
	OS            string `db:"os"`
}

// RunListing is one row of the flattened runs-with-job view used by the
// admin `job list` operation.
type RunListing struct {
	JobID          int64          `db:"job_id"`
	RunID          int64          `db:"run_id"`
	State          RunState       `db:"state"`
	CreatedTime    int64          `db:"created_time"`
	CommitID       int64          `db:"commit_id"`
	RunPreferences sql.NullString `db:"run_preferences"`
}
