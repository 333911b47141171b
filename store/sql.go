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

// Schema statements. All timestamps are integer milliseconds since the
// Unix epoch, UTC. Schema evolution is append-only: new columns must be
// nullable and added at the end of their table.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS repos (id INTEGER PRIMARY KEY AUTOINCREMENT,
		repo_name TEXT,
		default_run_preference TEXT);`,

	// remote_api is "github" for now; remote_path is a provider-local
	// identifier, "owner/repo" for github remotes. remote_url is for humans,
	// remote_git_url can be git clone'd.
	`CREATE TABLE IF NOT EXISTS remotes (id INTEGER PRIMARY KEY AUTOINCREMENT,
		repo_id INTEGER,
		remote_path TEXT,
		remote_api TEXT,
		remote_url TEXT,
		remote_git_url TEXT,
		notifier_config_path TEXT);`,

	`CREATE TABLE IF NOT EXISTS commits (id INTEGER PRIMARY KEY AUTOINCREMENT,
		sha TEXT UNIQUE);`,

	`CREATE TABLE IF NOT EXISTS commit_names (id INTEGER PRIMARY KEY AUTOINCREMENT,
		commit_id INTEGER,
		name TEXT,
		name_state INTEGER);`,

	// remote_id records which remote notified us, so a worker knows where
	// to pull from to actually run the job.
	`CREATE TABLE IF NOT EXISTS jobs (id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT,
		created_time INTEGER,
		remote_id INTEGER,
		commit_id INTEGER,
		run_preferences TEXT);`,

	`CREATE TABLE IF NOT EXISTS runs (id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id INTEGER,
		artifacts_path TEXT,
		state INTEGER NOT NULL,
		host_id INTEGER,
		build_token TEXT,
		created_time INTEGER,
		started_time INTEGER,
		complete_time INTEGER,
		run_timeout INTEGER,
		build_result INTEGER,
		final_status TEXT,
		host_preference INTEGER);`,

	`CREATE TABLE IF NOT EXISTS metrics (id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER,
		name TEXT,
		value TEXT,
		UNIQUE(run_id, name));`,

	`CREATE TABLE IF NOT EXISTS artifacts (id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER,
		name TEXT,
		desc TEXT,
		created_time INTEGER,
		completed_time INTEGER);`,

	`CREATE TABLE IF NOT EXISTS hosts (id INTEGER PRIMARY KEY AUTOINCREMENT,
		hostname TEXT,
		cpu_vendor_id TEXT,
		cpu_model_name TEXT,
		cpu_family TEXT,
		cpu_model TEXT,
		cpu_microcode TEXT,
		cpu_max_freq_khz INTEGER,
		cpu_cores INTEGER,
		mem_total TEXT,
		arch TEXT,
		family TEXT,
		os TEXT,
		UNIQUE(hostname, cpu_vendor_id, cpu_model_name, cpu_family, cpu_model,
			cpu_microcode, cpu_cores, mem_total, arch, family, os));`,

	`CREATE UNIQUE INDEX IF NOT EXISTS 'repo_names' ON repos(repo_name);`,
	`CREATE INDEX IF NOT EXISTS 'repo_to_remote' ON remotes(repo_id);`,
	`CREATE INDEX IF NOT EXISTS 'names_by_commit' ON commit_names(commit_id);`,
}

const runColumns = `id,
	job_id,
	artifacts_path,
	state,
	host_id,
	build_token,
	created_time,
	started_time,
	complete_time,
	run_timeout,
	build_result,
	final_status,
	host_preference`

const (
	commitToID = `select id from commits where sha=?;`

	commitByID = `select id, sha from commits where id=?;`

	jobByID = `select id, source, created_time, remote_id, commit_id, run_preferences
		from jobs where id=?;`

	jobByCommitID = `select id, source, created_time, remote_id, commit_id, run_preferences
		from jobs where commit_id=?;`

	jobByRemoteAndCommit = `select id, source, created_time, remote_id, commit_id, run_preferences
		from jobs where remote_id=? and commit_id=?;`

	runByID = `select ` + runColumns + ` from runs where id=?;`

	lastRunForJob = `select ` + runColumns + ` from runs
		where job_id=? order by created_time desc, id desc limit 1;`

	// One run per host per job, the most recent on each. Relies only on
	// aggregations and group-by columns so it stays portable.
	runsForJob = `select max(id) from runs where job_id=? group by host_id;`

	jobsNeedingHostRun = `select jobs.id, jobs.source, jobs.created_time, jobs.remote_id,
			jobs.commit_id, jobs.run_preferences
		from jobs
		where jobs.run_preferences="all" and jobs.created_time > ?
		and not exists
			(select 1 from runs r2 where r2.job_id = jobs.id and r2.host_id = ?)
		and not exists
			(select 1 from runs r3 where r3.job_id = jobs.id and r3.host_preference = ?
				and r3.host_id is null);`

	// Intent per the schema owner: all runs joined with their jobs, ordered
	// by run creation time ascending.
	allRunsWithJobs = `select jobs.id as job_id, runs.id as run_id, runs.state,
			runs.created_time, jobs.commit_id, jobs.run_preferences
		from jobs join runs on jobs.id=runs.job_id
		order by runs.created_time asc;`

	namesForCommit = `select id, commit_id, name, name_state from commit_names
		where commit_id=? order by id asc;`

	metricsForRun = `select id, run_id, name, value from metrics
		where run_id=? order by id asc;`

	metricsForJob = `select metrics.id, metrics.run_id, metrics.name, metrics.value
		from metrics
		join runs on runs.id=metrics.run_id
		where runs.job_id=?
		order by metrics.run_id desc, metrics.id desc;`

	artifactByID = `select id, run_id, name, "desc", created_time, completed_time
		from artifacts where id=?;`

	artifactsForRun = `select id, run_id, name, "desc", created_time, completed_time
		from artifacts where run_id=? order by id asc;`

	remotesForRepo = `select id, repo_id, remote_path, remote_api, remote_url,
		remote_git_url, notifier_config_path from remotes where repo_id=?;`

	allRemotes = `select id, repo_id, remote_path, remote_api, remote_url,
		remote_git_url, notifier_config_path from remotes;`

	remoteByPathAndAPI = `select id, repo_id, remote_path, remote_api, remote_url,
		remote_git_url, notifier_config_path from remotes
		where remote_path=? and remote_api=?;`

	remoteByID = `select id, repo_id, remote_path, remote_api, remote_url,
		remote_git_url, notifier_config_path from remotes where id=?;`

	allRepos = `select id, repo_name, default_run_preference from repos;`

	repoByID = `select id, repo_name, default_run_preference from repos where id=?;`

	repoIDByName = `select id from repos where repo_name=?;`

	lastJobsFromRemote = `select id, source, created_time, remote_id, commit_id, run_preferences
		from jobs where remote_id=? order by created_time desc limit ?;`

	freshNamesForRemote = `select commit_names.id, commit_names.name, commits.sha
		from commit_names
		join commits on commits.id=commit_names.commit_id
		join jobs on jobs.commit_id=commits.id
		where jobs.remote_id=? and commit_names.name_state=0;`
)
