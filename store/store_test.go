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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSha = "0123456789abcdef0123456789abcdef01234567"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestRemote seeds one repo with one github remote and returns the
// remote id.
func newTestRemote(t *testing.T, s *Store) int64 {
	t.Helper()
	ctx := context.Background()
	repoID, err := s.NewRepo(ctx, "beluga")
	require.NoError(t, err)
	remoteID, err := s.NewRemote(ctx, repoID, "codepr/beluga", "github",
		"https://github.com/codepr/beluga",
		"https://github.com/codepr/beluga.git",
		"beluga.config")
	require.NoError(t, err)
	return remoteID
}

func testHost(name string) *Host {
	return &Host{
		Hostname:     name,
		CPUVendorID:  "GenuineIntel",
		CPUModelName: "Intel(R) Celeron(R) N4000",
		CPUFamily:    "6",
		CPUModel:     "122",
		CPUMicrocode: "0x38",
		CPUCores:     2,
		MemTotal:     "3924392 kB",
		Arch:         "x86_64",
		Family:       "unix",
		OS:           "linux",
	}
}

func TestRepoNamesAreUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.NewRepo(ctx, "beluga")
	require.NoError(t, err)
	_, err = s.NewRepo(ctx, "beluga")
	assert.ErrorIs(t, err, ErrExists)
}

func TestNewJobDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	remoteID := newTestRemote(t, s)

	source := "test"
	jobID, commitID, created, err := s.NewJob(ctx, remoteID, testSha, &source, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, jobID)
	assert.NotZero(t, commitID)

	againID, againCommit, created, err := s.NewJob(ctx, remoteID, testSha, &source, nil)
	require.NoError(t, err)
	assert.False(t, created, "duplicate push must land on the existing job")
	assert.Equal(t, jobID, againID)
	assert.Equal(t, commitID, againCommit)

	found, err := s.JobForCommit(ctx, testSha)
	require.NoError(t, err)
	assert.Equal(t, jobID, found)
}

func TestClaimHandsOutEachRunOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	remoteID := newTestRemote(t, s)

	jobID, _, _, err := s.NewJob(ctx, remoteID, testSha, nil, nil)
	require.NoError(t, err)
	_, err = s.NewRun(ctx, jobID, nil, nil)
	require.NoError(t, err)

	hostID, err := s.EnsureHost(ctx, testHost("worker-1"))
	require.NoError(t, err)

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan *Run, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := s.ClaimPendingRun(ctx, hostID)
			assert.NoError(t, err)
			if run != nil {
				wins <- run
			}
		}()
	}
	wg.Wait()
	close(wins)

	var claimed []*Run
	for run := range wins {
		claimed = append(claimed, run)
	}
	require.Len(t, claimed, 1, "exactly one claimer may win the run")
	assert.Equal(t, RunStarted, claimed[0].State)
	assert.True(t, claimed[0].BuildToken.Valid)
	assert.Len(t, claimed[0].BuildToken.String, 32, "128-bit token, hex encoded")
	assert.True(t, claimed[0].StartedTime.Valid)
}

func TestClaimRespectsHostPreference(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	remoteID := newTestRemote(t, s)

	jobID, _, _, err := s.NewJob(ctx, remoteID, testSha, nil, nil)
	require.NoError(t, err)

	wantedID, err := s.EnsureHost(ctx, testHost("wanted"))
	require.NoError(t, err)
	otherID, err := s.EnsureHost(ctx, testHost("other"))
	require.NoError(t, err)
	require.NotEqual(t, wantedID, otherID)

	_, err = s.NewRun(ctx, jobID, &wantedID, nil)
	require.NoError(t, err)

	run, err := s.ClaimPendingRun(ctx, otherID)
	require.NoError(t, err)
	assert.Nil(t, run, "pinned run must not go to another host")

	run, err = s.ClaimPendingRun(ctx, wantedID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, wantedID, run.HostID.Int64)
}

func TestClaimOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	remoteID := newTestRemote(t, s)

	clock := int64(1000)
	s.now = func() int64 { return clock }

	jobID, _, _, err := s.NewJob(ctx, remoteID, testSha, nil, nil)
	require.NoError(t, err)

	first, err := s.NewRun(ctx, jobID, nil, nil)
	require.NoError(t, err)
	clock += 50
	_, err = s.NewRun(ctx, jobID, nil, nil)
	require.NoError(t, err)

	hostID, err := s.EnsureHost(ctx, testHost("worker-1"))
	require.NoError(t, err)
	run, err := s.ClaimPendingRun(ctx, hostID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, first.ID, run.ID)
}

func TestFinishRunChecksTokenAndState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	remoteID := newTestRemote(t, s)

	jobID, _, _, err := s.NewJob(ctx, remoteID, testSha, nil, nil)
	require.NoError(t, err)
	pending, err := s.NewRun(ctx, jobID, nil, nil)
	require.NoError(t, err)

	// Never claimed, no token to present.
	err = s.FinishRun(ctx, pending.ID, "anything", BuildPass, "done")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	hostID, err := s.EnsureHost(ctx, testHost("worker-1"))
	require.NoError(t, err)
	run, err := s.ClaimPendingRun(ctx, hostID)
	require.NoError(t, err)
	require.NotNil(t, run)
	token := run.BuildToken.String

	err = s.FinishRun(ctx, run.ID, "wrong-token", BuildPass, "done")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	err = s.FinishRun(ctx, run.ID, token, BuildFail, "2 tests failed")
	require.NoError(t, err)

	finished, err := s.RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunError, finished.State)
	assert.Equal(t, int64(BuildFail), finished.BuildResult.Int64)
	assert.Equal(t, "2 tests failed", finished.FinalText.String)
	assert.True(t, finished.CompleteTime.Valid)

	// Terminal; a second verdict must bounce.
	err = s.FinishRun(ctx, run.ID, token, BuildPass, "done")
	assert.ErrorIs(t, err, ErrStateInvalid)

	err = s.FinishRun(ctx, 99999, token, BuildPass, "done")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidateRunLeavesTerminalRunsAlone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	remoteID := newTestRemote(t, s)

	jobID, _, _, err := s.NewJob(ctx, remoteID, testSha, nil, nil)
	require.NoError(t, err)
	run, err := s.NewRun(ctx, jobID, nil, nil)
	require.NoError(t, err)

	require.NoError(t, s.InvalidateRun(ctx, run.ID))
	got, err := s.RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunInvalid, got.State)

	assert.ErrorIs(t, s.InvalidateRun(ctx, run.ID), ErrStateInvalid)
}

func TestSweepExpiredPendingRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	remoteID := newTestRemote(t, s)

	clock := int64(1_000_000)
	s.now = func() int64 { return clock }

	jobID, _, _, err := s.NewJob(ctx, remoteID, testSha, nil, nil)
	require.NoError(t, err)

	shortTimeout := int64(100)
	expiring, err := s.NewRun(ctx, jobID, nil, &shortTimeout)
	require.NoError(t, err)
	patient, err := s.NewRun(ctx, jobID, nil, nil)
	require.NoError(t, err)

	// Inside both windows, nothing to do.
	clock += 50
	n, err := s.SweepExpiredPendingRuns(ctx, 10_000)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Past the short run's own timeout, inside the default.
	clock += 100
	n, err = s.SweepExpiredPendingRuns(ctx, 10_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.RunByID(ctx, expiring.ID)
	require.NoError(t, err)
	assert.Equal(t, RunInvalid, got.State)
	got, err = s.RunByID(ctx, patient.ID)
	require.NoError(t, err)
	assert.Equal(t, RunPending, got.State)

	// Past the default too.
	clock += 20_000
	n, err = s.SweepExpiredPendingRuns(ctx, 10_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRecordMetricUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	remoteID := newTestRemote(t, s)

	jobID, _, _, err := s.NewJob(ctx, remoteID, testSha, nil, nil)
	require.NoError(t, err)
	_, err = s.NewRun(ctx, jobID, nil, nil)
	require.NoError(t, err)
	hostID, err := s.EnsureHost(ctx, testHost("worker-1"))
	require.NoError(t, err)
	run, err := s.ClaimPendingRun(ctx, hostID)
	require.NoError(t, err)
	token := run.BuildToken.String

	require.NoError(t, s.RecordMetric(ctx, run.ID, token, "build_time_ms", "1200"))
	require.NoError(t, s.RecordMetric(ctx, run.ID, token, "build_time_ms", "1450"))
	require.NoError(t, s.RecordMetric(ctx, run.ID, token, "tests_passed", "88"))

	assert.ErrorIs(t, s.RecordMetric(ctx, run.ID, "bogus", "x", "y"), ErrTokenInvalid)

	metrics, err := s.MetricsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, metrics, 2)
	assert.Equal(t, "build_time_ms", metrics[0].Name)
	assert.Equal(t, "1450", metrics[0].Value, "re-reported metric keeps the latest value")

	byJob, err := s.MetricsForJob(ctx, jobID)
	require.NoError(t, err)
	assert.Len(t, byJob, 2)
}

func TestArtifactLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	remoteID := newTestRemote(t, s)

	jobID, _, _, err := s.NewJob(ctx, remoteID, testSha, nil, nil)
	require.NoError(t, err)
	_, err = s.NewRun(ctx, jobID, nil, nil)
	require.NoError(t, err)
	hostID, err := s.EnsureHost(ctx, testHost("worker-1"))
	require.NoError(t, err)
	run, err := s.ClaimPendingRun(ctx, hostID)
	require.NoError(t, err)
	token := run.BuildToken.String

	artifactID, err := s.CreateArtifact(ctx, run.ID, token, "test-log", "stdout of the test suite")
	require.NoError(t, err)

	artifact, err := s.ArtifactByID(ctx, artifactID)
	require.NoError(t, err)
	assert.True(t, artifact.InProgress())

	assert.ErrorIs(t, s.CompleteArtifact(ctx, artifactID, "bogus"), ErrTokenInvalid)
	require.NoError(t, s.CompleteArtifact(ctx, artifactID, token))

	artifact, err = s.ArtifactByID(ctx, artifactID)
	require.NoError(t, err)
	assert.False(t, artifact.InProgress())

	all, err := s.ArtifactsForRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEnsureHostIsIdempotentPerFingerprint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureHost(ctx, testHost("worker-1"))
	require.NoError(t, err)
	again, err := s.EnsureHost(ctx, testHost("worker-1"))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	changed := testHost("worker-1")
	changed.CPUMicrocode = "0x40"
	other, err := s.EnsureHost(ctx, changed)
	require.NoError(t, err)
	assert.NotEqual(t, first, other, "any fingerprint change is a new host")
}

func TestJobsNeedingHostRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	remoteID := newTestRemote(t, s)

	clock := int64(1_000_000)
	s.now = func() int64 { return clock }

	all := "all"
	jobID, _, _, err := s.NewJob(ctx, remoteID, testSha, nil, &all)
	require.NoError(t, err)

	hostID, err := s.EnsureHost(ctx, testHost("worker-1"))
	require.NoError(t, err)

	jobs, err := s.JobsNeedingHostRun(ctx, clock-1000, hostID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID, jobs[0].ID)

	// A pinned unclaimed run satisfies the need.
	_, err = s.NewRun(ctx, jobID, &hostID, nil)
	require.NoError(t, err)
	jobs, err = s.JobsNeedingHostRun(ctx, clock-1000, hostID)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// Jobs older than the window are out of scope.
	jobs, err = s.JobsNeedingHostRun(ctx, clock+1, hostID)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCommitNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	commitID, wasNew, err := s.EnsureCommit(ctx, testSha)
	require.NoError(t, err)
	assert.True(t, wasNew)
	_, wasNew, err = s.EnsureCommit(ctx, testSha)
	require.NoError(t, err)
	assert.False(t, wasNew)

	branchID, err := s.AddCommitName(ctx, commitID, "main", NameFresh)
	require.NoError(t, err)
	_, err = s.AddCommitName(ctx, commitID, testSha[:9], NameShortSha)
	require.NoError(t, err)

	require.NoError(t, s.MarkCommitNameStale(ctx, branchID))
	// Already stale, nothing left to demote.
	assert.ErrorIs(t, s.MarkCommitNameStale(ctx, branchID), ErrNotFound)

	names, err := s.CommitNamesForCommit(ctx, commitID)
	require.NoError(t, err)
	require.Len(t, names, 2)
	assert.Equal(t, "main (stale)", names[0].Stringy())
	assert.Equal(t, testSha[:9], names[1].Stringy())
}

func TestLastRunForJobFollowsNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	remoteID := newTestRemote(t, s)

	clock := int64(1000)
	s.now = func() int64 { return clock }

	jobID, _, _, err := s.NewJob(ctx, remoteID, testSha, nil, nil)
	require.NoError(t, err)
	_, err = s.NewRun(ctx, jobID, nil, nil)
	require.NoError(t, err)
	clock += 10
	rerun, err := s.NewRun(ctx, jobID, nil, nil)
	require.NoError(t, err)

	last, err := s.LastRunForJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, rerun.ID, last.ID)
}

func TestRunStateConversions(t *testing.T) {
	for v := int64(0); v <= 4; v++ {
		state, err := RunStateFromInt(v)
		require.NoError(t, err)
		assert.Equal(t, RunState(v), state)
	}
	_, err := RunStateFromInt(5)
	assert.Error(t, err)
	_, err = RunStateFromInt(-1)
	assert.Error(t, err)

	assert.False(t, RunPending.Terminal())
	assert.False(t, RunStarted.Terminal())
	assert.True(t, RunFinished.Terminal())
	assert.True(t, RunError.Terminal())
	assert.True(t, RunInvalid.Terminal())
}
