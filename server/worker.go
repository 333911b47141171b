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

// Worker-facing API. Workers poll /api/runs/claim with their hardware
// fingerprint and, once they hold a run, authenticate every callback with
// the run's build token. The token is capability and identity in one: a
// wrong or missing token is 401, a callback that is valid but arrives in
// the wrong state is 409.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/codepr/beluga/store"
)

type claimRequest struct {
	Hostname     string `json:"hostname"`
	CPUVendorID  string `json:"cpu_vendor_id"`
	CPUModelName string `json:"cpu_model_name"`
	CPUFamily    string `json:"cpu_family"`
	CPUModel     string `json:"cpu_model"`
	CPUMicrocode string `json:"cpu_microcode"`
	CPUMaxFreq   int64  `json:"cpu_max_freq_khz"`
	CPUCores     int64  `json:"cpu_cores"`
	MemTotal     string `json:"mem_total"`
	Arch         string `json:"arch"`
	Family       string `json:"family"`
	OS           string `json:"os"`
}

type claimResponse struct {
	RunID          int64   `json:"run_id"`
	JobID          int64   `json:"job_id"`
	BuildToken     string  `json:"build_token"`
	Sha            string  `json:"sha"`
	RemotePath     string  `json:"remote_path"`
	CloneURL       string  `json:"clone_url"`
	RunPreferences *string `json:"run_preferences,omitempty"`
}

// handleClaimRun hands the oldest eligible pending run to the calling
// host. 204 means the queue is empty for this host, not an error.
func (s *Server) handleClaimRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "bad claim request")
		return
	}
	if req.Hostname == "" {
		jsonError(w, http.StatusBadRequest, "hostname required")
		return
	}

	hostID, err := s.store.EnsureHost(ctx, &store.Host{
		Hostname:      req.Hostname,
		CPUVendorID:   req.CPUVendorID,
		CPUModelName:  req.CPUModelName,
		CPUFamily:     req.CPUFamily,
		CPUModel:      req.CPUModel,
		CPUMicrocode:  req.CPUMicrocode,
		CPUMaxFreqKHz: req.CPUMaxFreq,
		CPUCores:      req.CPUCores,
		MemTotal:      req.MemTotal,
		Arch:          req.Arch,
		Family:        req.Family,
		OS:            req.OS,
	})
	if err != nil {
		s.log.WithError(err).Error("ensure host")
		jsonError(w, http.StatusInternalServerError, "host registration failed")
		return
	}

	run, err := s.store.ClaimPendingRun(ctx, hostID)
	if err != nil {
		s.log.WithError(err).Error("claim run")
		jsonError(w, http.StatusInternalServerError, "claim failed")
		return
	}
	if run == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	job, err := s.store.JobByID(ctx, run.JobID)
	if err != nil {
		s.log.WithError(err).WithField("run_id", run.ID).Error("job for claimed run")
		jsonError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	commit, err := s.store.CommitByID(ctx, job.CommitID)
	if err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Error("commit for claimed run")
		jsonError(w, http.StatusInternalServerError, "commit lookup failed")
		return
	}
	remote, err := s.store.RemoteByID(ctx, job.RemoteID)
	if err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Error("remote for claimed run")
		jsonError(w, http.StatusInternalServerError, "remote lookup failed")
		return
	}

	runsClaimed.Inc()
	s.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"host":   req.Hostname,
		"sha":    commit.Sha,
	}).Info("run claimed")

	resp := claimResponse{
		RunID:      run.ID,
		JobID:      job.ID,
		BuildToken: run.BuildToken.String,
		Sha:        commit.Sha,
		RemotePath: remote.RemotePath,
		CloneURL:   remote.RemoteGitURL,
	}
	if job.RunPreferences.Valid {
		resp.RunPreferences = &job.RunPreferences.String
	}
	respondJSON(w, http.StatusOK, resp)
}

type metricRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s *Server) handleRecordMetric(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req metricRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		jsonError(w, http.StatusBadRequest, "bad metric request")
		return
	}
	if err := s.store.RecordMetric(r.Context(), runID, bearerToken(r), req.Name, req.Value); err != nil {
		s.storeError(w, err, "record metric")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"msg": "ok"})
}

type artifactRequest struct {
	Name string `json:"name"`
	Desc string `json:"desc"`
}

func (s *Server) handleCreateArtifact(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req artifactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		jsonError(w, http.StatusBadRequest, "bad artifact request")
		return
	}
	artifactID, err := s.store.CreateArtifact(r.Context(), runID, bearerToken(r), req.Name, req.Desc)
	if err != nil {
		s.storeError(w, err, "create artifact")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"artifact_id": artifactID})
}

func (s *Server) handleCompleteArtifact(w http.ResponseWriter, r *http.Request) {
	artifactID, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.CompleteArtifact(r.Context(), artifactID, bearerToken(r)); err != nil {
		s.storeError(w, err, "complete artifact")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"msg": "ok"})
}

type finishRequest struct {
	Result string `json:"result"` // "pass" or "fail"
	Desc   string `json:"desc"`
}

// handleFinishRun records a worker's terminal verdict and fans the outcome
// out to the repo's notifiers. The run is terminal once the store accepts
// the transition; notification failures don't undo it.
func (s *Server) handleFinishRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req finishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "bad finish request")
		return
	}
	var result store.BuildResult
	switch req.Result {
	case "pass":
		result = store.BuildPass
	case "fail":
		result = store.BuildFail
	default:
		jsonError(w, http.StatusBadRequest, `result must be "pass" or "fail"`)
		return
	}

	if err := s.store.FinishRun(ctx, runID, bearerToken(r), result, req.Desc); err != nil {
		s.storeError(w, err, "finish run")
		return
	}

	s.notifyRunFinished(ctx, runID, result == store.BuildPass, req.Desc)
	respondJSON(w, http.StatusOK, map[string]string{"msg": "ok"})
}

// notifyRunFinished resolves a finished run back to its repo and commit
// and reports the outcome on every configured channel.
func (s *Server) notifyRunFinished(ctx context.Context, runID int64, pass bool, desc string) {
	run, err := s.store.RunByID(ctx, runID)
	if err != nil {
		s.log.WithError(err).WithField("run_id", runID).Error("run for notification")
		return
	}
	job, err := s.store.JobByID(ctx, run.JobID)
	if err != nil {
		s.log.WithError(err).WithField("run_id", runID).Error("job for notification")
		return
	}
	commit, err := s.store.CommitByID(ctx, job.CommitID)
	if err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Error("commit for notification")
		return
	}
	remote, err := s.store.RemoteByID(ctx, job.RemoteID)
	if err != nil {
		s.log.WithError(err).WithField("job_id", job.ID).Error("remote for notification")
		return
	}

	notifiers, err := s.registry.NotifiersForRepo(ctx, remote.RepoID)
	if err != nil {
		notifierFailures.Inc()
		s.log.WithError(err).WithField("repo_id", remote.RepoID).Error("resolve notifiers")
		return
	}
	if desc == "" {
		desc = "build failed"
		if pass {
			desc = "build passed"
		}
	}
	for _, n := range notifiers {
		if err := n.TellCompleteJob(ctx, remote.RepoID, commit.Sha, job.ID, pass, desc); err != nil {
			notifierFailures.Inc()
			s.log.WithError(err).WithFields(logrus.Fields{
				"remote": n.RemotePath,
				"sha":    commit.Sha,
			}).Warn("completion notification failed")
		}
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "bad id")
		return 0, false
	}
	return id, true
}

// storeError maps store sentinels onto the worker API's status codes.
func (s *Server) storeError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, store.ErrTokenInvalid):
		jsonError(w, http.StatusUnauthorized, "bad build token")
	case errors.Is(err, store.ErrStateInvalid):
		jsonError(w, http.StatusConflict, "run not in a valid state for this operation")
	case errors.Is(err, store.ErrNotFound):
		jsonError(w, http.StatusNotFound, "not found")
	default:
		s.log.WithError(err).Error(op)
		jsonError(w, http.StatusInternalServerError, op+" failed")
	}
}
