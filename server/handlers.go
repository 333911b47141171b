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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/go-github/v32/github"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/codepr/beluga/store"
)

// handleRepoEvent is the webhook ingress. The route is /{owner}/{repo}, the
// same path registered with the provider at remote-add time, so the URL
// itself names the remote the delivery claims to be about. Authentication
// is the HMAC signature checked against every known webhook secret: which
// repo a delivery is for is untrusted input until the signature matches.
func (s *Server) handleRepoEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	remotePath := vars["owner"] + "/" + vars["repo"]

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		webhookDeliveries.WithLabelValues("oversized").Inc()
		jsonError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	secrets, err := s.registry.WebhookSecrets(ctx)
	if err != nil {
		// Can't tell a good delivery from a bad one without the secrets;
		// ask the provider to redeliver later.
		s.log.WithError(err).Error("webhook secrets unavailable")
		webhookDeliveries.WithLabelValues("secrets_unavailable").Inc()
		jsonError(w, http.StatusServiceUnavailable, "secrets unavailable, retry later")
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		signature = r.Header.Get("X-Hub-Signature")
	}
	if !signatureMatches(signature, payload, secrets) {
		webhookDeliveries.WithLabelValues("bad_signature").Inc()
		s.log.WithFields(logrus.Fields{
			"remote": remotePath,
			"from":   r.RemoteAddr,
		}).Warn("webhook signature mismatch")
		jsonError(w, http.StatusBadRequest, "signature mismatch")
		return
	}

	switch event := github.WebHookType(r); event {
	case "push":
		s.processPush(w, r, remotePath, payload)
	default:
		// Deliveries we don't act on are still acknowledged so the
		// provider doesn't retry them.
		webhookDeliveries.WithLabelValues("ignored").Inc()
		s.log.WithFields(logrus.Fields{
			"event":  event,
			"remote": remotePath,
		}).Debug("ignoring webhook event")
		respondJSON(w, http.StatusOK, map[string]string{"msg": "ok"})
	}
}

// fieldError reports a missing or malformed payload field back to the
// sender with enough structure to debug the delivery.
type fieldError struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
}

// pushFields is the slice of a push delivery this server acts on.
type pushFields struct {
	ref         string
	headSha     string
	fullName    string
	pusherEmail string // optional, recorded as job provenance
}

func parsePush(payload []byte) (*pushFields, *fieldError) {
	var push github.PushEvent
	if err := json.Unmarshal(payload, &push); err != nil {
		return nil, &fieldError{Path: ".", Expected: "push event json"}
	}
	if push.Ref == nil {
		return nil, &fieldError{Path: ".ref", Expected: "string"}
	}
	if push.After == nil || len(*push.After) != 40 {
		return nil, &fieldError{Path: ".after", Expected: "40-char commit sha"}
	}
	if push.Repo == nil || push.Repo.FullName == nil {
		return nil, &fieldError{Path: ".repository.full_name", Expected: "string"}
	}
	return &pushFields{
		ref:         *push.Ref,
		headSha:     *push.After,
		fullName:    *push.Repo.FullName,
		pusherEmail: push.Pusher.GetEmail(),
	}, nil
}

// processPush turns an authenticated push delivery into at most one new
// job with one pending run. Redelivery of a push the store has already
// seen is acknowledged without creating anything.
func (s *Server) processPush(w http.ResponseWriter, r *http.Request, remotePath string, payload []byte) {
	ctx := r.Context()

	push, ferr := parsePush(payload)
	if ferr != nil {
		webhookDeliveries.WithLabelValues("malformed").Inc()
		respondJSON(w, http.StatusBadRequest, ferr)
		return
	}
	if push.fullName != remotePath {
		// Signed delivery aimed at the wrong URL; refuse the mismatch
		// rather than guess which identity to trust.
		webhookDeliveries.WithLabelValues("malformed").Inc()
		respondJSON(w, http.StatusBadRequest, &fieldError{
			Path: ".repository.full_name", Expected: remotePath,
		})
		return
	}

	remote, err := s.store.RemoteByPathAndAPI(ctx, remotePath, "github")
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			webhookDeliveries.WithLabelValues("unknown_remote").Inc()
			jsonError(w, http.StatusNotFound, "remote not tracked")
			return
		}
		s.log.WithError(err).Error("remote lookup")
		jsonError(w, http.StatusInternalServerError, "remote lookup failed")
		return
	}

	repo, err := s.store.RepoByID(ctx, remote.RepoID)
	if err != nil {
		s.log.WithError(err).WithField("repo_id", remote.RepoID).Error("repo lookup")
		jsonError(w, http.StatusInternalServerError, "repo lookup failed")
		return
	}
	var runPreferences *string
	if repo.DefaultRunPreference.Valid {
		runPreferences = &repo.DefaultRunPreference.String
	}

	source := push.pusherEmail
	if source == "" {
		source = "push from " + remotePath
	}
	jobID, commitID, created, err := s.store.NewJob(ctx, remote.ID, push.headSha, &source, runPreferences)
	if err != nil {
		s.log.WithError(err).WithField("sha", push.headSha).Error("create job")
		jsonError(w, http.StatusInternalServerError, "create job failed")
		return
	}
	if !created {
		webhookDeliveries.WithLabelValues("duplicate").Inc()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"msg": "already tracked", "job_id": jobID,
		})
		return
	}

	// Names are decoration on a commit that already exists; a failure here
	// costs a label on the status page, not the job.
	if branch := strings.TrimPrefix(push.ref, "refs/heads/"); branch != push.ref {
		if _, err := s.store.AddCommitName(ctx, commitID, branch, store.NameFresh); err != nil {
			s.log.WithError(err).Warn("record branch name")
		}
	}
	if _, err := s.store.AddCommitName(ctx, commitID, push.headSha[:9], store.NameShortSha); err != nil {
		s.log.WithError(err).Warn("record short sha name")
	}

	run, err := s.store.NewRun(ctx, jobID, nil, nil)
	if err != nil {
		s.log.WithError(err).WithField("job_id", jobID).Error("create run")
		jsonError(w, http.StatusInternalServerError, "create run failed")
		return
	}

	s.notifyRunEnqueued(run.ID, jobID)
	s.notifyJobPending(ctx, remote.RepoID, push.headSha, jobID)

	webhookDeliveries.WithLabelValues("accepted").Inc()
	s.log.WithFields(logrus.Fields{
		"remote": remotePath,
		"sha":    push.headSha,
		"job_id": jobID,
		"run_id": run.ID,
	}).Info("push accepted")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"msg": "job created", "job_id": jobID, "run_id": run.ID,
	})
}

// notifyRunEnqueued publishes a best-effort wake-up hint for idle workers.
// The store stays the source of truth; a lost message only delays pickup
// until the next poll.
func (s *Server) notifyRunEnqueued(runID, jobID int64) {
	if s.producer == nil {
		return
	}
	hint, err := json.Marshal(map[string]int64{"run_id": runID, "job_id": jobID})
	if err != nil {
		return
	}
	if err := s.producer.Produce(hint); err != nil {
		s.log.WithError(err).WithField("run_id", runID).Warn("enqueue hint not delivered")
	}
}

// notifyJobPending fans a pending status out to every notifier of the repo.
// Failures are logged and counted; the job stands regardless.
func (s *Server) notifyJobPending(ctx context.Context, repoID int64, sha string, jobID int64) {
	notifiers, err := s.registry.NotifiersForRepo(ctx, repoID)
	if err != nil {
		notifierFailures.Inc()
		s.log.WithError(err).WithField("repo_id", repoID).Error("resolve notifiers")
		return
	}
	for _, n := range notifiers {
		if err := n.TellPendingJob(ctx, repoID, sha, jobID); err != nil {
			notifierFailures.Inc()
			s.log.WithError(err).WithFields(logrus.Fields{
				"remote": n.RemotePath,
				"sha":    sha,
			}).Warn("pending notification failed")
		}
	}
}

func signatureMatches(signature string, payload []byte, secrets [][]byte) bool {
	if signature == "" {
		return false
	}
	for _, secret := range secrets {
		if err := github.ValidateSignature(signature, payload, secret); err == nil {
			return true
		}
	}
	return false
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
