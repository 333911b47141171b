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
	"errors"
	"html/template"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/codepr/beluga/store"
)

// The target_url posted on commit statuses points here, so this page is
// what a contributor lands on from the provider UI.
var statusPage = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.RepoName}} @ {{.ShortSha}}</title></head>
<body>
<h1>{{.RepoName}}</h1>
<p>commit <a href="{{.CommitURL}}"><code>{{.Sha}}</code></a>
{{- range .Names}} <span>{{.}}</span>{{end}}</p>
<p>status: <strong>{{.State}}</strong></p>
{{if .FinalText}}<pre>{{.FinalText}}</pre>{{end}}
{{if .Metrics}}<table>
<tr><th>metric</th><th>value</th></tr>
{{range .Metrics}}<tr><td>{{.Name}}</td><td>{{.Value}}</td></tr>
{{end}}</table>{{end}}
<p>deployed: {{.Deployed}}</p>
</body>
</html>
`))

type statusView struct {
	RepoName  string
	Sha       string
	ShortSha  string
	CommitURL string
	Names     []string
	State     string
	FinalText string
	Metrics   []store.Metric
	Deployed  bool
}

// handleCommitStatus renders the human-readable build page for one commit
// on one remote.
func (s *Server) handleCommitStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	remotePath := vars["owner"] + "/" + vars["repo"]
	sha := vars["sha"]

	remote, err := s.store.RemoteByPathAndAPI(ctx, remotePath, "github")
	if err != nil {
		s.notFoundOr500(w, err, "remote lookup")
		return
	}
	repo, err := s.store.RepoByID(ctx, remote.RepoID)
	if err != nil {
		s.notFoundOr500(w, err, "repo lookup")
		return
	}
	commitID, err := s.store.CommitIDBySha(ctx, sha)
	if err != nil {
		s.notFoundOr500(w, err, "commit lookup")
		return
	}
	jobID, err := s.store.JobForCommit(ctx, sha)
	if err != nil {
		s.notFoundOr500(w, err, "job lookup")
		return
	}

	view := statusView{
		RepoName:  repo.Name,
		Sha:       sha,
		ShortSha:  shortSha(sha),
		CommitURL: remote.RemoteURL + "/commit/" + sha,
		Deployed:  false,
	}

	names, err := s.store.CommitNamesForCommit(ctx, commitID)
	if err != nil {
		s.log.WithError(err).Warn("commit names")
	}
	for _, n := range names {
		view.Names = append(view.Names, n.Stringy())
	}

	run, err := s.store.LastRunForJob(ctx, jobID)
	switch {
	case err == nil:
		view.State = runStatusText(run)
		if run.FinalText.Valid {
			view.FinalText = run.FinalText.String
		}
		if metrics, err := s.store.MetricsForRun(ctx, run.ID); err == nil {
			view.Metrics = metrics
		}
	case errors.Is(err, store.ErrNotFound):
		// Job exists but no run was ever created for it; report it as
		// still queued rather than 404ing a real commit.
		view.State = "pending"
	default:
		s.log.WithError(err).Error("last run lookup")
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusPage.Execute(w, view); err != nil {
		s.log.WithError(err).Error("render status page")
	}
}

// runStatusText folds run state and build result into the four words the
// page vocabulary allows.
func runStatusText(run *store.Run) string {
	switch run.State {
	case store.RunPending, store.RunStarted:
		return "pending"
	case store.RunFinished:
		if run.BuildResult.Valid && store.BuildResult(run.BuildResult.Int64) == store.BuildPass {
			return "pass"
		}
		return "fail"
	case store.RunError:
		return "fail"
	default:
		return "server error"
	}
}

func (s *Server) notFoundOr500(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.log.WithError(err).Error(op)
	http.Error(w, "server error", http.StatusInternalServerError)
}

func shortSha(sha string) string {
	if len(sha) > 9 {
		return sha[:9]
	}
	return sha
}
