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

// Package server is the HTTP face of the control plane: webhook ingress
// from code-hosting providers, the human status page, the worker-facing
// run API, and the periodic maintenance sweeps. Handlers never hold store
// transactions across network I/O; every durable effect is one store
// operation.
package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/codepr/beluga/config"
	"github.com/codepr/beluga/notifier"
	"github.com/codepr/beluga/queue"
	"github.com/codepr/beluga/store"
)

const maxBodyBytes = 1 << 20 // webhook payload cap, 1 MiB

type Server struct {
	server   *http.Server
	store    *store.Store
	registry *notifier.Registry
	producer queue.ProducerConsumer // nil disables enqueue hints
	sweeper  *Sweeper
	log      *logrus.Logger
	cfg      *config.Config
}

func New(cfg *config.Config, st *store.Store, registry *notifier.Registry, producer queue.ProducerConsumer, log *logrus.Logger) *Server {
	s := &Server{
		store:    st,
		registry: registry,
		producer: producer,
		log:      log,
		cfg:      cfg,
	}
	s.sweeper = NewSweeper(st, log, cfg.SweepInterval, cfg.DefaultRunTimeout)
	s.server = &http.Server{
		Addr:           cfg.Addr,
		Handler:        logReq(log)(s.router()),
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

func (s *Server) router() *mux.Router {
	router := mux.NewRouter()

	// Specific routes first; gorilla matches in registration order.
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/runs/claim", s.handleClaimRun).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id:[0-9]+}/metrics", s.handleRecordMetric).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id:[0-9]+}/artifacts", s.handleCreateArtifact).Methods(http.MethodPost)
	api.HandleFunc("/runs/{id:[0-9]+}/finish", s.handleFinishRun).Methods(http.MethodPost)
	api.HandleFunc("/artifacts/{id:[0-9]+}/complete", s.handleCompleteArtifact).Methods(http.MethodPost)

	router.HandleFunc("/{owner}/{repo}/{sha}", s.handleCommitStatus).Methods(http.MethodGet)
	router.HandleFunc("/{owner}/{repo}", s.handleRepoEvent).Methods(http.MethodPost)

	// Everything else gets a friendly placeholder.
	router.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello :)\n"))
	})
	return router
}

// Run starts the server and the sweeps, blocking until SIGINT/SIGTERM and
// then draining in-flight requests.
func (s *Server) Run() error {
	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		s.log.Info("shutdown")
		s.sweeper.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.server.SetKeepAlivesEnabled(false)
		if err := s.server.Shutdown(ctx); err != nil {
			s.log.WithError(err).Fatal("could not shutdown the server")
		}
		close(done)
	}()

	s.sweeper.Start()

	s.log.WithField("addr", s.server.Addr).Info("listening")
	var err error
	if s.cfg.TLSCert != "" {
		err = s.server.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		err = s.server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		s.log.WithError(err).WithField("addr", s.server.Addr).Error("unable to bind")
		return err
	}

	<-done
	return nil
}

// logReq is the request-logging middleware wrapped around the router.
func logReq(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{
				"method":  r.Method,
				"path":    r.URL.Path,
				"remote":  r.RemoteAddr,
				"elapsed": time.Since(start),
			}).Debug("request")
		})
	}
}
