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

package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codepr/beluga/queue"
)

// RunFunc does the actual work of one claimed run and reports the verdict.
// It receives the run as a RunContext so it can stream metrics and
// artifacts while it goes; the poller calls Finish on its behalf.
type RunFunc func(ctx context.Context, run *ClaimedRun) (pass bool, desc string)

// Poller drives a worker host: it claims runs from the control plane on a
// steady interval and, when an AMQP consumer is configured, also wakes up
// early on enqueue hints. The hints are an optimization only; polling
// alone is fully correct.
type Poller struct {
	client   *Client
	consumer queue.ProducerConsumer // nil means pure polling
	host     HostInfo
	interval time.Duration
	run      RunFunc
	log      *logrus.Logger
}

func NewPoller(client *Client, consumer queue.ProducerConsumer, host HostInfo, interval time.Duration, run RunFunc, log *logrus.Logger) *Poller {
	return &Poller{
		client:   client,
		consumer: consumer,
		host:     host,
		interval: interval,
		run:      run,
		log:      log,
	}
}

// Run claims and executes work until ctx is cancelled. Runs execute one at
// a time: a host's fingerprint describes the whole machine, so parallel
// runs would invalidate each other's measurements.
func (p *Poller) Run(ctx context.Context) {
	wake := make(chan []byte, 16)
	if p.consumer != nil {
		go func() {
			for {
				if err := p.consumer.Consume(wake); err != nil {
					p.log.WithError(err).Warn("hint consumer disconnected")
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(p.interval):
					// Reconnect after a beat.
				}
			}
		}()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx)
		case <-wake:
			p.drain(ctx)
		}
	}
}

// drain claims until the server reports an empty queue.
func (p *Poller) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		run, err := p.client.Claim(ctx, p.host)
		if err != nil {
			p.log.WithError(err).Warn("claim failed")
			return
		}
		if run == nil {
			return
		}
		p.log.WithFields(logrus.Fields{
			"run_id": run.RunID,
			"sha":    run.Sha,
		}).Info("starting run")
		pass, desc := p.run(ctx, run)
		// The verdict goes out on its own context: a shutdown arriving
		// mid-run must not strand a completed run in Started.
		finishCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err = run.Finish(finishCtx, pass, desc)
		cancel()
		if err != nil {
			p.log.WithError(err).WithField("run_id", run.RunID).Error("report verdict")
		}
	}
}
