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

package main

import (
	"flag"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/codepr/beluga/config"
	"github.com/codepr/beluga/notifier"
	"github.com/codepr/beluga/queue"
	"github.com/codepr/beluga/server"
	"github.com/codepr/beluga/store"
)

var (
	configPath string
	debug      bool
)

func main() {
	flag.StringVar(&configPath, "config", "", "Path to the server config file")
	flag.BoolVar(&debug, "debug", false, "Log at debug level")
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stdout)
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.FromFile(configPath)
		if err != nil {
			log.Fatal(err)
		}
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	registry := notifier.NewRegistry(st, cfg.ConfigRoot, log)

	var producer queue.ProducerConsumer
	if cfg.AmqpURL != "" {
		producer = queue.NewAmqpQueue(cfg.AmqpURL, cfg.AmqpQueue, queue.Durable())
	}

	srv := server.New(cfg, st, registry, producer, log)
	if err := srv.Run(); err != nil {
		log.Fatal(err)
	}
}
