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

// belugactl is the operator CLI: declaring repos and remotes, inspecting
// and rerunning jobs, and sanity-checking the on-disk configuration. It
// opens the state file directly, so run it on the box hosting the server.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/codepr/beluga/admin"
	"github.com/codepr/beluga/store"
)

var (
	dbPath     string
	configRoot string
)

func main() {
	root := &cobra.Command{
		Use:           "belugactl",
		Short:         "Administer a beluga CI control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "./state.db", "Path to the state database")
	root.PersistentFlags().StringVar(&configRoot, "config-root", "./config", "Directory notifier configs live under")

	root.AddCommand(addCmd(), validateCmd(), jobCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withAdmin opens the store for the duration of one command.
func withAdmin(fn func(ctx context.Context, a *admin.Admin) error) error {
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return fn(context.Background(), admin.New(st, configRoot, log))
}

func addCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Track new repos and remotes",
	}

	var spec admin.RemoteSpec
	remoteFlags := func(c *cobra.Command) {
		c.Flags().StringVar(&spec.Path, "path", "", "Provider-local id, owner/repo for github")
		c.Flags().StringVar(&spec.API, "api", "github", "Provider API kind")
		c.Flags().StringVar(&spec.URL, "url", "", "Human-facing browse URL")
		c.Flags().StringVar(&spec.GitURL, "git-url", "", "Cloneable git URL")
		c.Flags().StringVar(&spec.ConfigPath, "notifier-config", "", "Notifier config path, relative to the config root")
	}

	repo := &cobra.Command{
		Use:   "repo <name>",
		Short: "Declare a repo, optionally with its first remote",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withAdmin(func(ctx context.Context, a *admin.Admin) error {
				var remote *admin.RemoteSpec
				if spec.Path != "" {
					remote = &spec
				}
				id, err := a.AddRepo(ctx, args[0], remote)
				if err != nil {
					return err
				}
				fmt.Printf("repo %q added, id %d\n", args[0], id)
				return nil
			})
		},
	}
	remoteFlags(repo)

	remote := &cobra.Command{
		Use:   "remote <repo-name>",
		Short: "Attach another remote to an existing repo",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withAdmin(func(ctx context.Context, a *admin.Admin) error {
				repoID, err := a.RepoIDByName(ctx, args[0])
				if err != nil {
					return err
				}
				id, err := a.AddRemote(ctx, repoID, spec)
				if err != nil {
					return err
				}
				fmt.Printf("remote %q added to %q, id %d\n", spec.Path, args[0], id)
				return nil
			})
		},
	}
	remoteFlags(remote)

	cmd.AddCommand(repo, remote)
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check every remote's notifier config loads and makes sense",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return withAdmin(func(ctx context.Context, a *admin.Admin) error {
				problems, err := a.Validate(ctx)
				if err != nil {
					return err
				}
				if len(problems) == 0 {
					fmt.Println("ok")
					return nil
				}
				for _, p := range problems {
					fmt.Println(p)
				}
				return fmt.Errorf("%d problem(s) found", len(problems))
			})
		},
	}
}

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and control jobs and their runs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every run with its owning job",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return withAdmin(func(ctx context.Context, a *admin.Admin) error {
				rows, err := a.ListJobs(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%-8s %-8s %-10s %-14s %s\n", "job", "run", "state", "created", "prefs")
				for _, row := range rows {
					prefs := ""
					if row.RunPreferences.Valid {
						prefs = row.RunPreferences.String
					}
					fmt.Printf("%-8d %-8d %-10s %-14d %s\n",
						row.JobID, row.RunID, row.State, row.CreatedTime, prefs)
				}
				return nil
			})
		},
	}

	rerun := &cobra.Command{
		Use:   "rerun <run-id>",
		Short: "Schedule a fresh run on the job owning a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			runID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("run id %q: %w", args[0], err)
			}
			return withAdmin(func(ctx context.Context, a *admin.Admin) error {
				run, err := a.RerunRun(ctx, runID)
				if err != nil {
					return err
				}
				fmt.Printf("run %d scheduled on job %d\n", run.ID, run.JobID)
				return nil
			})
		},
	}

	rerunCommit := &cobra.Command{
		Use:   "rerun-commit <sha>",
		Short: "Schedule a fresh run for the job evaluating a commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withAdmin(func(ctx context.Context, a *admin.Admin) error {
				run, err := a.RerunCommit(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("run %d scheduled on job %d\n", run.ID, run.JobID)
				return nil
			})
		},
	}

	create := &cobra.Command{
		Use:   "create <remote> <sha> [pusher-email]",
		Short: "Manually enqueue a commit, e.g. github:owner/repo",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(c *cobra.Command, args []string) error {
			source := ""
			if len(args) == 3 {
				source = args[2]
			}
			return withAdmin(func(ctx context.Context, a *admin.Admin) error {
				jobID, run, err := a.CreateJob(ctx, args[0], args[1], source)
				if err != nil {
					return err
				}
				fmt.Printf("job %d created with run %d\n", jobID, run.ID)
				return nil
			})
		},
	}

	var recentLimit int
	recent := &cobra.Command{
		Use:   "recent <remote>",
		Short: "Show the newest jobs on a remote, e.g. github:owner/repo",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return withAdmin(func(ctx context.Context, a *admin.Admin) error {
				jobs, err := a.RecentJobs(ctx, args[0], recentLimit)
				if err != nil {
					return err
				}
				fmt.Printf("%-8s %-14s %-10s %s\n", "job", "created", "prefs", "source")
				for _, job := range jobs {
					fmt.Printf("%-8d %-14d %-10s %s\n",
						job.ID, job.CreatedTime, job.RunPreferences.String, job.Source.String)
				}
				return nil
			})
		},
	}
	recent.Flags().IntVar(&recentLimit, "limit", 10, "Most jobs to show")

	invalidate := &cobra.Command{
		Use:   "invalidate <run-id>",
		Short: "Abandon a stuck pending or started run",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			runID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("run id %q: %w", args[0], err)
			}
			return withAdmin(func(ctx context.Context, a *admin.Admin) error {
				if err := a.InvalidateRun(ctx, runID); err != nil {
					return err
				}
				fmt.Printf("run %d invalidated\n", runID)
				return nil
			})
		},
	}

	cmd.AddCommand(list, recent, rerun, rerunCommit, create, invalidate)
	return cmd
}
