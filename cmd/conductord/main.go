// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command conductord hosts the background job & workflow execution core:
// it wires the persistent job store, the in-memory priority queue, the
// scheduler loop, the job dispatcher, the processor registry, and the
// workflow orchestrator into one running process. It is a thin host, not
// the core itself — per spec.md §1 the core is a library; this binary
// exists only so the library can be run standalone (e.g. in a sandboxed
// desktop-assistant subprocess), the same role the teacher's
// cmd/conductord played for pkg/workflow's engine.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tombee/conductor/internal/aiconfig"
	"github.com/tombee/conductor/internal/config"
	"github.com/tombee/conductor/internal/dispatch"
	"github.com/tombee/conductor/internal/job"
	"github.com/tombee/conductor/internal/jobstore"
	"github.com/tombee/conductor/internal/jobstore/memory"
	"github.com/tombee/conductor/internal/jobstore/postgres"
	"github.com/tombee/conductor/internal/log"
	"github.com/tombee/conductor/internal/processor/tasks"
	"github.com/tombee/conductor/internal/queue"
	"github.com/tombee/conductor/internal/rls"
	"github.com/tombee/conductor/internal/scheduler"
	"github.com/tombee/conductor/internal/workflow"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		postgresURL = flag.String("postgres-url", "", "PostgreSQL connection string; empty uses the in-memory store")
		maxJobs     = flag.Int("max-concurrent-jobs", 4, "maximum jobs dispatched concurrently")
		showVersion = flag.Bool("version", false, "show version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("conductord %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)
	logger.Info("conductord starting", "server_base_url", config.ServerBaseURL())

	store, closeStore, err := openJobStore(*postgresURL)
	if err != nil {
		logger.Error("failed to open job store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	cfg := aiconfig.NewManager()
	cfg.Update(defaultRuntimeConfig())

	q := queue.NewMemoryQueue()
	cancels := workflow.NewCancellationCoordinator(store)

	registry := tasks.BuildRegistry(tasks.Dependencies{
		TreeCache: tasks.NewTreeCache(),
	})

	dispatcher := dispatch.New(store, q, registry, cancels, cfg, dispatch.Config{
		MaxConcurrency: *maxJobs,
		MaxRetries:     3,
	}, logger)

	workflowRegistry := workflow.NewRegistry()
	if err := workflow.RegisterBuiltinDefinitions(workflowRegistry); err != nil {
		logger.Error("invalid builtin workflow definition", "error", err)
		os.Exit(1)
	}
	orchestrator := workflow.NewOrchestrator(workflowRegistry, store, q, logger)
	errorHandler := workflow.NewErrorHandler(orchestrator, q, workflow.DefaultErrorRecoveryConfig(), logger)
	orchestrator.SetErrorHandler(errorHandler)
	dispatcher.OnResult(func(r dispatch.Result) {
		j, err := store.GetByID(context.Background(), r.JobID)
		if err != nil {
			logger.Error("fetching terminal job for orchestrator handoff", "job_id", r.JobID, "error", err)
			return
		}
		if err := orchestrator.OnJobTerminal(context.Background(), j); err != nil {
			logger.Error("workflow stage fan-out failed", "job_id", r.JobID, "error", err)
		}
	})

	sched := scheduler.New(store, q, scheduler.Config{
		TickInterval:               500 * time.Millisecond,
		PollInterval:               5 * time.Second,
		BatchSize:                  *maxJobs,
		StaleAcknowledgedThreshold: 300 * time.Second,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if n, err := store.ResetStaleAcknowledgedJobs(ctx, 300); err != nil {
		logger.Error("stale job recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("recovered stale acknowledged jobs", "count", n)
	}

	go dispatcher.Run(ctx)
	sched.Start(ctx)

	logger.Info("conductord ready")
	<-ctx.Done()

	logger.Info("conductord shutting down")
	if _, err := cancels.EmergencyCancelAll(context.Background()); err != nil {
		logger.Error("emergency cancel-all failed", "error", err)
	}
	sched.Stop()
	dispatcher.Stop()
}

// openJobStore picks the Postgres-backed store when a connection string is
// supplied, otherwise falls back to the in-memory store used by tests and
// single-shot local runs.
func openJobStore(postgresURL string) (jobstore.Store, func(), error) {
	if postgresURL == "" {
		return memory.New(), func() {}, nil
	}

	store, err := postgres.New(postgres.Config{
		ConnectionString: postgresURL,
		MaxOpenConns:     10,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

// newRLSPool is kept alongside the job store wiring for callers (request
// handlers outside this core, per spec.md §1) that need an RLS-guarded
// connection pool against the same database.
func newRLSPool(dsn string, logger *slog.Logger) (*rls.SessionManager, *sql.DB, error) {
	pool, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, err
	}
	mgr := rls.NewSessionManager(pool, logger)
	return mgr, pool, nil
}

// defaultRuntimeConfig seeds a minimal RuntimeAIConfig so the core can run
// standalone before the real server has pushed one; a production
// deployment immediately overwrites this via cfg.Update once the server
// connection in internal/config is live.
func defaultRuntimeConfig() *aiconfig.Config {
	const model = "gpt-x"
	taskSettings := map[job.TaskType]aiconfig.TaskSettings{}
	for _, t := range job.AllTaskTypes() {
		taskSettings[t] = aiconfig.TaskSettings{Model: model, MaxTokens: 4096, Temperature: 0.3}
	}
	return &aiconfig.Config{
		DefaultLLMModelID:           model,
		DefaultTranscriptionModelID: "whisper-x",
		Tasks:                       taskSettings,
		Job: aiconfig.JobSettings{
			StaleJobTimeoutSeconds: 300,
			MaxConcurrentJobs:      4,
			DBPollIntervalMS:       5000,
		},
	}
}
