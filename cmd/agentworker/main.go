// Command agentworker is the subprocess the Session Manager spawns for every
// task session. It runs exactly one task to completion (or failure) and
// exits; it holds no state across invocations beyond what it reads from and
// writes back to the shared database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/forgeworks/conductor/internal/store"
	"github.com/forgeworks/conductor/internal/worker"
)

func main() {
	var agentID, taskID, taskList, specFile string
	flag.StringVar(&agentID, "agent-id", "", "agent instance ID assigned by the Session Manager")
	flag.StringVar(&taskID, "task-id", "", "task ID to execute")
	flag.StringVar(&taskList, "task-list", "", "task list (project) this task belongs to, if any")
	flag.StringVar(&specFile, "spec-file", "", "path to the task's spec file")
	flag.Parse()

	// Structured log lines go to stdout; stderr is reserved for the final
	// fatal summary line a supervising process greps for.
	log := zerolog.New(os.Stdout).With().Timestamp().Str("component", "agentworker").Logger()

	if agentID == "" || taskID == "" {
		log.Error().Msg("--agent-id and --task-id are required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.InitDB()
	if err != nil {
		log.Error().Err(err).Msg("open database")
		os.Exit(1)
	}
	defer func() { _ = store.CloseDB(db) }()

	rt := worker.New(db, agentID, taskID, specFile, taskList, log)
	if err := rt.Run(ctx); err != nil {
		log.Error().Err(err).Msg("task run failed")
		fmt.Fprintf(os.Stderr, "agentworker: task %s failed: %v\n", taskID, err)
		if ctx.Err() != nil {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
