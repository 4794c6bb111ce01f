package commands

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/forgeworks/conductor/internal/actions"
	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/output"
	"github.com/forgeworks/conductor/internal/session"
)

// NewSessionCmd creates the session parent command.
func NewSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Session lifecycle commands",
	}

	cmd.AddCommand(newSessionDigestCmd())
	cmd.AddCommand(newSessionSpawnCmd())
	cmd.AddCommand(newSessionObserveCmd())
	cmd.AddCommand(newSessionCancelCmd())
	cmd.AddCommand(newSessionStuckCmd())

	return cmd
}

func workerBinPath(cmd *cobra.Command) string {
	bin, _ := cmd.Flags().GetString("worker-bin")
	if bin == "" {
		bin = "conductor-agentworker"
	}
	return bin
}

func newSessionSpawnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Spawn an agent worker subprocess for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, _ := cmd.Flags().GetString("task-id")
			agentType, _ := cmd.Flags().GetString("agent-type")
			agentName, err := requireActorName(cmd, "")
			if err != nil {
				return cmdErr(err)
			}
			if taskID == "" {
				return cmdErr(errors.New("--task-id is required"))
			}

			var sess *models.Session
			if err := withDB(func(db *DB) error {
				mgr := session.New(db, workerBinPath(cmd))
				s, err := mgr.Spawn(context.Background(), taskID, models.AgentType(agentType), agentName)
				sess = s
				return err
			}); err != nil {
				return err
			}
			return output.PrintSuccess(sess)
		},
	}
	cmd.Flags().String("task-id", "", "Task ID to spawn a worker for (required)")
	cmd.Flags().String("agent-type", "", "Agent type to route the worker as")
	cmd.Flags().String("worker-bin", "", "Path to the agent worker binary (default: conductor-agentworker on PATH)")
	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newSessionObserveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Show a session's current status, heartbeats, and logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("id")
			if sessionID == "" {
				return cmdErr(errors.New("--id is required"))
			}

			var obs *session.Observation
			if err := withDB(func(db *DB) error {
				mgr := session.New(db, workerBinPath(cmd))
				o, err := mgr.Observe(sessionID)
				obs = o
				return err
			}); err != nil {
				return err
			}
			return output.PrintSuccess(obs)
		},
	}
	cmd.Flags().String("id", "", "Session ID to observe (required)")
	return cmd
}

func newSessionCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Force-terminate a running session",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, _ := cmd.Flags().GetString("id")
			if sessionID == "" {
				return cmdErr(errors.New("--id is required"))
			}
			if err := withDB(func(db *DB) error {
				mgr := session.New(db, workerBinPath(cmd))
				return mgr.Cancel(sessionID)
			}); err != nil {
				return err
			}
			type resp struct {
				SessionID string `json:"session_id"`
				Cancelled bool   `json:"cancelled"`
			}
			return output.PrintSuccess(resp{SessionID: sessionID, Cancelled: true})
		},
	}
	cmd.Flags().String("id", "", "Session ID to cancel (required)")
	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newSessionStuckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stuck",
		Short: "List sessions whose heartbeat has gone stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stuck []*models.Session
			if err := withDB(func(db *DB) error {
				mgr := session.New(db, workerBinPath(cmd))
				s, err := mgr.ScanStuck(time.Now().UTC())
				stuck = s
				return err
			}); err != nil {
				return err
			}
			type resp struct {
				Sessions []*models.Session `json:"sessions"`
				Count    int               `json:"count"`
			}
			return output.PrintSuccess(resp{Sessions: stuck, Count: len(stuck)})
		},
	}
}

func newSessionDigestCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "digest",
		Short:         "Show session event digest for an agent",
		Long:          `Summarizes the current session's events by kind for the active agent.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			agentName, err := requireActorName(cmd, "")
			if err != nil {
				return cmdErr(err)
			}

			var result *actions.SessionDigestResult
			if err := withDB(func(db *DB) error {
				var err error
				result, err = actions.SessionDigest(db, agentName)
				return err
			}); err != nil {
				return cmdErr(err)
			}

			return output.PrintSuccess(result)
		},
	}
}
