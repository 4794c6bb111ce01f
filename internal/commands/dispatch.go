package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/orchestrator"
	"github.com/forgeworks/conductor/internal/output"
	"github.com/forgeworks/conductor/internal/session"
)

// NewDispatchCmd creates the Task Orchestrator parent command.
func NewDispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Task Orchestrator commands",
	}

	cmd.AddCommand(newDispatchTickCmd())
	cmd.AddCommand(newDispatchFailCmd())
	cmd.AddCommand(newDispatchReconcileCmd())

	return cmd
}

func newDispatchReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Advance in_progress tasks whose session already reached a terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			agentName, err := requireActorName(cmd, "")
			if err != nil {
				return cmdErr(err)
			}

			if err := withDB(func(db *DB) error {
				mgr := session.New(db, workerBinPath(cmd))
				d := orchestrator.New(db, mgr, agentName)
				return d.ReconcileSessions(context.Background())
			}); err != nil {
				return err
			}

			type resp struct {
				Reconciled bool `json:"reconciled"`
			}
			return output.PrintSuccess(resp{Reconciled: true})
		},
	}
	cmd.Flags().String("worker-bin", "", "Path to the agent worker binary (default: conductor-agentworker on PATH)")
	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newDispatchTickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one dispatch cycle: reclaim due retries and spawn ready tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			agentName, err := requireActorName(cmd, "")
			if err != nil {
				return cmdErr(err)
			}

			var spawned int
			if err := withDB(func(db *DB) error {
				mgr := session.New(db, workerBinPath(cmd))
				d := orchestrator.New(db, mgr, agentName)
				n, err := d.Tick(context.Background())
				spawned = n
				return err
			}); err != nil {
				return err
			}

			type resp struct {
				Spawned int `json:"spawned"`
			}
			return output.PrintSuccess(resp{Spawned: spawned})
		},
	}
	cmd.Flags().String("worker-bin", "", "Path to the agent worker binary (default: conductor-agentworker on PATH)")
	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newDispatchFailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fail",
		Short: "Record a task failure and reschedule or block it per retry policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, _ := cmd.Flags().GetString("task-id")
			kind, _ := cmd.Flags().GetString("kind")
			message, _ := cmd.Flags().GetString("message")
			location, _ := cmd.Flags().GetString("location")
			agentName, err := requireActorName(cmd, "")
			if err != nil {
				return cmdErr(err)
			}
			if taskID == "" {
				return cmdErr(errors.New("--task-id is required"))
			}
			if kind == "" {
				return cmdErr(errors.New("--kind is required"))
			}

			if err := withDB(func(db *DB) error {
				mgr := session.New(db, workerBinPath(cmd))
				d := orchestrator.New(db, mgr, agentName)
				return d.RecordFailure(taskID, models.ErrorKind(kind), message, location)
			}); err != nil {
				return err
			}

			type resp struct {
				TaskID string `json:"task_id"`
				Kind   string `json:"kind"`
			}
			return output.PrintSuccess(resp{TaskID: taskID, Kind: kind})
		},
	}
	cmd.Flags().String("task-id", "", "Task ID (required)")
	cmd.Flags().String("kind", "", "Error kind: transient|code_error|test_failure|resource_conflict|resource|validation_error|rollback_inconsistent|deadline_exceeded|unknown (required)")
	cmd.Flags().String("message", "", "Failure message")
	cmd.Flags().String("location", "", "Failure location (file:line or similar)")
	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}
