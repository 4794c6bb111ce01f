package commands

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/forgeworks/conductor/internal/monitor"
	"github.com/forgeworks/conductor/internal/output"
	"github.com/forgeworks/conductor/internal/session"
)

// NewMonitorCmd creates the Monitor & PM parent command.
func NewMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Monitor & PM commands",
	}

	cmd.AddCommand(newMonitorSweepCmd())

	return cmd
}

func newMonitorSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one monitor sweep: cancel stuck sessions, flag abandoned change plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			agentName, err := requireActorName(cmd, "")
			if err != nil {
				return cmdErr(err)
			}

			log := zerolog.New(os.Stderr).With().Timestamp().Str("component", "monitor").Logger()

			if err := withDB(func(db *DB) error {
				mgr := session.New(db, workerBinPath(cmd))
				w, err := monitor.New(db, mgr, agentName, prometheus.NewRegistry(), log)
				if err != nil {
					return err
				}
				return w.Sweep(context.Background())
			}); err != nil {
				return err
			}

			type resp struct {
				Swept bool `json:"swept"`
			}
			return output.PrintSuccess(resp{Swept: true})
		},
	}
	cmd.Flags().String("worker-bin", "", "Path to the agent worker binary (default: conductor-agentworker on PATH)")
	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}
