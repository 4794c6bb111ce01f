package commands

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgeworks/conductor/internal/changeplan"
	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/output"
	"github.com/forgeworks/conductor/internal/store"
	"github.com/forgeworks/conductor/internal/vcs"
)

// NewPlanCmd creates the change-plan parent command.
func NewPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Change-Plan Engine commands",
	}

	cmd.AddCommand(newPlanShowCmd())
	cmd.AddCommand(newPlanRollbackCmd())
	cmd.AddCommand(newPlanCompareCmd())

	return cmd
}

func repoDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("repo")
	if dir == "" {
		dir, _ = os.Getwd()
	}
	return dir
}

func newPlanShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a change plan and its files",
		RunE: func(cmd *cobra.Command, args []string) error {
			planID, _ := cmd.Flags().GetString("id")
			if planID == "" {
				return cmdErr(errors.New("--id is required"))
			}

			var plan *models.ChangePlan
			if err := withDB(func(db *DB) error {
				p, err := store.GetChangePlan(db, planID)
				plan = p
				return err
			}); err != nil {
				return err
			}
			return output.PrintSuccess(plan)
		},
	}
	cmd.Flags().String("id", "", "Change plan ID (required)")
	return cmd
}

func newPlanRollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll back a change plan's applied file operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			planID, _ := cmd.Flags().GetString("id")
			if planID == "" {
				return cmdErr(errors.New("--id is required"))
			}

			ctx := context.Background()
			repo, err := vcs.Open(ctx, repoDir(cmd))
			if err != nil {
				return cmdErr(err)
			}

			var plan *models.ChangePlan
			if err := withDB(func(db *DB) error {
				p, err := store.GetChangePlan(db, planID)
				if err != nil {
					return err
				}
				plan = p
				engine := changeplan.New(db, repo)
				return engine.Rollback(ctx, plan)
			}); err != nil {
				return err
			}

			type resp struct {
				PlanID     string `json:"plan_id"`
				RolledBack bool   `json:"rolled_back"`
			}
			return output.PrintSuccess(resp{PlanID: plan.ID, RolledBack: true})
		},
	}
	cmd.Flags().String("id", "", "Change plan ID (required)")
	cmd.Flags().String("repo", "", "Repository directory (default: current directory)")
	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newPlanCompareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Structurally compare the working tree against a plan's declared files",
		RunE: func(cmd *cobra.Command, args []string) error {
			planID, _ := cmd.Flags().GetString("id")
			if planID == "" {
				return cmdErr(errors.New("--id is required"))
			}

			ctx := context.Background()
			repo, err := vcs.Open(ctx, repoDir(cmd))
			if err != nil {
				return cmdErr(err)
			}

			var undeclared []string
			if err := withDB(func(db *DB) error {
				plan, err := store.GetChangePlan(db, planID)
				if err != nil {
					return err
				}
				engine := changeplan.New(db, repo)
				u, err := engine.CompareWorkingTree(ctx, plan)
				undeclared = u
				return err
			}); err != nil {
				return err
			}

			type resp struct {
				PlanID           string   `json:"plan_id"`
				UndeclaredPaths  []string `json:"undeclared_paths"`
				StructurallyPure bool     `json:"structurally_pure"`
			}
			return output.PrintSuccess(resp{PlanID: planID, UndeclaredPaths: undeclared, StructurallyPure: len(undeclared) == 0})
		},
	}
	cmd.Flags().String("id", "", "Change plan ID (required)")
	cmd.Flags().String("repo", "", "Repository directory (default: current directory)")
	return cmd
}
