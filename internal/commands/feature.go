package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/forgeworks/conductor/internal/changeplan"
	"github.com/forgeworks/conductor/internal/feature"
	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/output"
	"github.com/forgeworks/conductor/internal/vcs"
)

// NewFeatureCmd creates the Feature Coordinator parent command.
func NewFeatureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feature",
		Short: "Feature Coordinator commands",
	}

	cmd.AddCommand(newFeatureRunCmd())

	return cmd
}

// featureFileSpec is the CLI-only JSON shape a "feature run" invocation
// reads: each layer's files reference a content_path on disk, since the
// Change-Plan Engine's own FileChange model deliberately carries no content
// (content is produced by whatever agent or tool discovered the change).
type featureFileSpec struct {
	Path         string   `json:"path"`
	Operation    string   `json:"operation"`
	Reason       string   `json:"reason,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Priority     int      `json:"priority,omitempty"`
	ContentPath  string   `json:"content_path,omitempty"`
}

type featureLayerSpec struct {
	Layer string            `json:"layer"`
	Files []featureFileSpec `json:"files"`
}

type featureRunSpec struct {
	Requirement models.FeatureRequirement `json:"requirement"`
	TaskID      string                    `json:"task_id"`
	Layers      []featureLayerSpec        `json:"layers"`
}

func newFeatureRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive a feature through its declared DB/API/UI layers",
		Long:  "Reads a JSON feature spec (requirement, task_id, layers[].files[]) and executes each layer's change plan in order, applying the declarative per-layer rollback policy on failure.",
		RunE: func(cmd *cobra.Command, args []string) error {
			specPath, _ := cmd.Flags().GetString("spec")
			validateCmdStr, _ := cmd.Flags().GetString("validate-cmd")
			agentName, err := requireActorName(cmd, "")
			if err != nil {
				return cmdErr(err)
			}
			if specPath == "" {
				return cmdErr(errors.New("--spec is required"))
			}

			raw, err := os.ReadFile(specPath)
			if err != nil {
				return cmdErr(fmt.Errorf("read feature spec: %w", err))
			}
			var spec featureRunSpec
			if err := json.Unmarshal(raw, &spec); err != nil {
				return cmdErr(fmt.Errorf("parse feature spec: %w", err))
			}

			ctx := context.Background()
			repo, err := vcs.Open(ctx, repoDir(cmd))
			if err != nil {
				return cmdErr(err)
			}

			layers := make([]feature.LayerPlan, 0, len(spec.Layers))
			contentByPath := map[string]string{}
			for _, l := range spec.Layers {
				files := make([]models.FileChange, 0, len(l.Files))
				for _, f := range l.Files {
					files = append(files, models.FileChange{
						Path:         f.Path,
						Operation:    models.FileOperation(f.Operation),
						Reason:       f.Reason,
						Dependencies: f.Dependencies,
						Priority:     f.Priority,
					})
					if f.ContentPath != "" {
						contentByPath[f.Path] = f.ContentPath
					}
				}
				layers = append(layers, feature.LayerPlan{Layer: feature.Layer(l.Layer), Files: files})
			}

			write := func(ctx context.Context, path string, op models.FileOperation) error {
				if op == models.FileOperationDelete {
					return os.Remove(path)
				}
				srcPath, ok := contentByPath[path]
				if !ok {
					return fmt.Errorf("no content_path declared for %s", path)
				}
				content, err := os.ReadFile(srcPath)
				if err != nil {
					return fmt.Errorf("read content for %s: %w", path, err)
				}
				return os.WriteFile(path, content, 0o644)
			}

			var validate feature.Validator
			if validateCmdStr != "" {
				validate = func(ctx context.Context) error {
					c := exec.CommandContext(ctx, "sh", "-c", validateCmdStr) //nolint:gosec // G204: operator-supplied validation command, not derived from untrusted input
					c.Dir = repoDir(cmd)
					out, err := c.CombinedOutput()
					if err != nil {
						return fmt.Errorf("validate command failed: %w (%s)", err, string(out))
					}
					return nil
				}
			}

			var runErr error
			if err := withDB(func(db *DB) error {
				engine := changeplan.New(db, repo)
				coord := feature.New(db, engine, agentName)
				runErr = coord.Run(ctx, spec.Requirement, spec.TaskID, layers, write, validate)
				return nil
			}); err != nil {
				return err
			}

			type resp struct {
				FeatureID string `json:"feature_id"`
				TaskID    string `json:"task_id"`
				Error     string `json:"error,omitempty"`
			}
			r := resp{FeatureID: spec.Requirement.ID, TaskID: spec.TaskID}
			if runErr != nil {
				r.Error = runErr.Error()
				return cmdErr(runErr)
			}
			return output.PrintSuccess(r)
		},
	}
	cmd.Flags().String("spec", "", "Path to a JSON feature spec (required)")
	cmd.Flags().String("repo", "", "Repository directory (default: current directory)")
	cmd.Flags().String("validate-cmd", "", "Shell command to run as the cross-layer validation step")
	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}
