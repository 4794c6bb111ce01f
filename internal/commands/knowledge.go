package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/forgeworks/conductor/internal/knowledge"
	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/output"
)

// NewKnowledgeCmd creates the knowledge-base parent command.
func NewKnowledgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Knowledge Base commands",
	}

	cmd.AddCommand(newKnowledgeRecordCmd())
	cmd.AddCommand(newKnowledgeReinforceCmd())
	cmd.AddCommand(newKnowledgeQueryCmd())

	return cmd
}

func newKnowledgeRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a gotcha, pattern, or decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			content, _ := cmd.Flags().GetString("content")
			filePattern, _ := cmd.Flags().GetString("file-pattern")
			actionType, _ := cmd.Flags().GetString("action-type")
			confidence, _ := cmd.Flags().GetFloat64("confidence")
			source, err := requireActorName(cmd, "")
			if err != nil {
				return cmdErr(err)
			}
			if content == "" {
				return cmdErr(errors.New("--content is required"))
			}

			var item *models.KnowledgeItem
			if err := withDB(func(db *DB) error {
				kb := knowledge.New(db)
				i, err := kb.Record(models.KnowledgeKind(kind), content, filePattern, actionType, source, confidence)
				item = i
				return err
			}); err != nil {
				return err
			}
			return output.PrintSuccess(item)
		},
	}
	cmd.Flags().String("kind", string(models.KnowledgeKindGotcha), "Kind: gotcha|pattern|decision")
	cmd.Flags().String("content", "", "Knowledge content (required)")
	cmd.Flags().String("file-pattern", "", "Glob the knowledge item applies to")
	cmd.Flags().String("action-type", "", "Action type this item pertains to")
	cmd.Flags().Float64("confidence", 0.5, "Initial confidence in [0,1]")
	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newKnowledgeReinforceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reinforce",
		Short: "Reinforce an existing knowledge item with a new observation",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			confidence, _ := cmd.Flags().GetFloat64("confidence")
			if id == "" {
				return cmdErr(errors.New("--id is required"))
			}

			var item *models.KnowledgeItem
			if err := withDB(func(db *DB) error {
				kb := knowledge.New(db)
				i, err := kb.Reinforce(id, confidence)
				item = i
				return err
			}); err != nil {
				return err
			}
			return output.PrintSuccess(item)
		},
	}
	cmd.Flags().String("id", "", "Knowledge item ID (required)")
	cmd.Flags().Float64("confidence", 0.5, "Newly observed confidence in [0,1]")
	cmd.Annotations = map[string]string{"mutates": "true"}
	return cmd
}

func newKnowledgeQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query knowledge items by kind and/or file pattern",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			filePattern, _ := cmd.Flags().GetString("file-pattern")
			universalOnly, _ := cmd.Flags().GetBool("universal-only")

			var items []*models.KnowledgeItem
			if err := withDB(func(db *DB) error {
				kb := knowledge.New(db)
				i, err := kb.Query(models.KnowledgeKind(kind), filePattern, universalOnly)
				items = i
				return err
			}); err != nil {
				return err
			}

			type resp struct {
				Items []*models.KnowledgeItem `json:"items"`
				Count int                     `json:"count"`
			}
			return output.PrintSuccess(resp{Items: items, Count: len(items)})
		},
	}
	cmd.Flags().String("kind", "", "Filter by kind: gotcha|pattern|decision")
	cmd.Flags().String("file-pattern", "", "Filter by glob pattern")
	cmd.Flags().Bool("universal-only", false, "Only return promoted universal items")
	return cmd
}
