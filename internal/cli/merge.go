package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orgflow/orgflow/internal/merge"
	"github.com/orgflow/orgflow/pkg/color"
	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/orgflow"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <name>",
	Short: "Merge a work branch into the canonical branch",
	Long: `Merge a work branch into the canonical organizational branch.

A review request is opened when review is enabled, the host integration is
available and authenticated, and the branch is pushed or pushable. Otherwise
the branch is merged directly after a checkpoint. A conflicting merge is left
in progress for manual resolution and the branch is marked conflicted; run
'orgflow branch resolve <name>' once the conflicts are committed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			out, err := c.Merge(cmd.Context(), args[0])
			if err != nil {
				if jsonOutput && out != nil {
					outputJSON(out)
					return silentError{err}
				}
				return branchHint(cmd, c, args[0], err)
			}
			if jsonOutput {
				if err := outputJSON(out); err != nil {
					return err
				}
			} else {
				printOutcome(out)
			}
			if out.Status == merge.StatusConflicted {
				conflict := errclass.ErrMergeConflict.WithMessagef("%s conflicts in %d file(s)", out.Branch, len(out.Conflicts))
				if jsonOutput {
					return silentError{conflict}
				}
				return conflict
			}
			return nil
		})
	},
}

func printOutcome(out *merge.Outcome) {
	switch out.Status {
	case merge.StatusMerged:
		fmt.Printf("Merged %s (%s)\n", color.Branch(out.Branch), color.Dim(short(out.Commit)))
	case merge.StatusReviewRequested:
		fmt.Printf("Review requested for %s: %s\n", color.Branch(out.Branch), color.Info(out.ReviewRef))
	case merge.StatusConflicted:
		fmt.Printf("%s merging %s\n", color.Error("Conflicts"), color.Branch(out.Branch))
		for _, f := range out.Conflicts {
			fmt.Printf("  %s\n", f)
		}
	default:
		fmt.Printf("Merge of %s: %s\n", color.Branch(out.Branch), out.Status)
	}
	fmt.Printf("  Strategy: %s\n", out.Strategy)
	for _, r := range out.Reasons {
		fmt.Printf("  %s\n", color.Dim(r))
	}
	if out.Checkpoint != "" {
		fmt.Printf("  Checkpoint: %s\n", out.Checkpoint)
	}
}

func init() {
	rootCmd.AddCommand(mergeCmd)
}
