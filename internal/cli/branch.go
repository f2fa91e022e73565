package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orgflow/orgflow/pkg/color"
	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/model"
	"github.com/orgflow/orgflow/pkg/orgflow"
)

var (
	branchUser   string
	branchStatus string
	branchOwner  string
	branchForce  bool
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Manage work branches",
}

var branchCreateCmd = &cobra.Command{
	Use:   "create <purpose>",
	Short: "Create a work branch from the canonical branch",
	Long: `Create a work branch for <purpose> from the canonical organizational
branch and switch to it. The name is allocated as <prefix>-<purpose>-<user>,
with a sequence or date suffix on collision.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			res, err := c.CreateWorkBranch(cmd.Context(), args[0], branchUser)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(res)
			}
			fmt.Printf("Created work branch %s from %s\n",
				color.Branch(res.Branch.Name), color.Dim(short(string(res.Branch.BaseHash))))
			for _, w := range res.Safety.Warnings {
				fmt.Printf("  %s %s\n", color.Warning("warning:"), w)
			}
			if res.Checkpoint != "" {
				fmt.Printf("  Checkpoint: %s\n", res.Checkpoint)
			}
			return nil
		})
	},
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List work branches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			list, err := c.ListWorkBranches(cmd.Context(), model.BranchFilter{
				Status: model.BranchStatus(branchStatus),
				Owner:  branchOwner,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				if list == nil {
					list = []model.WorkBranch{}
				}
				return outputJSON(list)
			}
			if len(list) == 0 {
				fmt.Println("No work branches.")
				return nil
			}
			for _, wb := range list {
				line := fmt.Sprintf("%-40s %-11s %-12s %s", wb.Name, color.Status(wb.Status), wb.Owner, wb.Purpose)
				if wb.ReviewRef != "" {
					line += "  " + color.Dim(wb.ReviewRef)
				}
				fmt.Println(line)
				if wb.Issue != "" {
					fmt.Printf("  %s %s\n", color.Warning("issue:"), wb.Issue)
				}
			}
			return nil
		})
	},
}

var branchDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a work branch",
	Long: `Delete a work branch. A branch with commits that are not on the
canonical branch is refused unless --force is given. A checkpoint is taken
first so the deletion can be rolled back.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			res, err := c.DeleteWorkBranch(cmd.Context(), args[0], branchForce)
			if err != nil {
				return branchHint(cmd, c, args[0], err)
			}
			if jsonOutput {
				return outputJSON(res)
			}
			fmt.Printf("Deleted work branch %s\n", color.Branch(res.Name))
			if res.Forced && res.UnmergedCommits > 0 {
				fmt.Printf("  %s discarded %d unmerged commit(s)\n", color.Warning("warning:"), res.UnmergedCommits)
			}
			if res.Checkpoint != "" {
				fmt.Printf("  Checkpoint: %s\n", res.Checkpoint)
			}
			return nil
		})
	},
}

var branchResolveCmd = &cobra.Command{
	Use:   "resolve <name>",
	Short: "Mark a conflicted work branch as resolved",
	Long: `Return a conflicted work branch to active after its merge conflicts
were resolved and committed. Refused while a merge is still in progress.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			wb, err := c.MarkResolved(cmd.Context(), args[0])
			if err != nil {
				return branchHint(cmd, c, args[0], err)
			}
			if jsonOutput {
				return outputJSON(wb)
			}
			fmt.Printf("Work branch %s is %s\n", color.Branch(wb.Name), color.Status(wb.Status))
			return nil
		})
	},
}

var branchReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair work branch records to match git",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			res, err := c.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(res)
			}
			if !res.Changed() {
				fmt.Println("Work branch records match git.")
				return nil
			}
			for _, name := range res.MarkedDeleted {
				fmt.Printf("  %s %s\n", color.Warning("deleted:"), name)
			}
			for _, name := range res.Adopted {
				fmt.Printf("  %s %s\n", color.Success("adopted:"), name)
			}
			for _, name := range res.Revived {
				fmt.Printf("  %s %s\n", color.Success("revived:"), name)
			}
			return nil
		})
	},
}

// branchHint attaches close-match suggestions to a not-found error.
func branchHint(cmd *cobra.Command, c *orgflow.Client, name string, err error) error {
	if !errors.Is(err, errclass.ErrNotFound) {
		return err
	}
	list, lerr := c.ListWorkBranches(cmd.Context(), model.BranchFilter{})
	if lerr != nil {
		return err
	}
	return withHint(err, suggestBranches(name, list))
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func init() {
	branchCreateCmd.Flags().StringVar(&branchUser, "user", "", "owner recorded on the branch (default: profiled user)")
	branchListCmd.Flags().StringVar(&branchStatus, "status", "", "filter by status (active, merged, conflicted, deleted)")
	branchListCmd.Flags().StringVar(&branchOwner, "owner", "", "filter by owner")
	branchDeleteCmd.Flags().BoolVarP(&branchForce, "force", "f", false, "delete even with unmerged commits")
	branchCmd.AddCommand(branchCreateCmd, branchListCmd, branchDeleteCmd, branchResolveCmd, branchReconcileCmd)
	rootCmd.AddCommand(branchCmd)
}
