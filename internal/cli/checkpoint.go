package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orgflow/orgflow/pkg/color"
	"github.com/orgflow/orgflow/pkg/model"
	"github.com/orgflow/orgflow/pkg/orgflow"
)

var (
	checkpointSource string
	rollbackForce    bool
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage recovery points",
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Capture a manual recovery point",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			rp, err := c.Checkpoint(cmd.Context(), model.OpManual, checkpointSource)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(rp)
			}
			fmt.Printf("Created checkpoint %s\n", color.Info(rp.ID))
			return nil
		})
	},
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recovery points, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			points, err := c.Checkpoints(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				if points == nil {
					points = []model.RecoveryPoint{}
				}
				return outputJSON(points)
			}
			if len(points) == 0 {
				fmt.Println("No checkpoints.")
				return nil
			}
			for _, rp := range points {
				restored := ""
				if rp.Restored {
					restored = color.Dim("restored")
				}
				fmt.Printf("%s  %-13s %-30s %s %s\n",
					color.Info(rp.ID), rp.OperationType, rp.SourceBranch,
					rp.CreatedAt.Local().Format("2006-01-02 15:04:05"), restored)
			}
			return nil
		})
	},
}

var checkpointRollbackCmd = &cobra.Command{
	Use:   "rollback <id>",
	Short: "Restore the state captured by a recovery point",
	Long: `Restore branch heads, the checked-out branch and work branch records
captured by a recovery point. A merge checkpoint aborts an in-progress merge
or resets the canonical branch to its recorded head. Work branches created
after the checkpoint are deleted; --force is required when they carry
commits of their own.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			res, err := c.Rollback(cmd.Context(), args[0], rollbackForce)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(res)
			}
			fmt.Printf("Rolled back to checkpoint %s\n", color.Info(res.Point.ID))
			for _, a := range res.Actions {
				fmt.Printf("  %s\n", a)
			}
			return nil
		})
	},
}

var checkpointPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove recovery points past the retention age",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			res, err := c.PruneCheckpoints(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(res)
			}
			fmt.Printf("Removed %d checkpoint(s), kept %d\n", len(res.Removed), res.Kept)
			return nil
		})
	},
}

func init() {
	checkpointCreateCmd.Flags().StringVar(&checkpointSource, "source", "", "branch whose head the checkpoint records")
	checkpointRollbackCmd.Flags().BoolVarP(&rollbackForce, "force", "f", false, "delete work branches created after the checkpoint even with their own commits")
	checkpointCmd.AddCommand(checkpointCreateCmd, checkpointListCmd, checkpointRollbackCmd, checkpointPruneCmd)
	rootCmd.AddCommand(checkpointCmd)
}
