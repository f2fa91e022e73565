package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/orgflow/orgflow/pkg/color"
	"github.com/orgflow/orgflow/pkg/orgflow"
)

var lockForce bool

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect the repository lock",
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the repository lock state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			state, rec, err := c.LockStatus()
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]any{"state": state, "lock": rec})
			}
			fmt.Printf("Lock state: %s\n", state)
			if rec != nil {
				fmt.Printf("  Purpose: %s\n", rec.Purpose)
				fmt.Printf("  PID: %d\n", rec.PID)
				fmt.Printf("  Acquired: %s\n", rec.AcquiredAt.Format(time.RFC3339))
				fmt.Printf("  Expires: %s\n", rec.ExpiresAt.Format(time.RFC3339))
				fmt.Printf("  Fencing token: %d\n", rec.FencingToken)
			}
			return nil
		})
	},
}

var lockBreakCmd = &cobra.Command{
	Use:   "break",
	Short: "Remove an expired repository lock",
	Long: `Remove the repository lock. An expired lease is removed directly; a
live lease is only removed with --force, which can interrupt a running
orgflow operation.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			rec, err := c.BreakLock(lockForce)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]any{"removed": rec != nil, "lock": rec})
			}
			if rec == nil {
				fmt.Println("No lock held.")
				return nil
			}
			fmt.Printf("Removed lock held by pid %d (%s)\n", rec.PID, color.Dim(rec.Purpose))
			return nil
		})
	},
}

func init() {
	lockBreakCmd.Flags().BoolVar(&lockForce, "force", false, "remove a lock whose lease is still live")
	lockCmd.AddCommand(lockStatusCmd, lockBreakCmd)
	rootCmd.AddCommand(lockCmd)
}
