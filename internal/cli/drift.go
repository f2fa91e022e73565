package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orgflow/orgflow/pkg/color"
	"github.com/orgflow/orgflow/pkg/model"
	"github.com/orgflow/orgflow/pkg/orgflow"
)

var driftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Detect and reconcile drift on the user branch",
}

var driftCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report changes on the user branch since the last reconciliation",
	Long: `Compare the user branch head with the last reconciled commit and
classify every changed path into impact records. Checking never moves the
reconciliation point; run 'orgflow drift confirm <check-id>' once the impacts
are handled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			rep, err := c.DetectDrift(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(rep)
			}
			if !rep.Changed {
				fmt.Println("No drift since the last reconciliation.")
				return nil
			}
			from := short(rep.FromHash)
			if from == "" {
				from = "(no baseline)"
			}
			fmt.Printf("Drift %s..%s  check %s  max severity %s\n",
				from, short(rep.ToHash), color.Info(rep.CheckID), color.Severity(rep.MaxSeverity))
			printImpacts(rep.Impacts)
			if len(rep.Uncategorized) > 0 {
				fmt.Printf("%s %s\n", color.Warning("Needs a category:"), strings.Join(rep.Uncategorized, ", "))
			}
			return nil
		})
	},
}

var driftConfirmCmd = &cobra.Command{
	Use:   "confirm <check-id>",
	Short: "Accept a drift check and move the reconciliation point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			st, err := c.ConfirmReconciliation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(st)
			}
			fmt.Printf("Reconciled %s at %s\n", color.Branch(st.CurrentBranch), color.Dim(short(string(st.LastKnownHash))))
			return nil
		})
	},
}

var driftBaselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Record the user branch head as reconciled",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			st, err := c.InitBaseline(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(st)
			}
			fmt.Printf("Baseline for %s set to %s\n", color.Branch(st.CurrentBranch), color.Dim(short(string(st.LastKnownHash))))
			return nil
		})
	},
}

var driftImpactsCmd = &cobra.Command{
	Use:   "impacts [check-id]",
	Short: "Show the impact records of a drift check (default: latest)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		checkID := ""
		if len(args) == 1 {
			checkID = args[0]
		}
		return withClient(cmd, func(c *orgflow.Client) error {
			impacts, err := c.Impacts(cmd.Context(), checkID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(impacts)
			}
			if len(impacts) == 0 {
				fmt.Println("No impact records.")
				return nil
			}
			printImpacts(impacts)
			return nil
		})
	},
}

var driftMarkCmd = &cobra.Command{
	Use:   "mark <check-id> <in-progress|failed>",
	Short: "Set the resolution status of a drift check",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			status := model.ResolutionStatus(args[1])
			if err := c.MarkCheck(cmd.Context(), args[0], status); err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(map[string]string{"check_id": args[0], "status": string(status)})
			}
			fmt.Printf("Check %s marked %s\n", args[0], status)
			return nil
		})
	},
}

func printImpacts(impacts []model.ImpactRecord) {
	for _, im := range impacts {
		path := im.ChangedPath
		if im.OldPath != "" {
			path = im.OldPath + " -> " + path
		}
		fmt.Printf("  %-8s %-9s %-40s %s  %s\n",
			color.Severity(im.Severity), im.ChangeType, path,
			strings.Join(im.AffectedCategories, ","), color.Dim(string(im.ResolutionStatus)))
		if len(im.Paths) > 1 {
			fmt.Printf("           %s\n", color.Dim(fmt.Sprintf("%d paths", len(im.Paths))))
		}
	}
}

func init() {
	driftCmd.AddCommand(driftCheckCmd, driftConfirmCmd, driftBaselineCmd, driftImpactsCmd, driftMarkCmd)
	rootCmd.AddCommand(driftCmd)
}
