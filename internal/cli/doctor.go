package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orgflow/orgflow/internal/doctor"
	"github.com/orgflow/orgflow/pkg/color"
	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/orgflow"
	"github.com/orgflow/orgflow/pkg/progress"
)

var (
	doctorRepair      bool
	doctorListRepairs bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check repository health",
	Long: `Check orgflow state against git: work branch records, the canonical
branch, merges left in progress, the audit chain, stale locks, orphaned
checkpoints and leftover temporary files.

Use --repair to run the repair actions for repairable findings.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if doctorListRepairs {
			actions := doctor.ListRepairActions()
			if jsonOutput {
				return outputJSON(actions)
			}
			for _, a := range actions {
				fmt.Printf("  %-26s %s\n", a.Name, a.Description)
			}
			return nil
		}

		return withClient(cmd, func(c *orgflow.Client) error {
			term := progress.NewTerminal(os.Stderr, !jsonOutput && color.Enabled())
			result, err := c.Doctor(cmd.Context(), doctorRepair, term.Callback())
			term.Done()
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(result)
			} else {
				printDoctor(result)
			}
			if !result.Healthy {
				return silentError{errclass.ErrUnsafeOperation.WithMessagef("%d finding(s)", len(result.Findings))}
			}
			return nil
		})
	},
}

func printDoctor(result *doctor.Result) {
	if len(result.Repaired) > 0 {
		fmt.Printf("Repaired: %s\n", strings.Join(result.Repaired, ", "))
	}
	if len(result.Findings) == 0 {
		fmt.Println(color.Success("Repository is healthy."))
		return
	}
	fmt.Printf("Findings (%d):\n", len(result.Findings))
	for _, f := range result.Findings {
		line := fmt.Sprintf("  [%s] %s: %s", f.Severity, f.Category, f.Description)
		if f.Repair != "" {
			line += color.Dim(" (repair: " + f.Repair + ")")
		}
		fmt.Println(line)
	}
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorRepair, "repair", false, "run repair actions for repairable findings")
	doctorCmd.Flags().BoolVar(&doctorListRepairs, "list-repairs", false, "list available repair actions")
	rootCmd.AddCommand(doctorCmd)
}
