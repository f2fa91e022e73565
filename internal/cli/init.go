package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orgflow/orgflow/pkg/color"
	"github.com/orgflow/orgflow/pkg/orgflow"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set up orgflow in the current git repository",
	Long: `Set up orgflow in the git repository containing the current directory.

This creates:
  - <git-dir>/orgflow/ with the state database, locks and checkpoints
  - config.yaml with default settings (when missing)
  - the canonical organizational branch at HEAD (when missing)

Running init again is safe.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("cannot get current directory: %w", err)
		}
		c, err := orgflow.Init(cmd.Context(), cwd, clientOptions())
		if err != nil {
			return err
		}
		defer c.Close()

		r := c.Repo()
		if jsonOutput {
			return outputJSON(map[string]any{
				"work_dir":         r.WorkDir,
				"state_dir":        r.StateDir,
				"repo_id":          r.RepoID,
				"format_version":   r.FormatVersion,
				"canonical_branch": c.Config().Branches.Canonical,
			})
		}
		fmt.Printf("Initialized orgflow in %s\n", color.Success(r.WorkDir))
		fmt.Printf("  State: %s\n", r.StateDir)
		fmt.Printf("  Canonical branch: %s\n", color.Branch(c.Config().Branches.Canonical))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
