package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/orgflow/orgflow/internal/repo"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			return outputJSON(map[string]any{
				"version":        Version,
				"format_version": repo.FormatVersion,
				"go":             runtime.Version(),
			})
		}
		fmt.Printf("orgflow %s (state format %d, %s)\n", Version, repo.FormatVersion, runtime.Version())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
