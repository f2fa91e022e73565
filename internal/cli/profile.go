package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/orgflow/orgflow/pkg/color"
	"github.com/orgflow/orgflow/pkg/orgflow"
)

var profileRefresh bool

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show repository topology and the acting user",
	Long: `Show the repository profile: topology (original, fork or clone),
configured remotes, the resolved user and host integration status.

Use --refresh to bypass the cached profile.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *orgflow.Client) error {
			prof, err := c.Profile(cmd.Context(), profileRefresh)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(prof)
			}

			fmt.Printf("Repository: %s\n", c.Repo().WorkDir)
			fmt.Printf("  Topology: %s\n", color.Info(string(prof.Topology)))
			fmt.Printf("  User: %s\n", prof.CurrentUser)
			fmt.Printf("  Source: %s\n", prof.Source)
			if prof.LowConfidence {
				fmt.Printf("  %s\n", color.Warning("low confidence: topology guessed from remote names"))
			}
			fmt.Printf("  Host CLI: available=%v authenticated=%v\n", prof.HostCLI, prof.HostAuth)
			names := make([]string, 0, len(prof.Remotes))
			for name := range prof.Remotes {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("  Remote %s: %s\n", name, prof.Remotes[name])
			}
			fmt.Printf("  Detected: %s\n", color.Dim(prof.DetectedAt.Format("2006-01-02 15:04:05")))
			return nil
		})
	},
}

func init() {
	profileCmd.Flags().BoolVar(&profileRefresh, "refresh", false, "re-detect instead of using the cached profile")
	rootCmd.AddCommand(profileCmd)
}
