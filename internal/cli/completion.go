package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orgflow/orgflow/pkg/model"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate shell completion script for orgflow.

To load completions for your shell:

Bash:
  source <(orgflow completion bash)

Zsh:
  orgflow completion zsh > "${fpath[1]}/_orgflow"

Fish:
  orgflow completion fish | source

PowerShell:
  orgflow completion powershell | Out-String | Invoke-Expression

Work branch names complete for merge, branch delete and branch resolve.`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		shell := args[0]

		var err error
		switch shell {
		case "bash":
			err = cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			err = cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			err = cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			err = cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		if err != nil {
			return fmt.Errorf("generate completion for %s: %w", shell, err)
		}
		return nil
	},
}

// completeWorkBranches completes the first argument with live work branch
// names.
func completeWorkBranches(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	c, err := openClient(cmd)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	defer c.Close()

	list, err := c.ListWorkBranches(cmd.Context(), model.BranchFilter{})
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var names []string
	for _, wb := range list {
		if wb.Status != model.StatusDeleted && strings.HasPrefix(wb.Name, toComplete) {
			names = append(names, wb.Name+"\t"+wb.Purpose)
		}
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}

func init() {
	mergeCmd.ValidArgsFunction = completeWorkBranches
	branchDeleteCmd.ValidArgsFunction = completeWorkBranches
	branchResolveCmd.ValidArgsFunction = completeWorkBranches
	rootCmd.AddCommand(completionCmd)
}
