package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orgflow/orgflow/internal/repo"
	"github.com/orgflow/orgflow/pkg/color"
	"github.com/orgflow/orgflow/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config <command>",
	Short: "Manage orgflow configuration",
	Long: `Manage orgflow configuration stored in <git-dir>/orgflow/config.yaml.

Keys are dotted section paths, for example:
  branches.canonical      - canonical organizational branch
  branches.user           - branch drift is measured on
  branches.prefix         - work branch name prefix
  review.enabled          - open review requests when possible (true, false)
  review.provider         - gh or github-api
  retention.audit_max_age - audit retention as a duration (0 keeps everything)
  logging.level           - debug, info, warn, error

ORGFLOW_<SECTION>_<FIELD> environment variables override the file.`,
	DisableFlagsInUseLine: true,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := discoverRepo()
		if err != nil {
			return err
		}
		cfg, err := config.Load(r.StateDir)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cfg)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		fmt.Println(color.Dim("# " + config.Path(r.StateDir)))
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in config.yaml. The whole configuration is
validated before it is written.

Examples:
  orgflow config set branches.canonical org/main
  orgflow config set review.enabled false
  orgflow config set retention.checkpoint_max_age 72h`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := discoverRepo()
		if err != nil {
			return err
		}
		if _, err := config.Set(r.StateDir, args[0], args[1]); err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(map[string]string{"key": args[0], "value": args[1]})
		}
		fmt.Printf("Set %s = %s\n", args[0], args[1])
		return nil
	},
}

func discoverRepo() (*repo.Repo, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("cannot get current directory: %w", err)
	}
	return repo.Discover(cwd)
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}
