package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orgflow/orgflow/pkg/color"
	"github.com/orgflow/orgflow/pkg/errclass"
)

var (
	jsonOutput bool
	noColor    bool
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:   "orgflow",
		Short: "orgflow - organizational branch coordination",
		Long: `orgflow keeps organizational work on dedicated work branches that start
from and merge back into a canonical organizational branch. It detects drift
on your own branch, checkpoints destructive operations and keeps a
hash-chained audit ledger of everything it does.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			color.Init(noColor || jsonOutput)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level written to stderr (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		reportError(err)
		os.Exit(1)
	}
}

// errorOutput is the --json shape of a failed command.
type errorOutput struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

func reportError(err error) {
	if errSilent(err) {
		return
	}
	if jsonOutput {
		outputJSON(errorOutput{
			Error:   err.Error(),
			Code:    errclass.Code(err),
			Reasons: errclass.ReasonsOf(err),
		})
		return
	}
	fmtErr("%v", err)
	if hint := suggestFor(err); hint != "" {
		fmt.Fprintln(os.Stderr, "  "+hint)
	}
}

// outputJSON prints v as indented JSON on stdout.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
