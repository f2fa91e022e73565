package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orgflow/orgflow/pkg/color"
	"github.com/orgflow/orgflow/pkg/logging"
	"github.com/orgflow/orgflow/pkg/orgflow"
)

// silentError marks a failure whose details were already printed.
type silentError struct{ err error }

func (e silentError) Error() string { return e.err.Error() }

func (e silentError) Unwrap() error { return e.err }

func errSilent(err error) bool {
	var s silentError
	return errors.As(err, &s)
}

// configureClient adjusts client options before a repository is opened.
var configureClient func(*orgflow.Options)

func clientOptions() orgflow.Options {
	opts := orgflow.Options{
		Logger: logging.New(logging.Options{
			Level:  logging.Level(logLevel),
			Format: logging.FormatConsole,
			Output: os.Stderr,
		}),
	}
	if configureClient != nil {
		configureClient(&opts)
	}
	return opts
}

// openClient opens the repository containing the working directory. The
// caller closes the client.
func openClient(cmd *cobra.Command) (*orgflow.Client, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("cannot get current directory: %w", err)
	}
	return orgflow.Open(cmd.Context(), cwd, clientOptions())
}

// withClient opens the repository, runs fn and closes the client.
func withClient(cmd *cobra.Command, fn func(*orgflow.Client) error) (err error) {
	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(c)
}

func fmtErr(format string, args ...any) {
	prefix := "orgflow: "
	if color.Enabled() {
		prefix = color.Error("orgflow:") + " "
	}
	fmt.Fprintf(os.Stderr, prefix+format+"\n", args...)
}
