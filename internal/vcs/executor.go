// Package vcs wraps the git command line. It owns no state: every fact is
// derived from the repository on demand.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/orgflow/orgflow/pkg/errclass"
)

// Executor abstracts command execution so tests can script VCS output.
type Executor interface {
	// Run executes name with args in dir and returns combined output.
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExitError reports a command that ran and exited nonzero.
type ExitError struct {
	Command string
	Code    int
	Output  string
}

func (e *ExitError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.Code, out)
}

// ExitCode returns the exit code carried by err, or -1.
func ExitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return -1
}

// CLIExecutor runs commands with os/exec, bounded by Timeout.
type CLIExecutor struct {
	Timeout time.Duration
	// Env is appended to the process environment.
	Env []string
}

// NewCLIExecutor creates an executor with the given per-command timeout.
func NewCLIExecutor(timeout time.Duration) *CLIExecutor {
	return &CLIExecutor{Timeout: timeout}
}

// Run executes a command. A timeout yields errclass.ErrVcsTimeout; a caller
// cancellation yields errclass.ErrCancelled.
func (e *CLIExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errclass.ErrCancelled.Wrap(err)
	}

	runCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_EDITOR=true", "LC_ALL=C")
	cmd.Env = append(cmd.Env, e.Env...)
	cmd.WaitDelay = 2 * time.Second

	out, err := cmd.CombinedOutput()
	if err == nil {
		return out, nil
	}

	label := commandLabel(name, args)
	if ctx.Err() != nil {
		return out, errclass.ErrCancelled.WithMessage(label).Wrap(ctx.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return out, errclass.ErrVcsTimeout.WithMessagef("%s exceeded %s", label, e.Timeout)
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return out, &ExitError{Command: label, Code: ee.ExitCode(), Output: string(out)}
	}
	return out, fmt.Errorf("%s: %w", label, err)
}

func commandLabel(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + args[0]
}
