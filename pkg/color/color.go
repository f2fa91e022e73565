// Package color provides terminal color output for the orgflow CLI. It honours
// NO_COLOR (https://no-color.org/), TERM=dumb and non-terminal stdout through
// fatih/color, plus an explicit --no-color flag.
package color

import (
	"fmt"
	"os"

	fcolor "github.com/fatih/color"

	"github.com/orgflow/orgflow/pkg/model"
)

// Init applies the --no-color flag on top of fatih/color's environment
// detection.
func Init(noColorFlag bool) {
	if noColorFlag || os.Getenv("TERM") == "dumb" {
		fcolor.NoColor = true
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		fcolor.NoColor = true
	}
}

// Enabled returns true if color output is enabled.
func Enabled() bool {
	return !fcolor.NoColor
}

// Disable turns off color output.
func Disable() {
	fcolor.NoColor = true
}

// Enable turns on color output.
func Enable() {
	fcolor.NoColor = false
}

var (
	green   = fcolor.New(fcolor.FgGreen).SprintFunc()
	red     = fcolor.New(fcolor.FgRed).SprintFunc()
	yellow  = fcolor.New(fcolor.FgYellow).SprintFunc()
	cyan    = fcolor.New(fcolor.FgCyan).SprintFunc()
	magenta = fcolor.New(fcolor.FgMagenta).SprintFunc()
	bold    = fcolor.New(fcolor.Bold).SprintFunc()
	faint   = fcolor.New(fcolor.Faint).SprintFunc()
	alert   = fcolor.New(fcolor.FgWhite, fcolor.BgRed, fcolor.Bold).SprintFunc()
)

// Success formats a success message in green.
func Success(s string) string { return green(s) }

// Successf formats a success message with printf-style arguments.
func Successf(format string, args ...any) string { return green(fmt.Sprintf(format, args...)) }

// Error formats an error message in red.
func Error(s string) string { return red(s) }

// Warning formats a warning message in yellow.
func Warning(s string) string { return yellow(s) }

// Warningf formats a warning message with printf-style arguments.
func Warningf(format string, args ...any) string { return yellow(fmt.Sprintf(format, args...)) }

// Info formats an informational message in cyan.
func Info(s string) string { return cyan(s) }

// Branch formats a branch name.
func Branch(s string) string { return magenta(s) }

// Header formats a header in bold.
func Header(s string) string { return bold(s) }

// Dim formats secondary information.
func Dim(s string) string { return faint(s) }

// Severity colors a severity label by rank.
func Severity(s model.Severity) string {
	switch s {
	case model.SeverityCritical:
		return alert(string(s))
	case model.SeverityHigh:
		return red(string(s))
	case model.SeverityMedium:
		return yellow(string(s))
	}
	return faint(string(s))
}

// Status colors a work branch status.
func Status(s model.BranchStatus) string {
	switch s {
	case model.StatusActive:
		return green(string(s))
	case model.StatusMerged:
		return cyan(string(s))
	case model.StatusConflicted:
		return red(string(s))
	case model.StatusUnknown:
		return yellow(string(s))
	}
	return faint(string(s))
}
