package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/orgflow/orgflow/pkg/color"
	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/model"
)

// hintError carries a suggestion printed under the error message.
type hintError struct {
	err  error
	hint string
}

func (e hintError) Error() string { return e.err.Error() }

func (e hintError) Unwrap() error { return e.err }

func withHint(err error, hint string) error {
	if err == nil || hint == "" {
		return err
	}
	return hintError{err: err, hint: hint}
}

// suggestFor returns a follow-up suggestion for err.
func suggestFor(err error) string {
	var h hintError
	if errors.As(err, &h) {
		return h.hint
	}
	switch {
	case errors.Is(err, errclass.ErrLockConflict):
		return fmt.Sprintf("Another orgflow operation is running. Run %s to inspect a stale lock.", color.Info("orgflow doctor"))
	case errors.Is(err, errclass.ErrMergeConflict), errors.Is(err, errclass.ErrInvalidTransition):
		return fmt.Sprintf("Resolve conflicts, commit, then run %s.", color.Info("orgflow branch resolve <name>"))
	case errors.Is(err, errclass.ErrBlockedByUnmergedWork):
		return fmt.Sprintf("Merge the branch first or pass %s to discard its commits.", color.Info("--force"))
	case errors.Is(err, errclass.ErrAuditChainBroken):
		return fmt.Sprintf("Run %s for details.", color.Info("orgflow audit verify"))
	case errors.Is(err, errclass.ErrNotFound) && strings.Contains(err.Error(), "not initialized"):
		return suggestInit()
	}
	return ""
}

// suggestInit provides a suggestion to initialize a repository.
func suggestInit() string {
	return fmt.Sprintf("Run %s to set up orgflow in this repository.", color.Info("orgflow init"))
}

// suggestBranches offers close matches for a work branch name that was not
// found.
func suggestBranches(query string, branches []model.WorkBranch) string {
	if len(branches) == 0 {
		return fmt.Sprintf("No work branches exist yet. Run %s to create one.", color.Info("orgflow branch create <purpose>"))
	}

	q := strings.ToLower(query)
	var matches []string
	for _, b := range branches {
		if strings.HasPrefix(strings.ToLower(b.Name), q) {
			matches = append(matches, color.Branch(b.Name))
		}
	}
	if len(matches) == 0 {
		for _, b := range branches {
			if strings.Contains(strings.ToLower(b.Name), q) || (b.Purpose != "" && strings.Contains(q, strings.ToLower(b.Purpose))) {
				matches = append(matches, color.Branch(b.Name))
			}
		}
	}
	if len(matches) > 3 {
		matches = matches[:3]
	}

	if len(matches) > 0 {
		hint := "Did you mean"
		if len(matches) > 1 {
			hint += " one of"
		}
		return fmt.Sprintf("%s: %s?", hint, strings.Join(matches, ", "))
	}
	return fmt.Sprintf("Run %s to see work branches.", color.Info("orgflow branch list"))
}
