package vcs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/model"
)

// EmptyTree is the object id of git's empty tree, used as the diff base for a
// history that was never synchronized.
const EmptyTree = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// Git runs git commands against one working copy.
type Git struct {
	dir  string
	exec Executor
}

// New creates a Git adapter for dir.
func New(dir string, exec Executor) *Git {
	return &Git{dir: dir, exec: exec}
}

// Dir returns the working copy directory.
func (g *Git) Dir() string {
	return g.dir
}

// read runs a query. It honours ctx cancellation throughout.
func (g *Git) read(ctx context.Context, args ...string) (string, error) {
	out, err := g.exec.Run(ctx, g.dir, "git", args...)
	if err != nil {
		return string(out), classify(args, out, err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// mutate runs a command that changes repository state. Cancellation is
// checked before the command starts; once started it runs to completion or
// timeout.
func (g *Git) mutate(ctx context.Context, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errclass.ErrCancelled.WithMessagef("git %s not started", args[0]).Wrap(err)
	}
	return g.read(context.WithoutCancel(ctx), args...)
}

func classify(args []string, out []byte, err error) error {
	if errors.Is(err, errclass.ErrVcsTimeout) || errors.Is(err, errclass.ErrCancelled) {
		return err
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return errclass.ErrVcsFailure.WithMessagef("git %s", strings.Join(args, " ")).Wrap(ee)
	}
	return errclass.ErrVcsFailure.WithMessagef("git %s", args[0]).Wrap(err)
}

// exitCode extracts the process exit code from an error produced by read.
func exitCode(err error) int {
	return ExitCode(err)
}

// TopLevel returns the working tree root.
func (g *Git) TopLevel(ctx context.Context) (string, error) {
	return g.read(ctx, "rev-parse", "--show-toplevel")
}

// GitDir returns the absolute git directory.
func (g *Git) GitDir(ctx context.Context) (string, error) {
	return g.read(ctx, "rev-parse", "--absolute-git-dir")
}

// CurrentBranch returns the checked-out branch, or "HEAD" when detached.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	return g.read(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// ResolveRef returns the commit id ref points to, or "" when it does not
// resolve to a commit.
func (g *Git) ResolveRef(ctx context.Context, ref string) (string, error) {
	out, err := g.read(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		if exitCode(err) == 1 {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// BranchHead returns the commit id at the tip of a local branch, or "".
func (g *Git) BranchHead(ctx context.Context, branch string) (string, error) {
	return g.ResolveRef(ctx, "refs/heads/"+branch)
}

// BranchExists reports whether a local branch exists.
func (g *Git) BranchExists(ctx context.Context, branch string) (bool, error) {
	h, err := g.BranchHead(ctx, branch)
	return h != "", err
}

// CommitExists reports whether the commit object is present in the object
// store.
func (g *Git) CommitExists(ctx context.Context, hash string) (bool, error) {
	_, err := g.read(ctx, "cat-file", "-e", hash+"^{commit}")
	if err != nil {
		if exitCode(err) > 0 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// BranchInfo is one local branch and its tip.
type BranchInfo struct {
	Name string `json:"name"`
	Head string `json:"head"`
}

// ListBranches returns local branches whose short name matches the glob
// pattern (e.g. "wip-*"). An empty pattern lists every branch.
func (g *Git) ListBranches(ctx context.Context, pattern string) ([]BranchInfo, error) {
	ref := "refs/heads/"
	if pattern != "" {
		ref += pattern
	}
	out, err := g.read(ctx, "for-each-ref", "--format=%(refname:short)%09%(objectname)", ref)
	if err != nil {
		return nil, err
	}
	var branches []BranchInfo
	for _, line := range strings.Split(out, "\n") {
		name, head, ok := strings.Cut(line, "\t")
		if !ok {
			continue
		}
		branches = append(branches, BranchInfo{Name: name, Head: head})
	}
	return branches, nil
}

// CreateBranch creates branch at base without switching.
func (g *Git) CreateBranch(ctx context.Context, branch, base string) error {
	_, err := g.mutate(ctx, "branch", branch, base)
	return err
}

// CreateAndSwitch creates branch at base and checks it out.
func (g *Git) CreateAndSwitch(ctx context.Context, branch, base string) error {
	_, err := g.mutate(ctx, "checkout", "-q", "-b", branch, base)
	return err
}

// Switch checks out an existing branch.
func (g *Git) Switch(ctx context.Context, branch string) error {
	_, err := g.mutate(ctx, "checkout", "-q", branch)
	return err
}

// DeleteBranch deletes a local branch. force deletes unmerged branches.
func (g *Git) DeleteBranch(ctx context.Context, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := g.mutate(ctx, "branch", flag, branch)
	return err
}

// ForceBranch points branch at hash. The branch must not be checked out.
func (g *Git) ForceBranch(ctx context.Context, branch, hash string) error {
	_, err := g.mutate(ctx, "branch", "-f", branch, hash)
	return err
}

// ResetHard moves the checked-out branch and working tree to hash.
func (g *Git) ResetHard(ctx context.Context, hash string) error {
	_, err := g.mutate(ctx, "reset", "-q", "--hard", hash)
	return err
}

// IsDirty reports whether tracked files have uncommitted changes.
func (g *Git) IsDirty(ctx context.Context) (bool, error) {
	out, err := g.read(ctx, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// CountCommits returns the number of commits reachable from head but not
// from base.
func (g *Git) CountCommits(ctx context.Context, base, head string) (int, error) {
	out, err := g.read(ctx, "rev-list", "--count", base+".."+head)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, errclass.ErrVcsFailure.WithMessagef("unexpected rev-list output %q", out)
	}
	return n, nil
}

// IsAncestor reports whether a is an ancestor of b.
func (g *Git) IsAncestor(ctx context.Context, a, b string) (bool, error) {
	_, err := g.read(ctx, "merge-base", "--is-ancestor", a, b)
	if err != nil {
		if exitCode(err) == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MergeBase returns the best common ancestor of a and b, or "" when the
// histories are unrelated.
func (g *Git) MergeBase(ctx context.Context, a, b string) (string, error) {
	out, err := g.read(ctx, "merge-base", a, b)
	if err != nil {
		if exitCode(err) == 1 {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// Commit is one log entry.
type Commit struct {
	Hash    string `json:"hash"`
	Author  string `json:"author"`
	Subject string `json:"subject"`
}

// Log returns commits in base..head, newest first.
func (g *Git) Log(ctx context.Context, base, head string) ([]Commit, error) {
	out, err := g.read(ctx, "log", "--format=%H%x1f%an%x1f%s", base+".."+head)
	if err != nil {
		return nil, err
	}
	var commits []Commit
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\x1f", 3)
		if len(parts) != 3 {
			continue
		}
		commits = append(commits, Commit{Hash: parts[0], Author: parts[1], Subject: parts[2]})
	}
	return commits, nil
}

// FileChange is one path-level difference between two revisions.
type FileChange struct {
	Path    string           `json:"path"`
	OldPath string           `json:"old_path,omitempty"`
	Type    model.ChangeType `json:"type"`
}

// Diff lists path changes from..to with rename detection.
func (g *Git) Diff(ctx context.Context, from, to string) ([]FileChange, error) {
	out, err := g.exec.Run(ctx, g.dir, "git", "diff", "--name-status", "-z", "-M", "--no-color", from, to)
	if err != nil {
		return nil, classify([]string{"diff", from, to}, out, err)
	}
	return ParseNameStatus(out)
}

// ParseNameStatus parses `git diff --name-status -z` output.
func ParseNameStatus(out []byte) ([]FileChange, error) {
	fields := strings.Split(strings.TrimRight(string(out), "\x00"), "\x00")
	if len(fields) == 1 && fields[0] == "" {
		return nil, nil
	}

	var changes []FileChange
	for i := 0; i < len(fields); {
		status := fields[i]
		if status == "" {
			i++
			continue
		}
		switch status[0] {
		case 'R', 'C':
			if i+2 >= len(fields) {
				return nil, fmt.Errorf("truncated name-status entry %q", status)
			}
			ch := FileChange{Path: fields[i+2], OldPath: fields[i+1], Type: model.ChangeRenamed}
			if status[0] == 'C' {
				ch = FileChange{Path: fields[i+2], Type: model.ChangeAdded}
			}
			changes = append(changes, ch)
			i += 3
		default:
			if i+1 >= len(fields) {
				return nil, fmt.Errorf("truncated name-status entry %q", status)
			}
			changes = append(changes, FileChange{Path: fields[i+1], Type: changeType(status[0])})
			i += 2
		}
	}
	return changes, nil
}

func changeType(c byte) model.ChangeType {
	switch c {
	case 'A':
		return model.ChangeAdded
	case 'D':
		return model.ChangeDeleted
	}
	return model.ChangeModified
}

// MergeResult is the outcome of a merge attempt.
type MergeResult struct {
	Commit    string   `json:"commit,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// Conflicted reports whether the merge stopped on conflicts.
func (r *MergeResult) Conflicted() bool {
	return len(r.Conflicts) > 0
}

// Merge merges branch into the checked-out branch with a merge commit. A
// conflicting merge is returned as a result, not an error, and the working
// copy is left in the conflicted state.
func (g *Git) Merge(ctx context.Context, branch, message string) (*MergeResult, error) {
	_, err := g.mutate(ctx, "merge", "--no-ff", "--no-edit", "-m", message, branch)
	if err != nil {
		if exitCode(err) <= 0 {
			return nil, err
		}
		conflicts, cerr := g.ConflictedFiles(context.WithoutCancel(ctx))
		if cerr != nil || len(conflicts) == 0 {
			return nil, err
		}
		return &MergeResult{Conflicts: conflicts}, nil
	}
	head, err := g.ResolveRef(context.WithoutCancel(ctx), "HEAD")
	if err != nil {
		return nil, err
	}
	return &MergeResult{Commit: head}, nil
}

// ConflictedFiles lists unmerged paths.
func (g *Git) ConflictedFiles(ctx context.Context) ([]string, error) {
	out, err := g.read(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, f := range strings.Split(out, "\n") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	return files, nil
}

// MergeInProgress reports whether a merge is awaiting resolution.
func (g *Git) MergeInProgress(ctx context.Context) (bool, error) {
	h, err := g.ResolveRef(ctx, "MERGE_HEAD")
	return h != "", err
}

// AbortMerge aborts an in-progress merge.
func (g *Git) AbortMerge(ctx context.Context) error {
	_, err := g.mutate(ctx, "merge", "--abort")
	return err
}

// Remotes returns remote names mapped to their fetch URLs.
func (g *Git) Remotes(ctx context.Context) (map[string]string, error) {
	out, err := g.read(ctx, "config", "--get-regexp", `^remote\..*\.url$`)
	remotes := map[string]string{}
	if err != nil {
		if exitCode(err) == 1 {
			return remotes, nil
		}
		return nil, err
	}
	for _, line := range strings.Split(out, "\n") {
		key, url, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, "remote."), ".url")
		remotes[name] = url
	}
	return remotes, nil
}

// RemoteBranchExists reports whether remote advertises branch.
func (g *Git) RemoteBranchExists(ctx context.Context, remote, branch string) (bool, error) {
	_, err := g.read(ctx, "ls-remote", "--exit-code", "--heads", remote, "refs/heads/"+branch)
	if err != nil {
		if exitCode(err) == 2 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Push pushes branch to remote and sets upstream.
func (g *Git) Push(ctx context.Context, remote, branch string) error {
	_, err := g.mutate(ctx, "push", "-q", "-u", remote, branch)
	return err
}

// ConfigValue returns a git config value, or "" when unset.
func (g *Git) ConfigValue(ctx context.Context, key string) (string, error) {
	out, err := g.read(ctx, "config", "--get", key)
	if err != nil {
		if exitCode(err) == 1 {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}
