// Package repo locates a git working copy and manages the orgflow state
// directory stored inside its git directory.
package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/orgflow/orgflow/internal/vcs"
	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/fsutil"
	"github.com/orgflow/orgflow/pkg/pathutil"
)

const (
	FormatVersion     = 1
	StateDirName      = "orgflow"
	FormatVersionFile = "format_version"
	RepoIDFile        = "repo_id"
	LocksDirName      = "locks"
	CheckpointDirName = "checkpoints"
)

// Repo is a discovered git working copy.
type Repo struct {
	// WorkDir is the working tree root.
	WorkDir string
	// GitDir is the shared git directory (the common dir for linked
	// worktrees).
	GitDir string
	// StateDir holds orgflow state: <GitDir>/orgflow.
	StateDir      string
	FormatVersion int
	RepoID        string
}

// Initialized reports whether the state directory has been set up.
func (r *Repo) Initialized() bool {
	return r.FormatVersion > 0
}

// LocksDir returns the lock directory.
func (r *Repo) LocksDir() string {
	return filepath.Join(r.StateDir, LocksDirName)
}

// CheckpointsDir returns the recovery checkpoint directory.
func (r *Repo) CheckpointsDir() string {
	return filepath.Join(r.StateDir, CheckpointDirName)
}

// DiscoverGit walks up from cwd to the nearest git working copy. It does
// not require orgflow state to exist.
func DiscoverGit(cwd string) (*Repo, error) {
	abs, err := pathutil.NormalizeRepoPath(cwd)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cwd, err)
	}
	path := abs
	for {
		dotGit := filepath.Join(path, ".git")
		if info, err := os.Stat(dotGit); err == nil {
			gitDir := dotGit
			if !info.IsDir() {
				gitDir, err = readGitFile(dotGit)
				if err != nil {
					return nil, err
				}
			}
			gitDir = commonDir(gitDir)
			r := &Repo{
				WorkDir:  path,
				GitDir:   gitDir,
				StateDir: filepath.Join(gitDir, StateDirName),
			}
			if err := r.loadState(); err != nil {
				return nil, err
			}
			return r, nil
		}

		parent := filepath.Dir(path)
		if parent == path {
			return nil, errclass.ErrNotFound.WithMessagef("no git repository found above %s", abs)
		}
		path = parent
	}
}

// Discover finds the working copy and requires orgflow to be initialized.
func Discover(cwd string) (*Repo, error) {
	r, err := DiscoverGit(cwd)
	if err != nil {
		return nil, err
	}
	if !r.Initialized() {
		return nil, errclass.ErrNotFound.WithMessagef("orgflow is not initialized in %s (run 'orgflow init')", r.WorkDir)
	}
	return r, nil
}

// Init sets up the state directory and makes sure the canonical branch
// exists, creating it at HEAD when missing. Init is idempotent.
func Init(ctx context.Context, cwd, canonical string, git *vcs.Git) (*Repo, error) {
	r, err := DiscoverGit(cwd)
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{r.StateDir, r.LocksDir(), r.CheckpointsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	if !r.Initialized() {
		if err := fsutil.AtomicWrite(filepath.Join(r.StateDir, FormatVersionFile), []byte(fmt.Sprintf("%d\n", FormatVersion)), 0o644); err != nil {
			return nil, fmt.Errorf("write format_version: %w", err)
		}
		r.FormatVersion = FormatVersion
	}
	if r.RepoID == "" {
		r.RepoID = uuid.NewString()
		if err := fsutil.AtomicWrite(filepath.Join(r.StateDir, RepoIDFile), []byte(r.RepoID+"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("write repo_id: %w", err)
		}
	}

	if git != nil && canonical != "" {
		exists, err := git.BranchExists(ctx, canonical)
		if err != nil {
			return nil, err
		}
		if !exists {
			head, err := git.ResolveRef(ctx, "HEAD")
			if err != nil {
				return nil, err
			}
			if head == "" {
				return nil, errclass.ErrVcsFailure.WithMessage("repository has no commits; commit once before init")
			}
			if err := git.CreateBranch(ctx, canonical, head); err != nil {
				return nil, err
			}
		}
	}

	if err := fsutil.FsyncDir(r.StateDir); err != nil {
		return nil, fmt.Errorf("fsync state dir: %w", err)
	}
	return r, nil
}

func (r *Repo) loadState() error {
	version, err := readFormatVersion(r.StateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if version > FormatVersion {
		return errclass.ErrFormatUnsupported.WithMessagef(
			"format version %d > supported %d", version, FormatVersion)
	}
	r.FormatVersion = version
	r.RepoID, _ = readRepoID(r.StateDir)
	return nil
}

// readGitFile resolves a ".git" file of the form "gitdir: <path>".
func readGitFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	line := strings.TrimSpace(string(data))
	target, ok := strings.CutPrefix(line, "gitdir:")
	if !ok {
		return "", errclass.ErrVcsFailure.WithMessagef("malformed .git file %s", path)
	}
	target = strings.TrimSpace(target)
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	return filepath.Clean(target), nil
}

// commonDir follows a linked worktree's commondir pointer.
func commonDir(gitDir string) string {
	data, err := os.ReadFile(filepath.Join(gitDir, "commondir"))
	if err != nil {
		return gitDir
	}
	common := strings.TrimSpace(string(data))
	if !filepath.IsAbs(common) {
		common = filepath.Join(gitDir, common)
	}
	return filepath.Clean(common)
}

func readFormatVersion(stateDir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, FormatVersionFile))
	if err != nil {
		return 0, err
	}
	var version int
	if _, err := fmt.Sscanf(string(data), "%d", &version); err != nil {
		return 0, fmt.Errorf("parse format_version: %w", err)
	}
	return version, nil
}

func readRepoID(stateDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, RepoIDFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
