package profile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/orgflow/orgflow/internal/vcs"
)

// HostRepo is the host platform's view of the repository.
type HostRepo struct {
	NameWithOwner    string `json:"nameWithOwner"`
	IsFork           bool   `json:"isFork"`
	ViewerPermission string `json:"viewerPermission"`
}

// HostCLI is the host-platform integration used for topology detection and
// review submission.
type HostCLI interface {
	// Available reports whether the CLI is installed.
	Available(ctx context.Context) bool
	// Authenticated reports whether the CLI holds valid credentials.
	Authenticated(ctx context.Context) bool
	// Repo describes the repository in the working directory.
	Repo(ctx context.Context) (*HostRepo, error)
}

// GHCLI talks to GitHub through the gh command line tool.
type GHCLI struct {
	dir  string
	exec vcs.Executor
}

// NewGHCLI creates a gh integration running in dir.
func NewGHCLI(dir string, exec vcs.Executor) *GHCLI {
	return &GHCLI{dir: dir, exec: exec}
}

func (g *GHCLI) Available(ctx context.Context) bool {
	_, err := g.exec.Run(ctx, g.dir, "gh", "--version")
	return err == nil
}

func (g *GHCLI) Authenticated(ctx context.Context) bool {
	_, err := g.exec.Run(ctx, g.dir, "gh", "auth", "status", "-h", "github.com")
	return err == nil
}

func (g *GHCLI) Repo(ctx context.Context) (*HostRepo, error) {
	out, err := g.exec.Run(ctx, g.dir, "gh", "repo", "view", "--json", "nameWithOwner,isFork,viewerPermission")
	if err != nil {
		return nil, fmt.Errorf("gh repo view: %w", err)
	}
	var repo HostRepo
	if err := json.Unmarshal(out, &repo); err != nil {
		return nil, fmt.Errorf("parse gh repo view: %w", err)
	}
	return &repo, nil
}
