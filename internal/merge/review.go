package merge

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/orgflow/orgflow/internal/profile"
	"github.com/orgflow/orgflow/internal/vcs"
	"github.com/orgflow/orgflow/pkg/errclass"
)

// ReviewRequest is a request to merge Head into Base after review.
type ReviewRequest struct {
	Head      string
	Base      string
	Title     string
	Body      string
	Draft     bool
	Reviewers []string
	Labels    []string
}

// Submitter submits review requests to a hosting platform.
type Submitter interface {
	Name() string
	// Available reports whether the integration can be reached at all.
	Available(ctx context.Context) bool
	// Authenticated reports whether it holds usable credentials.
	Authenticated(ctx context.Context) bool
	// Submit creates the request and returns its reference (usually a URL).
	Submit(ctx context.Context, req ReviewRequest) (string, error)
}

// GHSubmitter submits through the gh command line tool.
type GHSubmitter struct {
	*profile.GHCLI
	dir  string
	exec vcs.Executor
}

// NewGHSubmitter creates a gh submitter running in dir.
func NewGHSubmitter(dir string, exec vcs.Executor) *GHSubmitter {
	return &GHSubmitter{GHCLI: profile.NewGHCLI(dir, exec), dir: dir, exec: exec}
}

func (g *GHSubmitter) Name() string { return "gh" }

func (g *GHSubmitter) Submit(ctx context.Context, req ReviewRequest) (string, error) {
	args := []string{"pr", "create",
		"--title", req.Title,
		"--body", req.Body,
		"--head", req.Head,
		"--base", req.Base,
	}
	if req.Draft {
		args = append(args, "--draft")
	}
	for _, r := range req.Reviewers {
		args = append(args, "--reviewer", r)
	}
	for _, l := range req.Labels {
		args = append(args, "--label", l)
	}
	out, err := g.exec.Run(ctx, g.dir, "gh", args...)
	if err != nil {
		return "", fmt.Errorf("gh pr create: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1]), nil
}

// APISubmitter submits through the GitHub REST API.
type APISubmitter struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHubClient creates an API client authenticated with the token held in
// the environment variable tokenEnv.
func NewGitHubClient(ctx context.Context, tokenEnv string) (*github.Client, error) {
	token := os.Getenv(tokenEnv)
	if token == "" {
		return nil, errclass.ErrConfigInvalid.WithMessagef("GitHub token not set in %s", tokenEnv)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts)), nil
}

// NewAPISubmitter creates a submitter for owner/repo. client may be nil when
// no token is configured; the submitter then reports itself unavailable.
func NewAPISubmitter(client *github.Client, owner, repo string) *APISubmitter {
	return &APISubmitter{client: client, owner: owner, repo: repo}
}

func (a *APISubmitter) Name() string { return "github-api" }

func (a *APISubmitter) Available(context.Context) bool {
	return a.client != nil && a.owner != "" && a.repo != ""
}

func (a *APISubmitter) Authenticated(ctx context.Context) bool {
	if !a.Available(ctx) {
		return false
	}
	_, _, err := a.client.Users.Get(ctx, "")
	return err == nil
}

func (a *APISubmitter) Submit(ctx context.Context, req ReviewRequest) (string, error) {
	pr, _, err := a.client.PullRequests.Create(ctx, a.owner, a.repo, &github.NewPullRequest{
		Title: github.String(req.Title),
		Head:  github.String(req.Head),
		Base:  github.String(req.Base),
		Body:  github.String(req.Body),
		Draft: github.Bool(req.Draft),
	})
	if err != nil {
		return "", fmt.Errorf("create pull request: %w", err)
	}
	if len(req.Labels) > 0 {
		if _, _, err := a.client.Issues.AddLabelsToIssue(ctx, a.owner, a.repo, pr.GetNumber(), req.Labels); err != nil {
			return pr.GetHTMLURL(), fmt.Errorf("label pull request %d: %w", pr.GetNumber(), err)
		}
	}
	if len(req.Reviewers) > 0 {
		if _, _, err := a.client.PullRequests.RequestReviewers(ctx, a.owner, a.repo, pr.GetNumber(),
			github.ReviewersRequest{Reviewers: req.Reviewers}); err != nil {
			return pr.GetHTMLURL(), fmt.Errorf("request reviewers on %d: %w", pr.GetNumber(), err)
		}
	}
	return pr.GetHTMLURL(), nil
}

var repoSlugRe = regexp.MustCompile(`[:/]([^/:]+)/([^/]+?)(?:\.git)?/?$`)

// ParseRepoSlug extracts owner and repository name from a remote URL in
// https or scp-like ssh form.
func ParseRepoSlug(remoteURL string) (owner, repo string, ok bool) {
	m := repoSlugRe.FindStringSubmatch(strings.TrimSpace(remoteURL))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
