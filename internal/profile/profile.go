// Package profile detects repository topology, remote configuration and
// the acting user.
package profile

import (
	"context"
	"os"
	"os/user"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"

	"github.com/orgflow/orgflow/internal/cache"
	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/logging"
	"github.com/orgflow/orgflow/pkg/model"
)

// Detection sources reported in RepositoryProfile.Source.
const (
	SourceHost    = "host"
	SourceRemotes = "remotes"
	SourceLocal   = "local"
	SourceDefault = "default"
)

// UserEnv overrides the VCS identity when git has none.
const UserEnv = "ORGFLOW_USER"

// FallbackUser is used when no identity source yields a name.
const FallbackUser = "unknown"

// Options configures a Profiler.
type Options struct {
	// TTL is the cache freshness window. Zero means 24h.
	TTL time.Duration
	// ProbeTimeout bounds each external query. Zero means 5s.
	ProbeTimeout time.Duration
	Host         HostCLI
	Cache        *cache.Cache
	Logger       *logging.Logger
}

// Profiler computes RepositoryProfile values.
type Profiler struct {
	dir          string
	ttl          time.Duration
	probeTimeout time.Duration
	host         HostCLI
	cache        *cache.Cache
	log          *logging.Logger

	getenv      func(string) string
	currentUser func() (*user.User, error)
	now         func() time.Time

	mu        sync.Mutex
	lastKnown *model.RepositoryProfile
}

// New creates a profiler for the working copy at dir.
func New(dir string, opts Options) *Profiler {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	return &Profiler{
		dir:          dir,
		ttl:          opts.TTL,
		probeTimeout: opts.ProbeTimeout,
		host:         opts.Host,
		cache:        opts.Cache,
		log:          logging.OrNop(opts.Logger).Named("profile"),
		getenv:       os.Getenv,
		currentUser:  user.Current,
		now:          time.Now,
	}
}

// Profile returns the repository profile, from cache unless forceRefresh is
// set. Failing probes degrade to the last known or default values; only
// cancellation is returned as an error.
func (p *Profiler) Profile(ctx context.Context, forceRefresh bool) (*model.RepositoryProfile, error) {
	key := cache.ProfileKey(p.dir)
	if !forceRefresh {
		if prof, ok := cache.Get[*model.RepositoryProfile](p.cache, key); ok {
			return prof, nil
		}
	}

	prof := p.detect(ctx)
	if err := ctx.Err(); err != nil {
		p.mu.Lock()
		last := p.lastKnown
		p.mu.Unlock()
		if last != nil {
			return last, nil
		}
		return nil, errclass.ErrCancelled.WithMessage("repository profiling").Wrap(err)
	}

	p.mu.Lock()
	p.lastKnown = prof
	p.mu.Unlock()
	if p.cache != nil {
		p.cache.Set(key, prof, p.ttl)
	}
	return prof, nil
}

// Invalidate drops the cached profile.
func (p *Profiler) Invalidate() {
	if p.cache != nil {
		p.cache.Invalidate(cache.ProfileKey(p.dir))
	}
}

func (p *Profiler) detect(ctx context.Context) *model.RepositoryProfile {
	prof := &model.RepositoryProfile{
		Topology:   model.TopologyOriginal,
		DetectedAt: p.now().UTC(),
		Source:     SourceDefault,
	}

	repo, repoErr := git.PlainOpenWithOptions(p.dir, &git.PlainOpenOptions{DetectDotGit: true})
	if repoErr != nil {
		p.log.WarnErr("open repository for profiling", repoErr, map[string]any{"dir": p.dir})
	}

	prof.CurrentUser = p.resolveUser(repo)
	prof.Remotes = remoteURLs(repo)
	prof.RemoteConfigured = len(prof.Remotes) > 0

	if p.host != nil {
		prof.HostCLI = p.probe(ctx, p.host.Available)
		if prof.HostCLI {
			prof.HostAuth = p.probe(ctx, p.host.Authenticated)
		}
	}

	if prof.HostAuth && prof.RemoteConfigured {
		pctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
		info, err := p.host.Repo(pctx)
		cancel()
		if err == nil {
			prof.Topology = topologyFromHost(info)
			prof.Source = SourceHost
			return prof
		}
		p.log.WarnErr("host repository query failed; using remote inspection", err)
	}

	topology, source, lowConfidence := topologyFromRemotes(prof.Remotes, p.githubUser(repo))
	prof.Topology = topology
	prof.Source = source
	prof.LowConfidence = lowConfidence
	return prof
}

func (p *Profiler) probe(ctx context.Context, fn func(context.Context) bool) bool {
	pctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()
	return fn(pctx)
}

// resolveUser applies the identity order: VCS identity, ORGFLOW_USER, the
// OS account, then FallbackUser.
func (p *Profiler) resolveUser(repo *git.Repository) string {
	if repo != nil {
		if cfg, err := repo.ConfigScoped(config.GlobalScope); err == nil && cfg.User.Name != "" {
			return cfg.User.Name
		}
	}
	if name := p.getenv(UserEnv); name != "" {
		return name
	}
	for _, env := range []string{"USER", "USERNAME"} {
		if name := p.getenv(env); name != "" {
			return name
		}
	}
	if u, err := p.currentUser(); err == nil && u.Username != "" {
		return u.Username
	}
	return FallbackUser
}

// githubUser returns the configured GitHub login (git config github.user).
func (p *Profiler) githubUser(repo *git.Repository) string {
	if repo == nil {
		return ""
	}
	cfg, err := repo.ConfigScoped(config.GlobalScope)
	if err != nil || cfg.Raw == nil {
		return ""
	}
	return cfg.Raw.Section("github").Option("user")
}

func remoteURLs(repo *git.Repository) map[string]string {
	out := map[string]string{}
	if repo == nil {
		return out
	}
	remotes, err := repo.Remotes()
	if err != nil {
		return out
	}
	for _, r := range remotes {
		if urls := r.Config().URLs; len(urls) > 0 {
			out[r.Config().Name] = urls[0]
		}
	}
	return out
}

func topologyFromHost(info *HostRepo) model.Topology {
	if info.IsFork {
		return model.TopologyFork
	}
	switch strings.ToUpper(info.ViewerPermission) {
	case "ADMIN", "MAINTAIN":
		return model.TopologyOriginal
	}
	return model.TopologyClone
}

// topologyFromRemotes infers topology from remote relationships. An
// upstream remote marks a fork; an origin owned by someone else marks a
// clone.
func topologyFromRemotes(remotes map[string]string, login string) (model.Topology, string, bool) {
	if len(remotes) == 0 {
		return model.TopologyOriginal, SourceLocal, false
	}
	if _, ok := remotes["upstream"]; ok {
		return model.TopologyFork, SourceRemotes, false
	}
	if origin, ok := remotes["origin"]; ok && login != "" {
		if owner := remoteOwner(origin); owner != "" {
			if strings.EqualFold(owner, login) {
				return model.TopologyOriginal, SourceRemotes, false
			}
			return model.TopologyClone, SourceRemotes, false
		}
	}
	return model.TopologyOriginal, SourceDefault, true
}

var (
	sshOwner   = regexp.MustCompile(`^[^@/]+@[^:]+:([^/]+)/`)
	httpsOwner = regexp.MustCompile(`^[a-z+]+://(?:[^@/]+@)?[^/]+/([^/]+)/`)
)

// remoteOwner extracts the owner segment of a remote URL.
// Supports git@host:owner/repo.git and https://host/owner/repo.git.
func remoteOwner(url string) string {
	if m := sshOwner.FindStringSubmatch(url); len(m) > 1 {
		return m[1]
	}
	if m := httpsOwner.FindStringSubmatch(url); len(m) > 1 {
		return m[1]
	}
	return ""
}
