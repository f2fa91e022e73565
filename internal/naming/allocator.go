// Package naming allocates and validates work branch names.
package naming

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/pathutil"
)

const (
	DefaultPrefix      = "wip"
	DefaultMaxLength   = 63
	DefaultMaxAttempts = 100
)

// MinLength is the shortest usable maximum length for prefix: room for a
// one-character purpose and the -YYYYMMDD date suffix.
func MinLength(prefix string) int {
	return len(prefix) + len("-x") + len(dateSuffixLayout) + 1
}

const dateSuffixLayout = "20060102"

// ExistsFunc reports whether a name is already taken.
type ExistsFunc func(ctx context.Context, name string) (bool, error)

// Allocator produces collision-free names of the form
// <prefix>-<purpose>-<user>, or <prefix>-<purpose>-<seq> without a user.
// Names handed out are reserved in-process until Release.
type Allocator struct {
	prefix      string
	maxLen      int
	maxAttempts int
	exists      ExistsFunc
	now         func() time.Time

	mu       sync.Mutex
	reserved map[string]struct{}
}

// New creates an allocator. exists may be nil.
func New(prefix string, maxLen, maxAttempts int, exists ExistsFunc) *Allocator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLength
	}
	if min := MinLength(prefix); maxLen < min {
		maxLen = min
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Allocator{
		prefix:      prefix,
		maxLen:      maxLen,
		maxAttempts: maxAttempts,
		exists:      exists,
		now:         time.Now,
		reserved:    map[string]struct{}{},
	}
}

// SetClock replaces the time source used for date suffixes.
func (a *Allocator) SetClock(now func() time.Time) {
	a.now = now
}

// Prefix returns the reserved name prefix.
func (a *Allocator) Prefix() string {
	return a.prefix
}

// Allocate returns an unused, valid name for purpose and user and reserves
// it. On collision a sequence number is appended, then a date suffix.
func (a *Allocator) Allocate(ctx context.Context, purpose, user string) (string, error) {
	purposeSlug := pathutil.Slug(purpose, 0)
	if purposeSlug == "" {
		return "", errclass.ErrNameInvalid.WithMessagef("purpose %q has no usable characters", purpose)
	}
	base := a.prefix + "-" + purposeSlug
	userSlug := pathutil.Slug(user, 0)
	if userSlug != "" {
		base += "-" + userSlug
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i < a.maxAttempts; i++ {
		candidate := a.fit(base, fmt.Sprintf("-%d", i+1))
		if userSlug != "" && i == 0 {
			candidate = a.fit(base, "")
		}
		ok, err := a.tryReserve(ctx, candidate)
		if err != nil {
			return "", err
		}
		if ok {
			return candidate, nil
		}
	}

	dated := a.fit(base, "-"+a.now().UTC().Format(dateSuffixLayout))
	ok, err := a.tryReserve(ctx, dated)
	if err != nil {
		return "", err
	}
	if ok {
		return dated, nil
	}
	return "", errclass.ErrNameConflict.WithMessagef(
		"no free name for %s after %d attempts", base, a.maxAttempts+1)
}

func (a *Allocator) tryReserve(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, errclass.ErrCancelled.Wrap(err)
	}
	if err := a.Validate(name); err != nil {
		return false, err
	}
	if _, taken := a.reserved[name]; taken {
		return false, nil
	}
	if a.exists != nil {
		taken, err := a.exists(ctx, name)
		if err != nil {
			return false, err
		}
		if taken {
			return false, nil
		}
	}
	a.reserved[name] = struct{}{}
	return true, nil
}

// fit truncates base so base+suffix fits the maximum length.
func (a *Allocator) fit(base, suffix string) string {
	if room := a.maxLen - len(suffix); len(base) > room {
		base = strings.TrimRight(base[:room], "-")
	}
	return base + suffix
}

// Release drops an in-process reservation.
func (a *Allocator) Release(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, name)
}

// Validate checks name against the naming grammar.
func (a *Allocator) Validate(name string) error {
	return pathutil.ValidateBranchName(name, a.prefix, a.maxLen)
}
