// Package lock provides the repository-wide mutation lock. Every mutating
// orgflow operation holds it so concurrent invocations against the same
// working copy are serialized.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orgflow/orgflow/pkg/errclass"
	"github.com/orgflow/orgflow/pkg/fsutil"
	"github.com/orgflow/orgflow/pkg/model"
)

const (
	lockFileName  = "repo.lock.json"
	fenceFileName = "fence"
)

// DefaultPolicy returns the lock timings used when config provides none.
func DefaultPolicy() model.LockPolicy {
	return model.LockPolicy{
		LeaseTTL:       2 * time.Minute,
		AcquireTimeout: 30 * time.Second,
		PollInterval:   100 * time.Millisecond,
	}
}

// Manager handles the repository lock file.
type Manager struct {
	dir      string
	repoPath string
	policy   model.LockPolicy
	mu       sync.Mutex
	now      func() time.Time
}

// NewManager creates a lock manager storing its files in locksDir.
func NewManager(locksDir, repoPath string, policy model.LockPolicy) *Manager {
	if policy.PollInterval <= 0 {
		policy.PollInterval = DefaultPolicy().PollInterval
	}
	if policy.LeaseTTL <= 0 {
		policy.LeaseTTL = DefaultPolicy().LeaseTTL
	}
	return &Manager{dir: locksDir, repoPath: repoPath, policy: policy, now: time.Now}
}

// Acquire takes the lock, waiting up to the policy's AcquireTimeout while
// another live holder has it. An expired lock is taken over with an
// incremented fencing token.
func (m *Manager) Acquire(ctx context.Context, purpose string) (*model.LockRecord, error) {
	if m.policy.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.policy.AcquireTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(m.policy.PollInterval)
	defer ticker.Stop()

	for {
		rec, err := m.TryAcquire(purpose)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, errclass.ErrLockConflict) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, err
			}
			return nil, errclass.ErrCancelled.Wrap(ctx.Err())
		case <-ticker.C:
		}
	}
}

// TryAcquire makes a single attempt to take the lock.
func (m *Manager) TryAcquire(purpose string) (*model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	rec, err := m.create(purpose)
	if err == nil {
		return rec, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("create lock: %w", err)
	}

	existing, readErr := m.readLock()
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return nil, errclass.ErrLockConflict.WithMessage("lock released during acquire")
		}
		// A holder that crashed mid-write leaves an unparseable file.
		info, statErr := os.Stat(m.lockPath())
		if statErr == nil && m.now().Sub(info.ModTime()) > m.policy.LeaseTTL {
			return m.steal(nil, purpose)
		}
		return nil, errclass.ErrLockConflict.WithMessagef("lock file unreadable: %v", readErr)
	}
	if !existing.IsExpired(m.now()) {
		return nil, errclass.ErrLockConflict.WithMessagef(
			"repository is locked by pid %d for %q until %s",
			existing.PID, existing.Purpose, existing.ExpiresAt.Format(time.RFC3339))
	}
	return m.steal(existing, purpose)
}

// steal replaces an expired lock. The expired file is renamed aside first so
// only one contender can win.
func (m *Manager) steal(expired *model.LockRecord, purpose string) (*model.LockRecord, error) {
	tomb := filepath.Join(m.dir, ".stale-"+uuid.NewString())
	if err := os.Rename(m.lockPath(), tomb); err != nil {
		return nil, errclass.ErrLockConflict.WithMessage("lost race for expired lock")
	}
	defer os.Remove(tomb)

	moved, err := readRecord(tomb)
	if err == nil && expired != nil && moved.HolderNonce != expired.HolderNonce {
		// Another process already replaced the expired lock; put it back.
		if linkErr := os.Link(tomb, m.lockPath()); linkErr != nil {
			return nil, fmt.Errorf("restore live lock: %w", linkErr)
		}
		return nil, errclass.ErrLockConflict.WithMessage("lost race for expired lock")
	}

	rec, err := m.create(purpose)
	if err != nil {
		if os.IsExist(err) {
			return nil, errclass.ErrLockConflict.WithMessage("lost race for expired lock")
		}
		return nil, fmt.Errorf("create lock: %w", err)
	}
	return rec, nil
}

func (m *Manager) create(purpose string) (*model.LockRecord, error) {
	file, err := os.OpenFile(m.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	token, err := m.nextFence()
	if err != nil {
		os.Remove(m.lockPath())
		return nil, err
	}

	now := m.now().UTC()
	rec := &model.LockRecord{
		RepositoryPath: m.repoPath,
		HolderNonce:    uuid.NewString(),
		PID:            os.Getpid(),
		AcquiredAt:     now,
		ExpiresAt:      now.Add(m.policy.LeaseTTL),
		FencingToken:   token,
		Purpose:        purpose,
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		os.Remove(m.lockPath())
		return nil, fmt.Errorf("marshal lock: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		os.Remove(m.lockPath())
		return nil, fmt.Errorf("write lock: %w", err)
	}
	if err := file.Sync(); err != nil {
		os.Remove(m.lockPath())
		return nil, fmt.Errorf("sync lock: %w", err)
	}
	return rec, nil
}

// nextFence increments the persistent fencing counter. Callers hold the lock
// file, so the counter is never written concurrently.
func (m *Manager) nextFence() (int64, error) {
	path := filepath.Join(m.dir, fenceFileName)
	var last int64
	if data, err := os.ReadFile(path); err == nil {
		last, _ = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
	next := last + 1
	if err := fsutil.AtomicWrite(path, []byte(strconv.FormatInt(next, 10)+"\n"), 0o644); err != nil {
		return 0, fmt.Errorf("write fence: %w", err)
	}
	return next, nil
}

// Renew extends the lease on a held lock.
func (m *Manager) Renew(rec *model.LockRecord) (*model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.readLock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errclass.ErrLockNotHeld.WithMessage("no lock held")
		}
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if current.HolderNonce != rec.HolderNonce {
		return nil, errclass.ErrLockNotHeld.WithMessage("nonce mismatch")
	}

	current.ExpiresAt = m.now().UTC().Add(m.policy.LeaseTTL)
	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}
	if err := fsutil.AtomicWrite(m.lockPath(), data, 0o644); err != nil {
		return nil, fmt.Errorf("update lock: %w", err)
	}
	return current, nil
}

// Release frees the lock if rec still holds it.
func (m *Manager) Release(rec *model.LockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.readLock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lock: %w", err)
	}
	if current.HolderNonce != rec.HolderNonce {
		return errclass.ErrLockNotHeld.WithMessage("cannot release: nonce mismatch")
	}
	if err := os.Remove(m.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// ValidateFencing checks that token is still the current holder's token.
func (m *Manager) ValidateFencing(token int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.readLock()
	if err != nil {
		if os.IsNotExist(err) {
			return errclass.ErrLockNotHeld.WithMessage("no lock held")
		}
		return fmt.Errorf("read lock: %w", err)
	}
	if rec.FencingToken != token {
		return errclass.ErrLockNotHeld.WithMessagef("fencing token %d superseded by %d", token, rec.FencingToken)
	}
	return nil
}

// Status returns the current lock state.
func (m *Manager) Status() (model.LockState, *model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.readLock()
	if err != nil {
		if os.IsNotExist(err) {
			return model.LockStateFree, nil, nil
		}
		return model.LockStateFree, nil, fmt.Errorf("read lock: %w", err)
	}
	if rec.IsExpired(m.now()) {
		return model.LockStateExpired, rec, nil
	}
	return model.LockStateHeld, rec, nil
}

// ForceRelease removes the lock file regardless of holder.
func (m *Manager) ForceRelease() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the lock.
func (m *Manager) WithLock(ctx context.Context, purpose string, fn func(*model.LockRecord) error) (err error) {
	rec, err := m.Acquire(ctx, purpose)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := m.Release(rec); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return fn(rec)
}

func (m *Manager) lockPath() string {
	return filepath.Join(m.dir, lockFileName)
}

func (m *Manager) readLock() (*model.LockRecord, error) {
	return readRecord(m.lockPath())
}

func readRecord(path string) (*model.LockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec model.LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}
	return &rec, nil
}
