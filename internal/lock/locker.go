package lock

import (
	"context"

	"github.com/orgflow/orgflow/pkg/model"
)

// Locker serializes branch-mutating sequences for one repository.
type Locker interface {
	WithLock(ctx context.Context, purpose string, fn func(*model.LockRecord) error) error
	Renew(rec *model.LockRecord) (*model.LockRecord, error)
}

var _ Locker = (*Manager)(nil)

// Run calls fn under l, or directly when l is nil. The record passed to fn
// is nil in the unlocked case.
func Run(ctx context.Context, l Locker, purpose string, fn func(*model.LockRecord) error) error {
	if l == nil {
		return fn(nil)
	}
	return l.WithLock(ctx, purpose, fn)
}

// Extend renews rec when both l and rec are set.
func Extend(l Locker, rec *model.LockRecord) (*model.LockRecord, error) {
	if l == nil || rec == nil {
		return rec, nil
	}
	return l.Renew(rec)
}
