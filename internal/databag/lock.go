// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package databag

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"

	"github.com/canonical/mysql-k8s-operator-sub000/core/lock"
)

// AcquireLock takes the named lock for the local unit. It uses
// compare-and-set, so of two units racing for a free lock exactly one
// succeeds; the other gets lock.ErrHeld. Re-acquiring a lock already
// held by the local unit succeeds.
func (d *Databag) AcquireLock(ctx context.Context, name string, now time.Time) error {
	req := lock.Request{Name: name, Holder: d.unitName}
	if err := req.Validate(); err != nil {
		return errors.Trace(err)
	}
	token, version, err := d.readLock(ctx, name)
	if err != nil {
		return errors.Trace(err)
	}
	if token.HeldBy(d.unitName) {
		return nil
	}
	if !token.IsZero() {
		return errors.WithType(
			errors.Errorf("lock %q held by %q since %s", name, token.Holder, token.Acquired.Format(time.RFC3339)),
			lock.ErrHeld,
		)
	}
	data, err := json.Marshal(lock.Token{Holder: d.unitName, Acquired: now.UTC()})
	if err != nil {
		return errors.Trace(err)
	}
	_, err = d.store.CompareAndSet(ctx, AppScope, lockKeyPrefix+name, string(data), version)
	if errors.Is(err, ErrVersionConflict) {
		return errors.WithType(errors.Errorf("lock %q taken concurrently", name), lock.ErrHeld)
	}
	return errors.Trace(err)
}

// ReleaseLock frees the named lock, which must be held by the local
// unit. Releasing a free lock is a no-op.
func (d *Databag) ReleaseLock(ctx context.Context, name string) error {
	token, version, err := d.readLock(ctx, name)
	if err != nil {
		return errors.Trace(err)
	}
	if token.IsZero() {
		return nil
	}
	if !token.HeldBy(d.unitName) {
		return errors.WithType(
			errors.Errorf("lock %q held by %q, not %q", name, token.Holder, d.unitName), lock.ErrNotHeld)
	}
	err = d.store.Delete(ctx, AppScope, lockKeyPrefix+name, version)
	if errors.Is(err, ErrVersionConflict) {
		return errors.WithType(errors.Errorf("lock %q changed while releasing", name), lock.ErrNotHeld)
	}
	return errors.Trace(err)
}

// BreakLock frees the named lock whoever holds it. Only the leader may
// break locks, which it does when the holder has departed.
func (d *Databag) BreakLock(ctx context.Context, name string) error {
	if err := d.checkLeader(); err != nil {
		return errors.Trace(err)
	}
	_, version, err := d.readLock(ctx, name)
	if err != nil {
		return errors.Trace(err)
	}
	if version == 0 {
		return nil
	}
	return errors.Trace(d.store.Delete(ctx, AppScope, lockKeyPrefix+name, version))
}

// LockHolder returns the token of the named lock; a free lock has a zero
// token.
func (d *Databag) LockHolder(ctx context.Context, name string) (lock.Token, error) {
	token, _, err := d.readLock(ctx, name)
	return token, errors.Trace(err)
}

func (d *Databag) readLock(ctx context.Context, name string) (lock.Token, int64, error) {
	v, err := d.store.Get(ctx, AppScope, lockKeyPrefix+name)
	if errors.Is(err, errors.NotFound) {
		return lock.Token{}, 0, nil
	} else if err != nil {
		return lock.Token{}, 0, errors.Trace(err)
	}
	var token lock.Token
	if err := json.Unmarshal([]byte(v.Data), &token); err != nil {
		return lock.Token{}, 0, errors.Annotatef(err, "decoding lock %q", name)
	}
	return token, v.Version, nil
}
