// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package databag

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
)

// ErrNotLeader is returned when a non-leader writes application data.
const ErrNotLeader = errors.ConstError("only the leader may write application data")

// ErrNotOwner is returned when a unit writes another unit's data.
const ErrNotOwner = errors.ConstError("units may only write their own data")

const (
	maxSetAttempts = 3
	setRetryDelay  = 10 * time.Millisecond
)

// LeadershipChecker reports whether the local unit is the leader.
type LeadershipChecker interface {
	IsLeader() (bool, error)
}

// Databag is one unit's view of the shared peer state. It enforces key
// ownership: application keys are leader-writable, unit keys are
// writable by their owner only.
type Databag struct {
	store    Store
	unitName string
	leader   LeadershipChecker
}

// New returns the view of store for the named unit.
func New(store Store, unitName string, leader LeadershipChecker) *Databag {
	return &Databag{
		store:    store,
		unitName: unitName,
		leader:   leader,
	}
}

// UnitName returns the name of the unit owning this view.
func (d *Databag) UnitName() string {
	return d.unitName
}

// Store returns the backing store.
func (d *Databag) Store() Store {
	return d.store
}

// App returns the application bag.
func (d *Databag) App() *Bag {
	return &Bag{store: d.store, scope: AppScope, canWrite: d.checkLeader}
}

// Local returns the bag of the local unit.
func (d *Databag) Local() *Bag {
	return d.Unit(d.unitName)
}

// Unit returns the bag of the named unit. Only the local unit's bag is
// writable.
func (d *Databag) Unit(unitName string) *Bag {
	canWrite := func() error {
		if unitName != d.unitName {
			return errors.WithType(
				errors.Errorf("unit %q cannot write data of unit %q", d.unitName, unitName), ErrNotOwner)
		}
		return nil
	}
	return &Bag{store: d.store, scope: UnitScope(unitName), canWrite: canWrite}
}

func (d *Databag) checkLeader() error {
	isLeader, err := d.leader.IsLeader()
	if err != nil {
		return errors.Trace(err)
	}
	if !isLeader {
		return errors.WithType(errors.Errorf("unit %q is not the leader", d.unitName), ErrNotLeader)
	}
	return nil
}

// Units returns the data published by every unit, keyed by unit name.
func (d *Databag) Units(ctx context.Context) (map[string]map[string]string, error) {
	snapshot, err := d.store.Snapshot(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	result := make(map[string]map[string]string)
	for scope, values := range snapshot {
		if name, ok := scope.UnitName(); ok {
			result[name] = values
		}
	}
	return result, nil
}

// Bag is a single scope of the databag.
type Bag struct {
	store    Store
	scope    Scope
	canWrite func() error
}

// Scope returns the scope of the bag.
func (b *Bag) Scope() Scope {
	return b.scope
}

// Get returns the value of key, or an error satisfying errors.NotFound.
func (b *Bag) Get(ctx context.Context, key string) (string, error) {
	v, err := b.store.Get(ctx, b.scope, key)
	if err != nil {
		return "", errors.Trace(err)
	}
	return v.Data, nil
}

// GetDefault returns the value of key, or def when it is absent.
func (b *Bag) GetDefault(ctx context.Context, key, def string) (string, error) {
	v, err := b.Get(ctx, key)
	if errors.Is(err, errors.NotFound) {
		return def, nil
	}
	return v, errors.Trace(err)
}

// GetBool returns true if key holds "true".
func (b *Bag) GetBool(ctx context.Context, key string) (bool, error) {
	v, err := b.GetDefault(ctx, key, "")
	if err != nil {
		return false, errors.Trace(err)
	}
	return v == "true", nil
}

// GetJSON decodes the JSON value of key into out.
func (b *Bag) GetJSON(ctx context.Context, key string, out any) error {
	v, err := b.Get(ctx, key)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(json.Unmarshal([]byte(v), out), "decoding %s key %q", b.scope, key)
}

// Set writes key, if the local unit may write this bag. Writing the
// value already stored is a no-op and does not notify peers.
func (b *Bag) Set(ctx context.Context, key, value string) error {
	if err := b.checkWrite(key); err != nil {
		return errors.Trace(err)
	}
	// Only the owner writes these keys, so a conflict means a write by
	// this same owner raced us (eg a previous leader); re-read and retry.
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			current, err := b.store.Get(ctx, b.scope, key)
			if err == nil && current.Data == value {
				return nil
			} else if err != nil && !errors.Is(err, errors.NotFound) {
				return errors.Trace(err)
			}
			_, err = b.store.CompareAndSet(ctx, b.scope, key, value, current.Version)
			return err
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, ErrVersionConflict)
		},
		Attempts: maxSetAttempts,
		Delay:    setRetryDelay,
		Clock:    clock.WallClock,
		Stop:     ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		err = retry.LastError(err)
	}
	return errors.Trace(err)
}

// SetBool writes "true" or "false" to key.
func (b *Bag) SetBool(ctx context.Context, key string, value bool) error {
	if value {
		return b.Set(ctx, key, "true")
	}
	return b.Set(ctx, key, "false")
}

// SetJSON writes the JSON encoding of value to key.
func (b *Bag) SetJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Trace(err)
	}
	return b.Set(ctx, key, string(data))
}

// Delete removes key, if the local unit may write this bag.
func (b *Bag) Delete(ctx context.Context, key string) error {
	if err := b.checkWrite(key); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(b.store.Delete(ctx, b.scope, key, AnyVersion))
}

func (b *Bag) checkWrite(key string) error {
	if isLockKey(key) {
		return errors.NotValidf("direct write of lock key %q", key)
	}
	return b.canWrite()
}

// isLockKey reports whether key holds a lock token.
func isLockKey(key string) bool {
	return strings.HasPrefix(key, lockKeyPrefix)
}
