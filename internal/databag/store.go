// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package databag

import (
	"context"
	"strings"

	"github.com/juju/errors"
)

// ErrStateUnavailable is returned when the backing store cannot be
// reached. Events failing with it are deferred.
const ErrStateUnavailable = errors.ConstError("peer state unavailable")

// ErrVersionConflict is returned by CompareAndSet and Delete when the
// stored version differs from the expected one.
const ErrVersionConflict = errors.ConstError("databag version conflict")

// AnyVersion disables the version check of a write.
const AnyVersion int64 = -1

// Scope names a databag namespace.
type Scope string

// AppScope holds application-wide keys.
const AppScope Scope = "app"

const unitScopePrefix = "unit/"

// UnitScope returns the scope holding the named unit's keys.
func UnitScope(unitName string) Scope {
	return Scope(unitScopePrefix + unitName)
}

// UnitName returns the unit owning the scope, if it is a unit scope.
func (s Scope) UnitName() (string, bool) {
	if !strings.HasPrefix(string(s), unitScopePrefix) {
		return "", false
	}
	return strings.TrimPrefix(string(s), unitScopePrefix), true
}

// Value is a stored value and its version. Versions start at 1 and
// increase by one on every write of the key.
type Value struct {
	Data    string
	Version int64
}

// Change describes one mutation of the store.
type Change struct {
	Scope    Scope
	Key      string
	Revision int64
}

// Store is a versioned key-value store replicated to every unit.
type Store interface {
	// Get returns the value stored under key, or an error satisfying
	// errors.NotFound.
	Get(ctx context.Context, scope Scope, key string) (Value, error)

	// CompareAndSet writes data if the stored version equals expected.
	// An expected version of 0 requires the key to be absent and
	// AnyVersion skips the check. It returns the new version, or
	// ErrVersionConflict.
	CompareAndSet(ctx context.Context, scope Scope, key, data string, expected int64) (int64, error)

	// Delete removes the key if its version equals expected (or
	// expected is AnyVersion). Deleting an absent key is not an error.
	Delete(ctx context.Context, scope Scope, key string, expected int64) error

	// Snapshot returns every key in every scope.
	Snapshot(ctx context.Context) (map[Scope]map[string]string, error)

	// Revision returns a counter bumped by every mutation.
	Revision(ctx context.Context) (int64, error)
}
