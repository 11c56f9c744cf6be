// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lock

import (
	"strings"
	"time"

	"github.com/juju/errors"
)

const (
	// TopologyChange is the lock guarding cluster membership mutations.
	TopologyChange = "topology-change"

	// UnitTeardown is the lock taken on the primary while a unit leaves.
	UnitTeardown = "unit-teardown"
)

// ErrHeld indicates that a lock could not be acquired because another
// holder owns it. It is a short-range signal: callers defer and retry.
const ErrHeld = errors.ConstError("lock held by another unit")

// ErrNotHeld indicates that a release was attempted by a unit that does
// not hold the lock.
const ErrNotHeld = errors.ConstError("lock not held")

// Token records who holds a lock and since when.
type Token struct {
	// Holder identifies the lock holder, usually a unit name.
	Holder string `json:"holder"`

	// Acquired is when the holder took the lock.
	Acquired time.Time `json:"acquired"`
}

// HeldBy reports whether the token is held by holder.
func (t Token) HeldBy(holder string) bool {
	return t.Holder != "" && t.Holder == holder
}

// IsZero reports whether the token is free.
func (t Token) IsZero() bool {
	return t.Holder == ""
}

// Request describes a lock request.
type Request struct {
	// Name of the lock.
	Name string

	// Holder identifies the requester.
	Holder string
}

// Validate returns an error if any fields are invalid or inconsistent.
func (request Request) Validate() error {
	if err := ValidateString(request.Name); err != nil {
		return errors.Annotatef(err, "invalid lock name")
	}
	if request.Holder == "" {
		return errors.NotValidf("empty holder")
	}
	return nil
}

// ValidateString returns an error if the string is empty, or if it contains
// whitespace, or if it contains any character in `.#$`.
func ValidateString(s string) error {
	if s == "" {
		return errors.New("string is empty")
	}
	if strings.ContainsAny(s, ".$# \t\r\n") {
		return errors.New("string contains forbidden characters")
	}
	return nil
}
