// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mysqlsh

import (
	"fmt"

	"github.com/juju/errors"
)

// ErrRetryable is the type of errors caused by a failed or timed out
// mysqlsh run. Callers defer and retry on it.
const ErrRetryable = errors.ConstError("mysqlsh command failed")

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// ExitError is returned by a Runner when mysqlsh exits non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

// Error implements error.
func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("mysqlsh exited with code %d", e.Code)
	}
	return fmt.Sprintf("mysqlsh exited with code %d: %s", e.Code, e.Stderr)
}

func retryable(err error, op string) error {
	return errors.WithType(errors.Annotatef(err, "%s", op), ErrRetryable)
}
