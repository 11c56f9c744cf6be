// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"fmt"
	"sync"
)

// NoopLogger is a logger.Logger that does nothing.
type NoopLogger struct{}

func (NoopLogger) Criticalf(string, ...any) {}
func (NoopLogger) Errorf(string, ...any)    {}
func (NoopLogger) Warningf(string, ...any)  {}
func (NoopLogger) Infof(string, ...any)     {}
func (NoopLogger) Debugf(string, ...any)    {}
func (NoopLogger) Tracef(string, ...any)    {}

func (NoopLogger) IsTraceEnabled() bool { return false }

// CheckLog is an interface that can be used to log messages to a
// *testing.T or *check.C.
type CheckLog interface {
	Logf(string, ...any)
}

// CheckLogger is a logger.Logger that logs to a *testing.T or *check.C.
type CheckLogger struct {
	Log CheckLog
}

// NewCheckLogger returns a CheckLogger that logs to the given CheckLog.
func NewCheckLogger(log CheckLog) CheckLogger {
	return CheckLogger{Log: log}
}

func (c CheckLogger) Criticalf(msg string, args ...any) {
	c.Log.Logf(fmt.Sprintf("CRITICAL: %s", msg), args...)
}
func (c CheckLogger) Errorf(msg string, args ...any) {
	c.Log.Logf(fmt.Sprintf("ERROR: %s", msg), args...)
}
func (c CheckLogger) Warningf(msg string, args ...any) {
	c.Log.Logf(fmt.Sprintf("WARNING: %s", msg), args...)
}
func (c CheckLogger) Infof(msg string, args ...any) {
	c.Log.Logf(fmt.Sprintf("INFO: %s", msg), args...)
}
func (c CheckLogger) Debugf(msg string, args ...any) {
	c.Log.Logf(fmt.Sprintf("DEBUG: %s", msg), args...)
}
func (c CheckLogger) Tracef(msg string, args ...any) {
	c.Log.Logf(fmt.Sprintf("TRACE: %s", msg), args...)
}
func (c CheckLogger) IsTraceEnabled() bool { return true }

// RecordingLogger is a logger.Logger that keeps every formatted message,
// prefixed with its level, so tests can assert on what was logged.
type RecordingLogger struct {
	mu       sync.Mutex
	messages []string
}

func (r *RecordingLogger) record(level, msg string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, level+": "+fmt.Sprintf(msg, args...))
}

func (r *RecordingLogger) Criticalf(msg string, args ...any) { r.record("CRITICAL", msg, args...) }
func (r *RecordingLogger) Errorf(msg string, args ...any)    { r.record("ERROR", msg, args...) }
func (r *RecordingLogger) Warningf(msg string, args ...any)  { r.record("WARNING", msg, args...) }
func (r *RecordingLogger) Infof(msg string, args ...any)     { r.record("INFO", msg, args...) }
func (r *RecordingLogger) Debugf(msg string, args ...any)    { r.record("DEBUG", msg, args...) }
func (r *RecordingLogger) Tracef(msg string, args ...any)    { r.record("TRACE", msg, args...) }
func (r *RecordingLogger) IsTraceEnabled() bool              { return true }

// Messages returns a copy of the recorded messages.
func (r *RecordingLogger) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}
