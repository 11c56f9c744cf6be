// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package kube

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/juju/loggo/v2"
)

// klogSink routes client-go logging through loggo instead of stderr.
type klogSink struct {
	logger loggo.Logger
	values []any
}

func newKlogSink(logger loggo.Logger) *klogSink {
	return &klogSink{logger: logger}
}

// Init is part of the logr.LogSink interface.
func (k *klogSink) Init(logr.RuntimeInfo) {}

// Enabled is part of the logr.LogSink interface. Verbose client-go
// output is only wanted at trace level.
func (k *klogSink) Enabled(level int) bool {
	if level > 0 {
		return k.logger.IsTraceEnabled()
	}
	return k.logger.IsDebugEnabled()
}

// Info is part of the logr.LogSink interface.
func (k *klogSink) Info(level int, msg string, keysAndValues ...any) {
	msg = k.format(msg, keysAndValues)
	if level > 0 {
		k.logger.Tracef("%s", msg)
		return
	}
	k.logger.Debugf("%s", msg)
}

// Error is part of the logr.LogSink interface.
func (k *klogSink) Error(err error, msg string, keysAndValues ...any) {
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	k.logger.Errorf("%s", k.format(msg, keysAndValues))
}

// WithValues is part of the logr.LogSink interface.
func (k *klogSink) WithValues(keysAndValues ...any) logr.LogSink {
	values := append(append([]any(nil), k.values...), keysAndValues...)
	return &klogSink{logger: k.logger, values: values}
}

// WithName is part of the logr.LogSink interface.
func (k *klogSink) WithName(name string) logr.LogSink {
	return &klogSink{logger: k.logger.Child(name), values: k.values}
}

func (k *klogSink) format(msg string, keysAndValues []any) string {
	all := append(append([]any(nil), k.values...), keysAndValues...)
	if len(all) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(all); i += 2 {
		if i+1 < len(all) {
			fmt.Fprintf(&b, " %v=%v", all[i], all[i+1])
		} else {
			fmt.Fprintf(&b, " %v", all[i])
		}
	}
	return b.String()
}
