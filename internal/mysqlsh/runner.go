// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mysqlsh

import (
	"context"
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/utils/v4/exec"
	"github.com/kballard/go-shellquote"
)

// Runner runs mysqlsh with the given arguments, feeding it a Python
// script, and returns what it wrote to stdout.
type Runner interface {
	Run(ctx context.Context, args []string, script string) (string, error)
}

// DefaultBinary is the mysqlsh executable in the workload image.
const DefaultBinary = "/usr/bin/mysqlsh"

// LocalRunner runs mysqlsh as a local process.
type LocalRunner struct {
	// Binary is the mysqlsh executable; DefaultBinary if empty.
	Binary string

	// TempDir receives the script files; os.TempDir() if empty.
	TempDir string
}

// Run is part of the Runner interface.
func (r LocalRunner) Run(ctx context.Context, args []string, script string) (string, error) {
	f, err := os.CreateTemp(r.TempDir, "mysqlsh-*.py")
	if err != nil {
		return "", errors.Trace(err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(script); err != nil {
		_ = f.Close()
		return "", errors.Trace(err)
	}
	if err := f.Close(); err != nil {
		return "", errors.Trace(err)
	}

	binary := r.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	argv := append([]string{binary}, args...)
	argv = append(argv, "--file", f.Name())

	params := exec.RunParams{
		Commands: shellquote.Join(argv...),
	}
	if err := params.Run(); err != nil {
		return "", errors.Trace(err)
	}
	resp, err := params.WaitWithCancel(ctx.Done())
	if ctx.Err() != nil {
		return "", errors.Trace(ctx.Err())
	} else if err != nil {
		return "", errors.Trace(err)
	}
	if resp.Code != 0 {
		return "", &ExitError{Code: resp.Code, Stderr: strings.TrimSpace(string(resp.Stderr))}
	}
	return string(resp.Stdout), nil
}
