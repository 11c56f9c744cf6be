// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package workload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/canonical/pebble/client"
	"github.com/juju/errors"

	"github.com/canonical/mysql-k8s-operator-sub000/internal/mysqlsh"
)

// ExecRequest describes a command run in the workload container.
type ExecRequest struct {
	Command []string
	User    string
	Group   string
	Env     map[string]string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// ExitError is returned when a command exits non-zero.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

// Error implements error.
func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.Code, e.Stderr)
}

// Execer runs commands in the workload container, blocking until they
// finish or ctx is done.
type Execer interface {
	Exec(ctx context.Context, req ExecRequest) error
}

// NewPebbleExecer returns an Execer backed by Pebble's exec API.
func NewPebbleExecer(c *client.Client) Execer {
	return pebbleExecer{client: c}
}

type pebbleExecer struct {
	client *client.Client
}

// Exec is part of the Execer interface.
func (e pebbleExecer) Exec(ctx context.Context, req ExecRequest) error {
	var stderr bytes.Buffer
	errOut := req.Stderr
	if errOut == nil {
		errOut = &stderr
	} else {
		errOut = io.MultiWriter(errOut, &stderr)
	}
	proc, err := e.client.Exec(&client.ExecOptions{
		Command:     req.Command,
		User:        req.User,
		Group:       req.Group,
		Environment: req.Env,
		Stdin:       req.Stdin,
		Stdout:      req.Stdout,
		Stderr:      errOut,
	})
	if err != nil {
		return errors.Annotatef(err, "exec %s", req.Command[0])
	}
	done := make(chan error, 1)
	go func() {
		done <- proc.Wait()
	}()
	select {
	case err = <-done:
	case <-ctx.Done():
		if serr := proc.SendSignal("SIGTERM"); serr != nil {
			logger.Warningf("signalling %s: %v", req.Command[0], serr)
		}
		<-done
		return errors.Trace(ctx.Err())
	}
	var exitErr *client.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{
			Command: req.Command[0],
			Code:    exitErr.ExitCode(),
			Stderr:  strings.TrimSpace(stderr.String()),
		}
	}
	return errors.Trace(err)
}

// Output runs a command in the workload container and returns its
// stdout.
func (w *Workload) Output(ctx context.Context, command ...string) (string, error) {
	var stdout bytes.Buffer
	err := w.exec.Exec(ctx, ExecRequest{Command: command, Stdout: &stdout})
	return stdout.String(), errors.Trace(err)
}

// Exec runs req in the workload container.
func (w *Workload) Exec(ctx context.Context, req ExecRequest) error {
	return errors.Trace(w.exec.Exec(ctx, req))
}

// Runner returns a mysqlsh.Runner executing mysqlsh in the workload
// container, feeding the script on stdin.
func (w *Workload) Runner() mysqlsh.Runner {
	return shellRunner{exec: w.exec}
}

type shellRunner struct {
	exec Execer
}

// Run is part of the mysqlsh.Runner interface.
func (r shellRunner) Run(ctx context.Context, args []string, script string) (string, error) {
	var stdout bytes.Buffer
	err := r.exec.Exec(ctx, ExecRequest{
		Command: append([]string{mysqlsh.DefaultBinary}, args...),
		User:    "mysql",
		Group:   "mysql",
		Stdin:   strings.NewReader(script),
		Stdout:  &stdout,
	})
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return "", &mysqlsh.ExitError{Code: exitErr.Code, Stderr: exitErr.Stderr}
	} else if err != nil {
		return "", errors.Trace(err)
	}
	return stdout.String(), nil
}
