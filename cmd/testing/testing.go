// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"bytes"
	"context"
	"io"

	gc "gopkg.in/check.v1"

	"github.com/canonical/mysql-k8s-operator-sub000/cmd"
)

// Context returns a command context with buffered streams, working in a
// fresh directory.
func Context(c *gc.C) *cmd.Context {
	return &cmd.Context{
		Context: context.Background(),
		Dir:     c.MkDir(),
		Stdin:   &bytes.Buffer{},
		Stdout:  &bytes.Buffer{},
		Stderr:  &bytes.Buffer{},
	}
}

// NullContext returns a no-op command context.
func NullContext(c *gc.C) *cmd.Context {
	return &cmd.Context{
		Context: context.Background(),
		Dir:     c.MkDir(),
		Stdin:   io.LimitReader(nil, 0),
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
}

// Stdout returns what the command wrote to the stdout of ctx, which
// must come from Context.
func Stdout(ctx *cmd.Context) string {
	return ctx.Stdout.(*bytes.Buffer).String()
}

// Stderr returns what the command wrote to the stderr of ctx, which
// must come from Context.
func Stderr(ctx *cmd.Context) string {
	return ctx.Stderr.(*bytes.Buffer).String()
}

// InitCommand parses args into the flags of command and initializes it.
func InitCommand(command cmd.Command, args []string) error {
	f := cmd.NewFlagSet(command)
	if err := f.Parse(true, args); err != nil {
		return err
	}
	return command.Init(f.Args())
}

// RunCommand initializes and runs command with args, returning the
// context it ran in.
func RunCommand(c *gc.C, command cmd.Command, args ...string) (*cmd.Context, error) {
	if err := InitCommand(command, args); err != nil {
		return nil, err
	}
	ctx := Context(c)
	return ctx, command.Run(ctx)
}

// HelpText returns the formatted help of command.
func HelpText(command cmd.Command) string {
	return cmd.Help(command)
}
