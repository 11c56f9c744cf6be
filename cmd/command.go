// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cmd is the small command framework of the agent binary: a
// Command interface driven by gnuflag, a SuperCommand holding the
// subcommands, and the logging and output flags they share.
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
)

// ErrSilent can be returned from Run to signal that Main should exit
// with code 1 without producing error output.
const ErrSilent = errors.ConstError("cmd: error out silently")

// Context represents the run context of a Command. Command
// implementations should use its streams and Dir instead of the process
// globals.
type Context struct {
	context.Context

	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// DefaultContext returns a Context using the process working directory
// and standard streams.
func DefaultContext() (*Context, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, errors.Trace(err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Context{
		Context: context.Background(),
		Dir:     abs,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}, nil
}

// AbsPath returns an absolute representation of path, relative to the
// context's working directory.
func (ctx *Context) AbsPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ctx.Dir, path)
}

// Info holds everything necessary to describe a Command's intent and usage.
type Info struct {
	// Name is the Command's name.
	Name string

	// Args describes the command's expected positional arguments.
	Args string

	// Purpose is a short explanation of the Command's purpose.
	Purpose string

	// Doc is the long documentation for the Command.
	Doc string
}

// Usage combines Name and Args to describe the Command's intended usage.
func (i *Info) Usage() string {
	if i.Args == "" {
		return i.Name
	}
	return fmt.Sprintf("%s %s", i.Name, i.Args)
}

// Command is implemented by the subcommands of the agent binary.
type Command interface {
	// Info returns information about the command.
	Info() *Info

	// SetFlags adds command-specific flags to f.
	SetFlags(f *gnuflag.FlagSet)

	// Init is called with the positional arguments left once the flags
	// are parsed.
	Init(args []string) error

	// Run executes the command.
	Run(ctx *Context) error
}

// CommandBase provides the default implementation of SetFlags and Init.
type CommandBase struct{}

// SetFlags does nothing in the simplest case.
func (c *CommandBase) SetFlags(f *gnuflag.FlagSet) {}

// Init accepts no positional arguments in the simplest case.
func (c *CommandBase) Init(args []string) error {
	return CheckEmpty(args)
}

// CheckEmpty returns an error if args is not empty.
func CheckEmpty(args []string) error {
	if len(args) != 0 {
		return errors.Errorf("unrecognized args: %q", args)
	}
	return nil
}

// NewFlagSet returns a FlagSet prepared by c. Parse errors are reported
// by the caller, not the FlagSet.
func NewFlagSet(c Command) *gnuflag.FlagSet {
	f := gnuflag.NewFlagSet(c.Info().Name, gnuflag.ContinueOnError)
	f.SetOutput(io.Discard)
	c.SetFlags(f)
	return f
}

// Help returns the usage text of c: its usage line, purpose, options
// and documentation.
func Help(c Command) string {
	if super, ok := c.(*SuperCommand); ok && super.subcmd != nil {
		return help(super.params.Name+" ", super.subcmd)
	}
	return help("", c)
}

func help(prefix string, c Command) string {
	info := c.Info()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Usage: %s%s\n", prefix, info.Usage())
	if info.Purpose != "" {
		fmt.Fprintf(&buf, "\nSummary:\n%s\n", info.Purpose)
	}
	var options bytes.Buffer
	f := NewFlagSet(c)
	f.SetOutput(&options)
	f.PrintDefaults()
	if options.Len() > 0 {
		fmt.Fprintf(&buf, "\nOptions:\n%s", options.String())
	}
	if doc := strings.TrimSpace(info.Doc); doc != "" {
		fmt.Fprintf(&buf, "\nDetails:\n%s\n", doc)
	}
	return buf.String()
}

// Main parses args on c, runs it, and returns the process exit code:
// 0 on success, 1 when Run fails and 2 when the arguments are wrong.
func Main(c Command, ctx *Context, args []string) int {
	f := NewFlagSet(c)
	// A SuperCommand's flags end at the subcommand name.
	_, super := c.(*SuperCommand)
	err := f.Parse(!super, args)
	if err == nil {
		err = c.Init(f.Args())
	}
	if errors.Is(err, gnuflag.ErrHelp) {
		fmt.Fprint(ctx.Stdout, Help(c))
		return 0
	}
	if err != nil {
		fmt.Fprintf(ctx.Stderr, "ERROR %v\n", err)
		fmt.Fprintf(ctx.Stderr, "See %q for usage.\n", c.Info().Name+" --help")
		return 2
	}
	if err := c.Run(ctx); err != nil {
		if !errors.Is(err, ErrSilent) {
			logger.Debugf("%s command failed: %s", c.Info().Name, errors.ErrorStack(err))
			fmt.Fprintf(ctx.Stderr, "ERROR %v\n", err)
		}
		return 1
	}
	return 0
}
