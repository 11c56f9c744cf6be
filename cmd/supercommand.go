// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cmd

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("mysql.cmd")

// SuperCommandParams provides a way to have default parameter to the
// NewSuperCommand call.
type SuperCommandParams struct {
	Name    string
	Purpose string
	Doc     string

	// Log holds the logging flags. It may be nil, in which case logging
	// is left as configured.
	Log *Log

	// Version is printed by --version.
	Version string
}

// SuperCommand is a Command that selects a subcommand from its first
// positional argument and runs it.
type SuperCommand struct {
	CommandBase

	params      SuperCommandParams
	subcmds     map[string]Command
	subcmd      Command
	showVersion bool
}

// NewSuperCommand creates and initializes a new SuperCommand.
func NewSuperCommand(params SuperCommandParams) *SuperCommand {
	return &SuperCommand{
		params:  params,
		subcmds: make(map[string]Command),
	}
}

// Register makes a subcommand available for use on the command line. It
// panics if the name is already taken.
func (c *SuperCommand) Register(sub Command) {
	name := sub.Info().Name
	if _, found := c.subcmds[name]; found {
		panic(fmt.Sprintf("command already registered: %q", name))
	}
	c.subcmds[name] = sub
}

// Info is part of the Command interface.
func (c *SuperCommand) Info() *Info {
	names := make([]string, 0, len(c.subcmds))
	width := 0
	for name := range c.subcmds {
		names = append(names, name)
		if len(name) > width {
			width = len(name)
		}
	}
	sort.Strings(names)
	var doc strings.Builder
	if d := strings.TrimSpace(c.params.Doc); d != "" {
		doc.WriteString(d)
		doc.WriteString("\n\n")
	}
	doc.WriteString("Commands:\n")
	for _, name := range names {
		fmt.Fprintf(&doc, "    %-*s - %s\n", width, name, c.subcmds[name].Info().Purpose)
	}
	return &Info{
		Name:    c.params.Name,
		Args:    "<command> ...",
		Purpose: c.params.Purpose,
		Doc:     doc.String(),
	}
}

// SetFlags is part of the Command interface.
func (c *SuperCommand) SetFlags(f *gnuflag.FlagSet) {
	if c.params.Log != nil {
		c.params.Log.AddFlags(f)
	}
	if c.params.Version != "" {
		f.BoolVar(&c.showVersion, "version", false, "show the version and exit")
	}
}

// Init is part of the Command interface. It selects the subcommand and
// parses its flags.
func (c *SuperCommand) Init(args []string) error {
	if c.showVersion {
		return CheckEmpty(args)
	}
	if len(args) == 0 {
		return errors.New("no command specified")
	}
	sub, found := c.subcmds[args[0]]
	if !found {
		return errors.Errorf("unrecognized command: %s %s", c.params.Name, args[0])
	}
	c.subcmd = sub
	f := NewFlagSet(sub)
	if err := f.Parse(true, args[1:]); err != nil {
		return err
	}
	return sub.Init(f.Args())
}

// Run is part of the Command interface.
func (c *SuperCommand) Run(ctx *Context) error {
	if c.showVersion {
		_, err := fmt.Fprintln(ctx.Stdout, c.params.Version)
		return errors.Trace(err)
	}
	if c.subcmd == nil {
		return errors.New("no command specified")
	}
	if c.params.Log != nil {
		if err := c.params.Log.Start(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	name := c.subcmd.Info().Name
	logger.Infof("running %s %s [%s %s %s]", c.params.Name, name, c.params.Version, runtime.Compiler, runtime.Version())
	return c.subcmd.Run(ctx)
}
