// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/utils/v4/keyvalues"

	"github.com/canonical/mysql-k8s-operator-sub000/cmd"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/actions"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/config"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/dispatcher"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/localapi"
)

var actionDoc = `
action runs one operator action on the unit and prints its results.
Parameters are given as key=value; "true" and "false" are passed as
booleans.

Actions:
    %s

Examples:
    mysql-agent action get-password username=serverconfig
    mysql-agent action promote-to-primary force=true --format json
`

type actionCommand struct {
	agentCommandBase
	out cmd.Output

	name   string
	params map[string]any
}

func newActionCommand() cmd.Command {
	return &actionCommand{}
}

// Info is part of the cmd.Command interface.
func (c *actionCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "action",
		Args:    "<action> [key=value ...]",
		Purpose: "Run an operator action on the unit.",
		Doc:     fmt.Sprintf(actionDoc, strings.Join(actions.Names(), "\n    ")),
	}
}

// SetFlags is part of the cmd.Command interface.
func (c *actionCommand) SetFlags(f *gnuflag.FlagSet) {
	c.agentCommandBase.SetFlags(f)
	c.out.AddFlags(f, "yaml", cmd.DefaultFormatters)
}

// Init is part of the cmd.Command interface.
func (c *actionCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no action specified")
	}
	c.name = args[0]
	if !set.NewStrings(actions.Names()...).Contains(c.name) {
		return errors.NotValidf("action %q", c.name)
	}
	values, err := keyvalues.Parse(args[1:], true)
	if err != nil {
		return errors.Trace(err)
	}
	c.params = make(map[string]any, len(values))
	for k, v := range values {
		c.params[k] = paramValue(v)
	}
	return nil
}

// paramValue keeps every value as given except the boolean literals,
// which action parameters such as force expect as booleans.
func paramValue(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	return v
}

// Run is part of the cmd.Command interface.
func (c *actionCommand) Run(ctx *cmd.Context) error {
	cfg, err := c.readConfig(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	var results map[string]any
	if agentRunning(cfg) {
		results, err = localapi.NewClient(cfg.SocketPath()).RunAction(ctx, c.name, c.params)
		if errors.Is(err, localapi.ErrAgentUnreachable) {
			logger.Warningf("%v; running %s in-process", err, c.name)
			results, err = c.runInProcess(ctx, cfg)
		}
	} else {
		results, err = c.runInProcess(ctx, cfg)
	}
	if err != nil {
		return errors.Trace(err)
	}
	return c.out.Write(ctx, results)
}

func (c *actionCommand) runInProcess(ctx *cmd.Context, cfg config.AgentConfig) (map[string]any, error) {
	st, err := newStack(ctx, ctx.AbsPath(c.configPath), cfg, stackParams{
		Clock: clock.WallClock,
		State: dispatcher.NewStateFile(cfg.StateFile()),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() { _ = st.Close() }()
	runner, err := st.newActions(st.dispatcher)
	if err != nil {
		return nil, errors.Trace(err)
	}
	results, err := runner.Run(ctx, c.name, c.params)
	return results, errors.Trace(err)
}
