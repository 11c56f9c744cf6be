// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"strconv"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/utils/v4/keyvalues"

	"github.com/canonical/mysql-k8s-operator-sub000/cmd"
	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/config"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/dispatcher"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/localapi"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/unitstate"
)

var dispatchDoc = `
dispatch delivers one lifecycle event to the unit and waits until it
has been handled. Events deferred by earlier invocations are retried
first. Extra key=value arguments become the event payload.

Examples:
    mysql-agent dispatch leader-elected --leader=true
    mysql-agent dispatch database-peers-relation-departed --remote-unit mysql/2
`

type dispatchCommand struct {
	agentCommandBase

	event   event.Event
	leader  string
	leading *bool
}

func newDispatchCommand() cmd.Command {
	return &dispatchCommand{}
}

// Info is part of the cmd.Command interface.
func (c *dispatchCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "dispatch",
		Args:    "<event> [key=value ...]",
		Purpose: "Deliver a lifecycle event to the unit.",
		Doc:     dispatchDoc,
	}
}

// SetFlags is part of the cmd.Command interface.
func (c *dispatchCommand) SetFlags(f *gnuflag.FlagSet) {
	c.agentCommandBase.SetFlags(f)
	f.StringVar(&c.event.RemoteUnit, "remote-unit", "", "the peer unit the event concerns")
	f.StringVar(&c.leader, "leader", "", "record whether the unit is the leader before delivery (true|false)")
}

// Init is part of the cmd.Command interface.
func (c *dispatchCommand) Init(args []string) error {
	if len(args) == 0 {
		return errors.New("no event specified")
	}
	c.event.Kind = event.Kind(args[0])
	if len(args) > 1 {
		payload, err := keyvalues.Parse(args[1:], true)
		if err != nil {
			return errors.Trace(err)
		}
		c.event.Payload = payload
	}
	if c.leader != "" {
		leading, err := strconv.ParseBool(c.leader)
		if err != nil {
			return errors.NotValidf("--leader %q", c.leader)
		}
		c.leading = &leading
	}
	return errors.Trace(c.event.Validate())
}

// Run is part of the cmd.Command interface.
func (c *dispatchCommand) Run(ctx *cmd.Context) error {
	cfg, err := c.readConfig(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if c.leading != nil {
		if err := unitstate.NewLeaderFile(cfg.LeaderFile()).SetLeader(*c.leading); err != nil {
			return errors.Trace(err)
		}
	}
	if agentRunning(cfg) {
		err := localapi.NewClient(cfg.SocketPath()).Dispatch(ctx, c.event)
		if !errors.Is(err, localapi.ErrAgentUnreachable) {
			return errors.Trace(err)
		}
		logger.Warningf("%v; handling %s in-process", err, c.event.Kind)
	}
	return errors.Trace(c.dispatchInProcess(ctx, cfg))
}

func (c *dispatchCommand) dispatchInProcess(ctx *cmd.Context, cfg config.AgentConfig) error {
	st, err := newStack(ctx, ctx.AbsPath(c.configPath), cfg, stackParams{
		Clock: clock.WallClock,
		State: dispatcher.NewStateFile(cfg.StateFile()),
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = st.Close() }()
	return errors.Trace(st.dispatcher.Dispatch(ctx, c.event))
}
