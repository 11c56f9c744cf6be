// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/canonical/mysql-k8s-operator-sub000/cmd"
	"github.com/canonical/mysql-k8s-operator-sub000/core/status"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/config"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/localapi"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/unitstate"
)

var statusDoc = `
status prints the workload status the agent last computed for the
unit. It asks the running agent when there is one, and otherwise reads
the status recorded by the last hook.
`

type statusCommand struct {
	agentCommandBase
	out cmd.Output
}

func newStatusCommand() cmd.Command {
	return &statusCommand{}
}

// unitStatus is the printed form of a unit's status.
type unitStatus struct {
	Unit    string     `yaml:"unit" json:"unit"`
	Status  string     `yaml:"status" json:"status"`
	Message string     `yaml:"message,omitempty" json:"message,omitempty"`
	Since   *time.Time `yaml:"since,omitempty" json:"since,omitempty"`
}

// Info is part of the cmd.Command interface.
func (c *statusCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "status",
		Purpose: "Show the workload status of the unit.",
		Doc:     statusDoc,
	}
}

// SetFlags is part of the cmd.Command interface.
func (c *statusCommand) SetFlags(f *gnuflag.FlagSet) {
	c.agentCommandBase.SetFlags(f)
	c.out.AddFlags(f, "tabular", map[string]cmd.Formatter{
		"tabular": formatStatusTabular,
		"yaml":    cmd.FormatYaml,
		"json":    cmd.FormatJson,
	})
}

// Init is part of the cmd.Command interface.
func (c *statusCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

// Run is part of the cmd.Command interface.
func (c *statusCommand) Run(ctx *cmd.Context) error {
	cfg, err := c.readConfig(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	info, err := c.status(ctx, cfg)
	if err != nil {
		return errors.Trace(err)
	}
	return c.out.Write(ctx, unitStatus{
		Unit:    cfg.Unit,
		Status:  info.Status.String(),
		Message: info.Message,
		Since:   info.Since,
	})
}

func (c *statusCommand) status(ctx *cmd.Context, cfg config.AgentConfig) (status.StatusInfo, error) {
	if agentRunning(cfg) {
		info, err := localapi.NewClient(cfg.SocketPath()).Status(ctx)
		if !errors.Is(err, localapi.ErrAgentUnreachable) {
			return info, errors.Trace(err)
		}
	}
	info, err := unitstate.NewStatusFile(cfg.StatusFile(), clock.WallClock).Status()
	return info, errors.Trace(err)
}

func formatStatusTabular(w io.Writer, value any) error {
	st, ok := value.(unitStatus)
	if !ok {
		return errors.Errorf("expected value of type %T, got %T", st, value)
	}
	table := uitable.New()
	table.MaxColWidth = 80
	table.Wrap = true
	since := ""
	if st.Since != nil {
		since = humanize.Time(*st.Since)
	}
	table.AddRow("Unit", "Status", "Since", "Message")
	table.AddRow(st.Unit, st.Status, since, st.Message)
	_, err := fmt.Fprintln(w, table)
	return errors.Trace(err)
}
