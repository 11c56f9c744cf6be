// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/canonical/mysql-k8s-operator-sub000/cmd"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/config"
)

// agentCommandBase holds the flag locating the agent config, shared by
// every subcommand.
type agentCommandBase struct {
	cmd.CommandBase

	configPath string
}

// SetFlags is part of the cmd.Command interface.
func (c *agentCommandBase) SetFlags(f *gnuflag.FlagSet) {
	def := os.Getenv(configEnvKey)
	if def == "" {
		def = defaultConfigPath
	}
	f.StringVar(&c.configPath, "config", def, "path to the agent config file")
}

func (c *agentCommandBase) readConfig(ctx *cmd.Context) (config.AgentConfig, error) {
	cfg, err := config.ReadAgentConfig(ctx.AbsPath(c.configPath))
	return cfg, errors.Trace(err)
}

// agentRunning reports whether a long-running agent is serving the
// local API of the unit.
func agentRunning(cfg config.AgentConfig) bool {
	info, err := os.Stat(cfg.SocketPath())
	return err == nil && info.Mode()&os.ModeSocket != 0
}
