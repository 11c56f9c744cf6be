// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command mysql-agent runs the cluster lifecycle of one MySQL unit. It
// either serves as a long-running agent, or handles a single hook or
// action and exits.
package main

import (
	"fmt"
	"os"

	"github.com/juju/loggo/v2"

	"github.com/canonical/mysql-k8s-operator-sub000/cmd"
	"github.com/canonical/mysql-k8s-operator-sub000/version"
)

var logger = loggo.GetLogger("mysql.cmd.agent")

// Environment variables read by the agent.
const (
	configEnvKey  = "MYSQL_AGENT_CONFIG"
	loggingEnvKey = "MYSQL_AGENT_LOGGING_CONFIG"
)

const defaultConfigPath = "/var/lib/mysql-agent/agent.yaml"

const agentDoc = `
mysql-agent drives a unit of a MySQL InnoDB Cluster through its
lifecycle. The charm relays every hook to "mysql-agent dispatch" and
every action to "mysql-agent action". When "mysql-agent serve" is
running, both are handled by it; otherwise they run in-process.
`

// NewAgentCommand returns the mysql-agent super command.
func NewAgentCommand() *cmd.SuperCommand {
	agent := cmd.NewSuperCommand(cmd.SuperCommandParams{
		Name:    "mysql-agent",
		Purpose: "Run the MySQL cluster agent of a unit.",
		Doc:     agentDoc,
		Log:     &cmd.Log{DefaultConfig: os.Getenv(loggingEnvKey)},
		Version: version.Current.String(),
	})
	agent.Register(newServeCommand())
	agent.Register(newDispatchCommand())
	agent.Register(newActionCommand())
	agent.Register(newStatusCommand())
	return agent
}

func main() {
	ctx, err := cmd.DefaultContext()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR %v\n", err)
		os.Exit(2)
	}
	os.Exit(cmd.Main(NewAgentCommand(), ctx, os.Args[1:]))
}
