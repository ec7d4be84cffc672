// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

// Command infraweave is the platform CLI: it publishes modules and stacks
// to the catalog and submits deployment jobs from claim files.
package main

import (
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
)

// version is stamped by the release pipeline.
var version = "dev"

func main() {
	ui := &cli.BasicUi{
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}

	c := cli.NewCLI("infraweave", version)
	c.Args = os.Args[1:]
	c.Commands = map[string]cli.CommandFactory{
		"module publish": func() (cli.Command, error) {
			return &modulePublishCommand{ui: ui}, nil
		},
		"stack publish": func() (cli.Command, error) {
			return &stackPublishCommand{ui: ui}, nil
		},
		"plan": func() (cli.Command, error) {
			return &claimCommand{ui: ui, command: "plan"}, nil
		},
		"apply": func() (cli.Command, error) {
			return &claimCommand{ui: ui, command: "apply"}, nil
		},
		"destroy": func() (cli.Command, error) {
			return &destroyCommand{ui: ui}, nil
		},
		"driftcheck": func() (cli.Command, error) {
			return &driftcheckCommand{ui: ui}, nil
		},
		"deprecate": func() (cli.Command, error) {
			return &deprecateCommand{ui: ui}, nil
		},
	}

	exitStatus, err := c.Run()
	if err != nil {
		hclog.Default().Error("command failed", "error", err)
	}
	os.Exit(exitStatus)
}
