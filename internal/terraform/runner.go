// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

// Package terraform wraps the tofu binary for the runner: subprocess
// invocations, the tfvars/backend files it needs on disk, the local provider
// mirror, and plan JSON analysis.
package terraform

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/infraweave-io/infraweave/internal/defs"
)

// PlanFile is the name of the saved plan inside the working directory.
const PlanFile = "planfile"

var logger = hclog.Default().Named("terraform")

// Runner is the surface the state machine drives. The subprocess
// implementation is CLI; tests substitute a fake.
type Runner interface {
	Init(ctx context.Context) (string, error)
	Validate(ctx context.Context) (string, error)
	// Plan writes PlanFile. With destroy the plan is a destroy plan; flags
	// are appended verbatim (e.g. "-refresh-only" for drift checks).
	Plan(ctx context.Context, flags []string, destroy bool) (string, error)
	ShowPlanJSON(ctx context.Context) ([]byte, error)
	// ApplyDestroy applies the saved plan, which executes the destroy when
	// the plan was created with destroy set.
	ApplyDestroy(ctx context.Context) (string, error)
	StateList(ctx context.Context) ([]string, error)
	Output(ctx context.Context) (json.RawMessage, error)
}

// CLI shells out to the binary named by INFRAWEAVE_TF_CMD (default "tofu"),
// always in Dir, with Env appended to the inherited environment.
type CLI struct {
	Dir string
	Env map[string]string

	command string
}

var _ Runner = (*CLI)(nil)

func NewCLI(dir string, env map[string]string) *CLI {
	command := os.Getenv("INFRAWEAVE_TF_CMD")
	if command == "" {
		command = "tofu"
	}
	return &CLI{Dir: dir, Env: env, command: command}
}

func (c *CLI) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Dir = c.Dir
	cmd.Env = os.Environ()
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	logger.Info("running terraform", "command", c.command, "args", args)
	if err := cmd.Run(); err != nil {
		return out.String(), &defs.ExecutionError{Command: args[0], Output: out.String(), Err: err}
	}
	return out.String(), nil
}

func (c *CLI) Init(ctx context.Context) (string, error) {
	return c.run(ctx, "init", "-no-color", "-input=false")
}

func (c *CLI) Validate(ctx context.Context) (string, error) {
	return c.run(ctx, "validate", "-no-color")
}

func (c *CLI) Plan(ctx context.Context, flags []string, destroy bool) (string, error) {
	args := []string{"plan", "-no-color", "-input=false", "-out=" + PlanFile}
	if destroy {
		args = append(args, "-destroy")
	}
	args = append(args, flags...)
	return c.run(ctx, args...)
}

func (c *CLI) ShowPlanJSON(ctx context.Context) ([]byte, error) {
	out, err := c.run(ctx, "show", "-json", PlanFile)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func (c *CLI) ApplyDestroy(ctx context.Context) (string, error) {
	return c.run(ctx, "apply", "-no-color", "-input=false", PlanFile)
}

func (c *CLI) StateList(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "state", "list")
	if err != nil {
		return nil, err
	}
	var resources []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			resources = append(resources, line)
		}
	}
	return resources, nil
}

func (c *CLI) Output(ctx context.Context) (json.RawMessage, error) {
	out, err := c.run(ctx, "output", "-json")
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}
