// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/mitchellh/cli"
	"github.com/spf13/afero"

	"github.com/infraweave-io/infraweave/internal/claim"
	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/publish"
	"github.com/infraweave-io/infraweave/internal/store"
)

const defaultEnvironment = "cli/default"

// commandContext returns a context cancelled on SIGINT/SIGTERM so that
// long-running publishes and log follows stop cleanly.
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), interruptSignals...)
}

type modulePublishCommand struct {
	ui cli.Ui
}

func (c *modulePublishCommand) Help() string {
	return strings.TrimSpace(`
Usage: infraweave module publish [options] <directory>

  Validates and publishes the Terraform module in <directory> to the
  platform catalog. The directory must contain a module.yaml manifest.

Options:

  -track=name     Release track to publish to. Defaults to the track
                  implied by the version's pre-release label.
  -version=x.y.z  Module version. Only allowed when the manifest does
                  not set one.
`)
}

func (c *modulePublishCommand) Synopsis() string {
	return "Publish a module to the catalog"
}

func (c *modulePublishCommand) Run(args []string) int {
	fs := flag.NewFlagSet("module publish", flag.ContinueOnError)
	fs.Usage = func() { c.ui.Output(c.Help()) }
	track := fs.String("track", "", "release track")
	version := fs.String("version", "", "module version")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		c.ui.Error("exactly one module directory is required")
		return 1
	}

	ctx, cancel := commandContext()
	defer cancel()

	s, err := store.New(ctx)
	if err != nil {
		c.ui.Error(err.Error())
		return 1
	}
	if err := publish.PublishModule(ctx, s, afero.NewOsFs(), fs.Arg(0), *track, *version, nil); err != nil {
		c.ui.Error(err.Error())
		return 1
	}
	c.ui.Output(fmt.Sprintf("Published module from %s", fs.Arg(0)))
	return 0
}

type stackPublishCommand struct {
	ui cli.Ui
}

func (c *stackPublishCommand) Help() string {
	return strings.TrimSpace(`
Usage: infraweave stack publish [options] <directory>

  Composes the claims in <directory> into a stack module and publishes
  it to the platform catalog. The directory must contain a stack.yaml
  manifest alongside one or more claim files.

Options:

  -track=name     Release track to publish to. Defaults to the track
                  implied by the version's pre-release label.
  -version=x.y.z  Stack version. Only allowed when the manifest does
                  not set one.
`)
}

func (c *stackPublishCommand) Synopsis() string {
	return "Publish a stack to the catalog"
}

func (c *stackPublishCommand) Run(args []string) int {
	fs := flag.NewFlagSet("stack publish", flag.ContinueOnError)
	fs.Usage = func() { c.ui.Output(c.Help()) }
	track := fs.String("track", "", "release track")
	version := fs.String("version", "", "stack version")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		c.ui.Error("exactly one stack directory is required")
		return 1
	}

	ctx, cancel := commandContext()
	defer cancel()

	s, err := store.New(ctx)
	if err != nil {
		c.ui.Error(err.Error())
		return 1
	}
	if err := publish.PublishStack(ctx, s, afero.NewOsFs(), fs.Arg(0), *track, *version, publish.StackOptions{}); err != nil {
		c.ui.Error(err.Error())
		return 1
	}
	c.ui.Output(fmt.Sprintf("Published stack from %s", fs.Arg(0)))
	return 0
}

// claimCommand submits a plan or apply job for a claim file. The two
// subcommands differ only in the job command they request.
type claimCommand struct {
	ui      cli.Ui
	command string
}

func (c *claimCommand) Help() string {
	return strings.TrimSpace(fmt.Sprintf(`
Usage: infraweave %s [options] <claim.yaml>

  Submits a %s job for the deployment described by the claim file.

Options:

  -environment-id=id  Environment to deploy into. Defaults to %q.
`, c.command, c.command, defaultEnvironment))
}

func (c *claimCommand) Synopsis() string {
	return fmt.Sprintf("Submit a %s job for a claim file", c.command)
}

func (c *claimCommand) Run(args []string) int {
	fs := flag.NewFlagSet(c.command, flag.ContinueOnError)
	fs.Usage = func() { c.ui.Output(c.Help()) }
	environment := fs.String("environment-id", defaultEnvironment, "target environment")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		c.ui.Error("exactly one claim file is required")
		return 1
	}

	claimYAML, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		c.ui.Error(err.Error())
		return 1
	}

	ctx, cancel := commandContext()
	defer cancel()

	s, err := store.New(ctx)
	if err != nil {
		c.ui.Error(err.Error())
		return 1
	}
	jobID, deploymentID, _, err := claim.RunClaim(ctx, s, claimYAML, *environment, c.command, nil, nil, fs.Arg(0))
	if err != nil {
		c.ui.Error(err.Error())
		return 1
	}
	c.ui.Output(fmt.Sprintf("Submitted %s job %s for deployment %s", c.command, jobID, deploymentID))
	return 0
}

type destroyCommand struct {
	ui cli.Ui
}

func (c *destroyCommand) Help() string {
	return strings.TrimSpace(fmt.Sprintf(`
Usage: infraweave destroy [options] <deployment-id>

  Submits a destroy job for an existing deployment. The deployment id
  has the form <kind>/<name>, for example s3bucket/my-bucket.

Options:

  -environment-id=id  Environment the deployment lives in. Defaults
                      to %q.
  -version=x.y.z      Destroy with this module version instead of the
                      version recorded on the deployment.
`, defaultEnvironment))
}

func (c *destroyCommand) Synopsis() string {
	return "Submit a destroy job for a deployment"
}

func (c *destroyCommand) Run(args []string) int {
	fs := flag.NewFlagSet("destroy", flag.ContinueOnError)
	fs.Usage = func() { c.ui.Output(c.Help()) }
	environment := fs.String("environment-id", defaultEnvironment, "target environment")
	version := fs.String("version", "", "override module version")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		c.ui.Error("exactly one deployment id is required")
		return 1
	}

	ctx, cancel := commandContext()
	defer cancel()

	s, err := store.New(ctx)
	if err != nil {
		c.ui.Error(err.Error())
		return 1
	}
	jobID, err := claim.DestroyInfra(ctx, s, fs.Arg(0), *environment, nil, *version)
	if err != nil {
		c.ui.Error(err.Error())
		return 1
	}
	c.ui.Output(fmt.Sprintf("Submitted destroy job %s for deployment %s", jobID, fs.Arg(0)))
	return 0
}

type driftcheckCommand struct {
	ui cli.Ui
}

func (c *driftcheckCommand) Help() string {
	return strings.TrimSpace(fmt.Sprintf(`
Usage: infraweave driftcheck [options] <deployment-id>

  Submits a drift-check job for an existing deployment. By default the
  job only reports drift; pass -remediate to apply the recorded claim
  and bring the infrastructure back in line.

Options:

  -environment-id=id  Environment the deployment lives in. Defaults
                      to %q.
  -remediate          Apply the claim instead of only detecting drift.
`, defaultEnvironment))
}

func (c *driftcheckCommand) Synopsis() string {
	return "Check a deployment for drift"
}

func (c *driftcheckCommand) Run(args []string) int {
	fs := flag.NewFlagSet("driftcheck", flag.ContinueOnError)
	fs.Usage = func() { c.ui.Output(c.Help()) }
	environment := fs.String("environment-id", defaultEnvironment, "target environment")
	remediate := fs.Bool("remediate", false, "apply the claim to remediate drift")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		c.ui.Error("exactly one deployment id is required")
		return 1
	}

	ctx, cancel := commandContext()
	defer cancel()

	s, err := store.New(ctx)
	if err != nil {
		c.ui.Error(err.Error())
		return 1
	}
	jobID, err := claim.DriftcheckInfra(ctx, s, fs.Arg(0), *environment, *remediate, nil)
	if err != nil {
		c.ui.Error(err.Error())
		return 1
	}
	c.ui.Output(fmt.Sprintf("Submitted driftcheck job %s for deployment %s", jobID, fs.Arg(0)))
	return 0
}

type deprecateCommand struct {
	ui cli.Ui
}

func (c *deprecateCommand) Help() string {
	return strings.TrimSpace(`
Usage: infraweave deprecate [options] <module> <version>

  Marks a published module version as deprecated. The latest version
  on a track cannot be deprecated; publish a replacement first.

Options:

  -stack          Deprecate a stack version instead of a module.
  -track=name     Track the version was published to. Defaults to the
                  track implied by the version's pre-release label.
  -message=text   Reason shown to consumers of the deprecated version.
`)
}

func (c *deprecateCommand) Synopsis() string {
	return "Deprecate a published module version"
}

func (c *deprecateCommand) Run(args []string) int {
	fs := flag.NewFlagSet("deprecate", flag.ContinueOnError)
	fs.Usage = func() { c.ui.Output(c.Help()) }
	isStack := fs.Bool("stack", false, "deprecate a stack version")
	track := fs.String("track", "", "release track")
	message := fs.String("message", "", "deprecation message")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 2 {
		c.ui.Error("a module name and a version are required")
		return 1
	}
	module, version := fs.Arg(0), fs.Arg(1)

	if *track == "" {
		t, err := claim.VersionTrack(version)
		if err != nil {
			c.ui.Error(err.Error())
			return 1
		}
		*track = t
	}

	moduleType := defs.ModuleTypeModule
	if *isStack {
		moduleType = defs.ModuleTypeStack
	}

	ctx, cancel := commandContext()
	defer cancel()

	s, err := store.New(ctx)
	if err != nil {
		c.ui.Error(err.Error())
		return 1
	}
	if err := publish.DeprecateModule(ctx, s, moduleType, *track, module, version, *message); err != nil {
		c.ui.Error(err.Error())
		return 1
	}
	c.ui.Output(fmt.Sprintf("Deprecated %s version %s on track %s", module, version, *track))
	return 0
}
