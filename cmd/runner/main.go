// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

// Command runner executes a single deployment job inside an ephemeral
// compute environment. The job is described by the PAYLOAD environment
// variable; the runner drives terraform to a terminal status, records
// events and results, and exits non-zero if the job failed.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/infraweave-io/infraweave/internal/runner"
	"github.com/infraweave-io/infraweave/internal/store"
)

func main() {
	logger := hclog.Default().Named("runner")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := store.New(ctx)
	if err != nil {
		logger.Error("building store", "error", err)
		os.Exit(1)
	}

	if err := runner.Run(ctx, s, runner.Options{}); err != nil {
		logger.Error("job failed", "error", err)
		os.Exit(1)
	}
}
