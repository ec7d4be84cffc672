//go:build !windows

// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"os"
	"syscall"
)

var interruptSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
