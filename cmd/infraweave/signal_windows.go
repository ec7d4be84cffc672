//go:build windows

// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"os"
)

var interruptSignals = []os.Signal{os.Interrupt}
