// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package terraform

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"
)

// ProviderLock rebuilds .terraform.lock.hcl for a stack whose composed
// sources have no lockfile of their own. The init runs inside a disposable
// OpenTofu container so the host needs no terraform binary and the pins are
// computed for the runner platform, not the publisher's machine.
func ProviderLock(ctx context.Context, moduleDir string) (string, error) {
	image := os.Getenv("INFRAWEAVE_TF_IMAGE")
	if image == "" {
		image = "ghcr.io/opentofu/opentofu:1"
	}
	name := "tf-run-" + uuid.NewString()

	_, err := docker(ctx, "run", "-d", "--name", name,
		"--entrypoint", "/bin/sh", "-w", "/workspace",
		image, "-c", "tail -f /dev/null")
	if err != nil {
		return "", fmt.Errorf("starting lock container: %w", err)
	}
	defer func() {
		if _, err := docker(context.WithoutCancel(ctx), "rm", "-f", name); err != nil {
			logger.Warn("failed to remove lock container", "name", name, "error", err)
		}
	}()

	if _, err := docker(ctx, "cp", moduleDir+"/.", name+":/workspace"); err != nil {
		return "", fmt.Errorf("copying module into lock container: %w", err)
	}

	initOut, err := docker(ctx, "exec", name, "tofu", "init", "-no-color")
	if err != nil {
		return "", fmt.Errorf("terraform init failed:\n%s: %w", initOut, err)
	}
	logger.Debug("lock container init", "output", initOut)

	validateOut, err := docker(ctx, "exec", name, "tofu", "validate")
	if err != nil {
		return "", fmt.Errorf("terraform validate failed:\n%s: %w", validateOut, err)
	}
	logger.Debug("lock container validate", "output", validateOut)

	lockfile, err := docker(ctx, "exec", name, "cat", "/workspace/.terraform.lock.hcl")
	if err != nil {
		return "", fmt.Errorf("reading generated lockfile: %w", err)
	}
	return lockfile, nil
}

func docker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("docker %s: %w", args[0], err)
	}
	return out.String(), nil
}
