// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/status"
	"github.com/infraweave-io/infraweave/internal/store"
	"github.com/infraweave-io/infraweave/internal/terraform"
)

// mirrorTarget is the platform the runner image executes on.
const mirrorTarget = "linux_arm64"

// flow is the core state machine. Every early return has already recorded a
// terminal status through the handler.
func flow(ctx context.Context, s store.Store, h *status.Handler, pv *defs.PayloadWithVariables, workdir string, fs afero.Fs, opts Options) error {
	payload := &pv.Payload

	switch payload.Command {
	case "apply":
		if err := checkDependencies(ctx, s, h, payload); err != nil {
			return err
		}
	case "destroy":
		if err := checkDependants(ctx, s, h, payload); err != nil {
			return err
		}
	}

	module, err := getModule(ctx, s, h, payload)
	if err != nil {
		return err
	}

	env := terraform.ExtraEnvironmentVariables(payload)

	// Provider pre-download is best effort: a missing artifact falls back to
	// direct installation from the registry.
	mirrorDir := filepath.Join(workdir, "provider-mirror")
	if err := terraform.SetUpProviderMirror(ctx, fs, s, module.TfLockProviders, mirrorTarget, mirrorDir); err != nil {
		logger.Warn("provider pre-download failed, continuing with direct installation", "error", err)
	} else if len(module.TfLockProviders) > 0 {
		configPath, err := terraform.WriteMirrorConfig(fs, workdir, mirrorDir)
		if err != nil {
			logger.Warn("failed to write mirror config", "error", err)
		} else {
			env["TF_CLI_CONFIG_FILE"] = configPath
		}
	}

	if err := downloadModule(ctx, s, h, fs, module, workdir); err != nil {
		return err
	}

	tf := opts.NewRunner(workdir, env)

	if out, err := tf.Init(ctx); err != nil {
		return failExecution(ctx, h, "failed_init", out, err)
	}
	if out, err := tf.Validate(ctx); err != nil {
		return failExecution(ctx, h, "failed", out, err)
	}

	destroy := payload.Command == "destroy"
	planOutput, err := tf.Plan(ctx, payload.Flags, destroy)
	if err != nil {
		return failExecution(ctx, h, "failed", planOutput, err)
	}

	planJSON, err := tf.ShowPlanJSON(ctx)
	if err != nil {
		return failExecution(ctx, h, "failed", string(planJSON), err)
	}
	if err := recordChange(ctx, s, h, payload, module, "plan", planOutput, planJSON); err != nil {
		failTerminal(ctx, h, "failed", err.Error())
		return err
	}

	if err := runPolicyChecks(ctx, s, h, planJSON); err != nil {
		return err
	}

	if payload.Command == "apply" || payload.Command == "destroy" {
		applyOutput, applyErr := tf.ApplyDestroy(ctx)

		// Capture the surviving resources even after a failed apply so the
		// deployment record reflects what actually exists.
		resources, stateErr := tf.StateList(ctx)
		if stateErr != nil {
			logger.Warn("failed to capture resource list", "error", stateErr)
		} else {
			h.SetResources(resources)
		}

		if err := recordChange(ctx, s, h, payload, module, payload.Command, applyOutput, nil); err != nil {
			logger.Warn("failed to record infra changes", "error", err)
		}

		if applyErr != nil {
			// A destroy that failed against an already empty state would
			// otherwise leave the deployment impossible to clean up.
			if destroy && stateErr == nil && len(resources) == 0 {
				logger.Info("destroy failed but state is empty, proceeding with cleanup", "error", applyErr)
				h.SetDeleted(true)
			} else {
				return failExecution(ctx, h, "failed", "", applyErr)
			}
		}

		if payload.Command == "apply" {
			output, err := tf.Output(ctx)
			if err != nil {
				return failExecution(ctx, h, "failed", "", err)
			}
			h.SetOutput(output)
		}
	}

	if destroy {
		h.SetDeleted(true)
	}
	h.SetStatus("successful")
	h.SetEventDuration()
	h.SetLastEventEpoch()
	h.SendEvent(ctx)
	return h.SendDeployment(ctx)
}

// failExecution records a failed terraform invocation, folding the captured
// subprocess output into the error text when present.
func failExecution(ctx context.Context, h *status.Handler, statusName, output string, err error) error {
	errorText := err.Error()
	var execErr *defs.ExecutionError
	if errors.As(err, &execErr) && execErr.Output != "" {
		errorText = fmt.Sprintf("%v\n%s", err, execErr.Output)
	} else if output != "" {
		errorText = fmt.Sprintf("%v\n%s", err, output)
	}
	failTerminal(ctx, h, statusName, errorText)
	return err
}

// checkDependencies blocks an apply until every dependency has finished
// successfully.
func checkDependencies(ctx context.Context, s store.Store, h *status.Handler, payload *defs.ApiInfraPayload) error {
	var waiting []string
	for _, dep := range payload.Dependencies {
		deployment, err := s.GetDeployment(ctx, dep.DeploymentID, dep.Environment, false)
		if err != nil || deployment.Status != "successful" {
			waiting = append(waiting, dep.DeploymentID+" in "+dep.Environment)
		}
	}
	if len(waiting) == 0 {
		return nil
	}
	failTerminal(ctx, h, "waiting-on-dependency", "")
	return fmt.Errorf("dependencies not finished: %s", strings.Join(waiting, ", "))
}

// checkDependants blocks a destroy while other deployments still depend on
// this one.
func checkDependants(ctx context.Context, s store.Store, h *status.Handler, payload *defs.ApiInfraPayload) error {
	_, dependants, err := s.GetDeploymentAndDependents(ctx, payload.DeploymentID, payload.Environment, false)
	if err != nil {
		failTerminal(ctx, h, "error", fmt.Sprintf("Error getting deployment and dependants: %v", err))
		return fmt.Errorf("getting deployment and dependants: %w", err)
	}
	if len(dependants) == 0 {
		return nil
	}
	failTerminal(ctx, h, "has-dependants",
		"This deployment has other deployments depending on it, and hence cannot be removed until they are removed")
	return fmt.Errorf("deployment %s has dependants", payload.DeploymentID)
}

// recordChange persists one change record; the machine-readable plan, when
// present, goes to the change_records bucket under the record's JSON key.
func recordChange(ctx context.Context, s store.Store, h *status.Handler, payload *defs.ApiInfraPayload, module *defs.Module, changeType, stdOutput string, planJSON []byte) error {
	record := &defs.InfraChangeRecord{
		DeploymentID:  payload.DeploymentID,
		ProjectID:     payload.ProjectID,
		Region:        payload.Region,
		Environment:   payload.Environment,
		JobID:         h.JobID(),
		Module:        module.Module,
		ChangeType:    changeType,
		PlanStdOutput: stdOutput,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	if len(planJSON) > 0 {
		record.PlanRawJSONKey = fmt.Sprintf("%s/%s/%s_plan_output.json",
			payload.Environment, payload.DeploymentID, h.JobID())
	}
	if err := s.InsertInfraChangeRecord(ctx, record, planJSON); err != nil {
		return fmt.Errorf("storing %s change record: %w", changeType, err)
	}
	return nil
}
