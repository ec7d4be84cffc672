// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

// Package runner executes one terraform job end to end: it reads its payload
// from the environment, trusts only variables recorded in the store, drives
// the tofu subprocess through plan/policy/apply, and funnels every observable
// state change through the status handler.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"

	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/status"
	"github.com/infraweave-io/infraweave/internal/store"
	"github.com/infraweave-io/infraweave/internal/terraform"
)

var logger = hclog.Default().Named("runner")

// Options customises how a job builds its terraform invocations. The zero
// value shells out to the tofu binary.
type Options struct {
	NewRunner func(dir string, env map[string]string) terraform.Runner

	// Workdir overrides the per-job temporary directory.
	Workdir string
}

// Run executes the job described by the PAYLOAD environment variable until a
// terminal status. By the time Run returns, the event log, the deployment row
// and the runner notification all reflect the outcome; the returned error is
// the terminal failure, if any.
func Run(ctx context.Context, s store.Store, opts Options) error {
	if opts.NewRunner == nil {
		opts.NewRunner = func(dir string, env map[string]string) terraform.Runner {
			return terraform.NewCLI(dir, env)
		}
	}

	pv, recordedJobID, err := payloadFromEnv(ctx, s)
	if err != nil {
		return err
	}
	payload := &pv.Payload

	workdir := opts.Workdir
	if workdir == "" {
		workdir, err = os.MkdirTemp("", "infraweave-job-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(workdir)
	}
	fs := afero.NewOsFs()

	if err := terraform.WriteTfVarsJSON(fs, workdir, pv.Variables); err != nil {
		return err
	}
	if err := terraform.WriteBackendFile(fs, workdir, s.BackendProvider(), nil); err != nil {
		return err
	}

	// Previous outputs and policy results carry over until this job
	// overwrites them.
	previous, err := s.GetDeployment(ctx, payload.DeploymentID, payload.Environment, false)
	if err != nil && !errors.Is(err, defs.ErrNotFound) {
		return err
	}

	h := status.NewHandler(s, payload, pv.Variables, "initiated", "unknown_jobid", previous)

	jobID, err := s.GetCurrentJobID(ctx)
	if err != nil {
		failTerminal(ctx, h, "failed", "The job failed to fetch the job id, please retry again.")
		return fmt.Errorf("fetching current job id: %w", err)
	}
	h.SetJobID(jobID)

	// The variables were read from the row recorded by the submission that
	// started this job. If another job overwrote the row in between, they
	// cannot be trusted.
	if jobID != recordedJobID {
		mismatch := &defs.JobIDMismatchError{EnvJobID: jobID, RecordedJobID: recordedJobID}
		failTerminal(ctx, h, "failed", mismatch.Error())
		return mismatch
	}

	if payload.Command == "plan" && slices.Contains(payload.Flags, "-refresh-only") {
		h.SetIsDriftCheck()
	}
	h.SendEvent(ctx)
	if err := h.SendDeployment(ctx); err != nil {
		return err
	}

	flowErr := flow(ctx, s, h, pv, workdir, fs, opts)
	notifyResult(ctx, s, payload, jobID, flowErr)
	return flowErr
}

// payloadFromEnv parses PAYLOAD and fetches the recorded variables. PAYLOAD
// rides an environment variable with a hard length limit, so variables are
// read back from the plan row (plan) or the deployment row (apply, destroy).
func payloadFromEnv(ctx context.Context, s store.Store) (*defs.PayloadWithVariables, string, error) {
	raw := os.Getenv("PAYLOAD")
	if raw == "" {
		return nil, "", fmt.Errorf("PAYLOAD is not set")
	}
	var payload defs.ApiInfraPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, "", fmt.Errorf("parsing PAYLOAD: %w", err)
	}

	var row *defs.Deployment
	var err error
	if payload.Command == "plan" {
		jobID, jobErr := s.GetCurrentJobID(ctx)
		if jobErr != nil {
			return nil, "", fmt.Errorf("fetching current job id: %w", jobErr)
		}
		row, err = s.GetPlanDeployment(ctx, payload.DeploymentID, payload.Environment, jobID)
	} else {
		row, err = s.GetDeployment(ctx, payload.DeploymentID, payload.Environment, false)
	}
	if err != nil {
		return nil, "", fmt.Errorf("fetching variables for %s in %s: %w",
			payload.DeploymentID, payload.Environment, err)
	}
	return &defs.PayloadWithVariables{Payload: payload, Variables: row.Variables}, row.JobID, nil
}

// failTerminal records a terminal failure on both the event log and the
// deployment row.
func failTerminal(ctx context.Context, h *status.Handler, statusName, errorText string) {
	h.SetStatus(statusName)
	h.SetErrorText(errorText)
	h.SetEventDuration()
	h.SendEvent(ctx)
	if err := h.SendDeployment(ctx); err != nil {
		logger.Error("recording terminal failure", "status", statusName, "error", err)
	}
}

// notifyResult publishes the runner_event notification, preserving the
// upstream VCS context from the extraData envelope around the job details.
func notifyResult(ctx context.Context, s store.Store, payload *defs.ApiInfraPayload, jobID string, flowErr error) {
	result, errorText := "success", ""
	if flowErr != nil {
		result, errorText = "failure", flowErr.Error()
	}
	details := defs.JobDetails{
		Status:       result,
		ErrorText:    errorText,
		ChangeType:   strings.ToUpper(payload.Command),
		Region:       payload.Region,
		Environment:  payload.Environment,
		DeploymentID: payload.DeploymentID,
		JobID:        jobID,
		FilePath:     payload.FilePath(),
	}

	envelope := map[string]any{}
	if len(payload.ExtraData) > 0 {
		if err := json.Unmarshal(payload.ExtraData, &envelope); err != nil {
			logger.Warn("unparsable extra_data, publishing bare job details", "error", err)
			envelope = map[string]any{}
		}
	}
	envelope["jobDetails"] = details

	body, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("marshalling runner notification", "error", err)
		return
	}
	if _, err := s.PublishNotification(ctx, defs.Notification{Subject: "runner_event", Payload: body}); err != nil {
		logger.Warn("failed to publish runner notification", "job_id", jobID, "error", err)
	}
}
