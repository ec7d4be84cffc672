// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

// Package claim validates deployment claims and turns them into runner jobs.
package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/status"
	"github.com/infraweave-io/infraweave/internal/store"
)

// APIVersion is the only claim schema version this build accepts.
const APIVersion = "infraweave.io/v1"

// DefaultDriftDetectionInterval applies when a claim enables drift detection
// without an interval.
const DefaultDriftDetectionInterval = "1h"

// nameRe is the DNS-1123 label shape required for deployment names and
// namespaces.
var nameRe = regexp.MustCompile(`^[a-z0-9](?:[-a-z0-9]{0,61}[a-z0-9])?$`)

func validateName(name string) error {
	if !nameRe.MatchString(name) {
		return defs.Validationf(
			"deployment name and namespace (%s) must be 1-63 characters long, contain only lowercase letters (a-z), digits (0-9), or hyphens (-), and must start and end with a lowercase letter or digit",
			name,
		)
	}
	return nil
}

// deploymentDetails derives the deployment coordinates from a parsed claim.
func deploymentDetails(environment string, manifest *defs.DeploymentManifest) (region, deploymentID, module, name string, err error) {
	module = strings.ToLower(manifest.Kind)
	name = manifest.Metadata.Name
	deploymentID = module + "/" + name

	if err := validateName(name); err != nil {
		return "", "", "", "", err
	}
	parts := strings.SplitN(environment, "/", 2)
	if len(parts) != 2 {
		return "", "", "", "", defs.Validationf("environment %q is not on the form <launcher>/<namespace>", environment)
	}
	if err := validateName(parts[1]); err != nil {
		return "", "", "", "", err
	}
	return manifest.Spec.Region, deploymentID, module, name, nil
}

// ValidateAndPrepareClaim performs every check on a claim and assembles the
// runner payload without submitting anything.
func ValidateAndPrepareClaim(ctx context.Context, s store.Store, claimYAML []byte, environment, command string, flags []string, extraData json.RawMessage, referenceFallback string) (string, *defs.PayloadWithVariables, error) {
	logger := hclog.Default().Named("claim")

	var manifest defs.DeploymentManifest
	if err := yaml.Unmarshal(claimYAML, &manifest); err != nil {
		return "", nil, defs.Validationf("parsing claim: %v", err)
	}
	if manifest.APIVersion != APIVersion {
		return "", nil, defs.Validationf("unsupported API version: %q", manifest.APIVersion)
	}

	region, deploymentID, module, name, err := deploymentDetails(environment, &manifest)
	if err != nil {
		return "", nil, err
	}
	if region == "" {
		return "", nil, defs.Validationf("claim %s has no region", deploymentID)
	}

	isStack, err := isStackClaim(&manifest)
	if err != nil {
		return "", nil, err
	}
	version := manifest.Spec.Version()
	track, err := VersionTrack(version)
	if err != nil {
		return "", nil, defs.Validationf("invalid version %q: %v", version, err)
	}

	moduleType := defs.ModuleTypeModule
	if isStack {
		moduleType = defs.ModuleTypeStack
	}
	descriptor, err := s.GetModuleVersion(ctx, moduleType, track, module, version)
	if err != nil {
		if errors.Is(err, defs.ErrNotFound) {
			return "", nil, fmt.Errorf("%s version does not exist: %s %s: %w", moduleType, module, version, err)
		}
		return "", nil, fmt.Errorf("verifying %s version: %w", moduleType, err)
	}

	if err := CheckModuleDeprecation(ctx, s, descriptor, deploymentID, environment); err != nil {
		return "", nil, err
	}

	provided := manifest.Spec.Variables
	if provided == nil {
		provided = map[string]any{}
	}
	if err := VerifyVariableClaimCasing(provided); err != nil {
		return "", nil, err
	}
	var variables map[string]any
	if isStack {
		var dontFlatten []string
		for _, p := range descriptor.TfProviders {
			for _, v := range p.TfVariables {
				dontFlatten = append(dontFlatten, v.Name)
			}
		}
		variables = FlattenAndConvertFirstLevelKeysToSnakeCase(provided, dontFlatten)
	} else {
		variables = ConvertFirstLevelKeysToSnakeCase(provided)
	}
	if err := VerifyVariableExistenceAndType(descriptor, variables); err != nil {
		return "", nil, err
	}
	if err := VerifyRequiredVariablesAreSet(descriptor, variables); err != nil {
		return "", nil, err
	}
	variablesJSON, err := json.Marshal(variables)
	if err != nil {
		return "", nil, err
	}

	reference := manifest.Spec.Reference
	if reference == "" {
		reference = referenceFallback
	}
	annotations, err := json.Marshal(manifest.Metadata.Annotations)
	if err != nil {
		return "", nil, fmt.Errorf("encoding annotations: %w", err)
	}

	dependencies := make([]defs.Dependency, 0, len(manifest.Spec.Dependencies))
	for _, d := range manifest.Spec.Dependencies {
		depEnvironment := d.Environment
		if depEnvironment == "" {
			depEnvironment = environment
		}
		dependencies = append(dependencies, defs.Dependency{
			DeploymentID: strings.ToLower(d.DeploymentID),
			Environment:  depEnvironment,
		})
	}

	initiatedBy, err := s.GetUserID(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("resolving user identity: %w", err)
	}

	logger.Info("validated claim",
		"deployment_id", deploymentID,
		"environment", environment,
		"command", command,
		"module", module,
		"version", version,
		"track", track,
	)

	payload := defs.ApiInfraPayload{
		Command:             command,
		Flags:               flags,
		Module:              module,
		ModuleVersion:       version,
		ModuleType:          string(moduleType),
		ModuleTrack:         track,
		Name:                name,
		Environment:         environment,
		DeploymentID:        deploymentID,
		ProjectID:           s.ProjectID(),
		Region:              region,
		DriftDetection:      driftDetectionArgs(manifest.Spec.DriftDetection),
		NextDriftCheckEpoch: -1, // in progress, keep out of the reconciler's view
		Annotations:         annotations,
		Dependencies:        dependencies,
		InitiatedBy:         initiatedBy,
		CPU:                 descriptor.CPU,
		Memory:              descriptor.Memory,
		Reference:           reference,
		ExtraData:           extraData,
	}
	return deploymentID, &defs.PayloadWithVariables{Payload: payload, Variables: variablesJSON}, nil
}

func isStackClaim(manifest *defs.DeploymentManifest) (bool, error) {
	hasModule := manifest.Spec.ModuleVersion != ""
	hasStack := manifest.Spec.StackVersion != ""
	switch {
	case hasModule && hasStack:
		return false, defs.Validationf("both moduleVersion and stackVersion are set, only one should be set")
	case !hasModule && !hasStack:
		return false, defs.Validationf("neither moduleVersion nor stackVersion are set, one should be set")
	}
	return hasStack, nil
}

func driftDetectionArgs(dd *defs.DriftDetection) defs.ArgDriftDetection {
	if dd == nil {
		return defs.ArgDriftDetection{}
	}
	interval := dd.Interval
	if interval == "" {
		interval = DefaultDriftDetectionInterval
	}
	return defs.ArgDriftDetection{
		Enabled:       dd.Enabled,
		Interval:      interval,
		AutoRemediate: dd.AutoRemediate,
		Webhooks:      dd.Webhooks,
	}
}

// RunClaim validates the claim and submits it as a runner job.
func RunClaim(ctx context.Context, s store.Store, claimYAML []byte, environment, command string, flags []string, extraData json.RawMessage, referenceFallback string) (jobID, deploymentID string, pv *defs.PayloadWithVariables, err error) {
	deploymentID, pv, err = ValidateAndPrepareClaim(ctx, s, claimYAML, environment, command, flags, extraData, referenceFallback)
	if err != nil {
		return "", "", nil, err
	}
	jobID, err = SubmitClaimJob(ctx, s, pv)
	if err != nil {
		return "", "", nil, err
	}
	return jobID, deploymentID, pv, nil
}

// CheckModuleDeprecation blocks new deployments from pinning a deprecated
// version. An existing deployment at the same coordinate may keep using it
// for updates, destroy and drift checks.
func CheckModuleDeprecation(ctx context.Context, s store.Store, descriptor *defs.Module, deploymentID, environment string) error {
	if !descriptor.Deprecated {
		return nil
	}
	_, err := s.GetDeployment(ctx, deploymentID, environment, false)
	if err == nil {
		hclog.Default().Named("claim").Warn("version is deprecated but existing deployment may continue",
			"module", descriptor.Module, "version", descriptor.Version, "deployment_id", deploymentID)
		return nil
	}
	if !errors.Is(err, defs.ErrNotFound) {
		return fmt.Errorf("checking for existing deployment: %w", err)
	}
	return &defs.DeprecatedError{
		Module:  descriptor.Module,
		Version: descriptor.Version,
		Message: descriptor.DeprecatedMessage,
	}
}

// SubmitClaimJob enforces the in-flight gate, starts a runner via the
// control function, and records the initial requested event.
func SubmitClaimJob(ctx context.Context, s store.Store, pv *defs.PayloadWithVariables) (string, error) {
	payload := &pv.Payload

	inProgress, runningJobID, _, _ := IsDeploymentInProgress(ctx, s, payload.DeploymentID, payload.Environment)
	if inProgress {
		return "", &defs.JobAlreadyInProgressError{
			DeploymentID: payload.DeploymentID,
			Environment:  payload.Environment,
			JobID:        runningJobID,
		}
	}

	request, err := json.Marshal(map[string]any{
		"event": "start_runner",
		"data":  payload,
	})
	if err != nil {
		return "", err
	}
	resp, err := s.RunFunction(ctx, request)
	if err != nil {
		return "", fmt.Errorf("failed to deploy claim: %w", err)
	}
	var started struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(resp.Payload, &started); err != nil || started.JobID == "" {
		return "", fmt.Errorf("start_runner returned no job id: %s", resp.Payload)
	}

	if err := insertRequestedEvent(ctx, s, pv, started.JobID); err != nil {
		return "", err
	}
	return started.JobID, nil
}

// insertRequestedEvent records status=requested on both the event log and
// the deployment row so polls see the job before the runner starts.
func insertRequestedEvent(ctx context.Context, s store.Store, pv *defs.PayloadWithVariables, jobID string) error {
	h := status.NewHandler(s, &pv.Payload, pv.Variables, "requested", jobID, nil)
	h.SendEvent(ctx)
	return h.SendDeployment(ctx)
}

// IsDeploymentInProgress reports whether a job is currently running for the
// deployment. A busy status alone is not enough: the recorded job must
// actually be running, otherwise a crashed runner would block the
// deployment forever.
func IsDeploymentInProgress(ctx context.Context, s store.Store, deploymentID, environment string) (bool, string, string, *defs.Deployment) {
	logger := hclog.Default().Named("claim")

	deployment, err := s.GetDeployment(ctx, deploymentID, environment, false)
	if err != nil {
		if !errors.Is(err, defs.ErrNotFound) {
			logger.Error("describing deployment", "deployment_id", deploymentID, "error", err)
		}
		return false, "", "", nil
	}

	if deployment.Status != "requested" && deployment.Status != "initiated" {
		return false, "", deployment.Status, deployment
	}

	jobStatus, err := s.GetJobStatus(ctx, deployment.JobID)
	if err != nil {
		logger.Error("fetching job status", "job_id", deployment.JobID, "error", err)
		return true, deployment.JobID, deployment.Status, deployment
	}
	if !jobStatus.IsRunning {
		logger.Warn("recorded job is not running, allowing new submission",
			"job_id", deployment.JobID, "status", deployment.Status)
		return false, "", deployment.Status, deployment
	}
	return true, deployment.JobID, deployment.Status, deployment
}

// IsDeploymentPlanInProgress reports whether the plan row for a job is still
// in a busy status.
func IsDeploymentPlanInProgress(ctx context.Context, s store.Store, deploymentID, environment, jobID string) (bool, string, *defs.Deployment, error) {
	deployment, err := s.GetPlanDeployment(ctx, deploymentID, environment, jobID)
	if err != nil {
		return false, "", nil, err
	}
	busy := deployment.Status == "requested" || deployment.Status == "initiated"
	return busy, deployment.JobID, deployment, nil
}

// DestroyInfra tears down an existing deployment. A version override wins
// over the recorded version after its existence is verified; this unblocks
// destroys whose original version was since removed.
func DestroyInfra(ctx context.Context, s store.Store, deploymentID, environment string, extraData json.RawMessage, overrideVersion string) (string, error) {
	deployment, err := s.GetDeployment(ctx, deploymentID, environment, false)
	if err != nil {
		return "", fmt.Errorf("describing deployment %s: %w", deploymentID, err)
	}

	version := deployment.ModuleVersion
	track := deployment.ModuleTrack
	if overrideVersion != "" {
		overrideTrack, err := VersionTrack(overrideVersion)
		if err != nil {
			return "", defs.Validationf("invalid version override %q: %v", overrideVersion, err)
		}
		if _, err := s.GetModuleVersion(ctx, defs.ModuleType(deployment.ModuleType), overrideTrack, deployment.Module, overrideVersion); err != nil {
			return "", fmt.Errorf("version override %s does not exist: %w", overrideVersion, err)
		}
		version = overrideVersion
		track = overrideTrack
	}

	initiatedBy, err := s.GetUserID(ctx)
	if err != nil {
		return "", fmt.Errorf("resolving user identity: %w", err)
	}

	payload := payloadFromDeployment(deployment, "destroy", nil)
	payload.ModuleVersion = version
	payload.ModuleTrack = track
	payload.InitiatedBy = initiatedBy
	payload.ExtraData = extraData

	return SubmitClaimJob(ctx, s, &defs.PayloadWithVariables{Payload: payload, Variables: deployment.Variables})
}

// DriftcheckInfra replays a deployment as a refresh-only plan, or as a full
// apply when remediate is set.
func DriftcheckInfra(ctx context.Context, s store.Store, deploymentID, environment string, remediate bool, extraData json.RawMessage) (string, error) {
	deployment, err := s.GetDeployment(ctx, deploymentID, environment, false)
	if err != nil {
		return "", fmt.Errorf("describing deployment %s: %w", deploymentID, err)
	}

	command := "plan"
	var flags []string
	if remediate {
		command = "apply"
	} else {
		flags = []string{"-refresh-only"}
	}

	payload := payloadFromDeployment(deployment, command, flags)
	payload.ExtraData = extraData
	if remediate {
		initiatedBy, err := s.GetUserID(ctx)
		if err != nil {
			return "", fmt.Errorf("resolving user identity: %w", err)
		}
		payload.InitiatedBy = initiatedBy
	}
	// A plain drift check keeps the original initiator.

	return SubmitClaimJob(ctx, s, &defs.PayloadWithVariables{Payload: payload, Variables: deployment.Variables})
}

// payloadFromDeployment rebuilds a runner payload from a stored deployment
// row, for commands that replay an existing deployment.
func payloadFromDeployment(d *defs.Deployment, command string, flags []string) defs.ApiInfraPayload {
	return defs.ApiInfraPayload{
		Command:       command,
		Flags:         flags,
		Module:        d.Module,
		ModuleVersion: d.ModuleVersion,
		ModuleType:    d.ModuleType,
		ModuleTrack:   d.ModuleTrack,
		Name:          strings.TrimPrefix(d.DeploymentID, d.Module+"/"),
		Environment:   d.Environment,
		DeploymentID:  d.DeploymentID,
		ProjectID:     d.ProjectID,
		Region:        d.Region,
		DriftDetection: defs.ArgDriftDetection{
			Enabled:       d.DriftDetection.Enabled,
			Interval:      d.DriftDetection.Interval,
			AutoRemediate: d.DriftDetection.AutoRemediate,
			Webhooks:      d.DriftDetection.Webhooks,
		},
		NextDriftCheckEpoch: -1,
		Annotations:         json.RawMessage(`{}`),
		Dependencies:        d.Dependencies,
		InitiatedBy:         d.InitiatedBy,
		CPU:                 d.CPU,
		Memory:              d.Memory,
		Reference:           d.Reference,
	}
}
