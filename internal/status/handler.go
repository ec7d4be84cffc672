// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

// Package status funnels every observable state change of a job through one
// object so the event log and the deployment row never disagree.
package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/store"
)

// Handler carries the immutable identity of one job plus the fields that
// change as the job advances. SendEvent appends to the event log and
// SendDeployment upserts the deployment row from the same snapshot.
type Handler struct {
	store  store.Store
	logger hclog.Logger

	command             string
	module              string
	moduleVersion       string
	moduleType          string
	moduleTrack         string
	environment         string
	deploymentID        string
	projectID           string
	region              string
	name                string
	initiatedBy         string
	cpu                 string
	memory              string
	reference           string
	variables           json.RawMessage
	driftDetection      defs.DriftDetection
	nextDriftCheckEpoch int64
	dependencies        []defs.Dependency

	status         string
	errorText      string
	jobID          string
	output         json.RawMessage
	policyResults  []defs.PolicyResult
	tfResources    []string
	eventDuration  int64
	lastEventEpoch int64
	isDriftCheck   bool
	deleted        bool
}

// NewHandler snapshots the payload's identity fields. Output and policy
// results carry over from the previous deployment row when one exists, so a
// failed job does not erase the last known outputs.
func NewHandler(s store.Store, payload *defs.ApiInfraPayload, variables json.RawMessage, initialStatus, jobID string, previous *defs.Deployment) *Handler {
	h := &Handler{
		store:  s,
		logger: hclog.Default().Named("status"),

		command:       payload.Command,
		module:        payload.Module,
		moduleVersion: payload.ModuleVersion,
		moduleType:    payload.ModuleType,
		moduleTrack:   payload.ModuleTrack,
		environment:   payload.Environment,
		deploymentID:  payload.DeploymentID,
		projectID:     payload.ProjectID,
		region:        payload.Region,
		name:          payload.Name,
		initiatedBy:   payload.InitiatedBy,
		cpu:           payload.CPU,
		memory:        payload.Memory,
		reference:     payload.Reference,
		variables:     variables,
		driftDetection: defs.DriftDetection{
			Enabled:       payload.DriftDetection.Enabled,
			Interval:      payload.DriftDetection.Interval,
			AutoRemediate: payload.DriftDetection.AutoRemediate,
			Webhooks:      payload.DriftDetection.Webhooks,
		},
		nextDriftCheckEpoch: payload.NextDriftCheckEpoch,
		dependencies:        payload.Dependencies,

		status:         initialStatus,
		jobID:          jobID,
		lastEventEpoch: time.Now().UnixMilli(),
	}
	if previous != nil {
		h.output = previous.Output
		h.policyResults = previous.PolicyResults
	}
	return h
}

func (h *Handler) SetStatus(status string) { h.status = status }

func (h *Handler) SetErrorText(text string) { h.errorText = text }

func (h *Handler) SetJobID(jobID string) { h.jobID = jobID }

func (h *Handler) SetOutput(o json.RawMessage) { h.output = o }

func (h *Handler) SetDeleted(deleted bool) { h.deleted = deleted }

func (h *Handler) SetIsDriftCheck() { h.isDriftCheck = true }

// SetResources normalises nil to an empty list so "nothing in state" is
// recorded explicitly.
func (h *Handler) SetResources(resources []string) {
	if resources == nil {
		resources = []string{}
	}
	h.tfResources = resources
}

func (h *Handler) SetPolicyResults(results []defs.PolicyResult) { h.policyResults = results }

// SetEventDuration records the time since the previous event.
func (h *Handler) SetEventDuration() {
	h.eventDuration = time.Now().UnixMilli() - h.lastEventEpoch
}

// SetLastEventEpoch restarts the duration clock.
func (h *Handler) SetLastEventEpoch() {
	h.lastEventEpoch = time.Now().UnixMilli()
}

func (h *Handler) JobID() string { return h.jobID }

func (h *Handler) Status() string { return h.status }

func (h *Handler) Deleted() bool { return h.deleted }

func (h *Handler) IsPlan() bool { return h.command == "plan" }

func (h *Handler) Command() string { return h.command }

// SendEvent appends the current snapshot to the event log. Event delivery is
// best effort: a failed append is logged but never fails the job.
func (h *Handler) SendEvent(ctx context.Context) {
	event := &defs.Event{
		Epoch:        time.Now().UnixMilli(),
		DeploymentID: h.deploymentID,
		ProjectID:    h.projectID,
		Region:       h.region,
		Environment:  h.environment,
		JobID:        h.jobID,
		Event:        h.command,
		Status:       h.status,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		ErrorText:    h.errorText,
		Output:       h.output,
		Metadata: map[string]any{
			"event_duration": h.eventDuration,
			"is_drift_check": h.isDriftCheck,
		},
	}
	if err := h.store.InsertEvent(ctx, event); err != nil {
		h.logger.Error("inserting event", "deployment_id", h.deploymentID, "status", h.status, "error", err)
	}
}

// SendDeployment upserts the deployment row from the current snapshot. Plan
// commands write the per-job plan row instead of the deployment itself.
func (h *Handler) SendDeployment(ctx context.Context) error {
	nextDriftCheck := h.nextDriftCheckEpoch
	if h.deleted {
		// Deleted deployments leave the drift-check index.
		nextDriftCheck = -1
	}
	deployment := &defs.Deployment{
		Epoch:               time.Now().UnixMilli(),
		DeploymentID:        h.deploymentID,
		ProjectID:           h.projectID,
		Region:              h.region,
		Environment:         h.environment,
		Status:              h.status,
		JobID:               h.jobID,
		InitiatedBy:         h.initiatedBy,
		Module:              h.module,
		ModuleVersion:       h.moduleVersion,
		ModuleType:          h.moduleType,
		ModuleTrack:         h.moduleTrack,
		Variables:           h.variables,
		DriftDetection:      h.driftDetection,
		NextDriftCheckEpoch: nextDriftCheck,
		HasDrifted:          false,
		CPU:                 h.cpu,
		Memory:              h.memory,
		Reference:           h.reference,
		Dependencies:        h.dependencies,
		Output:              h.output,
		PolicyResults:       h.policyResults,
		ErrorText:           h.errorText,
		Deleted:             h.deleted,
		TfResources:         h.tfResources,
	}
	return h.store.SetDeployment(ctx, deployment, h.IsPlan())
}
