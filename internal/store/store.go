// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

// Package store abstracts the deployment platform's persistence: deployment
// rows, published module/stack/provider/policy descriptors, append-only
// events, change records, notifications, logs, and blob access.
package store

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/infraweave-io/infraweave/internal/defs"
)

// Bucket names the blob categories a presigned URL can target.
type Bucket string

const (
	BucketModules       Bucket = "modules"
	BucketPolicies      Bucket = "policies"
	BucketChangeRecords Bucket = "change_records"
	BucketProviders     Bucket = "providers"
)

// Store is the persistence interface consumed by the claim pipeline, the
// runner, and the publish pipeline. All methods are safe for concurrent use.
type Store interface {
	// Deployments. GetDeployment returns defs.ErrNotFound for missing rows;
	// deleted rows are only returned when includeDeleted is set.
	GetDeployment(ctx context.Context, deploymentID, environment string, includeDeleted bool) (*defs.Deployment, error)
	GetDeploymentAndDependents(ctx context.Context, deploymentID, environment string, includeDeleted bool) (*defs.Deployment, []defs.Dependent, error)
	// GetPlanDeployment reads the plan row keyed by job id.
	GetPlanDeployment(ctx context.Context, deploymentID, environment, jobID string) (*defs.Deployment, error)
	GetAllDeployments(ctx context.Context, environment string) ([]defs.Deployment, error)
	GetDeploymentsUsingModule(ctx context.Context, module, environment string) ([]defs.Deployment, error)
	GetDeploymentsToDriftCheck(ctx context.Context) ([]defs.Deployment, error)
	// SetDeployment upserts a deployment row, maintaining dependent edges.
	// With isPlan the row is stored per job id instead.
	SetDeployment(ctx context.Context, deployment *defs.Deployment, isPlan bool) error

	// Modules and stacks share a table, discriminated by ModuleType.
	InsertModule(ctx context.Context, module *defs.Module, zipBytes []byte) error
	GetModuleVersion(ctx context.Context, moduleType defs.ModuleType, track, module, version string) (*defs.Module, error)
	GetLatestModuleVersion(ctx context.Context, moduleType defs.ModuleType, track, module string) (*defs.Module, error)
	GetAllLatestModules(ctx context.Context, moduleType defs.ModuleType, track string) ([]defs.Module, error)
	GetAllModuleVersions(ctx context.Context, moduleType defs.ModuleType, track, module string) ([]defs.Module, error)
	SetModuleDeprecation(ctx context.Context, moduleType defs.ModuleType, track, module, version string, deprecated bool, message string) error

	// Providers.
	GetProvider(ctx context.Context, name, version string) (*defs.Provider, error)
	GetLatestProvider(ctx context.Context, name string) (*defs.Provider, error)
	InsertProvider(ctx context.Context, provider *defs.Provider, zipBytes []byte) error

	// Events and change records.
	InsertEvent(ctx context.Context, event *defs.Event) error
	GetEvents(ctx context.Context, deploymentID, environment string) ([]defs.Event, error)
	GetAllEventsBetween(ctx context.Context, startEpoch, endEpoch int64) ([]defs.Event, error)
	InsertInfraChangeRecord(ctx context.Context, record *defs.InfraChangeRecord, planRawJSON []byte) error
	GetChangeRecord(ctx context.Context, environment, deploymentID, jobID, changeType string) (*defs.InfraChangeRecord, error)

	// Policies.
	GetAllPolicies(ctx context.Context, environment string) ([]defs.Policy, error)
	GetPolicy(ctx context.Context, environment, policy, version string) (*defs.Policy, error)

	// Blobs, notifications, logs, identity.
	GeneratePresignedURL(ctx context.Context, key string, bucket Bucket) (string, error)
	GetObject(ctx context.Context, key string, bucket Bucket) ([]byte, error)
	PublishNotification(ctx context.Context, notification defs.Notification) (string, error)
	ReadLogs(ctx context.Context, jobID string) ([]defs.LogData, error)
	GetCurrentJobID(ctx context.Context) (string, error)
	// GetJobStatus reports whether a previously submitted job is still
	// executing; used by the in-flight gate to detect crashed runners.
	GetJobStatus(ctx context.Context, jobID string) (*defs.JobStatus, error)
	GetUserID(ctx context.Context) (string, error)
	GetAllRegions(ctx context.Context) ([]string, error)
	GetProjectMap(ctx context.Context) ([]defs.ProjectData, error)

	// RunFunction invokes the platform control function, e.g. to start a
	// runner job with {"event":"start_runner",...}.
	RunFunction(ctx context.Context, payload []byte) (*defs.FunctionResponse, error)

	// Identity of this store handle. CopyWithRegion returns a handle bound
	// to another region of the same project, for regional fan-out.
	ProjectID() string
	Region() string
	// BackendProvider names the terraform backend block the runner writes;
	// backend credentials come from the job environment, not from here.
	BackendProvider() string
	CopyWithRegion(region string) Store
}

// New builds the store selected by the PROVIDER environment variable.
// TEST_MODE uses the in-memory store with a fixed test identity.
func New(ctx context.Context) (Store, error) {
	if os.Getenv("TEST_MODE") == "true" {
		return NewMemory("test-mode", "us-west-2"), nil
	}
	provider := strings.ToLower(os.Getenv("PROVIDER"))
	switch provider {
	case "aws":
		return NewAWS(ctx)
	case "":
		return nil, fmt.Errorf("PROVIDER is not set; expected \"aws\"")
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
}

// applyDeploymentDefaults fills fields older rows may lack.
func applyDeploymentDefaults(d *defs.Deployment) {
	if d == nil {
		return
	}
	if d.CPU == "" {
		d.CPU = "1024"
	}
	if d.Memory == "" {
		d.Memory = "2048"
	}
}

// applyModuleDefaults fills optional descriptor fields on read.
func applyModuleDefaults(m *defs.Module) {
	if m == nil {
		return
	}
	if m.CPU == "" {
		m.CPU = "1024"
	}
	if m.Memory == "" {
		m.Memory = "2048"
	}
}
