// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	goversion "github.com/hashicorp/go-version"

	"github.com/infraweave-io/infraweave/internal/defs"
)

// Memory is the in-process store used under TEST_MODE and in tests. It
// mirrors the cloud store's read defaults and dependent-edge bookkeeping.
// Regional copies share the same backing state.
type Memory struct {
	region string
	s      *memoryState
}

type memoryState struct {
	mu sync.Mutex

	projectID string

	deployments map[string]*defs.Deployment // key: deploymentID|environment
	plans       map[string]*defs.Deployment // key: deploymentID|environment|jobID
	dependents  map[string][]defs.Dependent // key of the dependency row

	modules   []*defs.Module
	providers []*defs.Provider
	policies  []*defs.Policy

	events        []defs.Event
	changeRecords map[string]*defs.InfraChangeRecord
	blobs         map[string][]byte // key: bucket/key
	notifications []defs.Notification
	logs          map[string][]defs.LogData
	functionCalls [][]byte
	runningJobs   map[string]bool
}

var _ Store = (*Memory)(nil)

func NewMemory(projectID, region string) *Memory {
	return &Memory{
		region: region,
		s: &memoryState{
			projectID:     projectID,
			deployments:   map[string]*defs.Deployment{},
			plans:         map[string]*defs.Deployment{},
			dependents:    map[string][]defs.Dependent{},
			changeRecords: map[string]*defs.InfraChangeRecord{},
			blobs:         map[string][]byte{},
			logs:          map[string][]defs.LogData{},
			runningJobs:   map[string]bool{},
		},
	}
}

func deploymentKey(deploymentID, environment string) string {
	return deploymentID + "|" + environment
}

func (m *Memory) GetDeployment(ctx context.Context, deploymentID, environment string, includeDeleted bool) (*defs.Deployment, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	d, ok := m.s.deployments[deploymentKey(deploymentID, environment)]
	if !ok || (d.Deleted && !includeDeleted) {
		return nil, defs.ErrNotFound
	}
	out := *d
	applyDeploymentDefaults(&out)
	return &out, nil
}

func (m *Memory) GetDeploymentAndDependents(ctx context.Context, deploymentID, environment string, includeDeleted bool) (*defs.Deployment, []defs.Dependent, error) {
	d, err := m.GetDeployment(ctx, deploymentID, environment, includeDeleted)
	if err != nil {
		return nil, nil, err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	dependents := append([]defs.Dependent(nil), m.s.dependents[deploymentKey(deploymentID, environment)]...)
	return d, dependents, nil
}

func (m *Memory) GetPlanDeployment(ctx context.Context, deploymentID, environment, jobID string) (*defs.Deployment, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	d, ok := m.s.plans[deploymentKey(deploymentID, environment)+"|"+jobID]
	if !ok {
		return nil, defs.ErrNotFound
	}
	out := *d
	applyDeploymentDefaults(&out)
	return &out, nil
}

func (m *Memory) GetAllDeployments(ctx context.Context, environment string) ([]defs.Deployment, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []defs.Deployment
	for _, d := range m.s.deployments {
		if d.Deleted {
			continue
		}
		if environment != "" && d.Environment != environment {
			continue
		}
		copied := *d
		applyDeploymentDefaults(&copied)
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeploymentID < out[j].DeploymentID })
	return out, nil
}

func (m *Memory) GetDeploymentsUsingModule(ctx context.Context, module, environment string) ([]defs.Deployment, error) {
	all, err := m.GetAllDeployments(ctx, environment)
	if err != nil {
		return nil, err
	}
	var out []defs.Deployment
	for _, d := range all {
		if d.Module == module {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) GetDeploymentsToDriftCheck(ctx context.Context) ([]defs.Deployment, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	now := time.Now().UnixMilli()
	var out []defs.Deployment
	for _, d := range m.s.deployments {
		if d.Deleted || !d.DriftDetection.Enabled {
			continue
		}
		if d.NextDriftCheckEpoch >= 0 && d.NextDriftCheckEpoch <= now {
			copied := *d
			applyDeploymentDefaults(&copied)
			out = append(out, copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeploymentID < out[j].DeploymentID })
	return out, nil
}

func (m *Memory) SetDeployment(ctx context.Context, deployment *defs.Deployment, isPlan bool) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	copied := *deployment
	if isPlan {
		if deployment.JobID == "" {
			return fmt.Errorf("plan deployment requires a job id")
		}
		m.s.plans[deploymentKey(deployment.DeploymentID, deployment.Environment)+"|"+deployment.JobID] = &copied
		return nil
	}
	key := deploymentKey(deployment.DeploymentID, deployment.Environment)
	previous := m.s.deployments[key]
	m.s.deployments[key] = &copied

	// Rebuild dependent edges: remove this deployment from old dependencies,
	// then add it to the current ones.
	if previous != nil {
		for _, dep := range previous.Dependencies {
			depKey := deploymentKey(dep.DeploymentID, dep.Environment)
			kept := m.s.dependents[depKey][:0]
			for _, dependent := range m.s.dependents[depKey] {
				if dependent.DependentID != deployment.DeploymentID || dependent.Environment != deployment.Environment {
					kept = append(kept, dependent)
				}
			}
			m.s.dependents[depKey] = kept
		}
	}
	if !deployment.Deleted {
		for _, dep := range deployment.Dependencies {
			depKey := deploymentKey(dep.DeploymentID, dep.Environment)
			m.s.dependents[depKey] = append(m.s.dependents[depKey], defs.Dependent{
				DependentID: deployment.DeploymentID,
				Environment: deployment.Environment,
			})
		}
	}
	return nil
}

func (m *Memory) InsertModule(ctx context.Context, module *defs.Module, zipBytes []byte) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	copied := *module
	m.s.modules = append(m.s.modules, &copied)
	if module.S3Key != "" && zipBytes != nil {
		m.s.blobs[string(BucketModules)+"/"+module.S3Key] = zipBytes
	}
	return nil
}

func (m *Memory) moduleMatches(candidate *defs.Module, moduleType defs.ModuleType, track, module string) bool {
	if candidate.ModuleType != string(moduleType) {
		return false
	}
	if track != "" && candidate.Track != track {
		return false
	}
	return module == "" || candidate.Module == module
}

func (m *Memory) GetModuleVersion(ctx context.Context, moduleType defs.ModuleType, track, module, version string) (*defs.Module, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, candidate := range m.s.modules {
		if m.moduleMatches(candidate, moduleType, track, module) && candidate.Version == version {
			out := *candidate
			applyModuleDefaults(&out)
			return &out, nil
		}
	}
	return nil, defs.ErrNotFound
}

func (m *Memory) GetLatestModuleVersion(ctx context.Context, moduleType defs.ModuleType, track, module string) (*defs.Module, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var latest *defs.Module
	var latestVersion *goversion.Version
	for _, candidate := range m.s.modules {
		if !m.moduleMatches(candidate, moduleType, track, module) {
			continue
		}
		v, err := goversion.NewVersion(candidate.Version)
		if err != nil {
			continue
		}
		if latestVersion == nil || v.GreaterThan(latestVersion) {
			latest = candidate
			latestVersion = v
		}
	}
	if latest == nil {
		return nil, defs.ErrNotFound
	}
	out := *latest
	applyModuleDefaults(&out)
	return &out, nil
}

func (m *Memory) GetAllLatestModules(ctx context.Context, moduleType defs.ModuleType, track string) ([]defs.Module, error) {
	m.s.mu.Lock()
	names := map[string]struct{}{}
	for _, candidate := range m.s.modules {
		if m.moduleMatches(candidate, moduleType, track, "") {
			names[candidate.Module] = struct{}{}
		}
	}
	m.s.mu.Unlock()

	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	var out []defs.Module
	for _, name := range ordered {
		latest, err := m.GetLatestModuleVersion(ctx, moduleType, track, name)
		if err != nil {
			continue
		}
		out = append(out, *latest)
	}
	return out, nil
}

func (m *Memory) GetAllModuleVersions(ctx context.Context, moduleType defs.ModuleType, track, module string) ([]defs.Module, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []defs.Module
	for _, candidate := range m.s.modules {
		if m.moduleMatches(candidate, moduleType, track, module) {
			copied := *candidate
			applyModuleDefaults(&copied)
			out = append(out, copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackVersion > out[j].TrackVersion })
	return out, nil
}

func (m *Memory) SetModuleDeprecation(ctx context.Context, moduleType defs.ModuleType, track, module, version string, deprecated bool, message string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, candidate := range m.s.modules {
		if m.moduleMatches(candidate, moduleType, track, module) && candidate.Version == version {
			candidate.Deprecated = deprecated
			candidate.DeprecatedMessage = message
			return nil
		}
	}
	return defs.ErrNotFound
}

func (m *Memory) GetProvider(ctx context.Context, name, version string) (*defs.Provider, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, p := range m.s.providers {
		if p.Provider == name && p.Version == version {
			out := *p
			return &out, nil
		}
	}
	return nil, defs.ErrNotFound
}

func (m *Memory) GetLatestProvider(ctx context.Context, name string) (*defs.Provider, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var latest *defs.Provider
	var latestVersion *goversion.Version
	for _, p := range m.s.providers {
		if p.Provider != name {
			continue
		}
		v, err := goversion.NewVersion(p.Version)
		if err != nil {
			continue
		}
		if latestVersion == nil || v.GreaterThan(latestVersion) {
			latest = p
			latestVersion = v
		}
	}
	if latest == nil {
		return nil, defs.ErrNotFound
	}
	out := *latest
	return &out, nil
}

func (m *Memory) InsertProvider(ctx context.Context, provider *defs.Provider, zipBytes []byte) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	copied := *provider
	m.s.providers = append(m.s.providers, &copied)
	if provider.S3Key != "" && zipBytes != nil {
		m.s.blobs[string(BucketProviders)+"/"+provider.S3Key] = zipBytes
	}
	return nil
}

func (m *Memory) InsertEvent(ctx context.Context, event *defs.Event) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.events = append(m.s.events, *event)
	return nil
}

func (m *Memory) GetEvents(ctx context.Context, deploymentID, environment string) ([]defs.Event, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []defs.Event
	for _, e := range m.s.events {
		if e.DeploymentID == deploymentID && e.Environment == environment {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out, nil
}

func (m *Memory) GetAllEventsBetween(ctx context.Context, startEpoch, endEpoch int64) ([]defs.Event, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []defs.Event
	for _, e := range m.s.events {
		if e.Epoch >= startEpoch && e.Epoch <= endEpoch {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out, nil
}

func changeRecordKey(environment, deploymentID, jobID, changeType string) string {
	return environment + "|" + deploymentID + "|" + jobID + "|" + changeType
}

func (m *Memory) InsertInfraChangeRecord(ctx context.Context, record *defs.InfraChangeRecord, planRawJSON []byte) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	copied := *record
	m.s.changeRecords[changeRecordKey(record.Environment, record.DeploymentID, record.JobID, record.ChangeType)] = &copied
	if record.PlanRawJSONKey != "" && planRawJSON != nil {
		m.s.blobs[string(BucketChangeRecords)+"/"+record.PlanRawJSONKey] = planRawJSON
	}
	return nil
}

func (m *Memory) GetChangeRecord(ctx context.Context, environment, deploymentID, jobID, changeType string) (*defs.InfraChangeRecord, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	record, ok := m.s.changeRecords[changeRecordKey(environment, deploymentID, jobID, changeType)]
	if !ok {
		return nil, defs.ErrNotFound
	}
	out := *record
	return &out, nil
}

func (m *Memory) GetAllPolicies(ctx context.Context, environment string) ([]defs.Policy, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []defs.Policy
	for _, p := range m.s.policies {
		if p.Environment == environment {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *Memory) GetPolicy(ctx context.Context, environment, policy, version string) (*defs.Policy, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, p := range m.s.policies {
		if p.Environment == environment && p.Policy == policy && p.Version == version {
			out := *p
			return &out, nil
		}
	}
	return nil, defs.ErrNotFound
}

// InsertPolicy is used by tests and the policy publish path.
func (m *Memory) InsertPolicy(policy *defs.Policy, content []byte) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	copied := *policy
	m.s.policies = append(m.s.policies, &copied)
	if policy.S3Key != "" && content != nil {
		m.s.blobs[string(BucketPolicies)+"/"+policy.S3Key] = content
	}
}

func (m *Memory) GeneratePresignedURL(ctx context.Context, key string, bucket Bucket) (string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	blobKey := string(bucket) + "/" + key
	if _, ok := m.s.blobs[blobKey]; !ok {
		return "", defs.ErrNotFound
	}
	return "memory://" + blobKey, nil
}

func (m *Memory) GetObject(ctx context.Context, key string, bucket Bucket) ([]byte, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	content, ok := m.s.blobs[string(bucket)+"/"+key]
	if !ok {
		return nil, defs.ErrNotFound
	}
	return append([]byte(nil), content...), nil
}

func (m *Memory) PublishNotification(ctx context.Context, notification defs.Notification) (string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.notifications = append(m.s.notifications, notification)
	return uuid.NewString(), nil
}

// Notifications returns a snapshot for test assertions.
func (m *Memory) Notifications() []defs.Notification {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return append([]defs.Notification(nil), m.s.notifications...)
}

func (m *Memory) ReadLogs(ctx context.Context, jobID string) ([]defs.LogData, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return append([]defs.LogData(nil), m.s.logs[jobID]...), nil
}

// AppendLog records a log line for a job, for test setups.
func (m *Memory) AppendLog(jobID, message string) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.logs[jobID] = append(m.s.logs[jobID], defs.LogData{Message: message})
}

// GetCurrentJobID honours CURRENT_JOB_ID so runner tests can pin their own
// identity, mirroring the ECS task id convention of the aws provider.
func (m *Memory) GetCurrentJobID(ctx context.Context) (string, error) {
	if jobID := os.Getenv("CURRENT_JOB_ID"); jobID != "" {
		return jobID, nil
	}
	return uuid.NewString(), nil
}

func (m *Memory) GetJobStatus(ctx context.Context, jobID string) (*defs.JobStatus, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	running := m.s.runningJobs[jobID]
	return &defs.JobStatus{JobID: jobID, IsRunning: running}, nil
}

// SetJobRunning marks a job as running or stopped, for test setups.
func (m *Memory) SetJobRunning(jobID string, running bool) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.runningJobs[jobID] = running
}

func (m *Memory) GetUserID(ctx context.Context) (string, error) {
	return "test-user", nil
}

func (m *Memory) GetAllRegions(ctx context.Context) ([]string, error) {
	return []string{m.region}, nil
}

func (m *Memory) GetProjectMap(ctx context.Context) ([]defs.ProjectData, error) {
	return []defs.ProjectData{{
		ProjectID: m.s.projectID,
		Name:      m.s.projectID,
		Regions:   []string{m.region},
	}}, nil
}

// RunFunction records the invocation and acknowledges it with a generated
// job id, mirroring the control function's start_runner response.
func (m *Memory) RunFunction(ctx context.Context, payload []byte) (*defs.FunctionResponse, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.functionCalls = append(m.s.functionCalls, append([]byte(nil), payload...))
	resp, err := json.Marshal(map[string]string{"job_id": uuid.NewString()})
	if err != nil {
		return nil, err
	}
	return &defs.FunctionResponse{Payload: resp}, nil
}

// FunctionCalls returns the recorded RunFunction payloads, for test
// assertions.
func (m *Memory) FunctionCalls() [][]byte {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return append([][]byte(nil), m.s.functionCalls...)
}

func (m *Memory) ProjectID() string       { return m.s.projectID }
func (m *Memory) Region() string          { return m.region }
func (m *Memory) BackendProvider() string { return "local" }

func (m *Memory) CopyWithRegion(region string) Store {
	return &Memory{region: region, s: m.s}
}
