// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package defs

import "encoding/json"

// Event is one append-only lifecycle record for a deployment job, ordered by
// Epoch within a deployment.
type Event struct {
	Epoch        int64           `json:"epoch"`
	DeploymentID string          `json:"deployment_id"`
	ProjectID    string          `json:"project_id"`
	Region       string          `json:"region"`
	Environment  string          `json:"environment"`
	JobID        string          `json:"job_id"`
	Event        string          `json:"event"`
	Status       string          `json:"status"`
	Timestamp    string          `json:"timestamp"`
	ErrorText    string          `json:"error_text"`
	Output       json.RawMessage `json:"output,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// InfraChangeRecord links a job to its captured plan output. PlanRawJSONKey
// points at the machine-readable plan blob in the change_records bucket.
type InfraChangeRecord struct {
	DeploymentID   string `json:"deployment_id"`
	ProjectID      string `json:"project_id"`
	Region         string `json:"region"`
	Environment    string `json:"environment"`
	JobID          string `json:"job_id"`
	Module         string `json:"module"`
	ChangeType     string `json:"change_type"`
	PlanStdOutput  string `json:"plan_std_output"`
	PlanRawJSONKey string `json:"plan_raw_json_key"`
	Timestamp      string `json:"timestamp"`
}

// JobDetails is the payload of a runner notification, consumed by upstream
// VCS checks.
type JobDetails struct {
	Status       string `json:"status"`
	ErrorText    string `json:"errorText"`
	ChangeType   string `json:"changeType"`
	Region       string `json:"region"`
	Environment  string `json:"environment"`
	DeploymentID string `json:"deploymentId"`
	JobID        string `json:"jobId"`
	FilePath     string `json:"filePath"`
}

// Notification is published to the platform's notification topic. Payload
// preserves the upstream extraData envelope.
type Notification struct {
	Subject string          `json:"subject"`
	Payload json.RawMessage `json:"payload"`
}

// LogData is one log line read back for a job.
type LogData struct {
	Message string `json:"message"`
}

// JobStatus reports whether a submitted job is still executing.
type JobStatus struct {
	JobID     string `json:"job_id"`
	IsRunning bool   `json:"is_running"`
}

// PolicyResult is the outcome of evaluating one policy against a plan.
type PolicyResult struct {
	Policy      string   `json:"policy"`
	Version     string   `json:"version"`
	Environment string   `json:"environment"`
	Description string   `json:"description"`
	Violations  []string `json:"violations"`
	Failed      bool     `json:"failed"`
}

// Policy is a published policy descriptor.
type Policy struct {
	Policy      string         `json:"policy"`
	PolicyName  string         `json:"policy_name"`
	Version     string         `json:"version"`
	Environment string         `json:"environment"`
	Description string         `json:"description"`
	S3Key       string         `json:"s3_key"`
	Timestamp   string         `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// ProjectData describes one project visible to the current identity.
type ProjectData struct {
	ProjectID   string   `json:"project_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Regions     []string `json:"regions"`
}

// Provider is a published provider configuration descriptor.
type Provider struct {
	Provider    string           `json:"provider"`
	Name        string           `json:"name"`
	Version     string           `json:"version"`
	Description string           `json:"description"`
	Manifest    ProviderManifest `json:"manifest"`
	TfVariables []TfVariable     `json:"tf_variables"`
	S3Key       string           `json:"s3_key"`
	Timestamp   string           `json:"timestamp"`
}

// ProviderManifest is the parsed provider.yaml.
type ProviderManifest struct {
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`
	Kind       string `yaml:"kind" json:"kind"`
	Metadata   struct {
		Name string `yaml:"name" json:"name"`
	} `yaml:"metadata" json:"metadata"`
	Spec ProviderManifestSpec `yaml:"spec" json:"spec"`
}

type ProviderManifestSpec struct {
	ProviderName string `yaml:"providerName" json:"providerName"`
	Alias        string `yaml:"alias,omitempty" json:"alias,omitempty"`
	Version      string `yaml:"version" json:"version"`
	Description  string `yaml:"description,omitempty" json:"description,omitempty"`
	// ExposedVariables are provider-level variables stacks must not flatten.
	ExposedVariables []string `yaml:"exposedVariables,omitempty" json:"exposedVariables,omitempty"`
}

// ConfigurationName is the provider reference as used in module blocks:
// "aws" or "aws.alias" when an alias is set.
func (s ProviderManifestSpec) ConfigurationName() string {
	if s.Alias != "" {
		return s.ProviderName + "." + s.Alias
	}
	return s.ProviderName
}

// ProviderResp aliases Provider where call sites mirror store responses.
type ProviderResp = Provider
