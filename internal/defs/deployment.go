// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package defs

import "encoding/json"

// Deployment is the persisted record of one module/stack instantiation in a
// (project, region, environment). DeploymentID is "<module>/<name>" and
// Environment is "<launcher>/<namespace>".
type Deployment struct {
	Epoch        int64  `json:"epoch"`
	DeploymentID string `json:"deployment_id"`
	ProjectID    string `json:"project_id"`
	Region       string `json:"region"`
	Environment  string `json:"environment"`

	Status      string `json:"status"`
	JobID       string `json:"job_id"`
	InitiatedBy string `json:"initiated_by"`

	Module        string `json:"module"`
	ModuleVersion string `json:"module_version"`
	ModuleType    string `json:"module_type"`
	ModuleTrack   string `json:"module_track"`

	Variables      json.RawMessage `json:"variables"`
	DriftDetection DriftDetection  `json:"drift_detection"`

	NextDriftCheckEpoch int64 `json:"next_drift_check_epoch"`
	HasDrifted          bool  `json:"has_drifted"`

	CPU       string `json:"cpu"`
	Memory    string `json:"memory"`
	Reference string `json:"reference"`

	Dependencies  []Dependency    `json:"dependencies"`
	Output        json.RawMessage `json:"output,omitempty"`
	PolicyResults []PolicyResult  `json:"policy_results,omitempty"`
	ErrorText     string          `json:"error_text"`
	Deleted       bool            `json:"deleted"`
	TfResources   []string        `json:"tf_resources,omitempty"`
}

// Dependency is a coordinate this deployment waits on before apply.
type Dependency struct {
	DeploymentID string `json:"deployment_id" yaml:"deploymentId"`
	Environment  string `json:"environment" yaml:"environment"`
}

// Dependent is the inverse edge, recorded on the dependency's row.
type Dependent struct {
	DependentID string `json:"dependent_id"`
	Environment string `json:"environment"`
}

// DriftDetection configures the periodic refresh-only plan for a deployment.
type DriftDetection struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	Interval      string   `json:"interval" yaml:"interval"`
	AutoRemediate bool     `json:"auto_remediate" yaml:"autoRemediate"`
	Webhooks      []string `json:"webhooks,omitempty" yaml:"webhooks,omitempty"`
}

// DeploymentManifest is a parsed claim document.
type DeploymentManifest struct {
	APIVersion string             `yaml:"apiVersion" json:"apiVersion"`
	Kind       string             `yaml:"kind" json:"kind"`
	Metadata   DeploymentMetadata `yaml:"metadata" json:"metadata"`
	Spec       DeploymentSpec     `yaml:"spec" json:"spec"`
}

type DeploymentMetadata struct {
	Name        string            `yaml:"name" json:"name"`
	Namespace   string            `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty" json:"annotations,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

type DeploymentSpec struct {
	ModuleVersion  string          `yaml:"moduleVersion,omitempty" json:"moduleVersion,omitempty"`
	StackVersion   string          `yaml:"stackVersion,omitempty" json:"stackVersion,omitempty"`
	Region         string          `yaml:"region" json:"region"`
	Reference      string          `yaml:"reference,omitempty" json:"reference,omitempty"`
	Variables      map[string]any  `yaml:"variables,omitempty" json:"variables,omitempty"`
	Dependencies   []Dependency    `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	DriftDetection *DriftDetection `yaml:"driftDetection,omitempty" json:"driftDetection,omitempty"`
}

// Version returns whichever of moduleVersion/stackVersion is set. The claim
// pipeline validates that exactly one is.
func (s DeploymentSpec) Version() string {
	if s.StackVersion != "" {
		return s.StackVersion
	}
	return s.ModuleVersion
}

// StackManifest is the parsed stack.yaml; the component claims live next to
// it as separate documents.
type StackManifest struct {
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`
	Kind       string `yaml:"kind" json:"kind"`
	Metadata   struct {
		Name string `yaml:"name" json:"name"`
	} `yaml:"metadata" json:"metadata"`
	Spec ModuleManifestSpec `yaml:"spec" json:"spec"`
}
