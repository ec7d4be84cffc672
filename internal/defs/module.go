// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package defs

import "encoding/json"

// TfVariable describes a single `variable` block extracted from a module's
// Terraform sources. Default is the JSON-encoded default value, or nil when
// the variable has no default.
type TfVariable struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Default     json.RawMessage `json:"default,omitempty"`
	Description string          `json:"description"`
	Nullable    bool            `json:"nullable"`
	Sensitive   bool            `json:"sensitive"`
}

// TfOutput describes a single `output` block. Value holds the raw expression
// text, which is informational only and never re-evaluated.
type TfOutput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Value       string `json:"value"`
}

// TfRequiredProvider is one entry of the `required_providers` map. Source is
// always hostname-qualified (e.g. "registry.opentofu.org/hashicorp/aws").
type TfRequiredProvider struct {
	Name    string `json:"name"`
	Source  string `json:"source"`
	Version string `json:"version"`
}

// TfLockProvider is one provider pin from .terraform.lock.hcl.
type TfLockProvider struct {
	Source  string `json:"source"`
	Version string `json:"version"`
}

// OciArtifactSet names the tarballs produced when a module is packaged as an
// OCI artifact. The attestation and signature tags are optional.
type OciArtifactSet struct {
	Digest         string `json:"digest"`
	TagMain        string `json:"tag_main"`
	TagAttestation string `json:"tag_attestation,omitempty"`
	TagSignature   string `json:"tag_signature,omitempty"`
	// ArtifactPath is the modules-bucket prefix the tarballs live under.
	ArtifactPath string `json:"oci_artifact_path"`
}

// ModuleVersionDiff summarises the HCL-level difference between a newly
// published version and the previously latest one on the same track.
type ModuleVersionDiff struct {
	Added           []string `json:"added"`
	Changed         []string `json:"changed"`
	Removed         []string `json:"removed"`
	PreviousVersion string   `json:"previous_version"`
}

// ModuleStackData is the generated composite source for a stack: the merged
// module/terraform code plus the flattened variable and output declarations.
type ModuleStackData struct {
	TerraformModuleCode   string               `json:"terraform_module_code"`
	TerraformVariableCode string               `json:"terraform_variable_code"`
	TerraformOutputCode   string               `json:"terraform_output_code"`
	Providers             []TfRequiredProvider `json:"providers"`
	ExtraEnvironmentVars  []string             `json:"tf_extra_environment_variables"`
	TfProviders           []ProviderResp       `json:"tf_providers"`
}

// Module is the persisted descriptor of a published module or stack version.
type Module struct {
	Track        string `json:"track"`
	TrackVersion string `json:"track_version"`
	Version      string `json:"version"`
	Timestamp    string `json:"timestamp"`
	Module       string `json:"module"`
	ModuleName   string `json:"module_name"`
	ModuleType   string `json:"module_type"` // "module" or "stack"
	Description  string `json:"description"`
	Reference    string `json:"reference"`

	Manifest ModuleManifest `json:"manifest"`

	TfVariables          []TfVariable         `json:"tf_variables"`
	TfOutputs            []TfOutput           `json:"tf_outputs"`
	TfProviders          []ProviderResp       `json:"tf_providers"`
	TfRequiredProviders  []TfRequiredProvider `json:"tf_required_providers"`
	TfLockProviders      []TfLockProvider     `json:"tf_lock_providers"`
	ExtraEnvironmentVars []string             `json:"tf_extra_environment_variables"`

	S3Key          string             `json:"s3_key"`
	OciArtifactSet *OciArtifactSet    `json:"oci_artifact_set,omitempty"`
	StackData      *ModuleStackData   `json:"stack_data,omitempty"`
	VersionDiff    *ModuleVersionDiff `json:"version_diff,omitempty"`

	CPU    string `json:"cpu"`
	Memory string `json:"memory"`

	Deprecated        bool   `json:"deprecated"`
	DeprecatedMessage string `json:"deprecated_message,omitempty"`
}

// ModuleManifest is the parsed module.yaml / stack.yaml.
type ModuleManifest struct {
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`
	Kind       string `yaml:"kind" json:"kind"`
	Metadata   struct {
		Name string `yaml:"name" json:"name"`
	} `yaml:"metadata" json:"metadata"`
	Spec ModuleManifestSpec `yaml:"spec" json:"spec"`
}

type ModuleManifestSpec struct {
	ModuleName  string           `yaml:"moduleName" json:"moduleName"`
	Version     string           `yaml:"version,omitempty" json:"version,omitempty"`
	Description string           `yaml:"description" json:"description"`
	Reference   string           `yaml:"reference" json:"reference"`
	Providers   []ProviderRef    `yaml:"providers,omitempty" json:"providers,omitempty"`
	Examples    []ModuleExample  `yaml:"examples,omitempty" json:"examples,omitempty"`
	CPU         string           `yaml:"cpu,omitempty" json:"cpu,omitempty"`
	Memory      string           `yaml:"memory,omitempty" json:"memory,omitempty"`
	Variables   []StackVariable  `yaml:"variables,omitempty" json:"variables,omitempty"`
}

// ProviderRef names a published provider configuration used by a module.
type ProviderRef struct {
	Name string `yaml:"name" json:"name"`
}

// ModuleExample is a named example claim fragment shipped in the manifest.
type ModuleExample struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Variables   map[string]any `yaml:"variables" json:"variables"`
}

// StackVariable is a stack-level variable declaration in stack.yaml.
type StackVariable struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type,omitempty" json:"type,omitempty"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ModuleType discriminates module and stack lookups in the store.
type ModuleType string

const (
	ModuleTypeModule ModuleType = "module"
	ModuleTypeStack  ModuleType = "stack"
)
