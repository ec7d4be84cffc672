// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package defs

import "encoding/json"

// ApiInfraPayload is the job description handed to a runner via the PAYLOAD
// environment variable. Command is one of plan, apply, destroy.
type ApiInfraPayload struct {
	Command       string   `json:"command"`
	Flags         []string `json:"flags,omitempty"`
	Module        string   `json:"module"`
	ModuleVersion string   `json:"module_version"`
	ModuleType    string   `json:"module_type"`
	ModuleTrack   string   `json:"module_track"`
	Name          string   `json:"name"`
	Environment   string   `json:"environment"`
	DeploymentID  string   `json:"deployment_id"`
	ProjectID     string   `json:"project_id"`
	Region        string   `json:"region"`

	DriftDetection      ArgDriftDetection `json:"drift_detection"`
	NextDriftCheckEpoch int64             `json:"next_drift_check_epoch"`

	Annotations  json.RawMessage `json:"annotations,omitempty"`
	Dependencies []Dependency    `json:"dependencies,omitempty"`
	InitiatedBy  string          `json:"initiated_by"`
	CPU          string          `json:"cpu"`
	Memory       string          `json:"memory"`
	Reference    string          `json:"reference"`
	ExtraData    json.RawMessage `json:"extra_data,omitempty"`
}

// PayloadWithVariables pairs a payload with the normalised claim variables.
// Variables ride outside the payload: PAYLOAD is passed through an
// environment variable with a hard length limit, so the runner reads the
// variables back from the deployment row instead.
type PayloadWithVariables struct {
	Payload   ApiInfraPayload `json:"payload"`
	Variables json.RawMessage `json:"variables"`
}

// ArgDriftDetection mirrors DriftDetection for the runner payload, with the
// interval always materialised.
type ArgDriftDetection struct {
	Enabled       bool     `json:"enabled"`
	Interval      string   `json:"interval"`
	AutoRemediate bool     `json:"auto_remediate"`
	Webhooks      []string `json:"webhooks,omitempty"`
}

// FilePath extracts the originating manifest path from the extraData
// envelope when GitOps context is present, otherwise "".
func (p *ApiInfraPayload) FilePath() string {
	if len(p.ExtraData) == 0 {
		return ""
	}
	var envelope struct {
		JobDetails struct {
			FilePath string `json:"filePath"`
		} `json:"jobDetails"`
	}
	if err := json.Unmarshal(p.ExtraData, &envelope); err != nil {
		return ""
	}
	return envelope.JobDetails.FilePath
}

// FunctionResponse is the opaque result of Store.RunFunction.
type FunctionResponse struct {
	Payload json.RawMessage `json:"payload"`
}
