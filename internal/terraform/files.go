// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package terraform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/infraweave-io/infraweave/internal/defs"
)

// WriteTfVarsJSON stores the normalised claim variables as
// terraform.tfvars.json so no value ever passes through the command line.
func WriteTfVarsJSON(fs afero.Fs, dir string, variables json.RawMessage) error {
	if len(variables) == 0 {
		variables = json.RawMessage(`{}`)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, variables, "", "  "); err != nil {
		return fmt.Errorf("variables are not valid JSON: %w", err)
	}
	path := filepath.Join(dir, "terraform.tfvars.json")
	if err := afero.WriteFile(fs, path, pretty.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// WriteBackendFile generates backend.tf pointing at the platform's state
// storage. Publishing rejects modules that carry their own backend block, so
// this is the only one in the working directory.
func WriteBackendFile(fs afero.Fs, dir, backendProvider string, extras map[string]any) error {
	var body strings.Builder
	keys := make([]string, 0, len(extras))
	for k := range extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value, err := json.Marshal(extras[k])
		if err != nil {
			return fmt.Errorf("backend extra %q: %w", k, err)
		}
		fmt.Fprintf(&body, "\n        %s = %s", k, value)
	}
	if len(keys) > 0 {
		body.WriteString("\n    ")
	}
	content := fmt.Sprintf("\nterraform {\n    backend %q {%s}\n}", backendProvider, body.String())
	path := filepath.Join(dir, "backend.tf")
	if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// ExtraEnvironmentVariables is the INFRAWEAVE_* set handed to the terraform
// subprocess so modules can reference their own deployment context.
func ExtraEnvironmentVariables(payload *defs.ApiInfraPayload) map[string]string {
	env := map[string]string{
		"INFRAWEAVE_DEPLOYMENT_ID":  payload.DeploymentID,
		"INFRAWEAVE_ENVIRONMENT":    payload.Environment,
		"INFRAWEAVE_REFERENCE":      payload.Reference,
		"INFRAWEAVE_MODULE_VERSION": payload.ModuleVersion,
		"INFRAWEAVE_MODULE_TYPE":    payload.ModuleType,
		"INFRAWEAVE_MODULE_TRACK":   payload.ModuleTrack,
	}
	if payload.DriftDetection.Enabled {
		env["INFRAWEAVE_DRIFT_DETECTION"] = "enabled"
		env["INFRAWEAVE_DRIFT_DETECTION_INTERVAL"] = payload.DriftDetection.Interval
	} else {
		env["INFRAWEAVE_DRIFT_DETECTION"] = "disabled"
		env["INFRAWEAVE_DRIFT_DETECTION_INTERVAL"] = "N/A"
	}
	for k, v := range gitContext(payload.ExtraData) {
		env[k] = v
	}
	return env
}

// gitContext extracts the VCS fields from the extraData envelope. Missing
// context yields empty values rather than absent keys so module code can
// rely on the variables existing.
func gitContext(extraData json.RawMessage) map[string]string {
	var envelope struct {
		User struct {
			Email      string `json:"email"`
			Name       string `json:"name"`
			Username   string `json:"username"`
			ProfileURL string `json:"profileUrl"`
		} `json:"user"`
		Repository struct {
			FullName string `json:"fullName"`
		} `json:"repository"`
		JobDetails struct {
			FilePath string `json:"filePath"`
		} `json:"jobDetails"`
		CheckRun struct {
			HeadSHA string `json:"headSha"`
		} `json:"checkRun"`
	}
	if len(extraData) == 0 {
		return nil
	}
	if err := json.Unmarshal(extraData, &envelope); err != nil {
		logger.Warn("unparsable extra_data, skipping git context", "error", err)
		return nil
	}
	if envelope.Repository.FullName == "" && envelope.JobDetails.FilePath == "" {
		return nil
	}
	return map[string]string{
		"INFRAWEAVE_GIT_COMMITTER_EMAIL":   envelope.User.Email,
		"INFRAWEAVE_GIT_COMMITTER_NAME":    envelope.User.Name,
		"INFRAWEAVE_GIT_ACTOR_USERNAME":    envelope.User.Username,
		"INFRAWEAVE_GIT_ACTOR_PROFILE_URL": envelope.User.ProfileURL,
		"INFRAWEAVE_GIT_REPOSITORY_NAME":   envelope.Repository.FullName,
		"INFRAWEAVE_GIT_REPOSITORY_PATH":   envelope.JobDetails.FilePath,
		"INFRAWEAVE_GIT_COMMIT_SHA":        envelope.CheckRun.HeadSHA,
	}
}
