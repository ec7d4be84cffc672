// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package hclutil

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/infraweave-io/infraweave/internal/defs"
)

// extraEnvAllowlist is the closed set of INFRAWEAVE_* variables the runner
// injects into Terraform.
var extraEnvAllowlist = map[string]struct{}{
	"INFRAWEAVE_DEPLOYMENT_ID":            {},
	"INFRAWEAVE_ENVIRONMENT":              {},
	"INFRAWEAVE_REFERENCE":                {},
	"INFRAWEAVE_MODULE_VERSION":           {},
	"INFRAWEAVE_MODULE_TYPE":              {},
	"INFRAWEAVE_MODULE_TRACK":             {},
	"INFRAWEAVE_DRIFT_DETECTION":          {},
	"INFRAWEAVE_DRIFT_DETECTION_INTERVAL": {},
	"INFRAWEAVE_GIT_COMMITTER_EMAIL":      {},
	"INFRAWEAVE_GIT_COMMITTER_NAME":       {},
	"INFRAWEAVE_GIT_ACTOR_USERNAME":       {},
	"INFRAWEAVE_GIT_ACTOR_PROFILE_URL":    {},
	"INFRAWEAVE_GIT_REPOSITORY_NAME":      {},
	"INFRAWEAVE_GIT_REPOSITORY_PATH":      {},
	"INFRAWEAVE_GIT_COMMIT_SHA":           {},
}

// ExtraEnvironmentVariableNames returns the allowlist in sorted order.
func ExtraEnvironmentVariableNames() []string {
	names := make([]string, 0, len(extraEnvAllowlist))
	for name := range extraEnvAllowlist {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateTfBackendNotSet rejects sources that declare a backend or cloud
// block: the platform owns state placement and injects the backend itself.
func ValidateTfBackendNotSet(tfContent string) error {
	body, err := parseBody(tfContent, "terraform.tf")
	if err != nil {
		return err
	}
	for _, block := range body.Blocks {
		if block.Type != "terraform" {
			continue
		}
		for _, inner := range block.Body.Blocks {
			if inner.Type == "backend" || inner.Type == "cloud" {
				label := ""
				if len(inner.Labels) > 0 {
					label = fmt.Sprintf(" %q", inner.Labels[0])
				}
				return defs.Validationf(
					"Backend block was found in the terraform backend configuration:\n\n+ %s%s { ... }\n\nPlease remove it, the platform configures the backend automatically",
					inner.Type, label,
				)
			}
		}
	}
	return nil
}

// ValidateTfRequiredProvidersIsSet checks that every provider pinned in the
// lockfile is declared in required_providers, comparing normalised sources.
func ValidateTfRequiredProvidersIsSet(lockProviders []defs.TfLockProvider, requiredProviders []defs.TfRequiredProvider) error {
	declared := make(map[string]struct{}, len(requiredProviders))
	for _, rp := range requiredProviders {
		declared[NormalizeProviderSource(rp.Source)] = struct{}{}
	}
	var missing []string
	for _, lp := range lockProviders {
		if _, ok := declared[NormalizeProviderSource(lp.Source)]; !ok {
			missing = append(missing, lp.Source)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return defs.Validationf(
			"required_providers block is missing following entries (%s), please add it/them to the required_providers block",
			strings.Join(missing, ", "),
		)
	}
	return nil
}

// ValidateTfExtraEnvironmentVariables enforces the INFRAWEAVE_* contract:
// the name is on the allowlist, the variable is a string, and its default is
// the empty string so Terraform never prompts for it.
func ValidateTfExtraEnvironmentVariables(extraVariableNames []string, variables []defs.TfVariable) error {
	byName := make(map[string]defs.TfVariable, len(variables))
	for _, v := range variables {
		byName[v.Name] = v
	}

	var result *multierror.Error
	for _, name := range extraVariableNames {
		if _, ok := extraEnvAllowlist[name]; !ok {
			result = multierror.Append(result, defs.Validationf(
				"Extra environment variable %s is not supported, must be one of: %s",
				name, strings.Join(ExtraEnvironmentVariableNames(), ", "),
			))
			continue
		}
		v, ok := byName[name]
		if !ok {
			result = multierror.Append(result, defs.Validationf(
				"Extra environment variable %s must be declared as a variable", name,
			))
			continue
		}
		if v.Type != "string" {
			result = multierror.Append(result, defs.Validationf(
				"Extra environment variable %s must be of type string, found %q", name, v.Type,
			))
		}
		if !isEmptyStringDefault(v.Default) {
			result = multierror.Append(result, defs.Validationf(
				"Extra environment variable %s must set default value to \"\"", name,
			))
		}
	}
	return result.ErrorOrNil()
}

func isEmptyStringDefault(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return s == ""
}
