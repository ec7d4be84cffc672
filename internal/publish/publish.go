// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

// Package publish validates and uploads module and stack versions to the
// platform catalog, fanning the artifacts out to every project region.
package publish

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"

	"github.com/infraweave-io/infraweave/internal/archive"
	"github.com/infraweave-io/infraweave/internal/claim"
	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/hclutil"
	"github.com/infraweave-io/infraweave/internal/store"
	"github.com/infraweave-io/infraweave/internal/strcase"
	"github.com/infraweave-io/infraweave/internal/terraform"
)

var logger = hclog.Default().Named("publish")

var manifestNameRe = regexp.MustCompile(`^[a-z][a-z0-9]+$`)

// PublishModule packages the module directory and publishes it. versionArg
// is only allowed when module.yaml carries no version of its own. A missing
// .terraform.lock.hcl is rebuilt with the containerized lock before
// packaging.
func PublishModule(ctx context.Context, s store.Store, fs afero.Fs, manifestDir, track, versionArg string, ociSet *defs.OciArtifactSet) error {
	raw, err := afero.ReadFile(fs, filepath.Join(manifestDir, "module.yaml"))
	if err != nil {
		return fmt.Errorf("reading module manifest: %w", err)
	}
	manifest, err := parseModuleManifest(raw, "Module")
	if err != nil {
		return err
	}
	if err := applyVersionArg(manifest, versionArg); err != nil {
		return err
	}

	lockPath := filepath.Join(manifestDir, ".terraform.lock.hcl")
	if ok, _ := afero.Exists(fs, lockPath); !ok {
		logger.Info("no lockfile found, generating one", "dir", manifestDir)
		lockContent, err := terraform.ProviderLock(ctx, manifestDir)
		if err != nil {
			return fmt.Errorf("generating lockfile: %w", err)
		}
		if err := afero.WriteFile(fs, lockPath, []byte(lockContent), 0o644); err != nil {
			return err
		}
	}

	zipData, err := archive.Package(fs, manifestDir)
	if err != nil {
		return fmt.Errorf("packaging module directory: %w", err)
	}
	return PublishModuleFromZip(ctx, s, manifest, track, zipData, ociSet)
}

// PublishModuleFromZip validates the packaged module and publishes the
// descriptor plus archive. The descriptor records everything the claim
// pipeline and the runner need: variables, outputs, provider pins, and the
// HCL diff against the previously latest version on the track.
func PublishModuleFromZip(ctx context.Context, s store.Store, manifest *defs.ModuleManifest, track string, zipData []byte, ociSet *defs.OciArtifactSet) error {
	if err := validateManifestNaming(manifest, "Module"); err != nil {
		return err
	}
	tfContent, err := archive.ReadTfFromZip(zipData)
	if err != nil {
		return fmt.Errorf("reading terraform sources from archive: %w", err)
	}
	if err := hclutil.ValidateTfBackendNotSet(tfContent); err != nil {
		return err
	}

	providers, err := providersForModule(ctx, s, manifest)
	if err != nil {
		return err
	}
	if err := validateProviderConfigurations(providers); err != nil {
		return err
	}

	lockfile, err := archive.GetTerraformLockfile(zipData)
	if err != nil {
		return defs.Validationf(
			"module %s has no .terraform.lock.hcl; run terraform init before publishing: %v",
			manifest.Metadata.Name, err,
		)
	}

	allVariables, err := hclutil.GetVariablesFromTfFiles(tfContent)
	if err != nil {
		return err
	}
	allVariables = withoutProviderVariables(allVariables, providers)
	tfVariables, extraEnvVars := splitExtraEnvironmentVariables(allVariables)

	tfOutputs, err := hclutil.GetOutputsFromTfFiles(tfContent)
	if err != nil {
		return err
	}
	requiredProviders, err := hclutil.GetTfRequiredProvidersFromTfFiles(tfContent)
	if err != nil {
		return err
	}
	if len(requiredProviders) == 0 {
		return defs.Validationf("module %s declares no required_providers", manifest.Metadata.Name)
	}
	if err := hclutil.ValidateTfExtraEnvironmentVariables(extraEnvVars, tfVariables); err != nil {
		return err
	}
	if err := verifyNamingRoundtrips(manifest.Metadata.Name, tfVariables, tfOutputs); err != nil {
		return err
	}

	lockProviders, err := hclutil.GetProvidersFromLockfile(lockfile)
	if err != nil {
		return err
	}
	if err := hclutil.ValidateTfRequiredProvidersIsSet(lockProviders, requiredProviders); err != nil {
		return err
	}

	version := manifest.Spec.Version
	if version == "" {
		return defs.Validationf("module %s is missing a version", manifest.Metadata.Name)
	}
	if err := ensureTrackMatchesVersion(track, version); err != nil {
		return err
	}

	providerVariables := providerVariableList(providers)
	if err := validateExamples(manifest, append(append([]defs.TfVariable{}, tfVariables...), providerVariables...)); err != nil {
		return err
	}

	name := manifest.Metadata.Name
	previous, err := compareLatestVersion(ctx, s, defs.ModuleTypeModule, name, version, track)
	if err != nil {
		return err
	}
	if _, err := s.GetLatestModuleVersion(ctx, defs.ModuleTypeStack, "", name); err == nil {
		return defs.Validationf(
			"A stack with the name '%s' already exists. Modules and stacks cannot share the same name.", name,
		)
	}

	versionDiff, err := diffAgainstPrevious(ctx, s, previous, tfContent)
	if err != nil {
		return err
	}

	trackVersion, err := trackVersionKey(track, version)
	if err != nil {
		return err
	}

	module := &defs.Module{
		Track:                track,
		TrackVersion:         trackVersion,
		Version:              version,
		Timestamp:            time.Now().UTC().Format(time.RFC3339),
		Module:               name,
		ModuleName:           manifest.Spec.ModuleName,
		ModuleType:           string(defs.ModuleTypeModule),
		Description:          manifest.Spec.Description,
		Reference:            manifest.Spec.Reference,
		Manifest:             *manifest,
		TfVariables:          tfVariables,
		TfOutputs:            tfOutputs,
		TfProviders:          providers,
		TfRequiredProviders:  requiredProviders,
		TfLockProviders:      lockProviders,
		ExtraEnvironmentVars: extraEnvVars,
		S3Key:                fmt.Sprintf("%s/%s-%s.zip", name, name, version),
		OciArtifactSet:       ociSet,
		VersionDiff:          versionDiff,
		CPU:                  manifest.Spec.CPU,
		Memory:               manifest.Spec.Memory,
	}

	logger.Info("publishing module", "module", name, "version", version, "track", track)
	return publishDescriptor(ctx, s, module, zipData)
}

func parseModuleManifest(raw []byte, kind string) (*defs.ModuleManifest, error) {
	manifest, err := decodeManifest(raw)
	if err != nil {
		return nil, err
	}
	if err := validateManifestNaming(manifest, kind); err != nil {
		return nil, err
	}
	return manifest, nil
}

func applyVersionArg(manifest *defs.ModuleManifest, versionArg string) error {
	if versionArg == "" {
		return nil
	}
	if manifest.Spec.Version != "" {
		return defs.Validationf(
			"version argument is not allowed when version is already set in the manifest (%s)",
			manifest.Spec.Version,
		)
	}
	manifest.Spec.Version = versionArg
	return nil
}

// validateManifestNaming enforces the catalog naming contract: the metadata
// name is the lowercase form of the PascalCase moduleName, which becomes the
// claim kind.
func validateManifestNaming(manifest *defs.ModuleManifest, kind string) error {
	name := manifest.Metadata.Name
	moduleName := manifest.Spec.ModuleName
	if manifest.Kind != kind {
		return defs.Validationf(
			"the kind field must be '%s', but found '%s'", kind, manifest.Kind,
		)
	}
	if !manifestNameRe.MatchString(name) {
		return defs.Validationf(
			"name %s must only use lowercase characters and numbers", name,
		)
	}
	if moduleName == "" || moduleName[0] < 'A' || moduleName[0] > 'Z' {
		return defs.Validationf(
			"the moduleName %s must start with an uppercase character", moduleName,
		)
	}
	for _, r := range moduleName {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return defs.Validationf(
				"the moduleName %s must only contain alphanumeric characters", moduleName,
			)
		}
	}
	if strings.ToLower(moduleName) != name {
		return defs.Validationf(
			"the name %s must exactly match lowercase of the moduleName %s", name, moduleName,
		)
	}
	return nil
}

func providersForModule(ctx context.Context, s store.Store, manifest *defs.ModuleManifest) ([]defs.ProviderResp, error) {
	if len(manifest.Spec.Providers) == 0 {
		return nil, defs.Validationf(
			"module %s declares no providers in its manifest", manifest.Metadata.Name,
		)
	}
	providers := make([]defs.ProviderResp, 0, len(manifest.Spec.Providers))
	for _, ref := range manifest.Spec.Providers {
		provider, err := s.GetLatestProvider(ctx, ref.Name)
		if err != nil {
			if errors.Is(err, defs.ErrNotFound) {
				return nil, defs.Validationf("no provider found with name: %s", ref.Name)
			}
			return nil, fmt.Errorf("fetching latest provider %s: %w", ref.Name, err)
		}
		providers = append(providers, *provider)
	}
	return providers, nil
}

// validateProviderConfigurations rejects two providers resolving to the same
// configuration name ("aws" or "aws.alias"), which would collide in the
// generated provider block.
func validateProviderConfigurations(providers []defs.ProviderResp) error {
	seen := make(map[string]string, len(providers))
	for _, p := range providers {
		configName := p.Manifest.Spec.ConfigurationName()
		if other, ok := seen[configName]; ok {
			return defs.Validationf(
				"configuration name %q occurs in multiple providers (%s, %s), update providers in the manifest",
				configName, other, p.Name,
			)
		}
		seen[configName] = p.Name
	}
	return nil
}

func providerVariableList(providers []defs.ProviderResp) []defs.TfVariable {
	var out []defs.TfVariable
	for _, p := range providers {
		out = append(out, p.TfVariables...)
	}
	return out
}

func withoutProviderVariables(variables []defs.TfVariable, providers []defs.ProviderResp) []defs.TfVariable {
	owned := make(map[string]struct{})
	for _, p := range providers {
		for _, v := range p.TfVariables {
			owned[v.Name] = struct{}{}
		}
	}
	out := variables[:0]
	for _, v := range variables {
		if _, ok := owned[v.Name]; !ok {
			out = append(out, v)
		}
	}
	return out
}

// splitExtraEnvironmentVariables separates INFRAWEAVE_* declarations, which
// the runner satisfies from the job context, from regular module inputs.
func splitExtraEnvironmentVariables(variables []defs.TfVariable) ([]defs.TfVariable, []string) {
	var regular []defs.TfVariable
	var extra []string
	for _, v := range variables {
		if strings.HasPrefix(v.Name, "INFRAWEAVE_") {
			extra = append(extra, v.Name)
			continue
		}
		regular = append(regular, v)
	}
	return regular, extra
}

func verifyNamingRoundtrips(moduleName string, variables []defs.TfVariable, outputs []defs.TfOutput) error {
	for _, v := range variables {
		if err := strcase.VerifyRoundtrip(v.Name); err != nil {
			return defs.Validationf("module '%s': variable %v", moduleName, err)
		}
	}
	for _, o := range outputs {
		if err := strcase.VerifyRoundtrip(o.Name); err != nil {
			return defs.Validationf("module '%s': output %v", moduleName, err)
		}
	}
	return nil
}

func ensureTrackMatchesVersion(track, version string) error {
	versionTrack, err := claim.VersionTrack(version)
	if err != nil {
		return err
	}
	if versionTrack != track {
		return defs.Validationf(
			"version %s belongs to track %q, not %q", version, versionTrack, track,
		)
	}
	return nil
}

// validateExamples checks each example against the module's variable schema
// and converts its keys to the camelCase form users write in claims.
func validateExamples(manifest *defs.ModuleManifest, variables []defs.TfVariable) error {
	byName := make(map[string]defs.TfVariable, len(variables))
	for _, v := range variables {
		byName[v.Name] = v
	}
	for i, example := range manifest.Spec.Examples {
		for key, value := range example.Variables {
			if key != strcase.ToSnakeCase(key) {
				return defs.Validationf(
					"example variable %s is not snake_case like the terraform variable", key,
				)
			}
			v, ok := byName[key]
			if !ok {
				return defs.Validationf("example variable %s does not exist", key)
			}
			if isRequiredVariable(v) && value == nil {
				return defs.Validationf("required variable %s is null but mandatory", key)
			}
		}
		for _, v := range variables {
			if !isRequiredVariable(v) {
				continue
			}
			if _, ok := example.Variables[v.Name]; !ok {
				return defs.Validationf("required variable %s is missing", v.Name)
			}
		}
		converted := make(map[string]any, len(example.Variables))
		for key, value := range example.Variables {
			converted[strcase.ToCamelCase(key)] = value
		}
		manifest.Spec.Examples[i].Variables = converted
	}
	return nil
}

// isRequiredVariable mirrors the claim layer's rule: a variable without a
// default that is not nullable must be supplied.
func isRequiredVariable(v defs.TfVariable) bool {
	return v.Default == nil && !v.Nullable
}

// diffAgainstPrevious downloads the previously latest version and records
// which top-level HCL blocks were added, changed, or removed.
func diffAgainstPrevious(ctx context.Context, s store.Store, previous *defs.Module, tfContent string) (*defs.ModuleVersionDiff, error) {
	if previous == nil {
		return nil, nil
	}
	previousZip, err := s.GetObject(ctx, previous.S3Key, store.BucketModules)
	if err != nil {
		return nil, fmt.Errorf("downloading previous version %s: %w", previous.Version, err)
	}
	previousTf, err := archive.ReadTfFromZip(previousZip)
	if err != nil {
		return nil, fmt.Errorf("reading previous version %s: %w", previous.Version, err)
	}
	added, changed, removed := hclutil.DiffModules(previousTf, tfContent)
	return &defs.ModuleVersionDiff{
		Added:           added,
		Changed:         changed,
		Removed:         removed,
		PreviousVersion: previous.Version,
	}, nil
}
