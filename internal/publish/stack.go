// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package publish

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/infraweave-io/infraweave/internal/archive"
	"github.com/infraweave-io/infraweave/internal/claim"
	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/hclutil"
	"github.com/infraweave-io/infraweave/internal/stack"
	"github.com/infraweave-io/infraweave/internal/store"
	"github.com/infraweave-io/infraweave/internal/terraform"
)

// StackOptions carries test seams for the stack publish pipeline.
type StackOptions struct {
	// ProviderLock rebuilds .terraform.lock.hcl for the composed root
	// module. Defaults to the containerized terraform.ProviderLock, which
	// needs a Docker daemon.
	ProviderLock func(ctx context.Context, dir string) (string, error)
}

// PublishStack composes the stack's component claims into one root module
// and publishes it to the catalog as module_type "stack". The directory
// holds stack.yaml plus one or more claim YAML files; every claim's
// moduleVersion pins a published module.
func PublishStack(ctx context.Context, s store.Store, fs afero.Fs, manifestDir, track, versionArg string, opts StackOptions) error {
	if opts.ProviderLock == nil {
		opts.ProviderLock = terraform.ProviderLock
	}

	raw, err := afero.ReadFile(fs, filepath.Join(manifestDir, "stack.yaml"))
	if err != nil {
		return fmt.Errorf("reading stack manifest: %w", err)
	}
	manifest, err := parseModuleManifest(raw, "Stack")
	if err != nil {
		return err
	}
	if err := applyVersionArg(manifest, versionArg); err != nil {
		return err
	}
	version := manifest.Spec.Version
	if version == "" {
		return defs.Validationf("stack %s is missing a version", manifest.Metadata.Name)
	}
	if err := ensureTrackMatchesVersion(track, version); err != nil {
		return err
	}

	claims, err := readStackClaims(fs, manifestDir)
	if err != nil {
		return err
	}
	if len(claims) == 0 {
		return defs.Validationf("stack %s contains no component claims", manifest.Metadata.Name)
	}
	claimModules, err := resolveClaimModules(ctx, s, claims)
	if err != nil {
		return err
	}
	if err := stack.ValidateClaimModules(claimModules); err != nil {
		return err
	}

	stackVariables, err := stack.TfVariablesFromStackVariables(manifest.Spec.Variables)
	if err != nil {
		return err
	}
	data, err := stack.GenerateFullTerraformModule(claimModules, stackVariables)
	if err != nil {
		return err
	}

	buildDir := filepath.Join(manifestDir, ".build")
	if err := writeComposedModule(fs, buildDir, manifestDir, data); err != nil {
		return err
	}
	if err := vendorComponentModules(ctx, s, fs, buildDir, claimModules); err != nil {
		return err
	}
	lockContent, err := opts.ProviderLock(ctx, buildDir)
	if err != nil {
		return fmt.Errorf("generating stack lockfile: %w", err)
	}
	if err := afero.WriteFile(fs, filepath.Join(buildDir, ".terraform.lock.hcl"), []byte(lockContent), 0o644); err != nil {
		return err
	}

	zipData, err := archive.Package(fs, buildDir)
	if err != nil {
		return fmt.Errorf("packaging composed stack: %w", err)
	}

	tfContent := data.TerraformModuleCode + "\n" + data.TerraformVariableCode + "\n" + data.TerraformOutputCode
	allVariables, err := hclutil.GetVariablesFromTfFiles(data.TerraformVariableCode)
	if err != nil {
		return err
	}
	tfVariables, extraEnvVars := splitExtraEnvironmentVariables(allVariables)
	tfOutputs, err := hclutil.GetOutputsFromTfFiles(data.TerraformOutputCode)
	if err != nil {
		return err
	}
	lockProviders, err := hclutil.GetProvidersFromLockfile(lockContent)
	if err != nil {
		return err
	}

	if err := validateExamples(manifest, tfVariables); err != nil {
		return err
	}

	name := manifest.Metadata.Name
	previous, err := compareLatestVersion(ctx, s, defs.ModuleTypeStack, name, version, track)
	if err != nil {
		return err
	}
	if _, err := s.GetLatestModuleVersion(ctx, defs.ModuleTypeModule, "", name); err == nil {
		return defs.Validationf(
			"A module with the name '%s' already exists. Modules and stacks cannot share the same name.", name,
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
		ModuleType:           string(defs.ModuleTypeStack),
		Description:          manifest.Spec.Description,
		Reference:            manifest.Spec.Reference,
		Manifest:             *manifest,
		TfVariables:          tfVariables,
		TfOutputs:            tfOutputs,
		TfProviders:          data.TfProviders,
		TfRequiredProviders:  data.Providers,
		TfLockProviders:      lockProviders,
		ExtraEnvironmentVars: extraEnvVars,
		S3Key:                fmt.Sprintf("%s/%s-%s.zip", name, name, version),
		StackData:            data,
		VersionDiff:          versionDiff,
		CPU:                  manifest.Spec.CPU,
		Memory:               manifest.Spec.Memory,
	}

	logger.Info("publishing stack", "stack", name, "version", version, "track", track, "claims", len(claims))
	return publishDescriptor(ctx, s, module, zipData)
}

// readStackClaims parses every YAML file in the directory except stack.yaml
// into component claims, splitting multi-document files.
func readStackClaims(fs afero.Fs, manifestDir string) ([]defs.DeploymentManifest, error) {
	entries, err := afero.ReadDir(fs, manifestDir)
	if err != nil {
		return nil, fmt.Errorf("reading stack directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == "stack.yaml" {
			continue
		}
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var claims []defs.DeploymentManifest
	for _, name := range names {
		raw, err := afero.ReadFile(fs, filepath.Join(manifestDir, name))
		if err != nil {
			return nil, err
		}
		for _, doc := range strings.Split(string(raw), "---") {
			doc = strings.TrimSpace(doc)
			if doc == "" {
				continue
			}
			var manifest defs.DeploymentManifest
			if err := yaml.Unmarshal([]byte(doc), &manifest); err != nil {
				return nil, fmt.Errorf("parsing claim %s: %w", name, err)
			}
			if manifest.Kind == "" || manifest.Metadata.Name == "" {
				continue
			}
			claims = append(claims, manifest)
		}
	}
	return claims, nil
}

// resolveClaimModules looks up the published module behind each component
// claim. The claim's moduleVersion selects both the version and, through its
// pre-release label, the track.
func resolveClaimModules(ctx context.Context, s store.Store, claims []defs.DeploymentManifest) ([]stack.ClaimModule, error) {
	out := make([]stack.ClaimModule, 0, len(claims))
	for _, c := range claims {
		if c.Spec.StackVersion != "" {
			return nil, defs.Validationf(
				"claim %s sets stackVersion, stacks cannot nest stacks", c.Metadata.Name,
			)
		}
		version := c.Spec.ModuleVersion
		if version == "" {
			return nil, defs.Validationf("moduleVersion is not set in claim %s", c.Metadata.Name)
		}
		track, err := claim.VersionTrack(version)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", c.Metadata.Name, err)
		}
		module := strings.ToLower(c.Kind)
		descriptor, err := s.GetModuleVersion(ctx, defs.ModuleTypeModule, track, module, version)
		if err != nil {
			if errors.Is(err, defs.ErrNotFound) {
				return nil, defs.Validationf(
					"no module found with name: %s and version: %s", module, version,
				)
			}
			return nil, fmt.Errorf("resolving module %s %s: %w", module, version, err)
		}
		out = append(out, stack.ClaimModule{Claim: c, Module: *descriptor})
	}
	return out, nil
}

// vendorComponentModules unpacks each component module's archive into the
// build directory under the name the generated module blocks reference
// ("./<module>-<version>").
func vendorComponentModules(ctx context.Context, s store.Store, fs afero.Fs, buildDir string, claimModules []stack.ClaimModule) error {
	done := map[string]struct{}{}
	for _, cm := range claimModules {
		key := cm.Module.S3Key
		if _, ok := done[key]; ok {
			continue
		}
		done[key] = struct{}{}
		zipData, err := s.GetObject(ctx, key, store.BucketModules)
		if err != nil {
			return fmt.Errorf("downloading component module %s: %w", cm.Module.Module, err)
		}
		dest := filepath.Join(buildDir, strings.TrimSuffix(path.Base(key), ".zip"))
		if err := archive.Unpack(fs, zipData, dest); err != nil {
			return fmt.Errorf("unpacking component module %s: %w", cm.Module.Module, err)
		}
	}
	return nil
}

// writeComposedModule lays the generated root module out in buildDir along
// with a copy of stack.yaml so the published archive is self-describing.
func writeComposedModule(fs afero.Fs, buildDir, manifestDir string, data *defs.ModuleStackData) error {
	if err := fs.MkdirAll(buildDir, 0o755); err != nil {
		return err
	}
	files := map[string]string{
		"main.tf":      data.TerraformModuleCode,
		"variables.tf": data.TerraformVariableCode,
		"outputs.tf":   data.TerraformOutputCode,
	}
	for name, content := range files {
		if err := afero.WriteFile(fs, filepath.Join(buildDir, name), []byte(content), 0o644); err != nil {
			return err
		}
	}
	manifest, err := afero.ReadFile(fs, filepath.Join(manifestDir, "stack.yaml"))
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, filepath.Join(buildDir, "stack.yaml"), manifest, 0o644)
}
