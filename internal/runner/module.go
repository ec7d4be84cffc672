// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/spf13/afero"

	"github.com/infraweave-io/infraweave/internal/archive"
	"github.com/infraweave-io/infraweave/internal/attest"
	"github.com/infraweave-io/infraweave/internal/claim"
	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/oci"
	"github.com/infraweave-io/infraweave/internal/status"
	"github.com/infraweave-io/infraweave/internal/store"
)

// getModule resolves the pinned module descriptor and enforces deprecation:
// deployments that already exist may keep a deprecated version, new ones may
// not.
func getModule(ctx context.Context, s store.Store, h *status.Handler, payload *defs.ApiInfraPayload) (*defs.Module, error) {
	moduleType := defs.ModuleTypeModule
	if payload.ModuleType == "stack" {
		moduleType = defs.ModuleTypeStack
	}
	module, err := s.GetModuleVersion(ctx, moduleType, payload.ModuleTrack, payload.Module, payload.ModuleVersion)
	if err != nil {
		errorText := err.Error()
		if errors.Is(err, defs.ErrNotFound) {
			errorText = fmt.Sprintf("%s %s version %s on track %s does not exist",
				payload.ModuleType, payload.Module, payload.ModuleVersion, payload.ModuleTrack)
		}
		failTerminal(ctx, h, "failed_init", errorText)
		return nil, fmt.Errorf("fetching %s %s %s: %w", payload.ModuleType, payload.Module, payload.ModuleVersion, err)
	}
	if err := claim.CheckModuleDeprecation(ctx, s, module, payload.DeploymentID, payload.Environment); err != nil {
		failTerminal(ctx, h, "failed_init", err.Error())
		return nil, err
	}
	return module, nil
}

// downloadModule materialises the module sources in workdir, either from the
// plain zip or, under OCI_ARTIFACT_MODE, from the verified OCI artifact set.
func downloadModule(ctx context.Context, s store.Store, h *status.Handler, fs afero.Fs, module *defs.Module, workdir string) error {
	if _, ociMode := os.LookupEnv("OCI_ARTIFACT_MODE"); ociMode && module.OciArtifactSet != nil {
		return downloadModuleOCI(ctx, s, h, fs, module, workdir)
	}
	zipBytes, err := s.GetObject(ctx, module.S3Key, store.BucketModules)
	if err != nil {
		failTerminal(ctx, h, "failed_prepare", fmt.Sprintf("Error downloading module: %v", err))
		return fmt.Errorf("downloading module zip %s: %w", module.S3Key, err)
	}
	if err := archive.Unpack(fs, zipBytes, workdir); err != nil {
		failTerminal(ctx, h, "failed_prepare", fmt.Sprintf("Error extracting module: %v", err))
		return fmt.Errorf("extracting module zip: %w", err)
	}
	return nil
}

// downloadModuleOCI fetches the artifact tarballs, verifies them offline
// (digest, attestation, signature), extracts the module sources and checks
// that the descriptor embedded in the artifact matches the store's.
func downloadModuleOCI(ctx context.Context, s store.Store, h *status.Handler, fs afero.Fs, module *defs.Module, workdir string) error {
	set := module.OciArtifactSet
	tags := []string{set.TagMain, set.TagSignature, set.TagAttestation}
	for _, tag := range tags {
		if tag == "" {
			failTerminal(ctx, h, "failed_prepare", "OCI artifact set is incomplete")
			return fmt.Errorf("oci artifact set for %s lacks a tag", module.Module)
		}
		key := strings.TrimSuffix(set.ArtifactPath, "/") + "/" + tag + ".tar.gz"
		blob, err := s.GetObject(ctx, key, store.BucketModules)
		if err != nil {
			failTerminal(ctx, h, "failed_prepare", fmt.Sprintf("Error downloading OCI artifact: %v", err))
			return fmt.Errorf("downloading oci artifact %s: %w", key, err)
		}
		if err := afero.WriteFile(fs, filepath.Join(workdir, tag+".tar.gz"), blob, 0o644); err != nil {
			failTerminal(ctx, h, "failed_prepare", fmt.Sprintf("Error storing OCI artifact: %v", err))
			return err
		}
	}

	config, err := attest.LoadConfig()
	if err != nil {
		failTerminal(ctx, h, "failed_prepare", err.Error())
		return err
	}
	if err := oci.VerifyArtifactsOffline(ctx, set, workdir, config); err != nil {
		failTerminal(ctx, h, "failed_integrity_check", err.Error())
		return err
	}

	mainPath := filepath.Join(workdir, set.TagMain+".tar.gz")
	zipBytes, err := oci.ModuleZipFromTarball(mainPath)
	if err != nil {
		failTerminal(ctx, h, "failed_prepare", fmt.Sprintf("Error extracting module from OCI artifact: %v", err))
		return err
	}
	if err := archive.Unpack(fs, zipBytes, workdir); err != nil {
		failTerminal(ctx, h, "failed_prepare", fmt.Sprintf("Error extracting module: %v", err))
		return err
	}

	embedded, err := oci.ModuleManifestFromTarball(mainPath)
	if err != nil {
		failTerminal(ctx, h, "failed_prepare", fmt.Sprintf("Error reading module descriptor from OCI artifact: %v", err))
		return err
	}
	if err := compareModuleIntegrity(embedded, module); err != nil {
		failTerminal(ctx, h, "failed_integrity_check", err.Error())
		return err
	}
	return nil
}

// integrityIgnoredFields differ legitimately between the artifact's embedded
// descriptor and the store row.
var integrityIgnoredFields = []string{"timestamp", "oci_artifact_set", "version_diff"}

// compareModuleIntegrity checks that the descriptor shipped inside the OCI
// artifact is the one the platform published.
func compareModuleIntegrity(fromArtifact, fromStore *defs.Module) error {
	artifactValue, err := moduleAsMap(fromArtifact)
	if err != nil {
		return err
	}
	storeValue, err := moduleAsMap(fromStore)
	if err != nil {
		return err
	}
	for _, field := range integrityIgnoredFields {
		delete(artifactValue, field)
		delete(storeValue, field)
	}
	if !reflect.DeepEqual(artifactValue, storeValue) {
		return defs.Integrityf("module descriptor from OCI artifact does not match the published descriptor for %s %s",
			fromStore.Module, fromStore.Version)
	}
	return nil
}

func moduleAsMap(module *defs.Module) (map[string]any, error) {
	raw, err := json.Marshal(module)
	if err != nil {
		return nil, err
	}
	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}
