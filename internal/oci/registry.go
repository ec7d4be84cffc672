// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package oci

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"go.opentelemetry.io/otel/trace"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/tracing"
	"github.com/infraweave-io/infraweave/internal/tracing/traceattrs"
)

// Breadcrumb files for CI/CD pipelines to pick up after a publish.
const (
	digestBreadcrumbPath = "/tmp/infraweave_oci_digest"
	urlBreadcrumbPath    = "/tmp/infraweave_oci_url"
)

// Registry pushes and pulls module artifacts. Username unset means anonymous.
type Registry struct {
	Registry string
	Username string
	Password string

	logger hclog.Logger
}

func NewRegistry(registryURI, username, password string) *Registry {
	return &Registry{
		Registry: registryURI,
		Username: username,
		Password: password,
		logger:   hclog.Default().Named("oci.registry"),
	}
}

func (r *Registry) repository(reference string) (*remote.Repository, error) {
	repo, err := remote.NewRepository(reference)
	if err != nil {
		return nil, fmt.Errorf("parsing repository reference %q: %w", reference, err)
	}
	if os.Getenv("OCI_REGISTRY_ALLOW_HTTP") != "" {
		repo.PlainHTTP = true
	}
	client := &auth.Client{Client: retry.DefaultClient, Cache: auth.NewCache()}
	if r.Username != "" {
		if r.Password == "" {
			return nil, fmt.Errorf("password is required for authenticated registry access")
		}
		client.Credential = auth.StaticCredential(repo.Reference.Registry, auth.Credential{
			Username: r.Username,
			Password: r.Password,
		})
	}
	repo.Client = client
	return repo, nil
}

// UploadModule pushes the module ZIP as a single-layer artifact tagged
// "<module>-<version>" (build metadata "+" rewritten to "-"). The config
// blob carries the descriptor under "module"; annotations duplicate name,
// version, and the full manifest for registry browsing.
func (r *Registry) UploadModule(ctx context.Context, module *defs.Module, zipBytes []byte) (string, error) {
	versionTag := fmt.Sprintf("%s-%s", module.Module, strings.ReplaceAll(module.Version, "+", "-"))
	fullPath := fmt.Sprintf("%s:%s", r.Registry, versionTag)
	r.logger.Info("pushing module artifact", "reference", fullPath)

	ctx, span := tracing.Tracer().Start(ctx, "Push module artifact",
		trace.WithAttributes(
			traceattrs.ModuleName(module.Module),
			traceattrs.ModuleVersion(module.Version),
			traceattrs.OCIReferenceTag(versionTag),
			traceattrs.OCIBlobSize(int64(len(zipBytes))),
		))
	defer span.End()

	repo, err := r.repository(r.Registry)
	if err != nil {
		return "", err
	}

	store := memory.New()
	layerDesc, err := pushBlob(ctx, store, ZipLayerMediaType, zipBytes)
	if err != nil {
		return "", err
	}

	moduleJSON, err := json.Marshal(module)
	if err != nil {
		return "", err
	}
	configBytes, err := json.Marshal(map[string]json.RawMessage{
		"module":  moduleJSON,
		"rootfs":  json.RawMessage(fmt.Sprintf(`{"type":"layers","diff_ids":[%q]}`, DiffID(zipBytes))),
		"history": json.RawMessage(`[]`),
	})
	if err != nil {
		return "", err
	}
	configDesc, err := pushBlob(ctx, store, ocispec.MediaTypeImageConfig, configBytes)
	if err != nil {
		return "", err
	}

	manifestDesc, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, "",
		oras.PackManifestOptions{
			Layers:           []ocispec.Descriptor{layerDesc},
			ConfigDescriptor: &configDesc,
			ManifestAnnotations: map[string]string{
				"io.infraweave.module.name":     module.Module,
				"io.infraweave.module.version":  module.Version,
				"io.infraweave.module.manifest": string(moduleJSON),
			},
		})
	if err != nil {
		return "", fmt.Errorf("packing manifest: %w", err)
	}
	if err := store.Tag(ctx, manifestDesc, versionTag); err != nil {
		return "", err
	}

	if _, err := oras.Copy(ctx, store, versionTag, repo, versionTag, oras.DefaultCopyOptions); err != nil {
		return "", fmt.Errorf("pushing %s: %w", fullPath, err)
	}

	manifestDigest := manifestDesc.Digest.String()
	r.logger.Info("pushed module artifact", "digest", manifestDigest)

	// Breadcrumbs for CI/CD pipelines.
	if err := os.WriteFile(digestBreadcrumbPath, []byte(manifestDigest), 0o644); err != nil {
		return "", fmt.Errorf("writing digest breadcrumb: %w", err)
	}
	if err := os.WriteFile(urlBreadcrumbPath, []byte(fullPath), 0o644); err != nil {
		return "", fmt.Errorf("writing url breadcrumb: %w", err)
	}
	return manifestDigest, nil
}

// GetModule pulls "<Registry>/<path>" and returns the module descriptor from
// the config blob together with the ZIP layer bytes.
func (r *Registry) GetModule(ctx context.Context, ociPath string) (*defs.Module, []byte, error) {
	fullPath := r.Registry + "/" + ociPath
	r.logger.Info("pulling module artifact", "reference", fullPath)

	ctx, span := tracing.Tracer().Start(ctx, "Pull module artifact",
		trace.WithAttributes(traceattrs.OCIRepositoryName(ociPath)))
	defer span.End()

	repo, err := r.repository(fullPath)
	if err != nil {
		return nil, nil, err
	}
	tag := repo.Reference.Reference

	store := memory.New()
	manifestDesc, err := oras.Copy(ctx, repo, tag, store, tag, oras.DefaultCopyOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("pulling %s: %w", fullPath, err)
	}

	manifestBytes, err := content.FetchAll(ctx, store, manifestDesc)
	if err != nil {
		return nil, nil, err
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, nil, fmt.Errorf("parsing manifest: %w", err)
	}

	configBytes, err := content.FetchAll(ctx, store, manifest.Config)
	if err != nil {
		return nil, nil, err
	}
	var config struct {
		Module *defs.Module `json:"module"`
	}
	if err := json.Unmarshal(configBytes, &config); err != nil {
		return nil, nil, fmt.Errorf("parsing config blob: %w", err)
	}
	if config.Module == nil {
		return nil, nil, fmt.Errorf("config blob of %s carries no module descriptor", fullPath)
	}
	if len(manifest.Layers) == 0 {
		return nil, nil, fmt.Errorf("artifact %s has no layers", fullPath)
	}
	zipBytes, err := content.FetchAll(ctx, store, manifest.Layers[0])
	if err != nil {
		return nil, nil, err
	}
	return config.Module, zipBytes, nil
}

func pushBlob(ctx context.Context, store *memory.Store, mediaType string, blob []byte) (ocispec.Descriptor, error) {
	desc := content.NewDescriptorFromBytes(mediaType, blob)
	if err := store.Push(ctx, desc, bytes.NewReader(blob)); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}
