// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/oci"
	"github.com/infraweave-io/infraweave/internal/store"
	"github.com/infraweave-io/infraweave/internal/terraform"
	"github.com/infraweave-io/infraweave/internal/tracing"
	"github.com/infraweave-io/infraweave/internal/tracing/traceattrs"
)

// providerCacheTarget is the platform the runners execute on.
const providerCacheTarget = "linux_arm64"

// publishDescriptor uploads the descriptor plus archive. With an OCI
// registry configured the artifact goes there instead of the regional
// buckets. Otherwise the module and its provider binaries are fanned out to
// every project region, bounded by CONCURRENCY_LIMIT (1 under TEST_MODE so
// store assertions stay deterministic).
func publishDescriptor(ctx context.Context, s store.Store, module *defs.Module, zipData []byte) error {
	ctx, span := tracing.Tracer().Start(ctx, "Publish module descriptor",
		trace.WithAttributes(
			traceattrs.ModuleName(module.Module),
			traceattrs.ModuleVersion(module.Version),
			traceattrs.ModuleTrack(module.Track),
		))
	defer span.End()

	if uri := os.Getenv("OCI_REGISTRY_URI"); uri != "" {
		registry := oci.NewRegistry(uri, os.Getenv("OCI_REGISTRY_USERNAME"), os.Getenv("OCI_REGISTRY_PASSWORD"))
		tag, err := registry.UploadModule(ctx, module, zipData)
		if err != nil {
			return fmt.Errorf("publishing %s to OCI registry: %w", module.Module, err)
		}
		logger.Info("published to OCI registry", "module", module.Module, "tag", tag)
		return nil
	}

	regions, err := s.GetAllRegions(ctx)
	if err != nil {
		return fmt.Errorf("listing project regions: %w", err)
	}

	limit := concurrencyLimit()
	logger.Info("publishing to all regions", "regions", len(regions), "concurrency", limit)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, region := range regions {
		regional := s.CopyWithRegion(region)
		region := region
		for _, provider := range module.TfLockProviders {
			provider := provider
			g.Go(func() error {
				if err := ensureProviderCached(gctx, regional, provider); err != nil {
					return fmt.Errorf("caching provider %s in region %s: %w", provider.Source, region, err)
				}
				logger.Info("provider cached", "provider", provider.Source, "version", provider.Version, "region", region)
				return nil
			})
		}
		g.Go(func() error {
			if err := regional.InsertModule(gctx, module, zipData); err != nil {
				return fmt.Errorf("publishing %s to region %s: %w", module.Module, region, err)
			}
			logger.Info("published", "module", module.Module, "version", module.Version, "region", region)
			return nil
		})
	}
	return g.Wait()
}

func concurrencyLimit() int {
	if v := os.Getenv("TEST_MODE"); v == "true" || v == "1" {
		return 1
	}
	if n, err := strconv.Atoi(os.Getenv("CONCURRENCY_LIMIT")); err == nil && n > 0 {
		return n
	}
	return 10
}

// ensureProviderCached asks the platform control function to mirror every
// artifact (binary, shasums, signature) of one provider pin into the region's
// providers bucket, where the runner's filesystem mirror reads them.
func ensureProviderCached(ctx context.Context, s store.Store, provider defs.TfLockProvider) error {
	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.Logger = nil

	for _, category := range terraform.ProviderArtifactCategories {
		url, key, err := terraform.GetProviderURLKey(ctx, client, provider, providerCacheTarget, category)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(map[string]any{
			"event": "upload_file_url",
			"data": map[string]string{
				"key":         key,
				"bucket_name": "providers",
				"url":         url,
			},
		})
		if err != nil {
			return err
		}
		resp, err := s.RunFunction(ctx, payload)
		if err != nil {
			return err
		}
		var status struct {
			ObjectAlreadyExists bool `json:"object_already_exists"`
		}
		if err := json.Unmarshal(resp.Payload, &status); err == nil && status.ObjectAlreadyExists {
			return nil
		}
	}
	return nil
}
