// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package publish

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/store"
)

const stackYAML = `apiVersion: infraweave.io/v1
kind: Stack
metadata:
  name: webapp
spec:
  moduleName: WebApp
  version: 0.1.0
  description: Web application stack
  reference: https://github.com/example/webapp
`

const bucketClaimYAML = `apiVersion: infraweave.io/v1
kind: S3Bucket
metadata:
  name: mybucket
spec:
  region: N/A
  moduleVersion: 0.1.0
  variables:
    bucketName: demo-bucket
`

func stubProviderLock(ctx context.Context, dir string) (string, error) {
	return emptyLockfile, nil
}

func writeStackDir(t *testing.T, fs afero.Fs, claimYAML string) {
	t.Helper()
	files := map[string]string{
		"stacks/webapp/stack.yaml":  stackYAML,
		"stacks/webapp/bucket.yaml": claimYAML,
	}
	for path, content := range files {
		if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPublishStack(t *testing.T) {
	t.Setenv("TEST_MODE", "true")
	mem := newStoreWithProvider(t)
	ctx := context.Background()

	if err := PublishModuleFromZip(ctx, mem, testManifest("0.1.0"), "stable", moduleZip(t), nil); err != nil {
		t.Fatalf("publishing component module: %v", err)
	}

	fs := afero.NewMemMapFs()
	writeStackDir(t, fs, bucketClaimYAML)

	err := PublishStack(ctx, mem, fs, "stacks/webapp", "stable", "", StackOptions{ProviderLock: stubProviderLock})
	if err != nil {
		t.Fatalf("PublishStack: %v", err)
	}

	published, err := mem.GetModuleVersion(ctx, defs.ModuleTypeStack, "stable", "webapp", "0.1.0")
	if err != nil {
		t.Fatalf("GetModuleVersion: %v", err)
	}
	if published.ModuleType != "stack" {
		t.Errorf("module type = %q", published.ModuleType)
	}
	if published.StackData == nil {
		t.Fatal("stack data not recorded")
	}
	if published.TrackVersion != "stable#000.001.000" {
		t.Errorf("track version = %q", published.TrackVersion)
	}

	varNames := map[string]bool{}
	for _, v := range published.TfVariables {
		varNames[v.Name] = true
	}
	if !varNames["mybucket__bucket_name"] {
		t.Errorf("flattened variable missing, got %v", varNames)
	}
	outputNames := map[string]bool{}
	for _, o := range published.TfOutputs {
		outputNames[o.Name] = true
	}
	if !outputNames["mybucket__bucket_arn"] {
		t.Errorf("flattened output missing, got %v", outputNames)
	}
	if len(published.ExtraEnvironmentVars) != 1 || published.ExtraEnvironmentVars[0] != "INFRAWEAVE_GIT_COMMIT_SHA" {
		t.Errorf("extra env vars = %v", published.ExtraEnvironmentVars)
	}

	if _, err := mem.GetObject(ctx, "webapp/webapp-0.1.0.zip", store.BucketModules); err != nil {
		t.Errorf("stack archive not uploaded: %v", err)
	}
}

func TestPublishStackRejectsRegionInClaim(t *testing.T) {
	t.Setenv("TEST_MODE", "true")
	mem := newStoreWithProvider(t)
	ctx := context.Background()

	if err := PublishModuleFromZip(ctx, mem, testManifest("0.1.0"), "stable", moduleZip(t), nil); err != nil {
		t.Fatalf("publishing component module: %v", err)
	}

	fs := afero.NewMemMapFs()
	writeStackDir(t, fs, strings.Replace(bucketClaimYAML, "region: N/A", "region: us-west-2", 1))

	err := PublishStack(ctx, mem, fs, "stacks/webapp", "stable", "", StackOptions{ProviderLock: stubProviderLock})
	if err == nil || !strings.Contains(err.Error(), `region "N/A"`) {
		t.Errorf("error = %v", err)
	}
}

func TestPublishStackRejectsUnknownModule(t *testing.T) {
	t.Setenv("TEST_MODE", "true")
	mem := newStoreWithProvider(t)
	ctx := context.Background()

	fs := afero.NewMemMapFs()
	writeStackDir(t, fs, bucketClaimYAML)

	err := PublishStack(ctx, mem, fs, "stacks/webapp", "stable", "", StackOptions{ProviderLock: stubProviderLock})
	if err == nil || !strings.Contains(err.Error(), "no module found") {
		t.Errorf("error = %v", err)
	}
}

func TestPublishStackRejectsModuleNameCollision(t *testing.T) {
	t.Setenv("TEST_MODE", "true")
	mem := newStoreWithProvider(t)
	ctx := context.Background()

	if err := PublishModuleFromZip(ctx, mem, testManifest("0.1.0"), "stable", moduleZip(t), nil); err != nil {
		t.Fatalf("publishing component module: %v", err)
	}

	fs := afero.NewMemMapFs()
	writeStackDir(t, fs, bucketClaimYAML)
	collision := strings.Replace(stackYAML, "name: webapp", "name: s3bucket", 1)
	collision = strings.Replace(collision, "moduleName: WebApp", "moduleName: S3Bucket", 1)
	if err := afero.WriteFile(fs, "stacks/webapp/stack.yaml", []byte(collision), 0o644); err != nil {
		t.Fatal(err)
	}

	err := PublishStack(ctx, mem, fs, "stacks/webapp", "stable", "", StackOptions{ProviderLock: stubProviderLock})
	if err == nil || !strings.Contains(err.Error(), "module with the name") {
		t.Errorf("error = %v", err)
	}
}
