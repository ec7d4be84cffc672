// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package claim

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/store"
)

const bucketClaim = `
apiVersion: infraweave.io/v1
kind: S3Bucket
metadata:
  name: my-s3bucket2
spec:
  region: us-west-2
  moduleVersion: 0.1.2-dev+test.10
  reference: https://github.com/example/repo/claim.yaml
  variables:
    bucketName: my-unique-bucket
`

func s3bucketModule(version string) *defs.Module {
	track, err := VersionTrack(version)
	if err != nil {
		panic(err)
	}
	return &defs.Module{
		Module:     "s3bucket",
		ModuleName: "S3Bucket",
		ModuleType: string(defs.ModuleTypeModule),
		Track:      track,
		Version:    version,
		TfVariables: []defs.TfVariable{
			{Name: "bucket_name", Type: "string"},
			{Name: "enable_acl", Type: "bool", Default: json.RawMessage(`false`)},
			{Name: "tags", Type: "map(string)", Nullable: true},
		},
	}
}

func newTestStore(t *testing.T, modules ...*defs.Module) *store.Memory {
	t.Helper()
	mem := store.NewMemory("test-mode", "us-west-2")
	for _, m := range modules {
		if err := mem.InsertModule(context.Background(), m, nil); err != nil {
			t.Fatal(err)
		}
	}
	return mem
}

func TestRunClaimSubmitsJob(t *testing.T) {
	ctx := context.Background()
	mem := newTestStore(t, s3bucketModule("0.1.2-dev+test.10"))

	jobID, deploymentID, pv, err := RunClaim(ctx, mem, []byte(bucketClaim), "k8s-cluster-1/playground", "apply", nil, nil, "fallback-ref")
	if err != nil {
		t.Fatal(err)
	}
	if deploymentID != "s3bucket/my-s3bucket2" {
		t.Errorf("unexpected deployment id %q", deploymentID)
	}
	if jobID == "" {
		t.Error("expected a job id")
	}
	if pv.Payload.Reference != "https://github.com/example/repo/claim.yaml" {
		t.Errorf("claim reference not used: %q", pv.Payload.Reference)
	}
	if pv.Payload.ModuleTrack != "dev" {
		t.Errorf("expected dev track, got %q", pv.Payload.ModuleTrack)
	}

	var variables map[string]any
	if err := json.Unmarshal(pv.Variables, &variables); err != nil {
		t.Fatal(err)
	}
	if variables["bucket_name"] != "my-unique-bucket" {
		t.Errorf("variables not converted to snake_case: %v", variables)
	}

	d, _, err := mem.GetDeploymentAndDependents(ctx, deploymentID, "k8s-cluster-1/playground", false)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != "requested" || d.JobID != jobID {
		t.Errorf("initial deployment row not written: %+v", d)
	}
}

func TestRunClaimRejectsSnakeCaseVariables(t *testing.T) {
	claim := strings.Replace(bucketClaim, "bucketName:", "bucket_name:", 1)
	mem := newTestStore(t, s3bucketModule("0.1.2-dev+test.10"))

	_, _, _, err := RunClaim(context.Background(), mem, []byte(claim), "k8s-cluster-1/playground", "apply", nil, nil, "")
	var verr *defs.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(err.Error(), "camelCase") {
		t.Errorf("error should point at casing: %v", err)
	}
}

func TestRunClaimValidation(t *testing.T) {
	tests := map[string]struct {
		mutate  func(string) string
		wantErr string
	}{
		"bad api version": {
			mutate: func(c string) string {
				return strings.Replace(c, "infraweave.io/v1", "infraweave.io/v2", 1)
			},
			wantErr: "unsupported API version",
		},
		"bad name": {
			mutate: func(c string) string {
				return strings.Replace(c, "my-s3bucket2", "My_Bucket", 1)
			},
			wantErr: "must be 1-63 characters",
		},
		"missing region": {
			mutate: func(c string) string {
				return strings.Replace(c, "region: us-west-2", "region: \"\"", 1)
			},
			wantErr: "no region",
		},
		"both versions set": {
			mutate: func(c string) string {
				return strings.Replace(c, "moduleVersion: 0.1.2-dev+test.10",
					"moduleVersion: 0.1.2-dev+test.10\n  stackVersion: 0.1.0", 1)
			},
			wantErr: "only one should be set",
		},
		"unknown variable": {
			mutate: func(c string) string {
				return strings.Replace(c, "bucketName:", "bucketNameTypo:", 1)
			},
			wantErr: "does not exist",
		},
		"missing required variable": {
			mutate: func(c string) string {
				return strings.Replace(c, "    bucketName: my-unique-bucket\n", "", 1)
			},
			wantErr: "required variables are not set",
		},
		"missing version": {
			mutate: func(c string) string {
				return strings.Replace(c, "  moduleVersion: 0.1.2-dev+test.10\n", "", 1)
			},
			wantErr: "one should be set",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			mem := newTestStore(t, s3bucketModule("0.1.2-dev+test.10"))
			_, _, _, err := RunClaim(context.Background(), mem, []byte(tc.mutate(bucketClaim)), "k8s-cluster-1/playground", "apply", nil, nil, "")
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestRunClaimUnknownVersion(t *testing.T) {
	mem := newTestStore(t, s3bucketModule("0.2.0-dev"))
	_, _, _, err := RunClaim(context.Background(), mem, []byte(bucketClaim), "k8s-cluster-1/playground", "apply", nil, nil, "")
	if !errors.Is(err, defs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInFlightGateBlocksDuplicateSubmit(t *testing.T) {
	ctx := context.Background()
	mem := newTestStore(t, s3bucketModule("0.1.2-dev+test.10"))

	err := mem.SetDeployment(ctx, &defs.Deployment{
		DeploymentID: "s3bucket/my-s3bucket2",
		Environment:  "k8s-cluster-1/playground",
		Status:       "initiated",
		JobID:        "running-test-job-123",
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	mem.SetJobRunning("running-test-job-123", true)

	_, _, _, err = RunClaim(ctx, mem, []byte(bucketClaim), "k8s-cluster-1/playground", "apply", nil, nil, "")
	var inProgress *defs.JobAlreadyInProgressError
	if !errors.As(err, &inProgress) {
		t.Fatalf("expected JobAlreadyInProgressError, got %v", err)
	}
	if !strings.Contains(err.Error(), "A job for this deployment is already in progress") ||
		!strings.Contains(err.Error(), "running-test-job-123") {
		t.Errorf("gate error must name the running job: %v", err)
	}
}

func TestInFlightGateAllowsCrashedRunner(t *testing.T) {
	ctx := context.Background()
	mem := newTestStore(t, s3bucketModule("0.1.2-dev+test.10"))

	err := mem.SetDeployment(ctx, &defs.Deployment{
		DeploymentID: "s3bucket/my-s3bucket2",
		Environment:  "k8s-cluster-1/playground",
		Status:       "initiated",
		JobID:        "crashed-job",
	}, false)
	if err != nil {
		t.Fatal(err)
	}
	// crashed-job is not marked running.

	jobID, _, _, err := RunClaim(ctx, mem, []byte(bucketClaim), "k8s-cluster-1/playground", "apply", nil, nil, "")
	if err != nil {
		t.Fatalf("crashed runner must not block resubmission: %v", err)
	}
	if jobID == "" {
		t.Error("expected a job id")
	}
}

func TestDeprecationBlocksNewDeployments(t *testing.T) {
	ctx := context.Background()
	old := s3bucketModule("0.1.4")
	old.Deprecated = true
	old.DeprecatedMessage = "Critical bug found, use 0.1.5 instead"
	mem := newTestStore(t, old, s3bucketModule("0.1.5"))

	claim := strings.Replace(bucketClaim, "0.1.2-dev+test.10", "0.1.4", 1)
	_, _, _, err := RunClaim(ctx, mem, []byte(claim), "k8s-cluster-1/playground", "apply", nil, nil, "")
	var deprecated *defs.DeprecatedError
	if !errors.As(err, &deprecated) {
		t.Fatalf("expected DeprecatedError, got %v", err)
	}
	for _, want := range []string{"deprecated", "0.1.4", "Critical bug found, use 0.1.5 instead"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should contain %q: %v", want, err)
		}
	}
}

func TestDeprecationAllowsExistingDeployments(t *testing.T) {
	ctx := context.Background()
	old := s3bucketModule("0.1.4")
	old.Deprecated = true
	mem := newTestStore(t, old)

	err := mem.SetDeployment(ctx, &defs.Deployment{
		DeploymentID: "s3bucket/my-s3bucket2",
		Environment:  "k8s-cluster-1/playground",
		Status:       "successful",
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	claim := strings.Replace(bucketClaim, "0.1.2-dev+test.10", "0.1.4", 1)
	if _, _, _, err := RunClaim(ctx, mem, []byte(claim), "k8s-cluster-1/playground", "apply", nil, nil, ""); err != nil {
		t.Fatalf("existing deployment must be allowed to re-apply: %v", err)
	}
}

func TestDestroyInfraVersionOverride(t *testing.T) {
	ctx := context.Background()
	mem := newTestStore(t, s3bucketModule("0.2.0"))

	err := mem.SetDeployment(ctx, &defs.Deployment{
		DeploymentID:  "s3bucket/my-s3bucket2",
		Environment:   "k8s-cluster-1/playground",
		Status:        "successful",
		Module:        "s3bucket",
		ModuleType:    string(defs.ModuleTypeModule),
		ModuleVersion: "0.1.0",
		Variables:     json.RawMessage(`{"bucket_name":"my-unique-bucket"}`),
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	// The recorded 0.1.0 no longer exists; the override must win.
	jobID, err := DestroyInfra(ctx, mem, "s3bucket/my-s3bucket2", "k8s-cluster-1/playground", nil, "0.2.0")
	if err != nil {
		t.Fatal(err)
	}
	if jobID == "" {
		t.Error("expected a job id")
	}

	var started struct {
		Data defs.ApiInfraPayload `json:"data"`
	}
	calls := mem.FunctionCalls()
	if len(calls) != 1 {
		t.Fatalf("expected one start_runner call, got %d", len(calls))
	}
	if err := json.Unmarshal(calls[0], &started); err != nil {
		t.Fatal(err)
	}
	if started.Data.Command != "destroy" || started.Data.ModuleVersion != "0.2.0" {
		t.Errorf("unexpected payload: %+v", started.Data)
	}

	// A nonexistent override is rejected.
	if _, err := DestroyInfra(ctx, mem, "s3bucket/my-s3bucket2", "k8s-cluster-1/playground", nil, "9.9.9"); err == nil {
		t.Error("expected error for unknown version override")
	}
}

func TestDriftcheckInfra(t *testing.T) {
	ctx := context.Background()
	mem := newTestStore(t)

	err := mem.SetDeployment(ctx, &defs.Deployment{
		DeploymentID:  "s3bucket/my-s3bucket2",
		Environment:   "k8s-cluster-1/playground",
		Status:        "successful",
		Module:        "s3bucket",
		ModuleType:    string(defs.ModuleTypeModule),
		ModuleVersion: "0.1.0",
		InitiatedBy:   "original-user",
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := DriftcheckInfra(ctx, mem, "s3bucket/my-s3bucket2", "k8s-cluster-1/playground", false, nil); err != nil {
		t.Fatal(err)
	}

	var started struct {
		Data defs.ApiInfraPayload `json:"data"`
	}
	calls := mem.FunctionCalls()
	if err := json.Unmarshal(calls[len(calls)-1], &started); err != nil {
		t.Fatal(err)
	}
	if started.Data.Command != "plan" {
		t.Errorf("drift check should plan, got %q", started.Data.Command)
	}
	if len(started.Data.Flags) != 1 || started.Data.Flags[0] != "-refresh-only" {
		t.Errorf("drift check must be refresh-only: %v", started.Data.Flags)
	}
	if started.Data.InitiatedBy != "original-user" {
		t.Errorf("plain drift check must keep the original initiator: %q", started.Data.InitiatedBy)
	}
}

func TestVersionTrack(t *testing.T) {
	tests := map[string]struct {
		version string
		want    string
		wantErr bool
	}{
		"stable":            {version: "1.2.3", want: "stable"},
		"dev with metadata": {version: "0.1.2-dev+test.10", want: "dev"},
		"rc with ordinal":   {version: "2.0.0-rc.1", want: "rc"},
		"beta":              {version: "0.5.0-beta", want: "beta"},
		"garbage":           {version: "not-a-version", wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := VersionTrack(tc.version)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("VersionTrack(%q) = %q, want %q", tc.version, got, tc.want)
			}
		})
	}
}

func TestFlattenStackVariables(t *testing.T) {
	variables := map[string]any{
		"bucket1a": map[string]any{"bucketName": "first"},
		"bucket1b": map[string]any{"bucketName": "second", "enableAcl": true},
		"awsRegion": map[string]any{
			"region": "eu-west-1",
		},
		"environmentTag": "prod",
	}
	got := FlattenAndConvertFirstLevelKeysToSnakeCase(variables, []string{"aws_region"})

	want := map[string]any{
		"bucket1a__bucket_name": "first",
		"bucket1b__bucket_name": "second",
		"bucket1b__enable_acl":  true,
		"aws_region":            map[string]any{"region": "eu-west-1"},
		"environment_tag":       "prod",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if _, ok := got[k]; !ok {
			t.Errorf("missing key %q in %v", k, got)
			continue
		}
		if _, isMap := v.(map[string]any); !isMap && got[k] != v {
			t.Errorf("key %q = %v, want %v", k, got[k], v)
		}
	}
}
