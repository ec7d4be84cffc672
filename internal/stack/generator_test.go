// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package stack

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/infraweave-io/infraweave/internal/defs"
)

func s3BucketModule(version string) defs.Module {
	return defs.Module{
		Module:     "s3bucket",
		ModuleName: "S3Bucket",
		Version:    version,
		S3Key:      "s3bucket/s3bucket-" + version + ".zip",
		TfVariables: []defs.TfVariable{
			{Name: "bucket_name", Type: "string", Nullable: false},
			{Name: "tags", Type: "map(string)", Default: json.RawMessage(`{}`), Nullable: true},
		},
		TfOutputs: []defs.TfOutput{
			{Name: "bucket_name"},
			{Name: "bucket_arn"},
		},
		TfRequiredProviders: []defs.TfRequiredProvider{
			{Name: "aws", Source: "registry.opentofu.org/hashicorp/aws", Version: ">= 5.0.0"},
		},
		TfLockProviders: []defs.TfLockProvider{
			{Source: "registry.opentofu.org/hashicorp/aws", Version: "5.31.0"},
		},
	}
}

func claim(kind, name string, variables map[string]any) defs.DeploymentManifest {
	return defs.DeploymentManifest{
		APIVersion: "infraweave.io/v1",
		Kind:       kind,
		Metadata:   defs.DeploymentMetadata{Name: name},
		Spec: defs.DeploymentSpec{
			Region:    "N/A",
			Variables: variables,
		},
	}
}

func TestGenerateFullTerraformModule(t *testing.T) {
	claimModules := []ClaimModule{
		{
			Claim:  claim("S3Bucket", "bucket1b", map[string]any{"bucketName": "primary-bucket"}),
			Module: s3BucketModule("0.1.2"),
		},
		{
			Claim: claim("S3Bucket", "bucket1a", map[string]any{
				"bucketName": "{{ S3Bucket::bucket1b::bucketName }}-after",
			}),
			Module: s3BucketModule("0.1.2"),
		},
	}

	data, err := GenerateFullTerraformModule(claimModules, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantInModuleCode := []string{
		`module "bucket1a" {`,
		`module "bucket1b" {`,
		`source = "./s3bucket-0.1.2"`,
		"bucket_name = \"${module.bucket1b.bucket_name}-after\"",
		"bucket_name = var.bucket1b__bucket_name",
		"tags = var.bucket1a__tags",
		`source  = "registry.opentofu.org/hashicorp/aws"`,
		`version = "5.31.0"`,
	}
	for _, want := range wantInModuleCode {
		if !strings.Contains(data.TerraformModuleCode, want) {
			t.Errorf("module code missing %q:\n%s", want, data.TerraformModuleCode)
		}
	}

	wantInVariableCode := []string{
		`variable "bucket1b__bucket_name" {`,
		`default     = "primary-bucket"`,
		`variable "bucket1a__tags" {`,
	}
	for _, want := range wantInVariableCode {
		if !strings.Contains(data.TerraformVariableCode, want) {
			t.Errorf("variable code missing %q:\n%s", want, data.TerraformVariableCode)
		}
	}
	// The reference-valued input is inlined, never a top-level variable.
	if strings.Contains(data.TerraformVariableCode, "bucket1a__bucket_name") {
		t.Errorf("variable code should not declare bucket1a__bucket_name:\n%s", data.TerraformVariableCode)
	}

	wantInOutputCode := []string{
		`output "bucket1a__bucket_arn" {`,
		"value = module.bucket1a.bucket_arn",
		`output "bucket1b__bucket_name" {`,
	}
	for _, want := range wantInOutputCode {
		if !strings.Contains(data.TerraformOutputCode, want) {
			t.Errorf("output code missing %q:\n%s", want, data.TerraformOutputCode)
		}
	}
}

func TestGenerateBareReferenceInlinesTraversal(t *testing.T) {
	claimModules := []ClaimModule{
		{
			Claim:  claim("S3Bucket", "bucket1b", nil),
			Module: s3BucketModule("0.1.2"),
		},
		{
			Claim: claim("S3Bucket", "bucket1a", map[string]any{
				"bucketName": "{{ S3Bucket::bucket1b::bucketName }}",
			}),
			Module: s3BucketModule("0.1.2"),
		},
	}

	data, err := GenerateFullTerraformModule(claimModules, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(data.TerraformModuleCode, "bucket_name = module.bucket1b.bucket_name") {
		t.Errorf("expected bare traversal for exact-token value:\n%s", data.TerraformModuleCode)
	}
	if strings.Contains(data.TerraformModuleCode, `"${module.bucket1b.bucket_name}"`) {
		t.Errorf("exact-token value must not be wrapped in a template:\n%s", data.TerraformModuleCode)
	}
}

func TestGenerateStackVariables(t *testing.T) {
	stackVars, err := TfVariablesFromStackVariables([]defs.StackVariable{
		{Name: "environmentTag", Type: "string", Default: "dev"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	claimModules := []ClaimModule{
		{
			Claim: claim("S3Bucket", "bucket1a", map[string]any{
				"bucketName": "{{ Stack::variables::environmentTag }}",
			}),
			Module: s3BucketModule("0.1.2"),
		},
	}

	data, err := GenerateFullTerraformModule(claimModules, stackVars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(data.TerraformModuleCode, "bucket_name = var.stack__environment_tag") {
		t.Errorf("expected stack variable reference in module code:\n%s", data.TerraformModuleCode)
	}
	if !strings.Contains(data.TerraformVariableCode, `variable "stack__environment_tag" {`) {
		t.Errorf("expected stack variable declaration:\n%s", data.TerraformVariableCode)
	}
}

func TestGenerateUnresolvedReference(t *testing.T) {
	claimModules := []ClaimModule{
		{
			Claim: claim("S3Bucket", "bucket1a", map[string]any{
				"bucketName": "{{ S3Bucket::missing::bucketName }}",
			}),
			Module: s3BucketModule("0.1.2"),
		},
	}

	_, err := GenerateFullTerraformModule(claimModules, nil)
	if err == nil {
		t.Fatal("expected error for reference to unknown claim")
	}
	if !strings.Contains(err.Error(), `"missing"`) {
		t.Errorf("error should name the missing claim: %v", err)
	}
}

func TestValidateClaimModules(t *testing.T) {
	base := s3BucketModule("0.1.2")

	tests := map[string]struct {
		claimModules []ClaimModule
		wantErr      string
	}{
		"valid": {
			claimModules: []ClaimModule{
				{Claim: claim("S3Bucket", "bucket1a", map[string]any{"bucketName": "x"}), Module: base},
			},
		},
		"duplicate names": {
			claimModules: []ClaimModule{
				{Claim: claim("S3Bucket", "bucket1a", nil), Module: base},
				{Claim: claim("S3Bucket", "bucket1a", nil), Module: base},
			},
			wantErr: "claim names must be unique",
		},
		"region set": {
			claimModules: []ClaimModule{
				{
					Claim: defs.DeploymentManifest{
						Kind:     "S3Bucket",
						Metadata: defs.DeploymentMetadata{Name: "bucket1a"},
						Spec:     defs.DeploymentSpec{Region: "eu-west-1"},
					},
					Module: base,
				},
			},
			wantErr: `must use region "N/A"`,
		},
		"unknown variable": {
			claimModules: []ClaimModule{
				{Claim: claim("S3Bucket", "bucket1a", map[string]any{"notAVariable": "x"}), Module: base},
			},
			wantErr: "do not exist on module s3bucket",
		},
		"cycle": {
			claimModules: []ClaimModule{
				{Claim: claim("S3Bucket", "bucket1a", map[string]any{
					"bucketName": "{{ S3Bucket::bucket1b::bucketName }}",
				}), Module: base},
				{Claim: claim("S3Bucket", "bucket1b", map[string]any{
					"bucketName": "{{ S3Bucket::bucket1a::bucketName }}",
				}), Module: base},
			},
			wantErr: "dependency cycle",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := ValidateClaimModules(tc.claimModules)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not contain %q", err.Error(), tc.wantErr)
			}
		})
	}
}
