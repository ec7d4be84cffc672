// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package hclutil

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/infraweave-io/infraweave/internal/defs"
)

const sampleVariables = `
variable "bucket_name" {
  type        = string
  description = "Name of the bucket"
}

variable "enable_acl" {
  type      = bool
  default   = false
  sensitive = true
}

variable "tags" {
  type    = map(string)
  default = {
    env = "dev"
  }
  nullable = false
}

variable "untyped" {}
`

func TestGetVariablesFromTfFiles(t *testing.T) {
	vars, err := GetVariablesFromTfFiles(sampleVariables)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	byName := map[string]defs.TfVariable{}
	for _, v := range vars {
		byName[v.Name] = v
	}
	if len(byName) != 4 {
		t.Fatalf("expected 4 variables, got %d", len(byName))
	}

	bucket := byName["bucket_name"]
	if bucket.Type != "string" || bucket.Description != "Name of the bucket" {
		t.Errorf("bucket_name parsed wrong: %+v", bucket)
	}
	if !bucket.Nullable || bucket.Sensitive || bucket.Default != nil {
		t.Errorf("bucket_name defaults wrong: %+v", bucket)
	}

	acl := byName["enable_acl"]
	if acl.Type != "bool" || !acl.Sensitive {
		t.Errorf("enable_acl parsed wrong: %+v", acl)
	}
	if string(acl.Default) != "false" {
		t.Errorf("enable_acl default = %s, want false", acl.Default)
	}

	tags := byName["tags"]
	if tags.Nullable {
		t.Errorf("tags should not be nullable")
	}
	var def map[string]string
	if err := json.Unmarshal(tags.Default, &def); err != nil {
		t.Fatalf("tags default is not JSON: %v", err)
	}
	if def["env"] != "dev" {
		t.Errorf("tags default = %v", def)
	}

	untyped := byName["untyped"]
	if untyped.Type != "string" || !untyped.Nullable {
		t.Errorf("untyped should default to string/nullable: %+v", untyped)
	}
}

func TestGetOutputsFromTfFiles(t *testing.T) {
	content := `
output "bucket_arn" {
  description = "ARN of the bucket"
  value       = aws_s3_bucket.this.arn
}
`
	outputs, err := GetOutputsFromTfFiles(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []defs.TfOutput{{
		Name:        "bucket_arn",
		Description: "ARN of the bucket",
		Value:       "aws_s3_bucket.this.arn",
	}}
	if diff := cmp.Diff(want, outputs); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
}

func TestGetTfRequiredProviders(t *testing.T) {
	content := `
terraform {
  required_providers {
    aws = {
      source  = "hashicorp/aws"
      version = ">= 5.0.0"
    }
    random = {
      source  = "registry.terraform.io/hashicorp/random"
      version = "~> 3.1"
    }
  }
}
`
	providers, err := GetTfRequiredProvidersFromTfFiles(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bySource := map[string]defs.TfRequiredProvider{}
	for _, p := range providers {
		bySource[p.Name] = p
	}
	if got := bySource["aws"].Source; got != "registry.opentofu.org/hashicorp/aws" {
		t.Errorf("short source not qualified: %q", got)
	}
	if got := bySource["random"].Source; got != "registry.terraform.io/hashicorp/random" {
		t.Errorf("qualified source should pass through: %q", got)
	}
}

func TestGetProvidersFromLockfile(t *testing.T) {
	lock := `
provider "registry.opentofu.org/hashicorp/aws" {
  version     = "5.31.0"
  constraints = ">= 5.0.0"
  hashes      = ["h1:abc="]
}
`
	providers, err := GetProvidersFromLockfile(lock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(providers) != 1 {
		t.Fatalf("expected 1 provider, got %d", len(providers))
	}
	if providers[0].Source != "registry.opentofu.org/hashicorp/aws" || providers[0].Version != "5.31.0" {
		t.Errorf("lock provider parsed wrong: %+v", providers[0])
	}
}

func TestValidateTfBackendNotSet(t *testing.T) {
	tests := map[string]struct {
		content string
		wantErr bool
	}{
		"no backend": {
			content: `terraform { required_version = ">= 1.0" }`,
		},
		"s3 backend": {
			content: "terraform {\n  backend \"s3\" {\n    bucket = \"x\"\n  }\n}",
			wantErr: true,
		},
		"cloud block": {
			content: "terraform {\n  cloud {\n    organization = \"x\"\n  }\n}",
			wantErr: true,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := ValidateTfBackendNotSet(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), "Backend block was found in the terraform backend configuration") {
					t.Errorf("unexpected message: %v", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateTfRequiredProvidersIsSet(t *testing.T) {
	lock := []defs.TfLockProvider{
		{Source: "registry.opentofu.org/hashicorp/aws", Version: "5.31.0"},
		{Source: "registry.opentofu.org/hashicorp/random", Version: "3.6.0"},
	}
	required := []defs.TfRequiredProvider{
		{Name: "aws", Source: "hashicorp/aws", Version: ">= 5.0.0"},
	}
	err := ValidateTfRequiredProvidersIsSet(lock, required)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "required_providers block is missing following entries") {
		t.Errorf("unexpected message: %v", err)
	}
	if !strings.Contains(err.Error(), "hashicorp/random") {
		t.Errorf("missing provider not named: %v", err)
	}

	required = append(required, defs.TfRequiredProvider{Name: "random", Source: "hashicorp/random", Version: ">= 3.0.0"})
	if err := ValidateTfRequiredProvidersIsSet(lock, required); err != nil {
		t.Fatalf("unexpected error after adding provider: %v", err)
	}
}

func TestValidateTfExtraEnvironmentVariables(t *testing.T) {
	stringVar := func(name, def string) defs.TfVariable {
		raw, _ := json.Marshal(def)
		return defs.TfVariable{Name: name, Type: "string", Default: raw, Nullable: true}
	}

	tests := map[string]struct {
		extras  []string
		vars    []defs.TfVariable
		wantErr string
	}{
		"valid": {
			extras: []string{"INFRAWEAVE_REFERENCE"},
			vars:   []defs.TfVariable{stringVar("INFRAWEAVE_REFERENCE", "")},
		},
		"not allowlisted": {
			extras:  []string{"INFRAWEAVE_SOMETHING_ELSE"},
			vars:    []defs.TfVariable{stringVar("INFRAWEAVE_SOMETHING_ELSE", "")},
			wantErr: "is not supported",
		},
		"wrong type": {
			extras:  []string{"INFRAWEAVE_REFERENCE"},
			vars:    []defs.TfVariable{{Name: "INFRAWEAVE_REFERENCE", Type: "bool", Default: json.RawMessage(`""`)}},
			wantErr: "must be of type string",
		},
		"non-empty default": {
			extras:  []string{"INFRAWEAVE_REFERENCE"},
			vars:    []defs.TfVariable{stringVar("INFRAWEAVE_REFERENCE", "oops")},
			wantErr: `must set default value to ""`,
		},
		"missing default": {
			extras:  []string{"INFRAWEAVE_REFERENCE"},
			vars:    []defs.TfVariable{{Name: "INFRAWEAVE_REFERENCE", Type: "string"}},
			wantErr: `must set default value to ""`,
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := ValidateTfExtraEnvironmentVariables(tt.extras, tt.vars)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want contains %q", err, tt.wantErr)
			}
		})
	}
}

func TestDiffModules(t *testing.T) {
	previous := `
resource "aws_s3_bucket" "this" {
  bucket = var.bucket_name
}
output "arn" {
  value = aws_s3_bucket.this.arn
}
`
	current := `
resource "aws_s3_bucket" "this" {
  bucket        = var.bucket_name
  force_destroy = true
}
resource "aws_s3_bucket_versioning" "this" {
  bucket = aws_s3_bucket.this.id
}
`
	added, changed, removed := DiffModules(previous, current)
	if diff := cmp.Diff([]string{`resource "aws_s3_bucket_versioning" "this"`}, added); diff != "" {
		t.Errorf("added mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]string{`resource "aws_s3_bucket" "this"`}, changed); diff != "" {
		t.Errorf("changed mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]string{`output "arn"`}, removed); diff != "" {
		t.Errorf("removed mismatch:\n%s", diff)
	}
}
