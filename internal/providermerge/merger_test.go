// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package providermerge

import (
	"strings"
	"testing"
)

// normalize collapses whitespace so assertions are independent of hclwrite's
// attribute alignment.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func mustBuild(t *testing.T, sources ...string) string {
	t.Helper()
	m := NewMerger()
	for _, src := range sources {
		if err := m.AddBody(src); err != nil {
			t.Fatalf("AddBody: %v", err)
		}
	}
	out, err := m.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return string(out)
}

func TestMergeRequiredVersionConcatenation(t *testing.T) {
	out := mustBuild(t,
		`terraform { required_version = ">= 1.0.0" }`,
		`terraform { required_version = ">= 1.3.0" }`,
	)
	if !strings.Contains(normalize(out), `required_version = ">= 1.0.0, >= 1.3.0"`) {
		t.Errorf("required_version not concatenated:\n%s", out)
	}
}

func TestMergeProviderVersionConstraints(t *testing.T) {
	out := mustBuild(t,
		`terraform {
  required_providers {
    aws = {
      source  = "hashicorp/aws"
      version = ">= 2.1.0"
    }
  }
}`,
		`terraform {
  required_providers {
    aws = {
      source  = "hashicorp/aws"
      version = ">= 2.5.0"
    }
  }
}`,
	)
	if !strings.Contains(normalize(out), `version = ">= 2.1.0, >= 2.5.0"`) {
		t.Errorf("provider version constraints not concatenated:\n%s", out)
	}
	if strings.Count(normalize(out), `source = "hashicorp/aws"`) != 1 {
		t.Errorf("provider entry not merged to one:\n%s", out)
	}
}

func TestMergeConfiguredAliasesUnion(t *testing.T) {
	out := mustBuild(t,
		`terraform {
  required_providers {
    aws = {
      source             = "hashicorp/aws"
      version            = ">= 5.0.0"
      configured_aliases = [aws.usw1]
    }
  }
}`,
		`terraform {
  required_providers {
    aws = {
      source             = "hashicorp/aws"
      version            = ">= 5.0.0"
      configured_aliases = [aws.usw1, aws.usw2]
    }
  }
}`,
	)
	if !strings.Contains(out, "aws.usw1") || !strings.Contains(out, "aws.usw2") {
		t.Errorf("aliases not unioned:\n%s", out)
	}
	if strings.Count(out, "aws.usw1") != 1 {
		t.Errorf("alias duplicated:\n%s", out)
	}
	if !strings.Contains(normalize(out), `version = ">= 5.0.0"`) {
		t.Errorf("identical constraint duplicated:\n%s", out)
	}
}

func TestMergeConflictingSources(t *testing.T) {
	m := NewMerger()
	if err := m.AddBody("terraform {\n  required_providers {\n    aws = { source = \"hashicorp/aws\" }\n  }\n}"); err != nil {
		t.Fatal(err)
	}
	err := m.AddBody("terraform {\n  required_providers {\n    aws = { source = \"other/aws\" }\n  }\n}")
	if err == nil || !strings.Contains(err.Error(), "conflicting sources") {
		t.Fatalf("expected conflicting sources error, got %v", err)
	}
}

func TestMergeProviderBlockDedup(t *testing.T) {
	out := mustBuild(t,
		`provider "aws" { region = "us-west-1" }`,
		`provider "aws" { region = "us-west-1" }`,
		`provider "aws" {
  alias  = "usw2"
  region = "us-west-2"
}`,
	)
	if got := strings.Count(out, `provider "aws"`); got != 2 {
		t.Errorf("expected 2 provider blocks (default + alias), got %d:\n%s", got, out)
	}
}

func TestMergeLocalsFirstWins(t *testing.T) {
	out := mustBuild(t,
		`locals {
  env = "prod"
}`,
		`locals {
  env   = "dev"
  owner = "platform"
}`,
	)
	if !strings.Contains(normalize(out), `env = "prod"`) {
		t.Errorf("first locals definition lost:\n%s", out)
	}
	if strings.Contains(normalize(out), `env = "dev"`) {
		t.Errorf("later locals definition overrode the first:\n%s", out)
	}
	if !strings.Contains(normalize(out), `owner = "platform"`) {
		t.Errorf("new local key dropped:\n%s", out)
	}
	if got := strings.Count(out, "locals {"); got != 1 {
		t.Errorf("expected single merged locals block, got %d", got)
	}
}

func TestMergeVariableOutputDedup(t *testing.T) {
	out := mustBuild(t,
		`variable "region" {
  type = string
}
output "id" {
  value = "a"
}`,
		`variable "region" {
  type = string
}
output "id" {
  value = "b"
}`,
	)
	if got := strings.Count(out, `variable "region"`); got != 1 {
		t.Errorf("variable not deduplicated, got %d", got)
	}
	if got := strings.Count(out, `output "id"`); got != 1 {
		t.Errorf("output not deduplicated, got %d", got)
	}
	if !strings.Contains(normalize(out), `value = "a"`) {
		t.Errorf("first output definition should win:\n%s", out)
	}
}

func TestBuildOrder(t *testing.T) {
	out := mustBuild(t, `
output "id" {
  value = "x"
}
data "aws_region" "current" {}
variable "region" {
  type = string
}
locals {
  name = "n"
}
provider "aws" {}
terraform {
  required_version = ">= 1.0.0"
}
`)
	indexes := []int{
		strings.Index(out, "terraform {"),
		strings.Index(out, `provider "aws"`),
		strings.Index(out, "locals {"),
		strings.Index(out, `variable "region"`),
		strings.Index(out, `data "aws_region"`),
		strings.Index(out, `output "id"`),
	}
	for i, idx := range indexes {
		if idx < 0 {
			t.Fatalf("section %d missing:\n%s", i, out)
		}
		if i > 0 && indexes[i-1] > idx {
			t.Errorf("section %d out of order:\n%s", i, out)
		}
	}
}
