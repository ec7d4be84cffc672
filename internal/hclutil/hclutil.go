// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

// Package hclutil extracts module metadata (variables, outputs, providers)
// from Terraform sources and enforces the publishing contracts on them.
package hclutil

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
)

// DefaultRegistryHostname is assumed for provider sources written in the
// short "namespace/name" form.
const DefaultRegistryHostname = "registry.opentofu.org"

// RegistryHostname returns the registry used to qualify short provider
// sources, overridable via REGISTRY_API_HOSTNAME.
func RegistryHostname() string {
	if h := os.Getenv("REGISTRY_API_HOSTNAME"); h != "" {
		return h
	}
	return DefaultRegistryHostname
}

// NormalizeProviderSource qualifies a short "namespace/name" source with the
// registry hostname. Fully-qualified sources pass through unchanged.
func NormalizeProviderSource(source string) string {
	if strings.Count(source, "/") == 1 {
		return RegistryHostname() + "/" + source
	}
	return source
}

func parseBody(tfContent, filename string) (*hclsyntax.Body, error) {
	file, diags := hclsyntax.ParseConfig([]byte(tfContent), filename, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse terraform content: %s", diags.Error())
	}
	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, fmt.Errorf("unexpected body type %T", file.Body)
	}
	return body, nil
}

// exprSource returns the raw source text of an expression, with any literal
// "${...}" wrapper stripped, matching how type constraints are stored.
func exprSource(content string, expr hclsyntax.Expression) string {
	rng := expr.Range()
	src := content[rng.Start.Byte:rng.End.Byte]
	src = strings.TrimSpace(src)
	if strings.HasPrefix(src, "\"${") && strings.HasSuffix(src, "}\"") {
		src = src[3 : len(src)-2]
	}
	if strings.HasPrefix(src, "${") && strings.HasSuffix(src, "}") {
		src = src[2 : len(src)-1]
	}
	return strings.Trim(src, "\"")
}
