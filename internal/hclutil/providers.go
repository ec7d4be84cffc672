// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package hclutil

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"

	"github.com/infraweave-io/infraweave/internal/defs"
)

// GetTfRequiredProvidersFromTfFiles extracts each entry of the
// terraform.required_providers map. Short sources are qualified with the
// registry hostname.
func GetTfRequiredProvidersFromTfFiles(tfContent string) ([]defs.TfRequiredProvider, error) {
	body, err := parseBody(tfContent, "terraform.tf")
	if err != nil {
		return nil, err
	}

	var providers []defs.TfRequiredProvider
	for _, block := range body.Blocks {
		if block.Type != "terraform" {
			continue
		}
		for _, inner := range block.Body.Blocks {
			if inner.Type != "required_providers" {
				continue
			}
			for name, attr := range inner.Body.Attributes {
				val, diags := attr.Expr.Value(nil)
				if diags.HasErrors() {
					return nil, fmt.Errorf("required provider %q: %s", name, diags.Error())
				}
				p := defs.TfRequiredProvider{Name: name}
				if val.Type().IsObjectType() {
					for key, el := range val.AsValueMap() {
						if el.IsNull() || el.Type() != cty.String {
							continue
						}
						switch key {
						case "source":
							p.Source = NormalizeProviderSource(el.AsString())
						case "version":
							p.Version = el.AsString()
						}
					}
				}
				providers = append(providers, p)
			}
		}
	}
	return providers, nil
}

// GetProvidersFromLockfile parses .terraform.lock.hcl and returns the exact
// provider pins.
func GetProvidersFromLockfile(lockfileContent string) ([]defs.TfLockProvider, error) {
	body, err := parseBody(lockfileContent, ".terraform.lock.hcl")
	if err != nil {
		return nil, err
	}

	var providers []defs.TfLockProvider
	for _, block := range body.Blocks {
		if block.Type != "provider" || len(block.Labels) != 1 {
			continue
		}
		p := defs.TfLockProvider{Source: block.Labels[0]}
		if attr, ok := block.Body.Attributes["version"]; ok {
			p.Version = stringAttr(attr)
		}
		providers = append(providers, p)
	}
	return providers, nil
}

// GetProviderBlockNames lists each `provider "x"` configuration label in the
// sources, including the alias attribute when present ("aws", "aws.usw2").
func GetProviderBlockNames(tfContent string) ([]string, error) {
	body, err := parseBody(tfContent, "providers.tf")
	if err != nil {
		return nil, err
	}

	var names []string
	for _, block := range body.Blocks {
		if block.Type != "provider" || len(block.Labels) != 1 {
			continue
		}
		name := block.Labels[0]
		if attr, ok := block.Body.Attributes["alias"]; ok {
			if alias := stringAttr(attr); alias != "" {
				name = name + "." + alias
			}
		}
		names = append(names, name)
	}
	return names, nil
}
