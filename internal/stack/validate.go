// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package stack

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/strcase"
)

var claimTokenRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9]+)::([A-Za-z0-9-_]+)::([A-Za-z0-9_]+)\s*\}\}`)

// ValidateClaimModules checks the component claims of a stack before
// composition: names are unique, regions use the stack placeholder, every
// claim variable exists on its module, and references form no cycle.
func ValidateClaimModules(claimModules []ClaimModule) error {
	seen := map[string]struct{}{}
	for _, cm := range claimModules {
		name := cm.Claim.Metadata.Name
		if _, dup := seen[name]; dup {
			return defs.Validationf("duplicate claim name %q in stack, claim names must be unique", name)
		}
		seen[name] = struct{}{}

		if cm.Claim.Spec.Region != "N/A" {
			return defs.Validationf(
				"claim %q sets region %q, stack component claims must use region \"N/A\"",
				name, cm.Claim.Spec.Region,
			)
		}

		if err := validateClaimVariables(cm); err != nil {
			return err
		}
	}
	return validateNoDependencyCycle(claimModules)
}

func validateClaimVariables(cm ClaimModule) error {
	known := map[string]struct{}{}
	for _, v := range cm.Module.TfVariables {
		known[strcase.ToCamelCase(v.Name)] = struct{}{}
	}
	for _, name := range cm.Module.ExtraEnvironmentVars {
		known[strcase.ToCamelCase(name)] = struct{}{}
	}

	var unknown []string
	for key := range cm.Claim.Spec.Variables {
		if _, ok := known[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return defs.Validationf(
			"claim %q sets variables (%s) that do not exist on module %s",
			cm.Claim.Metadata.Name, strings.Join(unknown, ", "), cm.Module.Module,
		)
	}
	return nil
}

// validateNoDependencyCycle builds the claim-to-claim reference graph from
// "{{ Kind::instance::field }}" tokens and rejects cycles.
func validateNoDependencyCycle(claimModules []ClaimModule) error {
	edges := map[string][]string{}
	names := map[string]struct{}{}
	for _, cm := range claimModules {
		names[cm.Claim.Metadata.Name] = struct{}{}
	}
	for _, cm := range claimModules {
		raw, err := json.Marshal(cm.Claim.Spec.Variables)
		if err != nil {
			return fmt.Errorf("serializing variables for claim %s: %w", cm.Claim.Metadata.Name, err)
		}
		for _, m := range claimTokenRe.FindAllStringSubmatch(string(raw), -1) {
			target := m[2]
			if target == "variables" {
				continue // stack-level variable, not a component edge
			}
			if _, ok := names[target]; !ok {
				return defs.Validationf(
					"claim %q references %q which is not a claim in this stack",
					cm.Claim.Metadata.Name, target,
				)
			}
			edges[cm.Claim.Metadata.Name] = append(edges[cm.Claim.Metadata.Name], target)
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := map[string]int{}
	var visit func(name string, trail []string) error
	visit = func(name string, trail []string) error {
		switch state[name] {
		case visiting:
			return defs.Validationf("dependency cycle detected between stack claims: %s", strings.Join(append(trail, name), " -> "))
		case done:
			return nil
		}
		state[name] = visiting
		for _, next := range edges[name] {
			if err := visit(next, append(trail, name)); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)
	for _, name := range ordered {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}
