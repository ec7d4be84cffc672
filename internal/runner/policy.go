// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage/inmem"

	"github.com/infraweave-io/infraweave/internal/archive"
	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/status"
	"github.com/infraweave-io/infraweave/internal/store"
)

// policyQuery is the document every platform policy populates; each policy
// package contributes a "deny" set of violation messages under it.
const policyQuery = "data.infraweave"

// policyEnvironment is the track policies are published to.
const policyEnvironment = "stable"

// runPolicyChecks evaluates every published policy against the plan JSON.
// Results are surfaced on the deployment; any violation aborts the job with
// status failed_policy.
func runPolicyChecks(ctx context.Context, s store.Store, h *status.Handler, planJSON []byte) error {
	policies, err := s.GetAllPolicies(ctx, policyEnvironment)
	if err != nil {
		failTerminal(ctx, h, "failed_policy", fmt.Sprintf("Error fetching policies: %v", err))
		return fmt.Errorf("fetching policies: %w", err)
	}
	if len(policies) == 0 {
		h.SetPolicyResults([]defs.PolicyResult{})
		return nil
	}

	var input any
	if err := json.Unmarshal(planJSON, &input); err != nil {
		failTerminal(ctx, h, "failed_policy", fmt.Sprintf("Plan JSON is not parsable: %v", err))
		return fmt.Errorf("parsing plan JSON for policy evaluation: %w", err)
	}

	results := make([]defs.PolicyResult, 0, len(policies))
	anyFailed := false
	for _, policy := range policies {
		violations, err := evaluatePolicy(ctx, s, &policy, input)
		if err != nil {
			failTerminal(ctx, h, "failed_policy", fmt.Sprintf("Error evaluating policy %s: %v", policy.Policy, err))
			return fmt.Errorf("evaluating policy %s: %w", policy.Policy, err)
		}
		if len(violations) > 0 {
			anyFailed = true
		}
		results = append(results, defs.PolicyResult{
			Policy:      policy.Policy,
			Version:     policy.Version,
			Environment: policy.Environment,
			Description: policy.Description,
			Violations:  violations,
			Failed:      len(violations) > 0,
		})
	}
	h.SetPolicyResults(results)

	if anyFailed {
		failTerminal(ctx, h, "failed_policy", "Policy evaluation found policy violations, aborting deployment")
		return errors.New("policy evaluation found policy violations")
	}
	return nil
}

// evaluatePolicy downloads one policy bundle and evaluates its rego modules
// in-process. The policy's data document and the ambient cloud region are
// exposed as base data, the plan JSON as input.
func evaluatePolicy(ctx context.Context, s store.Store, policy *defs.Policy, input any) ([]string, error) {
	zipBytes, err := s.GetObject(ctx, policy.S3Key, store.BucketPolicies)
	if err != nil {
		return nil, fmt.Errorf("downloading policy bundle %s: %w", policy.S3Key, err)
	}
	modules, err := archive.ReadFilesBySuffix(zipBytes, ".rego")
	if err != nil {
		return nil, err
	}
	if len(modules) == 0 {
		return nil, fmt.Errorf("policy bundle %s contains no rego files", policy.S3Key)
	}

	data := map[string]any{
		"env": map[string]any{
			"AWS_DEFAULT_REGION": os.Getenv("AWS_DEFAULT_REGION"),
			"AWS_REGION":         os.Getenv("AWS_REGION"),
		},
	}
	for k, v := range policy.Data {
		data[k] = v
	}

	options := []func(*rego.Rego){
		rego.Query(policyQuery),
		rego.Store(inmem.NewFromObject(data)),
	}
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		options = append(options, rego.Module(name, string(modules[name])))
	}

	query, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compiling policy %s: %w", policy.Policy, err)
	}
	resultSet, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating policy %s: %w", policy.Policy, err)
	}
	return collectViolations(resultSet), nil
}

// collectViolations flattens every package's deny set under data.infraweave
// into "package: message" strings, sorted for stable output.
func collectViolations(resultSet rego.ResultSet) []string {
	var violations []string
	for _, result := range resultSet {
		for _, expression := range result.Expressions {
			packages, ok := expression.Value.(map[string]any)
			if !ok {
				continue
			}
			for packageName, doc := range packages {
				obj, ok := doc.(map[string]any)
				if !ok {
					continue
				}
				deny, ok := obj["deny"].([]any)
				if !ok {
					continue
				}
				for _, violation := range deny {
					violations = append(violations, fmt.Sprintf("%s: %v", packageName, violation))
				}
			}
		}
	}
	sort.Strings(violations)
	return violations
}
