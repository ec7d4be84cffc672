// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package claim

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	goversion "github.com/hashicorp/go-version"

	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/strcase"
)

// VersionTrack classifies a version by its semver pre-release label:
// "0.1.2-dev+test.10" is on track "dev", a pure release is on "stable".
func VersionTrack(version string) (string, error) {
	v, err := goversion.NewVersion(version)
	if err != nil {
		return "", fmt.Errorf("parsing version %q: %w", version, err)
	}
	pre := v.Prerelease()
	if pre == "" {
		return "stable", nil
	}
	// "rc.1" and "rc" share the rc track.
	label, _, _ := strings.Cut(pre, ".")
	return label, nil
}

// ConvertFirstLevelKeysToSnakeCase maps a module claim's camelCase variable
// names onto the Terraform schema. Nested values pass through untouched.
func ConvertFirstLevelKeysToSnakeCase(variables map[string]any) map[string]any {
	out := make(map[string]any, len(variables))
	for key, value := range variables {
		out[strcase.ToSnakeCase(key)] = value
	}
	return out
}

// FlattenAndConvertFirstLevelKeysToSnakeCase maps a stack claim's variables
// onto the composed module's flattened schema: {bucket1a: {bucketName: x}}
// becomes {bucket1a__bucket_name: x}. Keys listed in dontFlatten are
// provider-level variables and stay unflattened; scalar first-level values
// are stack-level variables and only change casing.
func FlattenAndConvertFirstLevelKeysToSnakeCase(variables map[string]any, dontFlatten []string) map[string]any {
	keep := make(map[string]bool, len(dontFlatten))
	for _, name := range dontFlatten {
		keep[name] = true
	}
	out := map[string]any{}
	for key, value := range variables {
		snake := strcase.ToSnakeCase(key)
		nested, isMap := value.(map[string]any)
		if !isMap || keep[snake] || keep[key] {
			out[snake] = value
			continue
		}
		for inner, innerValue := range nested {
			out[snake+"__"+strcase.ToSnakeCase(inner)] = innerValue
		}
	}
	return out
}

// VerifyVariableExistenceAndType checks every provided variable against the
// module's schema: the name must be declared and scalar types must match.
// Composite and unknown Terraform types accept any value.
func VerifyVariableExistenceAndType(module *defs.Module, variables map[string]any) error {
	declared := make(map[string]defs.TfVariable, len(module.TfVariables))
	for _, v := range module.TfVariables {
		declared[v.Name] = v
	}
	names := make([]string, 0, len(variables))
	for name := range variables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		schema, ok := declared[name]
		if !ok {
			return defs.Validationf("variable %q does not exist on %s %s", name, module.ModuleType, module.Module)
		}
		if err := checkVariableType(schema, variables[name]); err != nil {
			return err
		}
	}
	return nil
}

func checkVariableType(schema defs.TfVariable, value any) error {
	if value == nil {
		if schema.Nullable {
			return nil
		}
		return defs.Validationf("variable %q is not nullable", schema.Name)
	}
	switch baseType(schema.Type) {
	case "string":
		if _, ok := value.(string); !ok {
			return defs.Validationf("variable %q expects a string, got %T", schema.Name, value)
		}
	case "number":
		switch value.(type) {
		case int, int64, float64, json.Number:
		default:
			return defs.Validationf("variable %q expects a number, got %T", schema.Name, value)
		}
	case "bool":
		if _, ok := value.(bool); !ok {
			return defs.Validationf("variable %q expects a bool, got %T", schema.Name, value)
		}
	}
	return nil
}

// baseType strips type constructor arguments: "list(string)" is a list.
func baseType(tfType string) string {
	t := strings.TrimSpace(tfType)
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	return t
}

// VerifyRequiredVariablesAreSet requires a value for every declared variable
// without a default that is not nullable.
func VerifyRequiredVariablesAreSet(module *defs.Module, variables map[string]any) error {
	var missing []string
	for _, v := range module.TfVariables {
		if v.Default != nil || v.Nullable {
			continue
		}
		if _, ok := variables[v.Name]; !ok {
			missing = append(missing, v.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return defs.Validationf("required variables are not set on %s %s: %s", module.ModuleType, module.Module, strings.Join(missing, ", "))
	}
	return nil
}

// VerifyVariableClaimCasing rejects snake_case keys at the claim layer. The
// claim schema is camelCase; snake_case names belong to the Terraform layer
// and accepting them would make the same claim mean two things.
func VerifyVariableClaimCasing(variables map[string]any) error {
	names := make([]string, 0, len(variables))
	for name := range variables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.Contains(name, "_") {
			return defs.Validationf(
				"claim variable %q uses snake_case; claim variables must be camelCase (did you mean %q?)",
				name, strcase.ToCamelCase(name),
			)
		}
	}
	return nil
}
