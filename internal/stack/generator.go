// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

// Package stack composes multiple published modules into one composite
// Terraform root module with flattened, instance-prefixed variables and
// outputs.
package stack

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	goversion "github.com/hashicorp/go-version"
	"github.com/hashicorp/hcl/v2/hclwrite"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/strcase"
)

// ClaimModule pairs a component claim with its resolved module descriptor.
type ClaimModule struct {
	Claim  defs.DeploymentManifest
	Module defs.Module
}

var depTokenRe = regexp.MustCompile(`(?s)(.*?)\{\{\s*(.*?)\s*\}\}(.*)`)

// VariableName flattens a per-instance variable to its top-level name.
func VariableName(claimName, variableName string) string {
	return strcase.ToSnakeCase(claimName) + "__" + variableName
}

// OutputName flattens a per-instance output to its top-level name.
func OutputName(claimName, outputName string) string {
	return strcase.ToSnakeCase(claimName) + "__" + outputName
}

// TfVariablesFromStackVariables converts stack.yaml variable declarations to
// regular module variables so they can be flattened like any other input.
func TfVariablesFromStackVariables(stackVars []defs.StackVariable) ([]defs.TfVariable, error) {
	out := make([]defs.TfVariable, 0, len(stackVars))
	for _, sv := range stackVars {
		v := defs.TfVariable{
			Name:        sv.Name,
			Type:        sv.Type,
			Description: sv.Description,
			Nullable:    true,
		}
		if v.Type == "" {
			v.Type = "string"
		}
		if sv.Default != nil {
			raw, err := json.Marshal(sv.Default)
			if err != nil {
				return nil, fmt.Errorf("serializing default for stack variable %s: %w", sv.Name, err)
			}
			v.Default = raw
		}
		out = append(out, v)
	}
	return out, nil
}

// GenerateFullTerraformModule builds the composite module source from the
// stack's component claims. Stack-level variable declarations (if any)
// become "stack__<snake>" variables referencable from every component.
func GenerateFullTerraformModule(claimModules []ClaimModule, stackVariables []defs.TfVariable) (*defs.ModuleStackData, error) {
	variables := collectModuleVariables(claimModules, stackVariables)
	outputs := collectModuleOutputs(claimModules)
	modules := collectModules(claimModules)

	// dependencyMap maps each "{{ Kind::instance::field }}" bearing variable
	// to the expression it resolves to, e.g. "module.bucket1a.bucket_name".
	dependencyMap, err := generateDependencyMap(variables, outputs)
	if err != nil {
		return nil, err
	}

	extraEnvVars := collectExtraEnvironmentVars(claimModules)

	moduleCode, providers := generateTerraformModules(modules, variables, dependencyMap)
	variableCode := generateTerraformVariables(variables, dependencyMap, extraEnvVars)
	outputCode := generateTerraformOutputs(outputs)

	var tfProviders []defs.ProviderResp
	for _, cm := range claimModules {
		tfProviders = append(tfProviders, cm.Module.TfProviders...)
	}

	return &defs.ModuleStackData{
		TerraformModuleCode:   moduleCode,
		TerraformVariableCode: variableCode,
		TerraformOutputCode:   outputCode,
		Providers:             providers,
		ExtraEnvironmentVars:  extraEnvVars,
		TfProviders:           tfProviders,
	}, nil
}

func collectModules(claimModules []ClaimModule) map[string]defs.Module {
	modules := make(map[string]defs.Module, len(claimModules))
	for _, cm := range claimModules {
		modules[strcase.ToSnakeCase(cm.Claim.Metadata.Name)] = cm.Module
	}
	return modules
}

// collectModuleVariables flattens every module variable to
// "<instance>__<snake_var>", with claim-provided values installed as
// defaults. Claims address variables in camelCase.
func collectModuleVariables(claimModules []ClaimModule, stackVariables []defs.TfVariable) map[string]defs.TfVariable {
	variables := map[string]defs.TfVariable{}
	for _, cm := range claimModules {
		for _, tfVar := range cm.Module.TfVariables {
			flat := VariableName(cm.Claim.Metadata.Name, tfVar.Name)
			v := tfVar
			if claimValue, ok := cm.Claim.Spec.Variables[strcase.ToCamelCase(tfVar.Name)]; ok {
				raw, err := json.Marshal(claimValue)
				if err == nil {
					v.Default = raw
				}
			}
			variables[flat] = v
		}
	}
	for _, sv := range stackVariables {
		key := "stack__" + strcase.ToSnakeCase(sv.Name)
		variables[key] = sv
	}
	return variables
}

func collectModuleOutputs(claimModules []ClaimModule) map[string]defs.TfOutput {
	outputs := map[string]defs.TfOutput{}
	for _, cm := range claimModules {
		for _, out := range cm.Module.TfOutputs {
			outputs[OutputName(cm.Claim.Metadata.Name, out.Name)] = out
		}
	}
	return outputs
}

func collectExtraEnvironmentVars(claimModules []ClaimModule) []string {
	seen := map[string]struct{}{}
	var names []string
	for _, cm := range claimModules {
		for _, name := range cm.Module.ExtraEnvironmentVars {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// generateDependencyMap resolves every token found in a variable default to
// either a module output, another flattened variable, or a stack variable.
func generateDependencyMap(variables map[string]defs.TfVariable, outputs map[string]defs.TfOutput) (map[string]string, error) {
	dependencyMap := map[string]string{}

	keys := make([]string, 0, len(variables))
	for k := range variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		v := variables[key]
		if v.Default == nil {
			continue
		}
		serialized := string(v.Default)
		m := depTokenRe.FindStringSubmatch(serialized)
		if m == nil {
			continue
		}
		before, expr, after := m[1], m[2], m[3]

		parts := strings.Split(expr, "::")
		if len(parts) != 3 {
			continue
		}
		kind, claimName, field := parts[0], parts[1], parts[2]
		snakeField := strcase.ToSnakeCase(field)

		var target string
		switch {
		case kind == "Stack" && claimName == "variables":
			stackKey := "stack__" + snakeField
			if _, ok := variables[stackKey]; !ok {
				return nil, unresolvedStackRef(key, v, field, claimName, serialized)
			}
			target = "var." + stackKey
		default:
			outputKey := OutputName(claimName, snakeField)
			if _, ok := outputs[outputKey]; ok {
				target = "module." + strcase.ToSnakeCase(claimName) + "." + snakeField
			} else if _, ok := variables[outputKey]; ok {
				target = "var." + VariableName(claimName, snakeField)
			} else {
				return nil, unresolvedStackRef(key, v, field, claimName, serialized)
			}
		}

		if before == `"` && after == `"` {
			dependencyMap[key] = target
		} else {
			dependencyMap[key] = fmt.Sprintf("%s${%s}%s", before, target, after)
		}
	}
	return dependencyMap, nil
}

func unresolvedStackRef(key string, v defs.TfVariable, field, claimName, serialized string) error {
	parts := strings.SplitN(key, "__", 2)
	sourceClaim := strcase.ToCamelCase(parts[0])
	return defs.Validationf(
		"claim %q variable %q references %q of %q which does not exist (value: %s)",
		sourceClaim, strcase.ToCamelCase(v.Name), field, claimName, serialized,
	)
}

// generateTerraformBlock emits the composite required_providers block,
// pinning each source to the newest version found across the component
// lockfiles.
func generateTerraformBlock(modules map[string]defs.Module) (string, []defs.TfRequiredProvider, error) {
	latest := map[string]defs.TfLockProvider{}
	names := map[string]string{}
	for _, m := range modules {
		for _, lp := range m.TfLockProviders {
			existing, ok := latest[lp.Source]
			if !ok {
				latest[lp.Source] = lp
				continue
			}
			current, err := goversion.NewVersion(lp.Version)
			if err != nil {
				return "", nil, fmt.Errorf("invalid provider version %q for %s: %w", lp.Version, lp.Source, err)
			}
			prev, err := goversion.NewVersion(existing.Version)
			if err != nil {
				return "", nil, fmt.Errorf("invalid provider version %q for %s: %w", existing.Version, existing.Source, err)
			}
			if current.GreaterThan(prev) {
				latest[lp.Source] = lp
			}
		}
		for _, rp := range m.TfRequiredProviders {
			names[rp.Source] = rp.Name
		}
	}

	var providers []defs.TfRequiredProvider
	for source, lp := range latest {
		name, ok := names[source]
		if !ok {
			return "", nil, defs.Validationf("lockfile provider %s has no required_providers entry in any component module", source)
		}
		providers = append(providers, defs.TfRequiredProvider{Name: name, Source: source, Version: lp.Version})
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i].Name < providers[j].Name })

	var b strings.Builder
	b.WriteString("\nterraform {\n  required_providers {\n")
	for _, p := range providers {
		fmt.Fprintf(&b, "    %s = {\n      source  = %q\n      version = %q\n    }\n", p.Name, p.Source, p.Version)
	}
	b.WriteString("  }\n}\n")
	return b.String(), providers, nil
}

func generateTerraformModules(
	modules map[string]defs.Module,
	variables map[string]defs.TfVariable,
	dependencyMap map[string]string,
) (string, []defs.TfRequiredProvider) {
	terraformBlock, providers, err := generateTerraformBlock(modules)
	if err != nil {
		// Surface through module code; callers validate lockfiles earlier.
		terraformBlock = "\n# " + err.Error() + "\n"
	}

	var rendered []string
	for claimName, module := range modules {
		rendered = append(rendered, generateTerraformModuleSingle(claimName, module, variables, dependencyMap))
	}
	sort.Strings(rendered)
	return terraformBlock + strings.Join(rendered, "\n"), providers
}

func generateTerraformModuleSingle(
	claimName string,
	module defs.Module,
	variables map[string]defs.TfVariable,
	dependencyMap map[string]string,
) string {
	source := strings.TrimSuffix(path.Base(module.S3Key), ".zip")

	var b strings.Builder
	fmt.Fprintf(&b, "\nmodule %q {\n  source = \"./%s\"\n", strcase.ToSnakeCase(claimName), source)

	keys := make([]string, 0, len(variables))
	for k := range variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		parts := strings.SplitN(key, "__", 2)
		if len(parts) != 2 || parts[0] != claimName {
			continue
		}
		varName := parts[1]
		if dep, ok := dependencyMap[key]; ok {
			fmt.Fprintf(&b, "\n  %s = %s", varName, dep)
		} else {
			fmt.Fprintf(&b, "\n  %s = var.%s", varName, key)
		}
	}
	for _, name := range module.ExtraEnvironmentVars {
		fmt.Fprintf(&b, "\n  %s = var.%s", name, name)
	}
	b.WriteString("\n}")
	return b.String()
}

func generateTerraformOutputs(outputs map[string]defs.TfOutput) string {
	var rendered []string
	for name := range outputs {
		parts := strings.SplitN(name, "__", 2)
		rendered = append(rendered, fmt.Sprintf(
			"\noutput %q {\n  value = module.%s.%s\n}", name, parts[0], parts[1],
		))
	}
	sort.Strings(rendered)
	return strings.Join(rendered, "\n")
}

func generateTerraformVariables(
	variables map[string]defs.TfVariable,
	dependencyMap map[string]string,
	extraEnvVars []string,
) string {
	var rendered []string
	for name, v := range variables {
		if _, resolved := dependencyMap[name]; resolved {
			// Reference-valued inputs are inlined into the module block.
			continue
		}
		rendered = append(rendered, generateTerraformVariableSingle(name, v))
	}
	for _, name := range extraEnvVars {
		rendered = append(rendered, fmt.Sprintf(`
variable %q {
  type        = string
  description = "This is set by environment variables automatically and should not be set in the claim"
  default     = ""
}`, name))
	}
	sort.Strings(rendered)
	return strings.Join(rendered, "\n")
}

func generateTerraformVariableSingle(name string, v defs.TfVariable) string {
	typeStr := strings.Trim(v.Type, `"`)
	if typeStr == "" {
		typeStr = "string"
	}

	defaultLine := ""
	if v.Default != nil {
		if hclDefault, err := jsonToHCL(v.Default); err == nil {
			defaultLine = fmt.Sprintf("\n  default     = %s", hclDefault)
		}
	}

	return fmt.Sprintf(`
variable %q {
  type        = %s%s
  description = %q
  nullable    = %t
  sensitive   = %t
}`, name, typeStr, defaultLine, v.Description, v.Nullable, v.Sensitive)
}

// jsonToHCL renders a JSON document as an HCL value literal.
func jsonToHCL(raw json.RawMessage) (string, error) {
	ty, err := ctyjson.ImpliedType(raw)
	if err != nil {
		return "", err
	}
	val, err := ctyjson.Unmarshal(raw, ty)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(hclwrite.TokensForValue(val).Bytes())), nil
}
