// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package hclutil

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/infraweave-io/infraweave/internal/defs"
)

// GetVariablesFromTfFiles extracts every `variable` block from the
// concatenated Terraform sources. Missing attributes take their Terraform
// defaults: type "string", nullable true, sensitive false, no default value.
func GetVariablesFromTfFiles(tfContent string) ([]defs.TfVariable, error) {
	body, err := parseBody(tfContent, "variables.tf")
	if err != nil {
		return nil, err
	}

	var variables []defs.TfVariable
	for _, block := range body.Blocks {
		if block.Type != "variable" || len(block.Labels) != 1 {
			continue
		}
		v := defs.TfVariable{
			Name:     block.Labels[0],
			Type:     "string",
			Nullable: true,
		}
		for name, attr := range block.Body.Attributes {
			switch name {
			case "type":
				v.Type = exprSource(tfContent, attr.Expr)
			case "default":
				val, diags := attr.Expr.Value(nil)
				if diags.HasErrors() {
					return nil, fmt.Errorf("variable %q: cannot evaluate default: %s", v.Name, diags.Error())
				}
				raw, err := ctyValueToJSON(val)
				if err != nil {
					return nil, fmt.Errorf("variable %q: %w", v.Name, err)
				}
				v.Default = raw
			case "description":
				v.Description = stringAttr(attr)
			case "nullable":
				v.Nullable = boolAttr(attr, true)
			case "sensitive":
				v.Sensitive = boolAttr(attr, false)
			}
		}
		variables = append(variables, v)
	}
	return variables, nil
}

func ctyValueToJSON(val cty.Value) (json.RawMessage, error) {
	if val.IsNull() {
		return json.RawMessage("null"), nil
	}
	raw, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, fmt.Errorf("failed to encode value as JSON: %w", err)
	}
	return raw, nil
}

func stringAttr(attr *hclsyntax.Attribute) string {
	val, diags := attr.Expr.Value(nil)
	if diags.HasErrors() || val.IsNull() || val.Type() != cty.String {
		return ""
	}
	return val.AsString()
}

func boolAttr(attr *hclsyntax.Attribute, fallback bool) bool {
	val, diags := attr.Expr.Value(nil)
	if diags.HasErrors() || val.IsNull() || val.Type() != cty.Bool {
		return fallback
	}
	return val.True()
}
