// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package hclutil

import (
	"github.com/infraweave-io/infraweave/internal/defs"
)

// GetOutputsFromTfFiles extracts every `output` block. The value expression
// is kept as raw source text; it is informational and never re-evaluated.
func GetOutputsFromTfFiles(tfContent string) ([]defs.TfOutput, error) {
	body, err := parseBody(tfContent, "outputs.tf")
	if err != nil {
		return nil, err
	}

	var outputs []defs.TfOutput
	for _, block := range body.Blocks {
		if block.Type != "output" || len(block.Labels) != 1 {
			continue
		}
		o := defs.TfOutput{Name: block.Labels[0]}
		for name, attr := range block.Body.Attributes {
			switch name {
			case "description":
				o.Description = stringAttr(attr)
			case "value":
				o.Value = exprSource(tfContent, attr.Expr)
			}
		}
		outputs = append(outputs, o)
	}
	return outputs, nil
}
