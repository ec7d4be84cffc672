// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

// Package strcase converts between the camelCase naming used in claim YAML
// and the snake_case naming used in Terraform variables and outputs.
package strcase

import (
	"fmt"
	"strings"
	"unicode"
)

// ToSnakeCase converts camelCase or PascalCase to snake_case. Consecutive
// upper-case runs are treated as one word boundary ("bucketARN" becomes
// "bucket_arn").
func ToSnakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (!unicode.IsUpper(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ToCamelCase converts snake_case to camelCase.
func ToCamelCase(s string) string {
	parts := strings.Split(s, "_")
	var b strings.Builder
	b.Grow(len(s))
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// VerifyRoundtrip checks that a snake_case name survives the
// snake -> camel -> snake conversion cycle. Names that do not (for example
// "bucket__name" or "bucket_1name") are ambiguous at the claim layer.
func VerifyRoundtrip(name string) error {
	back := ToSnakeCase(ToCamelCase(name))
	if back != name {
		return fmt.Errorf(
			"name %q does not survive case conversion roundtrip (becomes %q); rename it so snake_case and camelCase forms map one-to-one",
			name, back,
		)
	}
	return nil
}
