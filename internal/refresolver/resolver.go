// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

// Package refresolver converts claim YAML values into HCL expressions,
// resolving "{{ Kind::instance::field }}" tokens against the composite
// module's known variables and outputs.
package refresolver

import (
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"github.com/infraweave-io/infraweave/internal/strcase"
)

var tokenRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9]+)::([A-Za-z0-9-_]+)::([A-Za-z0-9_]+)\s*\}\}`)

// UnresolvedReferenceError reports a token that matches neither a known
// output nor a known variable.
type UnresolvedReferenceError struct {
	Token     string
	SearchKey string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference %s (searched for %q among known variables and outputs)", e.Token, e.SearchKey)
}

// Resolver resolves claim values against the symbol tables of a composite
// module.
type Resolver struct {
	variables map[string]struct{}
	outputs   map[string]struct{}
}

// NewResolver builds a resolver from the known variable and output names
// (already in their flattened "<instance>__<snake>" form).
func NewResolver(variables, outputs []string) *Resolver {
	r := &Resolver{
		variables: make(map[string]struct{}, len(variables)),
		outputs:   make(map[string]struct{}, len(outputs)),
	}
	for _, v := range variables {
		r.variables[v] = struct{}{}
	}
	for _, o := range outputs {
		r.outputs[o] = struct{}{}
	}
	return r
}

// Resolve converts a decoded YAML value into HCL expression tokens.
func (r *Resolver) Resolve(value any) (hclwrite.Tokens, error) {
	switch v := value.(type) {
	case nil:
		return hclwrite.TokensForValue(cty.NullVal(cty.DynamicPseudoType)), nil
	case bool:
		return hclwrite.TokensForValue(cty.BoolVal(v)), nil
	case int:
		return hclwrite.TokensForValue(cty.NumberIntVal(int64(v))), nil
	case int64:
		return hclwrite.TokensForValue(cty.NumberIntVal(v)), nil
	case uint64:
		return hclwrite.TokensForValue(cty.NumberVal(new(big.Float).SetUint64(v))), nil
	case float64:
		return hclwrite.TokensForValue(cty.NumberFloatVal(v)), nil
	case string:
		return r.resolveString(v)
	case []any:
		var elems []hclwrite.Tokens
		for _, el := range v {
			tokens, err := r.Resolve(el)
			if err != nil {
				return nil, err
			}
			elems = append(elems, tokens)
		}
		return hclwrite.TokensForTuple(elems), nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var attrs []hclwrite.ObjectAttrTokens
		for _, k := range keys {
			tokens, err := r.Resolve(v[k])
			if err != nil {
				return nil, err
			}
			attrs = append(attrs, hclwrite.ObjectAttrTokens{
				Name:  hclwrite.TokensForValue(cty.StringVal(k)),
				Value: tokens,
			})
		}
		return hclwrite.TokensForObject(attrs), nil
	default:
		return nil, fmt.Errorf("unsupported claim value of type %T", value)
	}
}

// resolveString handles reference tokens. A string that is exactly one token
// becomes a bare traversal; any other string with tokens becomes a template
// (quoted for single-line, heredoc for multi-line so Terraform never sees an
// invalid multi-line quoted string).
func (r *Resolver) resolveString(s string) (hclwrite.Tokens, error) {
	matches := tokenRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return hclwrite.TokensForValue(cty.StringVal(s)), nil
	}

	if len(matches) == 1 && strings.TrimSpace(s) == s[matches[0][0]:matches[0][1]] {
		traversal, err := r.resolveToken(s[matches[0][0]:matches[0][1]],
			s[matches[0][2]:matches[0][3]], s[matches[0][4]:matches[0][5]], s[matches[0][6]:matches[0][7]])
		if err != nil {
			return nil, err
		}
		return rawExprTokens(traversal), nil
	}

	var b strings.Builder
	last := 0
	multiline := strings.Contains(s, "\n")
	for _, m := range matches {
		literal := s[last:m[0]]
		b.WriteString(escapeTemplateLiteral(literal, multiline))
		traversal, err := r.resolveToken(s[m[0]:m[1]], s[m[2]:m[3]], s[m[4]:m[5]], s[m[6]:m[7]])
		if err != nil {
			return nil, err
		}
		b.WriteString("${" + traversal + "}")
		last = m[1]
	}
	b.WriteString(escapeTemplateLiteral(s[last:], multiline))

	if multiline {
		content := b.String()
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		return rawExprTokens("<<EOF\n" + content + "EOF"), nil
	}
	return rawExprTokens(`"` + b.String() + `"`), nil
}

// resolveToken maps one token to a traversal string.
func (r *Resolver) resolveToken(token, kind, instance, field string) (string, error) {
	snakeField := strcase.ToSnakeCase(field)

	if kind == "Stack" && instance == "variables" {
		key := "stack__" + snakeField
		if _, ok := r.variables[key]; ok {
			return "var." + key, nil
		}
		return "", &UnresolvedReferenceError{Token: token, SearchKey: key}
	}

	snakeInstance := strcase.ToSnakeCase(instance)
	searchKey := snakeInstance + "__" + snakeField
	if _, ok := r.outputs[searchKey]; ok {
		return "module." + snakeInstance + "." + snakeField, nil
	}
	if _, ok := r.variables[searchKey]; ok {
		return "var." + searchKey, nil
	}
	return "", &UnresolvedReferenceError{Token: token, SearchKey: searchKey}
}

// ContainsReference reports whether the value holds any reference token and
// therefore cannot be lifted into a top-level variable default.
func ContainsReference(value any) bool {
	switch v := value.(type) {
	case string:
		return tokenRe.MatchString(v)
	case []any:
		for _, el := range v {
			if ContainsReference(el) {
				return true
			}
		}
	case map[string]any:
		for _, el := range v {
			if ContainsReference(el) {
				return true
			}
		}
	}
	return false
}

func escapeTemplateLiteral(s string, heredoc bool) string {
	// Interpolation markers in literal text must not be re-interpreted.
	s = strings.ReplaceAll(s, "${", "$${")
	s = strings.ReplaceAll(s, "%{", "%%{")
	if heredoc {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

func rawExprTokens(src string) hclwrite.Tokens {
	return hclwrite.Tokens{
		&hclwrite.Token{Type: hclsyntax.TokenIdent, Bytes: []byte(src)},
	}
}
