// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

// Package providermerge combines the provider-level blocks of several
// Terraform modules (terraform, provider, locals, variable, data, output)
// into one coherent root configuration.
package providermerge

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

var logger = hclog.Default().Named("providermerge")

// requiredProvider accumulates one entry of the required_providers map
// across modules. Version constraints concatenate; aliases union.
type requiredProvider struct {
	name     string
	source   string
	versions []string
	aliases  []string
}

func (p *requiredProvider) addVersion(v string) {
	for _, existing := range p.versions {
		if existing == v {
			return
		}
	}
	p.versions = append(p.versions, v)
}

func (p *requiredProvider) addAlias(a string) {
	for _, existing := range p.aliases {
		if existing == a {
			return
		}
	}
	p.aliases = append(p.aliases, a)
}

type localAttr struct {
	name   string
	tokens hclwrite.Tokens
}

type labeledBlock struct {
	key   string
	block *hclwrite.Block
}

// Merger merges provider-level blocks from multiple module sources. Blocks
// are added with AddBody and assembled with Build in the fixed order
// terraform, provider, locals, variable, data, output.
type Merger struct {
	requiredVersions   []string
	providerOrder      []string
	providers          map[string]*requiredProvider
	providerMetaBlocks []*hclwrite.Block

	providerBlocks []labeledBlock
	locals         []localAttr
	variables      []labeledBlock
	datas          []labeledBlock
	outputs        []labeledBlock
}

// NewMerger returns an empty Merger.
func NewMerger() *Merger {
	return &Merger{providers: map[string]*requiredProvider{}}
}

// AddBody parses src and merges every top-level block it understands.
// Resource-level blocks (resource, module, moved, ...) are ignored; callers
// split those off before merging.
func (m *Merger) AddBody(src string) error {
	synFile, diags := hclsyntax.ParseConfig([]byte(src), "merge.tf", hcl.InitialPos)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse source for merge: %s", diags.Error())
	}
	writeFile, wdiags := hclwrite.ParseConfig([]byte(src), "merge.tf", hcl.InitialPos)
	if wdiags.HasErrors() {
		return fmt.Errorf("failed to parse source for merge: %s", wdiags.Error())
	}

	synBlocks := synFile.Body.(*hclsyntax.Body).Blocks
	writeBlocks := writeFile.Body().Blocks()
	if len(synBlocks) != len(writeBlocks) {
		return fmt.Errorf("inconsistent parse of merge source")
	}

	for i, sb := range synBlocks {
		wb := writeBlocks[i]
		switch sb.Type {
		case "terraform":
			if err := m.addTerraform(src, sb, wb); err != nil {
				return err
			}
		case "provider":
			m.addProviderBlock(sb, wb)
		case "locals":
			m.addLocals(sb, wb)
		case "variable":
			m.addLabeled(&m.variables, "variable", wb)
		case "data":
			m.addLabeled(&m.datas, "data", wb)
		case "output":
			m.addLabeled(&m.outputs, "output", wb)
		}
	}
	return nil
}

// AddBlock merges a single rendered block.
func (m *Merger) AddBlock(block *hclwrite.Block) error {
	f := hclwrite.NewEmptyFile()
	f.Body().AppendBlock(block)
	return m.AddBody(string(f.Bytes()))
}

func (m *Merger) addTerraform(src string, sb *hclsyntax.Block, wb *hclwrite.Block) error {
	if attr, ok := sb.Body.Attributes["required_version"]; ok {
		val, diags := attr.Expr.Value(nil)
		if !diags.HasErrors() && val.Type() == cty.String {
			m.requiredVersions = append(m.requiredVersions, val.AsString())
		}
	}

	for _, inner := range sb.Body.Blocks {
		switch inner.Type {
		case "required_providers":
			if err := m.addRequiredProviders(src, inner); err != nil {
				return err
			}
		case "provider_meta":
			for _, wInner := range wb.Body().Blocks() {
				if wInner.Type() == "provider_meta" && sameLabels(wInner.Labels(), inner.Labels) {
					m.providerMetaBlocks = append(m.providerMetaBlocks, wInner)
				}
			}
		}
	}
	return nil
}

func (m *Merger) addRequiredProviders(src string, block *hclsyntax.Block) error {
	for name, attr := range block.Body.Attributes {
		p, ok := m.providers[name]
		if !ok {
			p = &requiredProvider{name: name}
			m.providers[name] = p
			m.providerOrder = append(m.providerOrder, name)
		}

		obj, ok := attr.Expr.(*hclsyntax.ObjectConsExpr)
		if !ok {
			// A bare string is a shorthand version constraint.
			val, diags := attr.Expr.Value(nil)
			if !diags.HasErrors() && val.Type() == cty.String {
				p.addVersion(val.AsString())
				continue
			}
			return fmt.Errorf("required provider %q has unsupported shape", name)
		}
		for _, item := range obj.Items {
			key := hcl.ExprAsKeyword(item.KeyExpr)
			if key == "" {
				if trav, diags := hcl.AbsTraversalForExpr(item.KeyExpr); !diags.HasErrors() && len(trav) > 0 {
					key = trav.RootName()
				}
			}
			if key == "" {
				if val, diags := item.KeyExpr.Value(nil); !diags.HasErrors() && val.Type() == cty.String {
					key = val.AsString()
				}
			}
			switch key {
			case "source":
				val, diags := item.ValueExpr.Value(nil)
				if diags.HasErrors() || val.Type() != cty.String {
					return fmt.Errorf("required provider %q has non-literal source", name)
				}
				if p.source != "" && p.source != val.AsString() {
					return fmt.Errorf(
						"required provider %q declared with conflicting sources %q and %q",
						name, p.source, val.AsString(),
					)
				}
				p.source = val.AsString()
			case "version":
				val, diags := item.ValueExpr.Value(nil)
				if diags.HasErrors() || val.Type() != cty.String {
					return fmt.Errorf("required provider %q has non-literal version", name)
				}
				p.addVersion(val.AsString())
			case "configured_aliases":
				tuple, ok := item.ValueExpr.(*hclsyntax.TupleConsExpr)
				if !ok {
					return fmt.Errorf("required provider %q: configured_aliases must be a list", name)
				}
				for _, el := range tuple.Exprs {
					rng := el.Range()
					p.addAlias(strings.TrimSpace(src[rng.Start.Byte:rng.End.Byte]))
				}
			}
		}
	}
	return nil
}

func (m *Merger) addProviderBlock(sb *hclsyntax.Block, wb *hclwrite.Block) {
	key := strings.Join(sb.Labels, ".")
	if attr, ok := sb.Body.Attributes["alias"]; ok {
		if val, diags := attr.Expr.Value(nil); !diags.HasErrors() && val.Type() == cty.String {
			key += "." + val.AsString()
		}
	}
	for _, existing := range m.providerBlocks {
		if existing.key == key {
			return
		}
	}
	m.providerBlocks = append(m.providerBlocks, labeledBlock{key: key, block: wb})
}

func (m *Merger) addLocals(sb *hclsyntax.Block, wb *hclwrite.Block) {
	// First definition wins per key; later modules cannot silently repoint a
	// shared local.
	for _, name := range attributeOrder(sb) {
		attr := wb.Body().GetAttribute(name)
		if attr == nil {
			continue
		}
		exists := false
		for _, l := range m.locals {
			if l.name == name {
				exists = true
				break
			}
		}
		if exists {
			logger.Warn("duplicate local, keeping first definition", "name", name)
			continue
		}
		m.locals = append(m.locals, localAttr{name: name, tokens: attr.Expr().BuildTokens(nil)})
	}
}

func (m *Merger) addLabeled(dst *[]labeledBlock, blockType string, wb *hclwrite.Block) {
	key := blockType + ":" + strings.Join(wb.Labels(), ".")
	for _, existing := range *dst {
		if existing.key == key {
			logger.Warn("duplicate block, keeping first definition", "block", key)
			return
		}
	}
	*dst = append(*dst, labeledBlock{key: key, block: wb})
}

// Build assembles the merged configuration.
func (m *Merger) Build() ([]byte, error) {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	if len(m.requiredVersions) > 0 || len(m.providerOrder) > 0 || len(m.providerMetaBlocks) > 0 {
		tfBlock := body.AppendNewBlock("terraform", nil)
		if len(m.requiredVersions) > 0 {
			tfBlock.Body().SetAttributeValue(
				"required_version",
				cty.StringVal(strings.Join(m.requiredVersions, ", ")),
			)
		}
		if len(m.providerOrder) > 0 {
			rp := tfBlock.Body().AppendNewBlock("required_providers", nil)
			for _, name := range m.providerOrder {
				p := m.providers[name]
				rp.Body().SetAttributeRaw(name, providerObjectTokens(p))
			}
		}
		for _, meta := range m.providerMetaBlocks {
			tfBlock.Body().AppendBlock(meta)
		}
		body.AppendNewline()
	}

	for _, pb := range m.providerBlocks {
		body.AppendBlock(pb.block)
		body.AppendNewline()
	}

	if len(m.locals) > 0 {
		locals := body.AppendNewBlock("locals", nil)
		for _, l := range m.locals {
			locals.Body().SetAttributeRaw(l.name, l.tokens)
		}
		body.AppendNewline()
	}

	for _, group := range [][]labeledBlock{m.variables, m.datas, m.outputs} {
		for _, lb := range group {
			body.AppendBlock(lb.block)
			body.AppendNewline()
		}
	}

	return hclwrite.Format(f.Bytes()), nil
}

func providerObjectTokens(p *requiredProvider) hclwrite.Tokens {
	attrs := []hclwrite.ObjectAttrTokens{
		{
			Name:  hclwrite.TokensForIdentifier("source"),
			Value: hclwrite.TokensForValue(cty.StringVal(p.source)),
		},
	}
	if len(p.versions) > 0 {
		attrs = append(attrs, hclwrite.ObjectAttrTokens{
			Name:  hclwrite.TokensForIdentifier("version"),
			Value: hclwrite.TokensForValue(cty.StringVal(strings.Join(p.versions, ", "))),
		})
	}
	if len(p.aliases) > 0 {
		var elems []hclwrite.Tokens
		for _, alias := range p.aliases {
			elems = append(elems, rawTokens(alias))
		}
		attrs = append(attrs, hclwrite.ObjectAttrTokens{
			Name:  hclwrite.TokensForIdentifier("configured_aliases"),
			Value: hclwrite.TokensForTuple(elems),
		})
	}
	return hclwrite.TokensForObject(attrs)
}

func rawTokens(src string) hclwrite.Tokens {
	return hclwrite.Tokens{
		&hclwrite.Token{Type: hclsyntax.TokenIdent, Bytes: []byte(src)},
	}
}

func sameLabels(a []string, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// attributeOrder returns a block's attribute names in source order; the
// hclsyntax attribute map loses it.
func attributeOrder(sb *hclsyntax.Block) []string {
	type pos struct {
		name string
		byte int
	}
	var entries []pos
	for name, attr := range sb.Body.Attributes {
		entries = append(entries, pos{name: name, byte: attr.SrcRange.Start.Byte})
	}
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].byte < entries[j-1].byte; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}
