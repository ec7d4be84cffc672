// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package hclutil

import (
	"fmt"
	"sort"
	"strings"
)

// DiffModules compares the top-level blocks of two versions of a module's
// sources and reports added, changed and removed block addresses (e.g.
// `resource "aws_s3_bucket" "this"`).
func DiffModules(previous, current string) (added, changed, removed []string) {
	prevBlocks := blockIndex(previous)
	currBlocks := blockIndex(current)

	for addr, body := range currBlocks {
		prevBody, ok := prevBlocks[addr]
		switch {
		case !ok:
			added = append(added, addr)
		case prevBody != body:
			changed = append(changed, addr)
		}
	}
	for addr := range prevBlocks {
		if _, ok := currBlocks[addr]; !ok {
			removed = append(removed, addr)
		}
	}
	sort.Strings(added)
	sort.Strings(changed)
	sort.Strings(removed)
	return added, changed, removed
}

// blockIndex maps block addresses to a whitespace-insensitive rendering of
// their source. Unparsable content yields an empty index rather than an
// error; the diff is advisory.
func blockIndex(tfContent string) map[string]string {
	index := make(map[string]string)
	body, err := parseBody(tfContent, "diff.tf")
	if err != nil {
		return index
	}
	for _, block := range body.Blocks {
		addr := block.Type
		for _, label := range block.Labels {
			addr += fmt.Sprintf(" %q", label)
		}
		rng := block.Range()
		src := tfContent[rng.Start.Byte:rng.End.Byte]
		index[addr] = strings.Join(strings.Fields(src), " ")
	}
	return index
}
