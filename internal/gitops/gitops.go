// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

// Package gitops turns VCS file diffs into per-manifest deploy actions. A
// commit may touch many claim files, each holding many YAML documents; the
// grouper decides per manifest whether to apply, delete, or do nothing.
package gitops

import (
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/infraweave-io/infraweave/internal/defs"
)

var logger = hclog.Default().Named("gitops")

// FileChange is one file's content at a given ref.
type FileChange struct {
	Path    string
	Content string
}

// GroupKey identifies one manifest across files and commits. Region is part
// of the key: moving a claim to another region is a delete at the old region
// plus an apply at the new one.
type GroupKey struct {
	APIVersion string
	Kind       string
	Name       string
	Namespace  string
	Region     string
}

// ManifestChange is one parsed document together with its canonical YAML and
// the file it came from.
type ManifestChange struct {
	Key     GroupKey
	Content string
	File    FileChange
}

// GroupedFile is the action for one manifest: exactly one of Active (apply),
// Deleted (destroy) or Renamed (no-op, path bookkeeping only) is set.
type GroupedFile struct {
	Key     GroupKey
	Active  *ManifestChange
	Deleted *ManifestChange
	Renamed *ManifestChange
}

// extractManifestChanges splits a file on "---" and parses each document.
// Unparsable documents are skipped with a warning so one bad manifest never
// blocks the rest of the commit.
func extractManifestChanges(file FileChange) []ManifestChange {
	var changes []ManifestChange
	docIndex := 0
	for _, doc := range strings.Split(file.Content, "---") {
		doc = strings.TrimSpace(doc)
		if doc == "" {
			continue
		}
		docIndex++
		var manifest defs.DeploymentManifest
		if err := yaml.Unmarshal([]byte(doc), &manifest); err != nil {
			logger.Warn("skipping invalid manifest",
				"document", docIndex, "file", file.Path, "error", err)
			continue
		}
		if manifest.APIVersion == "" || manifest.Kind == "" || manifest.Metadata.Name == "" {
			logger.Warn("skipping document that is not a deployment manifest",
				"document", docIndex, "file", file.Path)
			continue
		}
		canonical, err := yaml.Marshal(&manifest)
		if err != nil {
			continue
		}
		namespace := manifest.Metadata.Namespace
		if namespace == "" {
			namespace = "default"
		}
		changes = append(changes, ManifestChange{
			Key: GroupKey{
				APIVersion: manifest.APIVersion,
				Kind:       manifest.Kind,
				Name:       manifest.Metadata.Name,
				Namespace:  namespace,
				Region:     manifest.Spec.Region,
			},
			Content: string(canonical),
			File:    file,
		})
	}
	if len(changes) == 0 && docIndex > 0 {
		logger.Warn("no valid manifests found", "file", file.Path, "documents", docIndex)
	}
	return changes
}

// GroupFilesByManifest reduces the active (current ref) and deleted
// (previous ref) file sets to one action per manifest:
//
//   - same canonical YAML, same raw bytes, different path: renamed, no action
//   - same canonical YAML otherwise: unchanged, dropped
//   - different canonical YAML: apply; a region change surfaces as a delete
//     at the old region plus an apply at the new one, since region is part
//     of the key
//   - only active: apply; only deleted: destroy
//
// Output order is deterministic.
func GroupFilesByManifest(active, deleted []FileChange) []GroupedFile {
	activeChanges := make(map[GroupKey]ManifestChange)
	for _, file := range active {
		for _, change := range extractManifestChanges(file) {
			activeChanges[change.Key] = change
		}
	}
	deletedChanges := make(map[GroupKey]ManifestChange)
	for _, file := range deleted {
		for _, change := range extractManifestChanges(file) {
			deletedChanges[change.Key] = change
		}
	}

	var groups []GroupedFile
	for key, activeChange := range activeChanges {
		deletedChange, existed := deletedChanges[key]
		if !existed {
			groups = append(groups, GroupedFile{Key: key, Active: &activeChange})
			continue
		}
		if activeChange.Content == deletedChange.Content {
			if activeChange.File.Content == deletedChange.File.Content &&
				activeChange.File.Path != deletedChange.File.Path {
				groups = append(groups, GroupedFile{Key: key, Renamed: &activeChange})
			}
			// Identical content in place is a no-op.
			continue
		}
		groups = append(groups, GroupedFile{Key: key, Active: &activeChange})
	}

	for key, deletedChange := range deletedChanges {
		if _, stillActive := activeChanges[key]; !stillActive {
			groups = append(groups, GroupedFile{Key: key, Deleted: &deletedChange})
		}
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Key != groups[j].Key {
			return groupKeyLess(groups[i].Key, groups[j].Key)
		}
		return false
	})
	return groups
}

func groupKeyLess(a, b GroupKey) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	if a.Namespace != b.Namespace {
		return a.Namespace < b.Namespace
	}
	return a.Region < b.Region
}
