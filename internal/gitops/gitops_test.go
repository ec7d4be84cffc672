// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package gitops

import (
	"fmt"
	"testing"
)

func claimYAML(kind, name, namespace, region, version string) string {
	return fmt.Sprintf(`apiVersion: infraweave.io/v1
kind: %s
metadata:
  name: %s
  namespace: %s
spec:
  region: %s
  moduleVersion: %s
  variables:
    bucketName: %s
`, kind, name, namespace, region, version, name)
}

func TestActiveFileOnly(t *testing.T) {
	active := []FileChange{{
		Path:    "claims/bucket.yaml",
		Content: claimYAML("S3Bucket", "my-bucket", "playground", "us-west-2", "0.1.0"),
	}}

	groups := GroupFilesByManifest(active, nil)
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	g := groups[0]
	if g.Active == nil || g.Deleted != nil || g.Renamed != nil {
		t.Fatalf("expected apply action, got %+v", g)
	}
	want := GroupKey{
		APIVersion: "infraweave.io/v1",
		Kind:       "S3Bucket",
		Name:       "my-bucket",
		Namespace:  "playground",
		Region:     "us-west-2",
	}
	if g.Key != want {
		t.Errorf("key = %+v, want %+v", g.Key, want)
	}
}

func TestDeletedFileOnly(t *testing.T) {
	deleted := []FileChange{{
		Path:    "claims/bucket.yaml",
		Content: claimYAML("S3Bucket", "my-bucket", "playground", "us-west-2", "0.1.0"),
	}}

	groups := GroupFilesByManifest(nil, deleted)
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	if groups[0].Deleted == nil || groups[0].Active != nil {
		t.Fatalf("expected delete action, got %+v", groups[0])
	}
}

func TestPureRenameProducesNoAction(t *testing.T) {
	content := claimYAML("S3Bucket", "my-bucket", "playground", "us-west-2", "0.1.0")
	active := []FileChange{{Path: "claims/renamed.yaml", Content: content}}
	deleted := []FileChange{{Path: "claims/original.yaml", Content: content}}

	groups := GroupFilesByManifest(active, deleted)
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	g := groups[0]
	if g.Renamed == nil || g.Active != nil || g.Deleted != nil {
		t.Fatalf("expected rename, got %+v", g)
	}
	if g.Renamed.File.Path != "claims/renamed.yaml" {
		t.Errorf("renamed path = %q", g.Renamed.File.Path)
	}
}

func TestUnchangedManifestIsDropped(t *testing.T) {
	content := claimYAML("S3Bucket", "my-bucket", "playground", "us-west-2", "0.1.0")
	// Same path and same content: a no-op, not a rename.
	active := []FileChange{{Path: "claims/bucket.yaml", Content: content}}
	deleted := []FileChange{{Path: "claims/bucket.yaml", Content: content}}

	if groups := GroupFilesByManifest(active, deleted); len(groups) != 0 {
		t.Fatalf("groups = %+v, want none", groups)
	}
}

func TestModifiedManifestIsApplied(t *testing.T) {
	active := []FileChange{{
		Path:    "claims/bucket.yaml",
		Content: claimYAML("S3Bucket", "my-bucket", "playground", "us-west-2", "0.2.0"),
	}}
	deleted := []FileChange{{
		Path:    "claims/bucket.yaml",
		Content: claimYAML("S3Bucket", "my-bucket", "playground", "us-west-2", "0.1.0"),
	}}

	groups := GroupFilesByManifest(active, deleted)
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	if groups[0].Active == nil {
		t.Fatalf("expected apply action, got %+v", groups[0])
	}
}

func TestRegionChangeEmitsDeleteAndApply(t *testing.T) {
	active := []FileChange{{
		Path:    "claims/bucket.yaml",
		Content: claimYAML("S3Bucket", "my-bucket", "playground", "eu-west-1", "0.1.0"),
	}}
	deleted := []FileChange{{
		Path:    "claims/bucket.yaml",
		Content: claimYAML("S3Bucket", "my-bucket", "playground", "us-west-2", "0.1.0"),
	}}

	groups := GroupFilesByManifest(active, deleted)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}

	byRegion := map[string]GroupedFile{}
	for _, g := range groups {
		byRegion[g.Key.Region] = g
	}
	if g := byRegion["us-west-2"]; g.Deleted == nil {
		t.Errorf("old region should be deleted, got %+v", g)
	}
	if g := byRegion["eu-west-1"]; g.Active == nil {
		t.Errorf("new region should be applied, got %+v", g)
	}
}

func TestMultiDocumentFile(t *testing.T) {
	content := claimYAML("S3Bucket", "bucket-one", "playground", "us-west-2", "0.1.0") +
		"---\n" +
		claimYAML("S3Bucket", "bucket-two", "playground", "us-west-2", "0.1.0")
	active := []FileChange{{Path: "claims/buckets.yaml", Content: content}}

	groups := GroupFilesByManifest(active, nil)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if groups[0].Key.Name != "bucket-one" || groups[1].Key.Name != "bucket-two" {
		t.Errorf("unexpected order: %q, %q", groups[0].Key.Name, groups[1].Key.Name)
	}
}

func TestInvalidDocumentsAreSkipped(t *testing.T) {
	content := "not: [valid: yaml\n---\n" +
		claimYAML("S3Bucket", "my-bucket", "playground", "us-west-2", "0.1.0") +
		"---\njust: some\nother: document\n"
	active := []FileChange{{Path: "claims/mixed.yaml", Content: content}}

	groups := GroupFilesByManifest(active, nil)
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	if groups[0].Key.Name != "my-bucket" {
		t.Errorf("key = %+v", groups[0].Key)
	}
}

func TestEmptyFilesProduceNoGroups(t *testing.T) {
	active := []FileChange{{Path: "claims/empty.yaml", Content: ""}}
	if groups := GroupFilesByManifest(active, nil); len(groups) != 0 {
		t.Fatalf("groups = %+v, want none", groups)
	}
}

func TestNamespaceDefaults(t *testing.T) {
	content := `apiVersion: infraweave.io/v1
kind: S3Bucket
metadata:
  name: my-bucket
spec:
  region: us-west-2
  moduleVersion: 0.1.0
`
	groups := GroupFilesByManifest([]FileChange{{Path: "claims/b.yaml", Content: content}}, nil)
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}
	if groups[0].Key.Namespace != "default" {
		t.Errorf("namespace = %q, want default", groups[0].Key.Namespace)
	}
}
