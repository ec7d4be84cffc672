// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func writeFiles(t *testing.T, fs afero.Fs, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := afero.WriteFile(fs, name, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func entryNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestPackageExcludesIgnoredFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"mod/main.tf":                      `resource "null_resource" "x" {}`,
		"mod/module.yaml":                  "kind: Module",
		"mod/.terraform.lock.hcl":          "# lock",
		"mod/.git/config":                  "noise",
		"mod/.terraform/providers/x":       "noise",
		"mod/terraform.tfstate":            "noise",
		"mod/terraform.tfstate.backup":     "noise",
		"mod/terraform.tfvars":             "noise",
		"mod/prod.auto.tfvars":             "noise",
		"mod/nested/.git/HEAD":             "noise",
		"mod/nested/terraform.tfvars.json": "noise",
	})

	data, err := Package(fs, "mod")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	names := entryNames(t, data)
	want := map[string]bool{
		"main.tf":             true,
		"module.yaml":         true,
		".terraform.lock.hcl": true,
	}
	for _, name := range names {
		if !want[name] {
			t.Errorf("unexpected entry %q in archive", name)
		}
		delete(want, name)
	}
	for name := range want {
		t.Errorf("missing entry %q", name)
	}
}

func TestPackageDeterministic(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"mod/b.tf": "b",
		"mod/a.tf": "a",
		"mod/c.tf": "c",
	})
	first, err := Package(fs, "mod")
	if err != nil {
		t.Fatal(err)
	}
	second, err := Package(fs, "mod")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Error("packaging the same directory twice produced different bytes")
	}
}

func TestPackageSizeLimit(t *testing.T) {
	fs := afero.NewMemMapFs()
	big := strings.Repeat("x", MaxModuleSize+1)
	writeFiles(t, fs, map[string]string{"mod/huge.tf": big})

	if _, err := Package(fs, "mod"); err == nil {
		t.Fatal("expected size limit error, got nil")
	}

	t.Setenv("BYPASS_FILE_SIZE_CHECK", "true")
	if _, err := Package(fs, "mod"); err != nil {
		t.Fatalf("bypass should allow oversize module: %v", err)
	}
}

func TestMergeFirstWins(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{"a/main.tf": "first", "a/a.tf": "a"})
	first, err := Package(fs, "a")
	if err != nil {
		t.Fatal(err)
	}
	fs2 := afero.NewMemMapFs()
	writeFiles(t, fs2, map[string]string{"b/main.tf": "second", "b/b.tf": "b"})
	second, err := Package(fs2, "b")
	if err != nil {
		t.Fatal(err)
	}

	merged, err := Merge(first, second)
	if err != nil {
		t.Fatal(err)
	}
	content, err := ReadFileFromZip(merged, "main.tf")
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "first" {
		t.Errorf("duplicate entry resolved to %q, want first archive's content", content)
	}
	names := entryNames(t, merged)
	if len(names) != 3 {
		t.Errorf("merged archive has %d entries, want 3: %v", len(names), names)
	}
}

func TestReadTfFromZipAndLockfile(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"mod/main.tf":             `resource "null_resource" "x" {}`,
		"mod/variables.tf":        `variable "name" {}`,
		"mod/README.md":           "not terraform",
		"mod/.terraform.lock.hcl": `provider "registry.opentofu.org/hashicorp/null" { version = "3.2.0" }`,
	})
	data, err := Package(fs, "mod")
	if err != nil {
		t.Fatal(err)
	}

	tf, err := ReadTfFromZip(data)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(tf, "null_resource") || !strings.Contains(tf, `variable "name"`) {
		t.Errorf("tf content incomplete:\n%s", tf)
	}
	if strings.Contains(tf, "not terraform") {
		t.Error("non-tf file leaked into tf content")
	}

	lock, err := GetTerraformLockfile(data)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(lock, "hashicorp/null") {
		t.Errorf("lockfile content wrong: %s", lock)
	}
}

func TestGetTerraformLockfileMissing(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{"mod/main.tf": "x"})
	data, err := Package(fs, "mod")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := GetTerraformLockfile(data); err == nil {
		t.Fatal("expected error for missing lockfile")
	}
}

func TestUnpack(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"mod/main.tf":      "content",
		"mod/sub/other.tf": "nested",
	})
	data, err := Package(fs, "mod")
	if err != nil {
		t.Fatal(err)
	}

	dest := afero.NewMemMapFs()
	if err := Unpack(dest, data, "out"); err != nil {
		t.Fatal(err)
	}
	got, err := afero.ReadFile(dest, "out/sub/other.tf")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "nested" {
		t.Errorf("unpacked content = %q", got)
	}
}
