// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

// Package archive packages module directories into deterministic ZIP files
// and reads Terraform sources back out of them.
package archive

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
)

// MaxModuleSize caps the uncompressed size of a packaged module unless
// BYPASS_FILE_SIZE_CHECK is set. Modules should hold sources, not payloads.
const MaxModuleSize = 1024 * 1024

// ignorePatterns are never packaged: VCS internals, local terraform state
// and workspace files, and variable files that would leak operator values.
var ignorePatterns = []string{
	".git/**",
	"**/.git/**",
	".terraform/**",
	"**/.terraform/**",
	"terraform.tfstate*",
	"**/terraform.tfstate*",
	"terraform.tfvars*",
	"**/terraform.tfvars*",
	".terraformrc",
	"**/.terraformrc",
	"*.auto.tfvars*",
	"**/*.auto.tfvars*",
}

func ignored(relPath string) bool {
	for _, pattern := range ignorePatterns {
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return true
		}
	}
	return false
}

// Package builds a deterministic ZIP of dir: entries are sorted, timestamps
// zeroed, and the ignore list applied. Paths inside the archive are relative
// to dir.
func Package(fs afero.Fs, dir string) ([]byte, error) {
	var files []string
	var total int64
	err := afero.Walk(fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, dir), "/")
		if rel == "" {
			return nil
		}
		if info.IsDir() {
			if ignored(rel + "/") {
				return nil
			}
			return nil
		}
		if ignored(rel) {
			return nil
		}
		files = append(files, rel)
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk module directory: %w", err)
	}

	if total > MaxModuleSize && os.Getenv("BYPASS_FILE_SIZE_CHECK") == "" {
		return nil, fmt.Errorf(
			"module directory is %d bytes uncompressed which exceeds the %d byte limit, set BYPASS_FILE_SIZE_CHECK=true to override",
			total, MaxModuleSize,
		)
	}

	sort.Strings(files)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, rel := range files {
		hdr := &zip.FileHeader{Name: rel, Method: zip.Deflate}
		// Zero modification time keeps the archive byte-stable across runs.
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, err
		}
		f, err := fs.Open(path.Join(dir, rel))
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(w, f); err != nil {
			f.Close()
			return nil, err
		}
		f.Close()
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Merge combines archives into one; on duplicate paths the earliest archive
// wins.
func Merge(archives ...[]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	seen := map[string]struct{}{}
	for _, data := range archives {
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to read zip for merge: %w", err)
		}
		for _, f := range zr.File {
			if _, dup := seen[f.Name]; dup {
				continue
			}
			seen[f.Name] = struct{}{}
			w, err := zw.CreateHeader(&zip.FileHeader{Name: f.Name, Method: zip.Deflate})
			if err != nil {
				return nil, err
			}
			r, err := f.Open()
			if err != nil {
				return nil, err
			}
			if _, err := io.Copy(w, r); err != nil {
				r.Close()
				return nil, err
			}
			r.Close()
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadTfFromZip concatenates every .tf file in the archive, sorted by path,
// into a single string.
func ReadTfFromZip(zipData []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return "", fmt.Errorf("failed to open zip: %w", err)
	}
	names := make([]string, 0, len(zr.File))
	byName := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, ".tf") {
			names = append(names, f.Name)
			byName[f.Name] = f
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no .tf files found in zip")
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		r, err := byName[name].Open()
		if err != nil {
			return "", err
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return "", err
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// ReadFilesBySuffix returns every entry whose name ends in suffix, keyed by
// base name. Policy bundles are read this way to collect their .rego files.
func ReadFilesBySuffix(zipData []byte, suffix string) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}
	files := make(map[string][]byte)
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, suffix) || f.FileInfo().IsDir() {
			continue
		}
		r, err := f.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return nil, err
		}
		files[path.Base(f.Name)] = data
	}
	return files, nil
}

// ReadFileFromZip returns the contents of a single named entry.
func ReadFileFromZip(zipData []byte, name string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}
	for _, f := range zr.File {
		if f.Name == name || path.Base(f.Name) == name {
			r, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer r.Close()
			return io.ReadAll(r)
		}
	}
	return nil, fmt.Errorf("no %s found in zip file", name)
}

// GetTerraformLockfile returns the .terraform.lock.hcl entry; publishing
// requires it so runners and stack composition see identical pins.
func GetTerraformLockfile(zipData []byte) (string, error) {
	data, err := ReadFileFromZip(zipData, ".terraform.lock.hcl")
	if err != nil {
		return "", fmt.Errorf("no .terraform.lock.hcl found in zip file, run terraform init and commit the lockfile")
	}
	return string(data), nil
}

// Unpack extracts the archive under destDir. Entry paths are sanitised
// against traversal.
func Unpack(fs afero.Fs, zipData []byte, destDir string) error {
	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	for _, f := range zr.File {
		clean := path.Clean(f.Name)
		if strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
			return fmt.Errorf("zip entry %q escapes destination directory", f.Name)
		}
		target := path.Join(destDir, clean)
		if f.FileInfo().IsDir() {
			if err := fs.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := fs.MkdirAll(path.Dir(target), 0o755); err != nil {
			return err
		}
		r, err := f.Open()
		if err != nil {
			return err
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return err
		}
		if err := afero.WriteFile(fs, target, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// ReadTfDirectory concatenates the top-level .tf files of dir, sorted.
func ReadTfDirectory(fs afero.Fs, dir string) (string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".tf") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		data, err := afero.ReadFile(fs, path.Join(dir, name))
		if err != nil {
			return "", err
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	return b.String(), nil
}
