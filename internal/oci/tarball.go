// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

// Package oci packages module ZIPs as OCI artifacts, retrieves artifacts
// (manifest, blobs, attestation, signature) from any distribution-compliant
// registry into self-contained tarballs, and verifies them offline.
package oci

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/infraweave-io/infraweave/internal/defs"
)

// ZipLayerMediaType is the layer media type for module packages.
const ZipLayerMediaType = "application/vnd.infraweave.module.v1.zip"

// legacyLayerMediaType marks packages published before the ZIP layer format.
const legacyLayerMediaType = "application/vnd.oci.image.layer.v1.tar+gzip"

// Blob is a fetched registry blob together with its digest.
type Blob struct {
	Digest  string
	Content []byte
}

// ArtifactType selects which artifact of a set a fetch targets.
type ArtifactType string

const (
	ArtifactMain        ArtifactType = "main"
	ArtifactAttestation ArtifactType = "attestation"
	ArtifactSignature   ArtifactType = "signature"
)

type layoutFile struct {
	ImageLayoutVersion string `json:"imageLayoutVersion"`
}

type indexEntry struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

type indexJSON struct {
	SchemaVersion int          `json:"schemaVersion"`
	Manifests     []indexEntry `json:"manifests"`
}

// tarWriter wraps a gzip tar stream and writes entries with zeroed metadata
// so repeated packaging of the same artifact is byte-identical.
type tarWriter struct {
	gz  *gzip.Writer
	tar *tar.Writer
}

func newTarWriter(w io.Writer) *tarWriter {
	gz := gzip.NewWriter(w)
	return &tarWriter{gz: gz, tar: tar.NewWriter(gz)}
}

func (w *tarWriter) dir(name string) error {
	return w.tar.WriteHeader(&tar.Header{
		Name:     name,
		Typeflag: tar.TypeDir,
		Mode:     0o755,
	})
}

func (w *tarWriter) file(name string, content []byte) error {
	if err := w.tar.WriteHeader(&tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(content)),
	}); err != nil {
		return err
	}
	_, err := w.tar.Write(content)
	return err
}

func (w *tarWriter) Close() error {
	if err := w.tar.Close(); err != nil {
		return err
	}
	return w.gz.Close()
}

// WriteImageLayout writes an OCI image layout tarball: oci-layout, index.json
// with a single manifest entry, and blobs/sha256/<hex> for the manifest plus
// every supplied blob (config and layers).
func WriteImageLayout(outputPath string, manifestBytes []byte, manifestDigest string, blobs []Blob) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := newTarWriter(f)

	layoutBytes, err := json.Marshal(layoutFile{ImageLayoutVersion: "1.0.0"})
	if err != nil {
		return err
	}
	if err := w.file("oci-layout", layoutBytes); err != nil {
		return err
	}
	if err := w.dir("blobs/"); err != nil {
		return err
	}
	if err := w.dir("blobs/sha256/"); err != nil {
		return err
	}

	manifestHex := strings.TrimPrefix(manifestDigest, "sha256:")
	if err := w.file("blobs/sha256/"+manifestHex, manifestBytes); err != nil {
		return err
	}

	idxBytes, err := json.Marshal(indexJSON{
		SchemaVersion: 2,
		Manifests: []indexEntry{{
			MediaType: ocispec.MediaTypeImageManifest,
			Digest:    manifestDigest,
			Size:      int64(len(manifestBytes)),
		}},
	})
	if err != nil {
		return err
	}
	if err := w.file("index.json", idxBytes); err != nil {
		return err
	}

	for _, b := range blobs {
		hex := strings.TrimPrefix(b.Digest, "sha256:")
		if err := w.file("blobs/sha256/"+hex, b.Content); err != nil {
			return err
		}
	}
	return w.Close()
}

// WriteBlobBundle writes a single-blob tarball holding "<name>.json" plus
// "digest.txt" with the blob's digest. Used for attestations and signatures.
func WriteBlobBundle(outputPath, name string, blob Blob) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer f.Close()

	w := newTarWriter(f)
	if err := w.file(name+".json", blob.Content); err != nil {
		return err
	}
	if err := w.file("digest.txt", []byte(blob.Digest)); err != nil {
		return err
	}
	return w.Close()
}

// ReadBlobBundle reads back a tarball written by WriteBlobBundle.
func ReadBlobBundle(bundlePath, name string) (Blob, error) {
	var blob Blob
	var haveContent, haveDigest bool

	err := walkTarball(bundlePath, func(entryPath string, content []byte) error {
		switch entryPath {
		case name + ".json":
			blob.Content = content
			haveContent = true
		case "digest.txt":
			blob.Digest = string(content)
			haveDigest = true
		}
		return nil
	})
	if err != nil {
		return Blob{}, err
	}
	if !haveContent || !haveDigest {
		return Blob{}, fmt.Errorf("incomplete %s data in %s", name, bundlePath)
	}
	return blob, nil
}

// artifactData is a parsed image-layout tarball.
type artifactData struct {
	blobs    map[string][]byte
	manifest ocispec.Manifest
}

func walkTarball(tarballPath string, fn func(entryPath string, content []byte) error) error {
	f, err := os.Open(tarballPath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("reading %s: %w", tarballPath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		if err := fn(path.Clean(hdr.Name), content); err != nil {
			return err
		}
	}
}

func parseArtifact(tarballPath string) (*artifactData, error) {
	var index *indexJSON
	blobs := map[string][]byte{}

	err := walkTarball(tarballPath, func(entryPath string, content []byte) error {
		switch {
		case entryPath == "index.json":
			var idx indexJSON
			if err := json.Unmarshal(content, &idx); err != nil {
				return fmt.Errorf("parsing index.json: %w", err)
			}
			index = &idx
		case strings.HasPrefix(entryPath, "blobs/sha256/"):
			blobs[path.Base(entryPath)] = content
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if index == nil {
		return nil, fmt.Errorf("index.json not found in %s", tarballPath)
	}
	if len(index.Manifests) == 0 {
		return nil, fmt.Errorf("index.json in %s has no manifest entries", tarballPath)
	}

	manifestHex := strings.TrimPrefix(index.Manifests[0].Digest, "sha256:")
	manifestBytes, ok := blobs[manifestHex]
	if !ok {
		return nil, fmt.Errorf("manifest blob %s not found in %s", manifestHex, tarballPath)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &artifactData{blobs: blobs, manifest: manifest}, nil
}

// ModuleZipFromTarball extracts the module ZIP bytes from a saved main
// artifact, converting legacy tar+gzip layers on the fly.
func ModuleZipFromTarball(tarballPath string) ([]byte, error) {
	artifact, err := parseArtifact(tarballPath)
	if err != nil {
		return nil, err
	}
	if len(artifact.manifest.Layers) == 0 {
		return nil, fmt.Errorf("no layers found in manifest of %s", tarballPath)
	}

	layer := artifact.manifest.Layers[0]
	hex := strings.TrimPrefix(layer.Digest.String(), "sha256:")
	content, ok := artifact.blobs[hex]
	if !ok {
		return nil, fmt.Errorf("layer blob %s not found in %s", hex, tarballPath)
	}

	switch {
	case strings.Contains(layer.MediaType, "infraweave.module") && strings.Contains(layer.MediaType, "zip"):
		return content, nil
	case strings.Contains(layer.MediaType, "tar+gzip") || strings.Contains(layer.MediaType, "tar.gz"):
		return targzToZip(content)
	default:
		return nil, fmt.Errorf("unsupported layer media type %q", layer.MediaType)
	}
}

// ModuleManifestFromTarball reads the module descriptor from the config
// blob's "module" key.
func ModuleManifestFromTarball(tarballPath string) (*defs.Module, error) {
	artifact, err := parseArtifact(tarballPath)
	if err != nil {
		return nil, err
	}
	hex := strings.TrimPrefix(artifact.manifest.Config.Digest.String(), "sha256:")
	configContent, ok := artifact.blobs[hex]
	if !ok {
		return nil, fmt.Errorf("config blob %s not found in %s", hex, tarballPath)
	}

	var config struct {
		Module *defs.Module `json:"module"`
	}
	if err := json.Unmarshal(configContent, &config); err != nil {
		return nil, fmt.Errorf("parsing config blob: %w", err)
	}
	if config.Module == nil {
		return nil, fmt.Errorf("no module descriptor found in config blob of %s", tarballPath)
	}
	return config.Module, nil
}

// targzToZip re-packages a legacy tar.gz layer as a ZIP so the rest of the
// pipeline only ever sees ZIPs.
func targzToZip(targz []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(targz))
	if err != nil {
		return nil, fmt.Errorf("reading legacy layer: %w", err)
	}
	defer gz.Close()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:   path.Clean(hdr.Name),
			Method: zip.Deflate,
		})
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(w, tr); err != nil { //nolint:gosec // in-memory re-packaging of an already size-checked layer
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DiffID computes the digest of the ZIP content for the image config rootfs.
func DiffID(zipBytes []byte) string {
	return digest.FromBytes(zipBytes).String()
}
