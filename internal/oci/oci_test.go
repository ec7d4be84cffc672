// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package oci

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/infraweave-io/infraweave/internal/defs"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func testZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("main.tf")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(`resource "null_resource" "x" {}` + "\n")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// buildManifest returns manifest bytes, its digest, and the blobs.
func buildArtifact(t *testing.T, layerMediaType string) (manifestBytes []byte, manifestDigest string, blobs []Blob) {
	t.Helper()
	zipBytes := testZip(t)

	module := defs.Module{Module: "s3bucket", Version: "0.1.2"}
	configBytes, err := json.Marshal(map[string]any{"module": module})
	if err != nil {
		t.Fatal(err)
	}

	manifest := map[string]any{
		"schemaVersion": 2,
		"mediaType":     "application/vnd.oci.image.manifest.v1+json",
		"config": map[string]any{
			"mediaType": "application/vnd.oci.image.config.v1+json",
			"digest":    "sha256:" + sha256Hex(configBytes),
			"size":      len(configBytes),
		},
		"layers": []map[string]any{{
			"mediaType": layerMediaType,
			"digest":    "sha256:" + sha256Hex(zipBytes),
			"size":      len(zipBytes),
		}},
	}
	manifestBytes, err = json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}
	manifestDigest = "sha256:" + sha256Hex(manifestBytes)
	blobs = []Blob{
		{Digest: "sha256:" + sha256Hex(configBytes), Content: configBytes},
		{Digest: "sha256:" + sha256Hex(zipBytes), Content: zipBytes},
	}
	return manifestBytes, manifestDigest, blobs
}

func TestImageLayoutRoundtrip(t *testing.T) {
	manifestBytes, manifestDigest, blobs := buildArtifact(t, ZipLayerMediaType)
	tarballPath := filepath.Join(t.TempDir(), "artifact.tar.gz")
	if err := WriteImageLayout(tarballPath, manifestBytes, manifestDigest, blobs); err != nil {
		t.Fatalf("writing layout: %v", err)
	}

	if err := VerifyMainArtifact(tarballPath, manifestDigest); err != nil {
		t.Fatalf("verification failed: %v", err)
	}

	zipBytes, err := ModuleZipFromTarball(tarballPath)
	if err != nil {
		t.Fatalf("extracting zip: %v", err)
	}
	if !bytes.Equal(zipBytes, blobs[1].Content) {
		t.Error("extracted zip differs from packaged zip")
	}

	module, err := ModuleManifestFromTarball(tarballPath)
	if err != nil {
		t.Fatalf("extracting module descriptor: %v", err)
	}
	if module.Module != "s3bucket" || module.Version != "0.1.2" {
		t.Errorf("unexpected module descriptor: %+v", module)
	}
}

func TestVerifyMainArtifactRejectsTamperedBlob(t *testing.T) {
	manifestBytes, manifestDigest, blobs := buildArtifact(t, ZipLayerMediaType)
	// Corrupt the layer content without updating its digest.
	blobs[1].Content = append([]byte{}, blobs[1].Content...)
	blobs[1].Content[0] ^= 0xff

	tarballPath := filepath.Join(t.TempDir(), "artifact.tar.gz")
	if err := WriteImageLayout(tarballPath, manifestBytes, manifestDigest, blobs); err != nil {
		t.Fatal(err)
	}

	err := VerifyMainArtifact(tarballPath, manifestDigest)
	if err == nil {
		t.Fatal("expected integrity failure for tampered blob")
	}
	var integrityErr *defs.IntegrityError
	if !errors.As(err, &integrityErr) {
		t.Errorf("expected IntegrityError, got %T: %v", err, err)
	}
}

func TestVerifyMainArtifactRejectsWrongDigest(t *testing.T) {
	manifestBytes, manifestDigest, blobs := buildArtifact(t, ZipLayerMediaType)
	tarballPath := filepath.Join(t.TempDir(), "artifact.tar.gz")
	if err := WriteImageLayout(tarballPath, manifestBytes, manifestDigest, blobs); err != nil {
		t.Fatal(err)
	}

	other := "sha256:" + strings.Repeat("ab", 32)
	if err := VerifyMainArtifact(tarballPath, other); err == nil {
		t.Fatal("expected failure for mismatched expected digest")
	}
}

func TestVerifyMainArtifactLayerCountMismatch(t *testing.T) {
	manifestBytes, manifestDigest, blobs := buildArtifact(t, ZipLayerMediaType)
	extra := []byte("unexpected layer")
	blobs = append(blobs, Blob{Digest: "sha256:" + sha256Hex(extra), Content: extra})

	tarballPath := filepath.Join(t.TempDir(), "artifact.tar.gz")
	if err := WriteImageLayout(tarballPath, manifestBytes, manifestDigest, blobs); err != nil {
		t.Fatal(err)
	}

	err := VerifyMainArtifact(tarballPath, manifestDigest)
	if err == nil || !strings.Contains(err.Error(), "layer count mismatch") {
		t.Fatalf("expected layer count mismatch, got %v", err)
	}
}

func TestBlobBundleRoundtrip(t *testing.T) {
	bundlePath := filepath.Join(t.TempDir(), "att.tar.gz")
	in := Blob{Digest: "sha256:" + strings.Repeat("0", 64), Content: []byte(`{"payload":"x"}`)}
	if err := WriteBlobBundle(bundlePath, "attestation", in); err != nil {
		t.Fatal(err)
	}
	out, err := ReadBlobBundle(bundlePath, "attestation")
	if err != nil {
		t.Fatal(err)
	}
	if out.Digest != in.Digest || !bytes.Equal(out.Content, in.Content) {
		t.Errorf("roundtrip mismatch: %+v", out)
	}
}

func TestModuleZipFromLegacyLayer(t *testing.T) {
	// Legacy artifacts carry the module as tar.gz instead of zip.
	var tarGz bytes.Buffer
	func() {
		w := newTarWriter(&tarGz)
		if err := w.file("main.tf", []byte("# legacy\n")); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
	}()

	module := defs.Module{Module: "legacy", Version: "0.0.1"}
	configBytes, _ := json.Marshal(map[string]any{"module": module})
	manifest := map[string]any{
		"schemaVersion": 2,
		"config": map[string]any{
			"mediaType": "application/vnd.oci.image.config.v1+json",
			"digest":    "sha256:" + sha256Hex(configBytes),
			"size":      len(configBytes),
		},
		"layers": []map[string]any{{
			"mediaType": legacyLayerMediaType,
			"digest":    "sha256:" + sha256Hex(tarGz.Bytes()),
			"size":      tarGz.Len(),
		}},
	}
	manifestBytes, _ := json.Marshal(manifest)
	manifestDigest := "sha256:" + sha256Hex(manifestBytes)

	tarballPath := filepath.Join(t.TempDir(), "legacy.tar.gz")
	err := WriteImageLayout(tarballPath, manifestBytes, manifestDigest, []Blob{
		{Digest: "sha256:" + sha256Hex(configBytes), Content: configBytes},
		{Digest: "sha256:" + sha256Hex(tarGz.Bytes()), Content: tarGz.Bytes()},
	})
	if err != nil {
		t.Fatal(err)
	}

	zipBytes, err := ModuleZipFromTarball(tarballPath)
	if err != nil {
		t.Fatalf("converting legacy layer: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		t.Fatalf("converted bytes are not a zip: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "main.tf" {
		t.Errorf("unexpected converted zip contents: %v", zr.File)
	}
}
