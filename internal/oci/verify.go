// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package oci

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/infraweave-io/infraweave/internal/attest"
	"github.com/infraweave-io/infraweave/internal/defs"
)

// VerifyArtifactsOffline verifies a previously saved artifact set without
// network access: main artifact integrity, the SLSA attestation against the
// operator policy, and the cosign signature.
func VerifyArtifactsOffline(ctx context.Context, artifactSet *defs.OciArtifactSet, dir string, config attest.VerificationConfig) error {
	fetchLogger.Info("starting offline verification", "digest", artifactSet.Digest)

	if err := VerifyMainArtifact(dir+"/"+artifactSet.TagMain+".tar.gz", artifactSet.Digest); err != nil {
		return err
	}

	if artifactSet.TagAttestation == "" {
		return defs.Integrityf("artifact set %s has no attestation", artifactSet.Digest)
	}
	attestation, err := ReadBlobBundle(dir+"/"+artifactSet.TagAttestation+".tar.gz", "attestation")
	if err != nil {
		return err
	}
	subjectHex := strings.TrimPrefix(artifactSet.Digest, "sha256:")
	if err := attest.VerifySLSAProvenance(ctx, attestation.Content, subjectHex, config); err != nil {
		return err
	}

	if artifactSet.TagSignature == "" {
		return defs.Integrityf("artifact set %s has no signature", artifactSet.Digest)
	}
	signature, err := ReadBlobBundle(dir+"/"+artifactSet.TagSignature+".tar.gz", "signature")
	if err != nil {
		return err
	}
	if err := attest.VerifyCosignSignature(signature.Content, artifactSet.Digest); err != nil {
		return err
	}

	fetchLogger.Info("offline verification completed", "digest", artifactSet.Digest)
	return nil
}

// VerifyMainArtifact checks a saved image layout: every blob hashes to its
// filename, the manifest matches the expected digest, and the layer blob
// count matches the manifest's declared layers.
func VerifyMainArtifact(tarballPath, expectedDigest string) error {
	artifact, err := parseArtifact(tarballPath)
	if err != nil {
		return err
	}

	expectedHex := strings.TrimPrefix(expectedDigest, "sha256:")
	manifestBytes, ok := artifact.blobs[expectedHex]
	if !ok {
		return defs.Integrityf("manifest blob %s not found in %s", expectedHex, tarballPath)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}
	configHex := strings.TrimPrefix(manifest.Config.Digest.String(), "sha256:")

	layerCount := 0
	for filename, content := range artifact.blobs {
		computed := sha256.Sum256(content)
		computedHex := hex.EncodeToString(computed[:])
		if computedHex != filename {
			return defs.Integrityf("blob digest mismatch for %s: computed %s", filename, computedHex)
		}
		if filename != expectedHex && filename != configHex {
			layerCount++
		}
	}

	if len(manifest.Layers) != layerCount {
		return defs.Integrityf(
			"layer count mismatch: manifest declares %d layers but found %d layer files",
			len(manifest.Layers), layerCount,
		)
	}

	return verifyManifestIntegrity(manifestBytes, manifest.Layers, expectedDigest)
}

// verifyManifestIntegrity re-hashes the manifest against the subject digest,
// validates layer digest formats, and warns on suspicious layer patterns.
func verifyManifestIntegrity(manifestBytes []byte, layers []ocispec.Descriptor, subjectDigest string) error {
	computed := sha256.Sum256(manifestBytes)
	computedDigest := "sha256:" + hex.EncodeToString(computed[:])
	if subjectDigest != computedDigest {
		return defs.Integrityf("manifest digest mismatch: expected %s, computed %s", subjectDigest, computedDigest)
	}

	for i, layer := range layers {
		digestStr := layer.Digest.String()
		if !strings.HasPrefix(digestStr, "sha256:") {
			return defs.Integrityf("layer %d has invalid digest format: %s", i, digestStr)
		}
		digestHex := strings.TrimPrefix(digestStr, "sha256:")
		if len(digestHex) != 64 {
			return defs.Integrityf("layer %d has invalid digest length: %d", i, len(digestHex))
		}
		for _, c := range digestHex {
			if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
				return defs.Integrityf("layer %d digest contains invalid hex characters", i)
			}
		}
	}

	// Excessive duplicate sizes or empty layers are suspicious but not fatal.
	sizes := make([]int64, 0, len(layers))
	for _, layer := range layers {
		sizes = append(sizes, layer.Size)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i] < sizes[j] })
	duplicates := 0
	for i := 1; i < len(sizes); i++ {
		if sizes[i] == sizes[i-1] && sizes[i] > 1024 {
			duplicates++
		}
	}
	if duplicates > len(layers)/2 {
		fetchLogger.Warn("high number of duplicate layer sizes", "count", duplicates)
	}

	empty := 0
	for _, layer := range layers {
		if layer.Size == 0 {
			empty++
		}
	}
	if empty > 3 {
		fetchLogger.Warn("excessive empty layers", "count", empty)
	}
	return nil
}
