// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package oci

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"
	"oras.land/oras-go/v2/registry"

	"github.com/infraweave-io/infraweave/internal/defs"
)

var fetchLogger = hclog.Default().Named("oci")

// acceptedManifestTypes is what we advertise when fetching manifests.
const acceptedManifestTypes = "application/vnd.oci.image.index.v1+json," +
	"application/vnd.docker.distribution.manifest.list.v2+json," +
	"application/vnd.oci.image.manifest.v1+json"

// Fetcher downloads OCI artifacts over the distribution API and saves them
// as self-contained tarballs for later offline verification.
type Fetcher struct {
	client *retryablehttp.Client

	// OutputDir defaults to /tmp, the writable path in serverless runtimes.
	OutputDir string
}

func NewFetcher() *Fetcher {
	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.Logger = fetchLogger
	return &Fetcher{client: client, OutputDir: "/tmp"}
}

// SaveArtifact downloads one artifact of IMAGE ("registry/repo:tag") and
// writes "<OutputDir>/<tag>.tar.gz". Attestation and signature artifacts are
// located by the "sha256:<digest_hex>" tag convention on the same repository.
// Returns the manifest digest and the tag used.
func (f *Fetcher) SaveArtifact(ctx context.Context, image, token string, artifactType ArtifactType) (string, string, error) {
	ref, err := registry.ParseReference(image)
	if err != nil {
		return "", "", fmt.Errorf("parsing image reference %q: %w", image, err)
	}
	repo := strings.ToLower(ref.Repository)
	tag := ref.Reference
	if tag == "" {
		return "", "", fmt.Errorf("image reference %q lacks tag or digest", image)
	}

	headers, err := f.authHeaders(ctx, ref.Registry, repo, token)
	if err != nil {
		return "", "", err
	}

	manifestBytes, dockerDigest, err := f.fetchManifest(ctx, ref.Registry, repo, tag, headers)
	if err != nil {
		return "", "", err
	}
	digestHex := strings.TrimPrefix(dockerDigest, "sha256:")

	artifactPath := fmt.Sprintf("%s/%s.tar.gz", f.OutputDir, tag)
	switch artifactType {
	case ArtifactMain:
		err = f.saveMainArtifact(ctx, manifestBytes, dockerDigest, ref.Registry, repo, headers, artifactPath)
	case ArtifactAttestation:
		err = f.saveReferrerArtifact(ctx, ref.Registry, repo, digestHex, headers, artifactPath, "attestation", isAttestationLayer)
	case ArtifactSignature:
		err = f.saveReferrerArtifact(ctx, ref.Registry, repo, digestHex, headers, artifactPath, "signature", isSignatureLayer)
	default:
		return "", "", fmt.Errorf("unsupported artifact type %q", artifactType)
	}
	if err != nil {
		return "", "", err
	}

	fetchLogger.Info("saved oci artifact", "digest", dockerDigest, "path", artifactPath)
	return dockerDigest, tag, nil
}

// authHeaders negotiates the per-registry-family authentication scheme.
func (f *Fetcher) authHeaders(ctx context.Context, registryHost, repo, token string) (http.Header, error) {
	headers := http.Header{}
	headers.Set("Accept", acceptedManifestTypes)

	switch {
	case strings.Contains(registryHost, "ghcr.io"):
		tokenURL := fmt.Sprintf("https://ghcr.io/token?service=ghcr.io&scope=repository:%s:pull", repo)
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
		if err != nil {
			return nil, err
		}
		if token != "" {
			basic := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + token))
			req.Header.Set("Authorization", "Basic "+basic)
		}
		bearer, err := f.exchangeToken(req)
		if err != nil {
			return nil, fmt.Errorf("ghcr token exchange: %w", err)
		}
		headers.Set("Authorization", "Bearer "+bearer)

	case strings.Contains(registryHost, "docker.io") || strings.Contains(registryHost, "registry-1.docker.io"):
		tokenURL := fmt.Sprintf("https://auth.docker.io/token?service=registry.docker.io&scope=repository:%s:pull", repo)
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
		if err != nil {
			return nil, err
		}
		bearer, err := f.exchangeToken(req)
		if err != nil {
			return nil, fmt.Errorf("docker hub token exchange: %w", err)
		}
		headers.Set("Authorization", "Bearer "+bearer)

	default:
		username := os.Getenv("REGISTRY_USERNAME")
		password := os.Getenv("REGISTRY_PASSWORD")
		if username != "" && password != "" {
			basic := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
			headers.Set("Authorization", "Basic "+basic)
		}
	}
	return headers, nil
}

func (f *Fetcher) exchangeToken(req *retryablehttp.Request) (string, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token endpoint returned HTTP %d: %s", resp.StatusCode, body)
	}
	var tokenResp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", err
	}
	if tokenResp.Token == "" {
		return "", fmt.Errorf("token response lacked token field")
	}
	return tokenResp.Token, nil
}

func (f *Fetcher) fetchManifest(ctx context.Context, registryHost, repo, reference string, headers http.Header) ([]byte, string, error) {
	manifestURL := fmt.Sprintf("https://%s/v2/%s/manifests/%s", registryHost, repo, reference)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header = headers.Clone()

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("fetching manifest %s: HTTP %d: %s", manifestURL, resp.StatusCode, body)
	}

	dockerDigest := resp.Header.Get("Docker-Content-Digest")
	if dockerDigest == "" {
		return nil, "", fmt.Errorf("registry %s did not return Docker-Content-Digest header", registryHost)
	}
	if !strings.HasPrefix(dockerDigest, "sha256:") {
		return nil, "", fmt.Errorf("manifest digest %q did not start with sha256:", dockerDigest)
	}

	manifestBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return manifestBytes, dockerDigest, nil
}

// fetchBlob downloads a blob, verifying its size when expectedSize >= 0.
func (f *Fetcher) fetchBlob(ctx context.Context, registryHost, repo, blobDigest string, headers http.Header, expectedSize int64) ([]byte, error) {
	blobURL := fmt.Sprintf("https://%s/v2/%s/blobs/%s", registryHost, repo, blobDigest)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header = headers.Clone()
	req.Header.Set("Accept", "*/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching blob %s: HTTP %d", blobDigest, resp.StatusCode)
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if expectedSize >= 0 && int64(len(content)) != expectedSize {
		return nil, defs.Integrityf("blob %s size mismatch: expected %d bytes, got %d", blobDigest, expectedSize, len(content))
	}
	return content, nil
}

// saveMainArtifact pulls the config and every layer so the saved image
// layout is self-contained.
func (f *Fetcher) saveMainArtifact(ctx context.Context, manifestBytes []byte, dockerDigest, registryHost, repo string, headers http.Header, outputPath string) error {
	var manifest struct {
		Config struct {
			Digest string `json:"digest"`
			Size   int64  `json:"size"`
		} `json:"config"`
		Layers []struct {
			Digest string `json:"digest"`
			Size   int64  `json:"size"`
		} `json:"layers"`
	}
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}

	var blobs []Blob
	if manifest.Config.Digest != "" {
		content, err := f.fetchBlob(ctx, registryHost, repo, manifest.Config.Digest, headers, -1)
		if err != nil {
			return err
		}
		blobs = append(blobs, Blob{Digest: manifest.Config.Digest, Content: content})
	}
	for _, layer := range manifest.Layers {
		content, err := f.fetchBlob(ctx, registryHost, repo, layer.Digest, headers, layer.Size)
		if err != nil {
			return err
		}
		blobs = append(blobs, Blob{Digest: layer.Digest, Content: content})
	}
	return WriteImageLayout(outputPath, manifestBytes, dockerDigest, blobs)
}

func isAttestationLayer(mediaType string) bool {
	return strings.Contains(mediaType, "dsse.envelope") || strings.Contains(mediaType, "cosign")
}

func isSignatureLayer(mediaType string) bool {
	return strings.Contains(mediaType, "cosign") || strings.Contains(mediaType, "signature")
}

// saveReferrerArtifact fetches the "sha256:<hex>"-tagged companion manifest
// and saves the first matching layer as a single-blob tarball.
func (f *Fetcher) saveReferrerArtifact(ctx context.Context, registryHost, repo, subjectDigestHex string, headers http.Header, outputPath, name string, match func(string) bool) error {
	tagPattern := "sha256:" + subjectDigestHex
	manifestBytes, _, err := f.fetchManifest(ctx, registryHost, repo, tagPattern, headers)
	if err != nil {
		return fmt.Errorf("no %s found for %s: %w", name, tagPattern, err)
	}

	var manifest struct {
		Layers []struct {
			MediaType string `json:"mediaType"`
			Digest    string `json:"digest"`
			Size      int64  `json:"size"`
		} `json:"layers"`
	}
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return fmt.Errorf("parsing %s manifest: %w", name, err)
	}

	for _, layer := range manifest.Layers {
		if !match(layer.MediaType) {
			continue
		}
		content, err := f.fetchBlob(ctx, registryHost, repo, layer.Digest, headers, layer.Size)
		if err != nil {
			return err
		}
		return WriteBlobBundle(outputPath, name, Blob{Digest: layer.Digest, Content: content})
	}
	return fmt.Errorf("no %s layer found in manifest for %s", name, tagPattern)
}
