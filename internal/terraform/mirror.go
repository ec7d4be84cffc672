// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package terraform

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/afero"

	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/store"
)

// ProviderArtifactCategories are the files cached per provider pin: the
// platform-side publisher uploads all three so air-gapped runners can verify
// checksums and signatures.
var ProviderArtifactCategories = []string{"provider_binary", "shasum", "signature"}

// registryDownloadResponse is the OpenTofu registry API download answer.
type registryDownloadResponse struct {
	DownloadURL         string `json:"download_url"`
	Shasum              string `json:"shasum"`
	ShasumsURL          string `json:"shasums_url"`
	ShasumsSignatureURL string `json:"shasums_signature_url"`
	Filename            string `json:"filename"`
}

func registryAPIHostname() string {
	if hostname := os.Getenv("REGISTRY_API_HOSTNAME"); hostname != "" {
		return hostname
	}
	return "registry.opentofu.org"
}

// GetProviderURLKey resolves one provider artifact through the registry API.
// It returns the upstream download URL and the storage key the platform files
// the artifact under: "<hostname>/<namespace>/<provider>/<file>". Target is
// "<os>_<arch>", e.g. "linux_arm64".
func GetProviderURLKey(ctx context.Context, client *retryablehttp.Client, provider defs.TfLockProvider, target, category string) (string, string, error) {
	parts := strings.Split(provider.Source, "/")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("provider source %q is not hostname-qualified", provider.Source)
	}
	namespace, name := parts[1], parts[2]

	osName, arch, ok := strings.Cut(target, "_")
	if !ok {
		return "", "", fmt.Errorf("invalid target format: %s", target)
	}

	hostname := registryAPIHostname()
	registryURL := fmt.Sprintf("https://%s/v1/providers/%s/%s/%s/download/%s/%s",
		hostname, namespace, name, provider.Version, osName, arch)

	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", registryURL, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", "infraweave")
	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("querying registry API: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", "", fmt.Errorf("registry API returned %s for %s", resp.Status, registryURL)
	}
	var download registryDownloadResponse
	if err := json.NewDecoder(resp.Body).Decode(&download); err != nil {
		return "", "", fmt.Errorf("parsing registry API response: %w", err)
	}

	downloadURL, file, err := selectArtifact(download, category)
	if err != nil {
		return "", "", err
	}
	key := fmt.Sprintf("%s/%s/%s/%s", hostname, namespace, name, file)
	return downloadURL, key, nil
}

// selectArtifact picks the URL and filename for one artifact category.
func selectArtifact(download registryDownloadResponse, category string) (string, string, error) {
	switch category {
	case "provider_binary":
		return download.DownloadURL, download.Filename, nil
	case "shasum":
		return download.ShasumsURL, urlBasename(download.ShasumsURL, "SHA256SUMS"), nil
	case "signature":
		return download.ShasumsSignatureURL, urlBasename(download.ShasumsSignatureURL, "SHA256SUMS.sig"), nil
	default:
		return "", "", fmt.Errorf("invalid category: %s", category)
	}
}

func urlBasename(url, fallback string) string {
	if idx := strings.LastIndex(url, "/"); idx >= 0 && idx+1 < len(url) {
		return url[idx+1:]
	}
	return fallback
}

// SetUpProviderMirror pre-downloads every pinned provider from the platform's
// providers bucket into a filesystem mirror so init never reaches the public
// registry. Callers tolerate errors: a missing artifact falls back to direct
// installation.
func SetUpProviderMirror(ctx context.Context, fs afero.Fs, s store.Store, providers []defs.TfLockProvider, target, mirrorDir string) error {
	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.Logger = logger

	for _, provider := range providers {
		for _, category := range ProviderArtifactCategories {
			_, key, err := GetProviderURLKey(ctx, client, provider, target, category)
			if err != nil {
				return fmt.Errorf("resolving %s for %s %s: %w", category, provider.Source, provider.Version, err)
			}
			blob, err := s.GetObject(ctx, key, store.BucketProviders)
			if err != nil {
				return fmt.Errorf("fetching %s from providers bucket: %w", key, err)
			}
			path := filepath.Join(mirrorDir, filepath.FromSlash(key))
			if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := afero.WriteFile(fs, path, blob, 0o644); err != nil {
				return fmt.Errorf("writing mirror file %s: %w", path, err)
			}
		}
		logger.Info("mirrored provider", "source", provider.Source, "version", provider.Version)
	}
	return nil
}

// WriteMirrorConfig writes a CLI config that serves providers from the local
// mirror, and returns its path for TF_CLI_CONFIG_FILE.
func WriteMirrorConfig(fs afero.Fs, dir, mirrorDir string) (string, error) {
	content := fmt.Sprintf(`provider_installation {
    filesystem_mirror {
        path    = %q
        include = ["*/*/*"]
    }
    direct {}
}
`, mirrorDir)
	path := filepath.Join(dir, ".terraformrc")
	if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}
