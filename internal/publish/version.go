// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package publish

import (
	"context"
	"errors"
	"fmt"

	goversion "github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"

	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/store"
)

func decodeManifest(raw []byte) (*defs.ModuleManifest, error) {
	var manifest defs.ModuleManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &manifest, nil
}

// compareLatestVersion ensures the new version sorts strictly after the
// latest published one on the track and returns that latest version for the
// diff. A new build of the same version is allowed (build metadata does not
// participate in precedence). Versions starting with 0.0.0 skip the check,
// they are reserved for pipeline testing.
func compareLatestVersion(ctx context.Context, s store.Store, moduleType defs.ModuleType, module, version, track string) (*defs.Module, error) {
	if len(version) >= 5 && version[:5] == "0.0.0" {
		logger.Warn("skipping version check for unreleased version", "version", version)
		return nil, nil
	}

	latest, err := s.GetLatestModuleVersion(ctx, moduleType, track, module)
	if err != nil {
		if errors.Is(err, defs.ErrNotFound) {
			logger.Info("first version on track", "module", module, "track", track)
			return nil, nil
		}
		return nil, fmt.Errorf("fetching latest %s version: %w", moduleType, err)
	}

	newVersion, err := goversion.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("parsing version %q: %w", version, err)
	}
	latestVersion, err := goversion.NewVersion(latest.Version)
	if err != nil {
		return nil, fmt.Errorf("parsing published version %q: %w", latest.Version, err)
	}

	switch newVersion.Compare(latestVersion) {
	case 0:
		if newVersion.Metadata() == latestVersion.Metadata() {
			return nil, defs.Validationf(
				"%s version %s already exists in track %s", moduleType, version, track,
			)
		}
		logger.Info("newer build of same version",
			"previous", latestVersion.Metadata(), "new", newVersion.Metadata())
		return latest, nil
	case -1:
		return nil, defs.Validationf(
			"%s version %s is older than the latest version %s in track %s",
			moduleType, version, latest.Version, track,
		)
	default:
		return latest, nil
	}
}

// trackVersionKey builds the catalog sort key "<track>#<zero-padded>" so a
// lexicographic scan returns versions in semver order.
func trackVersionKey(track, version string) (string, error) {
	padded, err := zeroPadVersion(version)
	if err != nil {
		return "", err
	}
	return track + "#" + padded, nil
}

func zeroPadVersion(version string) (string, error) {
	v, err := goversion.NewVersion(version)
	if err != nil {
		return "", fmt.Errorf("parsing version %q: %w", version, err)
	}
	segments := v.Segments()
	padded := fmt.Sprintf("%03d.%03d.%03d", segments[0], segments[1], segments[2])
	if pre := v.Prerelease(); pre != "" {
		padded += "-" + pre
	}
	if meta := v.Metadata(); meta != "" {
		padded += "+" + meta
	}
	return padded, nil
}
