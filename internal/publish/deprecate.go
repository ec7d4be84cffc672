// Copyright (c) The InfraWeave Authors
// SPDX-License-Identifier: MPL-2.0

package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/infraweave-io/infraweave/internal/defs"
	"github.com/infraweave-io/infraweave/internal/store"
)

// DeprecateModule flags a published version as deprecated so new claims are
// rejected with the message; existing deployments keep working. The latest
// version on a track cannot be deprecated, publish a fixed version first.
func DeprecateModule(ctx context.Context, s store.Store, moduleType defs.ModuleType, track, module, version, message string) error {
	existing, err := s.GetModuleVersion(ctx, moduleType, track, module, version)
	if err != nil {
		if errors.Is(err, defs.ErrNotFound) {
			return defs.Validationf(
				"%s %s version %s not found in track %s", moduleType, module, version, track,
			)
		}
		return fmt.Errorf("fetching %s %s: %w", moduleType, module, err)
	}
	if existing.Deprecated {
		return defs.Validationf(
			"%s %s version %s is already deprecated", moduleType, module, version,
		)
	}

	latest, err := s.GetLatestModuleVersion(ctx, moduleType, track, module)
	if err == nil && latest.Version == version {
		return defs.Validationf(
			"cannot deprecate the latest version (%s) of %s %s in track %s; publish a new version that resolves the issue first",
			version, moduleType, module, track,
		)
	}

	if err := s.SetModuleDeprecation(ctx, moduleType, track, module, version, true, message); err != nil {
		return fmt.Errorf("deprecating %s %s %s: %w", moduleType, module, version, err)
	}
	logger.Info("deprecated", "type", moduleType, "module", module, "version", version, "track", track)
	return nil
}
