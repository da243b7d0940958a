// SPDX-License-Identifier: MIT

//go:build linux

package capture

import (
	"context"
	"log/slog"
)

// NewDuplicator opens the platform's desktop-duplication backend for the
// given monitor ordinal.
func NewDuplicator(ctx context.Context, monitorIndex int, logger *slog.Logger) (Duplicator, error) {
	return NewPortalDuplicator(ctx, monitorIndex, logger)
}
