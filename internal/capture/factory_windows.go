// SPDX-License-Identifier: MIT

//go:build windows

package capture

import (
	"context"
	"log/slog"
)

// NewDuplicator opens the platform's desktop-duplication backend for the
// given monitor ordinal. ctx is accepted for signature parity with the
// Linux portal backend, which needs it for the session-negotiation D-Bus
// calls; DXGI's own setup is synchronous and ignores it.
func NewDuplicator(ctx context.Context, monitorIndex int, logger *slog.Logger) (Duplicator, error) {
	return NewDXGIDuplicator(monitorIndex, logger)
}
