// SPDX-License-Identifier: MIT

// Package snapshot builds a finished clip from the tail of the current
// segment buffer plus whatever audio sidecars are recording, on demand (a
// hotkey press, a websocket command).
package snapshot

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sigurn/crc16"
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// writeManifest writes an ffmpeg concat-demuxer manifest naming segments by
// basename only (not absolute path): the mux subprocess is run with its
// working directory pinned to segDir, so a manifest that outlives a rename
// of the parent directory still resolves correctly, and the file itself
// contains no path information that would need escaping for ffmpeg's concat
// quoting rules.
//
// The manifest is immediately read back and checksummed against what was
// written. A concat file half-written when the process handling it is
// killed would otherwise hand ffmpeg a truncated segment list silently; the
// checksum turns that into a caught error instead of a clip missing its
// last few seconds.
func writeManifest(segDir string, basenames []string) (path string, cleanup func(), err error) {
	var buf bytes.Buffer
	for _, name := range basenames {
		fmt.Fprintf(&buf, "file '%s'\n", name)
	}
	content := buf.Bytes()
	wantCRC := crc16.Checksum(content, crcTable)

	f, err := os.CreateTemp(segDir, "concat-*.txt")
	if err != nil {
		return "", nil, fmt.Errorf("snapshot: create manifest: %w", err)
	}
	manifestPath := f.Name()
	cleanup = func() { _ = os.Remove(manifestPath) }

	if _, err := f.Write(content); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("snapshot: write manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("snapshot: close manifest: %w", err)
	}

	got, err := os.ReadFile(manifestPath)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("snapshot: read back manifest: %w", err)
	}
	if crc16.Checksum(got, crcTable) != wantCRC {
		cleanup()
		return "", nil, fmt.Errorf("snapshot: manifest checksum mismatch, half-written file")
	}

	return filepath.Base(manifestPath), cleanup, nil
}
