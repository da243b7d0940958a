// SPDX-License-Identifier: MIT

package snapshot

import "fmt"

// buildMuxArgs chooses one of the four argument variants from the desktop
// audio / microphone audio combination and returns the full ffmpeg argument
// list. Video is always stream-copied from the concat manifest; audio (when
// present) is re-encoded to AAC because the source WAVs are uncompressed
// PCM. All variants place the moov atom at the front of the file so the
// clip is playable before fully downloaded.
func buildMuxArgs(opts Options, desc *descriptor) ([]string, error) {
	base := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", desc.manifestName,
	}

	seekSec := desc.audioSeek.Seconds()

	switch {
	case desc.useDesktop && desc.useMic:
		return append(base,
			"-ss", fmt.Sprintf("%.3f", seekSec),
			"-i", opts.Desktop.Path,
			"-ss", fmt.Sprintf("%.3f", seekSec),
			"-i", opts.Mic.Path,
			"-filter_complex", "[1:a][2:a]amix=inputs=2:duration=first[aout]",
			"-map", "0:v",
			"-map", "[aout]",
			"-c:v", "copy",
			"-c:a", "aac", "-b:a", "192k",
			"-movflags", "+faststart",
			desc.outputPath,
		), nil

	case desc.useDesktop:
		return append(base,
			"-ss", fmt.Sprintf("%.3f", seekSec),
			"-i", opts.Desktop.Path,
			"-map", "0:v",
			"-map", "1:a",
			"-c:v", "copy",
			"-c:a", "aac", "-b:a", "192k",
			"-shortest",
			"-movflags", "+faststart",
			desc.outputPath,
		), nil

	case desc.useMic:
		return append(base,
			"-ss", fmt.Sprintf("%.3f", seekSec),
			"-i", opts.Mic.Path,
			"-map", "0:v",
			"-map", "1:a",
			"-c:v", "copy",
			"-c:a", "aac", "-b:a", "192k",
			"-shortest",
			"-movflags", "+faststart",
			desc.outputPath,
		), nil

	default:
		return append(base,
			"-map", "0:v",
			"-c:v", "copy",
			"-movflags", "+faststart",
			desc.outputPath,
		), nil
	}
}
