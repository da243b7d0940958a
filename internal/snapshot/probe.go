// SPDX-License-Identifier: MIT

package snapshot

import (
	"fmt"
	"time"

	astiav "github.com/asticode/go-astiav"
)

// probeDuration opens path just far enough to read its container duration,
// without decoding any frames. Used to sanity-check the concatenated clip's
// actual length against the segment-count estimate before reporting success.
func probeDuration(path string) (time.Duration, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return 0, fmt.Errorf("snapshot: alloc format context")
	}
	defer fc.Free()

	if err := fc.OpenInput(path, nil, nil); err != nil {
		return 0, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	defer fc.CloseInput()

	if err := fc.FindStreamInfo(nil); err != nil {
		return 0, fmt.Errorf("snapshot: probe stream info: %w", err)
	}

	// FormatContext.Duration is in AV_TIME_BASE units (microseconds).
	d := fc.Duration()
	if d <= 0 {
		return 0, fmt.Errorf("snapshot: no duration reported for %s", path)
	}
	return time.Duration(d) * time.Microsecond, nil
}
