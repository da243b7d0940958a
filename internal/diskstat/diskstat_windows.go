// SPDX-License-Identifier: MIT

//go:build windows

// Package diskstat reports free/total disk space for the health endpoint's
// low-disk warning.
package diskstat

import "golang.org/x/sys/windows"

// Usage reports the free and total byte capacity of the volume containing
// path.
func Usage(path string) (free, total uint64, err error) {
	ptr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, err
	}

	var freeAvail, totalBytes, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(ptr, &freeAvail, &totalBytes, &totalFree); err != nil {
		return 0, 0, err
	}
	return freeAvail, totalBytes, nil
}
