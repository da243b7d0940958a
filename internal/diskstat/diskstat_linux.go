// SPDX-License-Identifier: MIT

//go:build linux

// Package diskstat reports free/total disk space for the health endpoint's
// low-disk warning.
package diskstat

import "golang.org/x/sys/unix"

// Usage reports the free and total byte capacity of the filesystem
// containing path.
func Usage(path string) (free, total uint64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	free = stat.Bavail * uint64(stat.Bsize)
	total = stat.Blocks * uint64(stat.Bsize)
	return free, total, nil
}
