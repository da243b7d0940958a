// SPDX-License-Identifier: MIT

package snapshot

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteManifest_ContainsBasenamesOnly(t *testing.T) {
	dir := t.TempDir()
	name, cleanup, err := writeManifest(dir, []string{"seg-000001.mp4", "seg-000002.mp4"})
	if err != nil {
		t.Fatalf("writeManifest: %v", err)
	}
	defer cleanup()

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	want := "file 'seg-000001.mp4'\nfile 'seg-000002.mp4'\n"
	if string(data) != want {
		t.Errorf("manifest = %q, want %q", data, want)
	}
}

func TestWriteManifest_CleanupRemovesFile(t *testing.T) {
	dir := t.TempDir()
	name, cleanup, err := writeManifest(dir, []string{"seg-000001.mp4"})
	if err != nil {
		t.Fatalf("writeManifest: %v", err)
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("manifest should exist before cleanup: %v", err)
	}
	cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected manifest removed after cleanup, stat err = %v", err)
	}
}
