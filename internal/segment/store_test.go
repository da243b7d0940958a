// SPDX-License-Identifier: MIT

package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSegment(t *testing.T, dir string, ordinal int, size int, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("seg-%06d.mp4", ordinal))
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatalf("write segment: %v", err)
	}
	modTime := time.Now().Add(-age)
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	return path
}

func TestStore_ListOrdersByOrdinal(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	writeSegment(t, s.Dir(), 3, 100, 0)
	writeSegment(t, s.Dir(), 1, 100, 0)
	writeSegment(t, s.Dir(), 2, 100, 0)

	segments, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("len(segments) = %d, want 3", len(segments))
	}
	for i, want := range []int{1, 2, 3} {
		if segments[i].Ordinal != want {
			t.Errorf("segments[%d].Ordinal = %d, want %d", i, segments[i].Ordinal, want)
		}
	}
}

func TestStore_ListIgnoresNonSegmentFiles(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	writeSegment(t, s.Dir(), 1, 50, 0)
	if err := os.WriteFile(filepath.Join(s.Dir(), "manifest.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	segments, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("len(segments) = %d, want 1 (manifest.txt should be ignored)", len(segments))
	}
}

func TestStore_CompletedTailSegmentsExcludesNewest(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	for i := 1; i <= 5; i++ {
		writeSegment(t, s.Dir(), i, 10, 0)
	}

	tail, err := s.CompletedTailSegments(10)
	if err != nil {
		t.Fatalf("CompletedTailSegments: %v", err)
	}
	if len(tail) != 4 {
		t.Fatalf("len(tail) = %d, want 4 (newest segment excluded)", len(tail))
	}
	if tail[len(tail)-1].Ordinal != 4 {
		t.Errorf("last tail segment ordinal = %d, want 4", tail[len(tail)-1].Ordinal)
	}
}

func TestStore_TotalBytes(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	writeSegment(t, s.Dir(), 1, 100, 0)
	writeSegment(t, s.Dir(), 2, 250, 0)

	total, err := s.TotalBytes()
	if err != nil {
		t.Fatalf("TotalBytes: %v", err)
	}
	if total != 350 {
		t.Errorf("TotalBytes() = %d, want 350", total)
	}
}

func TestStore_SessionsDoNotCollide(t *testing.T) {
	base := t.TempDir()
	s1, err := NewStore(base)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := NewStore(base)
	if err != nil {
		t.Fatal(err)
	}
	if s1.SessionID() == s2.SessionID() {
		t.Error("expected distinct session ids for separate stores")
	}
	if s1.Dir() == s2.Dir() {
		t.Error("expected distinct session directories")
	}
}
