// SPDX-License-Identifier: MIT

package segment

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetention_SweepPrunesByAge(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	writeSegment(t, s.Dir(), 1, 10, 2*time.Hour) // old, should be pruned
	writeSegment(t, s.Dir(), 2, 10, 0)           // fresh, within age
	writeSegment(t, s.Dir(), 3, 10, 0)           // newest, never pruned regardless

	r := NewRetention(s, RetentionPolicy{MaxAge: time.Hour}, time.Second, discardLogger())
	if err := r.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	remaining, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Fatalf("len(remaining) = %d, want 2 (one pruned)", len(remaining))
	}
	for _, seg := range remaining {
		if seg.Ordinal == 1 {
			t.Error("expired segment 1 should have been pruned")
		}
	}
	if r.PrunedCount() != 1 {
		t.Errorf("PrunedCount() = %d, want 1", r.PrunedCount())
	}
}

func TestRetention_SweepPrunesByTotalBytes(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	writeSegment(t, s.Dir(), 1, 100, 0)
	writeSegment(t, s.Dir(), 2, 100, 0)
	writeSegment(t, s.Dir(), 3, 100, 0) // newest, excluded from pruning

	r := NewRetention(s, RetentionPolicy{MaxTotalBytes: 150}, time.Second, discardLogger())
	if err := r.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	total, err := s.TotalBytes()
	if err != nil {
		t.Fatal(err)
	}
	if total > 250 {
		t.Errorf("TotalBytes() = %d, expected pruning to have reduced it below original 300", total)
	}
}

func TestRetention_NeverPrunesNewestSegment(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	writeSegment(t, s.Dir(), 1, 10, 10*time.Hour)

	r := NewRetention(s, RetentionPolicy{MaxAge: time.Second}, time.Second, discardLogger())
	if err := r.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	remaining, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected the sole (newest) segment to survive, got %d remaining", len(remaining))
	}
}

func TestRetention_SweepNoPolicyIsNoop(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	writeSegment(t, s.Dir(), 1, 10, 100*time.Hour)
	writeSegment(t, s.Dir(), 2, 10, 0)

	r := NewRetention(s, RetentionPolicy{}, time.Second, discardLogger())
	if err := r.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	remaining, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Errorf("len(remaining) = %d, want 2 (no policy = no pruning)", len(remaining))
	}
}

func TestRemoveWithRetry_MissingFileIsNotError(t *testing.T) {
	if err := removeWithRetry(filepath.Join(t.TempDir(), "nonexistent.mp4"), 2); err != nil {
		t.Errorf("removeWithRetry on missing file: %v", err)
	}
}
