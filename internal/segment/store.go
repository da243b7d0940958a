// SPDX-License-Identifier: MIT

// Package segment manages the on-disk segment store the encoder writes
// into: naming, ordinal bookkeeping, and a retention sweep that prunes
// segments by age and total size.
package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// segmentNamePattern matches "seg-000123.mp4"-style filenames produced by
// the encoder's segment muxer for one session.
var segmentNamePattern = regexp.MustCompile(`^seg-(\d{6,})\.mp4$`)

// Store represents one recording session's segment directory. Each Recorder
// start creates a new Store with a fresh session id, so segments from
// distinct recording sessions never collide even if they overlap in time.
type Store struct {
	dir         string
	sessionID   string
}

// NewStore creates a session directory under baseDir named by a freshly
// generated session id and returns the Store; Dir and OutputPattern give
// the directory and file pattern the encoder writes segments into.
func NewStore(baseDir string) (*Store, error) {
	sessionID := uuid.NewString()
	dir := filepath.Join(baseDir, sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("segment: create session dir: %w", err)
	}
	return &Store{dir: dir, sessionID: sessionID}, nil
}

// OutputPattern returns the printf-style pattern to hand the encoder's
// segment muxer (ffmpeg's -f segment writes %06d-style ordinals itself).
func (s *Store) OutputPattern() string {
	return filepath.Join(s.dir, "seg-%06d.mp4")
}

// Dir returns the session's segment directory.
func (s *Store) Dir() string {
	return s.dir
}

// SessionID returns this store's session identifier.
func (s *Store) SessionID() string {
	return s.sessionID
}

// Segment describes one segment file on disk.
type Segment struct {
	Path    string
	Ordinal int
	Size    int64
	ModTime time.Time
}

// List returns all segments currently in the store, ordered by ordinal
// ascending (oldest first).
func (s *Store) List() ([]Segment, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("segment: list %s: %w", s.dir, err)
	}

	var segments []Segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentNamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		ordinal, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		segments = append(segments, Segment{
			Path:    filepath.Join(s.dir, e.Name()),
			Ordinal: ordinal,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].Ordinal < segments[j].Ordinal })
	return segments, nil
}

// TailSegments returns the n most recently completed segments (by ordinal),
// oldest first, used by the snapshot builder to assemble a clip.
func (s *Store) TailSegments(n int) ([]Segment, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(all) <= n {
		return all, nil
	}
	return all[len(all)-n:], nil
}

// CompletedTailSegments returns the n most recently completed segments,
// excluding the newest one on disk — the encoder's segment muxer is still
// actively writing to it, so including it would risk reading a partial or
// not-yet-moov-finalized file.
func (s *Store) CompletedTailSegments(n int) ([]Segment, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	completed := all[:len(all)-1]
	if len(completed) <= n {
		return completed, nil
	}
	return completed[len(completed)-n:], nil
}

// TotalBytes returns the current on-disk size of all segments in the store.
func (s *Store) TotalBytes() (int64, error) {
	segments, err := s.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, seg := range segments {
		total += seg.Size
	}
	return total, nil
}

// Erase removes the session's entire segment directory, including any
// audio sidecar WAV files written alongside the segments. Called when a
// recording session is disposed of rather than merely paused.
func (s *Store) Erase() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("segment: erase %s: %w", s.dir, err)
	}
	return nil
}
