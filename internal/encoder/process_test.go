// SPDX-License-Identifier: MIT

package encoder

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
)

// fakeSource hands out a fixed number of frames then reports ok=false.
type fakeSource struct {
	mu       sync.Mutex
	frames   [][]byte
	released int
}

func (f *fakeSource) NextFrame(ctx context.Context) ([]byte, func(), bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil, nil, false
	}
	buf := f.frames[0]
	f.frames = f.frames[1:]
	return buf, func() {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
	}, true
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProcess_FeedFramesWritesAllAndReleases(t *testing.T) {
	src := &fakeSource{frames: [][]byte{
		{1, 2, 3, 4},
		{5, 6, 7, 8},
		{9, 10, 11, 12},
	}}

	p := NewProcess(Config{SessionName: "test"}, src, discardLogger())

	pr, pw := io.Pipe()
	readDone := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(pr)
		readDone <- data
	}()

	if err := p.feedFrames(context.Background(), pw); err != nil {
		t.Fatalf("feedFrames: %v", err)
	}

	got := <-readDone
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	if len(got) != len(want) {
		t.Fatalf("wrote %d bytes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], want[i])
		}
	}

	if src.released != 3 {
		t.Errorf("released = %d, want 3 (every frame released exactly once)", src.released)
	}
	if p.FramesWritten() != 3 {
		t.Errorf("FramesWritten() = %d, want 3", p.FramesWritten())
	}
}

func TestProcess_FeedFramesStopsOnContextCancel(t *testing.T) {
	src := &fakeSource{frames: [][]byte{{1}}}
	p := NewProcess(Config{SessionName: "test"}, src, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pr, pw := io.Pipe()
	go io.Copy(io.Discard, pr)

	if err := p.feedFrames(ctx, pw); err != nil {
		t.Fatalf("feedFrames with cancelled ctx: %v", err)
	}
}

func TestProcess_PIDZeroBeforeStart(t *testing.T) {
	p := NewProcess(Config{SessionName: "test"}, &fakeSource{}, discardLogger())
	if pid := p.PID(); pid != 0 {
		t.Errorf("PID() before start = %d, want 0", pid)
	}
}

func TestProcess_MetricsNilBeforeStart(t *testing.T) {
	p := NewProcess(Config{SessionName: "test"}, &fakeSource{}, discardLogger())
	if m := p.Metrics(); m != nil {
		t.Errorf("Metrics() before start = %+v, want nil", m)
	}
}
