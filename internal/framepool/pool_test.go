// SPDX-License-Identifier: MIT

package framepool

import (
	"fmt"
	"testing"

	"github.com/tomtom215/replayd/internal/util"
)

func TestPool_GetReturnsExactSize(t *testing.T) {
	p := New(1920*1080*4, 4)

	buf := p.Get()
	if len(buf) != 1920*1080*4 {
		t.Errorf("Get() len = %d, want %d", len(buf), 1920*1080*4)
	}
}

func TestPool_PutRecyclesBuffer(t *testing.T) {
	p := New(64, 4)

	buf := p.Get()
	if p.Allocations() != 1 {
		t.Fatalf("Allocations() = %d, want 1", p.Allocations())
	}

	p.Put(buf)
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after Put", p.Len())
	}

	buf2 := p.Get()
	if p.Hits() != 1 {
		t.Errorf("Hits() = %d, want 1 after recycled Get", p.Hits())
	}
	if len(buf2) != 64 {
		t.Errorf("recycled buffer len = %d, want 64", len(buf2))
	}
}

func TestPool_PutRejectsWrongSize(t *testing.T) {
	p := New(64, 4)
	p.Put(make([]byte, 32))
	if p.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (wrong-size buffer must be discarded)", p.Len())
	}
}

func TestPool_RespectsMaxSize(t *testing.T) {
	p := New(16, 2)

	bufs := make([][]byte, 5)
	for i := range bufs {
		bufs[i] = p.Get()
	}
	for _, b := range bufs {
		p.Put(b)
	}

	if p.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (capped by maxSize)", p.Len())
	}
}

func TestPool_Warmup(t *testing.T) {
	p := New(16, 8)
	p.Warmup(5)

	if p.Len() != 5 {
		t.Errorf("Len() after Warmup(5) = %d, want 5", p.Len())
	}
	if p.Allocations() != 5 {
		t.Errorf("Allocations() after Warmup(5) = %d, want 5", p.Allocations())
	}

	// Subsequent Gets should all be hits, not allocations.
	for i := 0; i < 5; i++ {
		p.Get()
	}
	if p.Allocations() != 5 {
		t.Errorf("Allocations() after 5 warmed-up Gets = %d, want still 5", p.Allocations())
	}
	if p.Hits() != 5 {
		t.Errorf("Hits() after 5 warmed-up Gets = %d, want 5", p.Hits())
	}
}

func TestPool_HitRate(t *testing.T) {
	tests := []struct {
		name        string
		allocations int
		hits        int
		want        float64
	}{
		{"no requests yet", 0, 0, 0},
		{"all misses", 4, 0, 0},
		// Warmup(hits) allocates its buffers, and those allocations count
		// toward HitRate's denominator alongside the hits.
		{"warmed gets only", 0, 4, 0.5},
		{"warmed gets plus fresh allocations", 2, 2, 2.0 / 6.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(16, 100)
			p.Warmup(tt.hits)
			for i := 0; i < tt.hits; i++ {
				p.Get()
			}
			for i := 0; i < tt.allocations; i++ {
				buf := p.Get()
				_ = buf // forces a fresh allocation since the pool is drained
			}
			if got := p.HitRate(); got != tt.want {
				t.Errorf("HitRate() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestPool_NoLeaksAcrossLifecycle exercises the property that every frame
// buffer checked out is eventually returned exactly once: each Get is
// tracked as a resource, each Put untracks it, and at the end of a
// capture-like loop nothing should remain leaked.
func TestPool_NoLeaksAcrossLifecycle(t *testing.T) {
	p := New(32, 8)
	tracker := util.NewResourceTracker()

	const frames = 50
	for i := 0; i < frames; i++ {
		buf := p.Get()
		name := fmt.Sprintf("frame-%d", i)
		tracker.TrackResource(name, buf)
		// Simulate publish-to-channel-then-return-to-pool.
		tracker.UntrackResource(name)
		p.Put(buf)
	}

	if leaked := tracker.LeakedResources(); len(leaked) != 0 {
		t.Errorf("leaked resources after full lifecycle: %v", leaked)
	}
}
