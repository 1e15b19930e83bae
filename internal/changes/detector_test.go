package changes

import (
	"testing"

	"explora.ai/internal/coord"
)

func TestDetector_PromotesOnThreshold(t *testing.T) {
	d := NewDetector(3)
	chunk := coord.ChunkCoord{X: 2, Z: -1}

	for i := int32(0); i < 2; i++ {
		if _, ok := d.BlockChanged("w", coord.BlockCoord{X: 32 + i, Y: 70, Z: -5}, 70); ok {
			t.Fatalf("edit %d promoted early", i)
		}
	}
	if got := d.Tracked("w", chunk); got != 2 {
		t.Fatalf("tracked = %d, want 2", got)
	}
	c, ok := d.BlockChanged("w", coord.BlockCoord{X: 40, Y: 69, Z: -2}, 70)
	if !ok || c != chunk {
		t.Fatalf("third edit = %v %v, want promotion of %v", c, ok, chunk)
	}
	if got := d.Tracked("w", chunk); got != 0 {
		t.Fatalf("tracked after promotion = %d", got)
	}
	if _, ok := d.BlockChanged("w", coord.BlockCoord{X: 41, Y: 70, Z: -2}, 70); ok {
		t.Fatalf("promotion should fire once then reset")
	}
}

func TestDetector_ToggleRemovesTrackedBlock(t *testing.T) {
	d := NewDetector(2)
	b := coord.BlockCoord{X: 1, Y: 64, Z: 1}
	d.BlockChanged("w", b, 64)
	d.BlockChanged("w", b, 64)
	if got := d.Tracked("w", b.Chunk()); got != 0 {
		t.Fatalf("toggle left %d", got)
	}
	if d.Chunks() != 0 {
		t.Fatalf("empty sets should be dropped")
	}
	if _, ok := d.BlockChanged("w", b, 64); ok {
		t.Fatalf("one edit after toggle must not promote")
	}
}

func TestDetector_IgnoresDeepEdits(t *testing.T) {
	d := NewDetector(1)
	if _, ok := d.BlockChanged("w", coord.BlockCoord{Y: 10}, 64); ok {
		t.Fatalf("deep edit promoted")
	}
	if d.Tracked("w", coord.ChunkCoord{}) != 0 {
		t.Fatalf("deep edit tracked")
	}
	if _, ok := d.BlockChanged("w", coord.BlockCoord{Y: 63}, 64); !ok {
		t.Fatalf("edit one block below the surface should count")
	}
}

func TestDetector_WorldsAreSeparate(t *testing.T) {
	d := NewDetector(2)
	b := coord.BlockCoord{X: 5, Y: 80, Z: 5}
	d.BlockChanged("a", b, 80)
	if _, ok := d.BlockChanged("b", coord.BlockCoord{X: 6, Y: 80, Z: 5}, 80); ok {
		t.Fatalf("edits in another world must not combine")
	}
	if d.Tracked("a", b.Chunk()) != 1 || d.Tracked("b", b.Chunk()) != 1 {
		t.Fatalf("per-world tracking broken")
	}
}

func TestNewDetector_DefaultThreshold(t *testing.T) {
	if got := NewDetector(0).Threshold(); got != DefaultThreshold {
		t.Fatalf("threshold = %d", got)
	}
}
