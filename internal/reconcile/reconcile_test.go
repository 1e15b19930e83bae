package reconcile

import (
	"os"
	"path/filepath"
	"testing"

	"explora.ai/internal/coord"
	"explora.ai/internal/scan"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestMissingTiles(t *testing.T) {
	root := t.TempDir()
	regionDir := filepath.Join(root, "World", "region")
	touch(t, filepath.Join(regionDir, "r.0.0.mca"))
	touch(t, filepath.Join(regionDir, "r.1.0.mca"))
	touch(t, filepath.Join(regionDir, "r.2.0.mca"))

	renderDir := filepath.Join(root, "tiles")
	touch(t, filepath.Join(renderDir, "world", "r.0.0.png"))
	touch(t, filepath.Join(renderDir, "world", "r.0.0.json"))
	// an image without metadata is still missing
	touch(t, filepath.Join(renderDir, "world", "r.2.0.png"))

	dirs := []scan.RegionDir{{World: "World", Dimension: scan.Overworld, Path: regionDir, Primary: true}}
	missing, skipped := MissingTiles(dirs, renderDir)
	if len(skipped) != 0 {
		t.Fatalf("skipped = %v", skipped)
	}
	got := missing["World"].Sorted()
	want := []coord.RegionCoord{{X: 1}, {X: 2}}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("missing = %v, want %v", got, want)
	}
}

func TestMissingTiles_OnlyUnrenderedRegion(t *testing.T) {
	root := t.TempDir()
	regionDir := filepath.Join(root, "w", "region")
	touch(t, filepath.Join(regionDir, "r.0.0.mca"))
	touch(t, filepath.Join(regionDir, "r.1.0.mca"))
	renderDir := filepath.Join(root, "tiles")
	touch(t, filepath.Join(renderDir, "w", "r.0.0.png"))
	touch(t, filepath.Join(renderDir, "w", "r.0.0.json"))

	missing, _ := MissingTiles([]scan.RegionDir{{World: "w", Path: regionDir, Primary: true}}, renderDir)
	if len(missing) != 1 || len(missing["w"]) != 1 || !missing["w"].Has(coord.RegionCoord{X: 1, Z: 0}) {
		t.Fatalf("missing = %v", missing)
	}
}

func TestMissingTiles_UnreadableDirSkipped(t *testing.T) {
	missing, skipped := MissingTiles([]scan.RegionDir{{World: "gone", Path: "/nonexistent/region"}}, t.TempDir())
	if len(missing) != 0 || len(skipped) != 1 {
		t.Fatalf("missing=%v skipped=%v", missing, skipped)
	}
}

func TestDirtyRegions(t *testing.T) {
	delta := map[string]coord.ChunkSet{"w": {}, "empty": {}}
	for _, c := range []coord.ChunkCoord{{X: 47, Z: -3}, {X: 33, Z: -1}, {X: 0, Z: 0}, {X: -1, Z: 0}} {
		delta["w"].Add(c)
	}
	got := DirtyRegions(delta)
	if _, ok := got["empty"]; ok {
		t.Fatalf("empty world should be dropped")
	}
	want := []coord.RegionCoord{{X: -1, Z: 0}, {X: 0, Z: 0}, {X: 1, Z: -1}}
	regions := got["w"].Sorted()
	if len(regions) != len(want) {
		t.Fatalf("regions = %v", regions)
	}
	for i := range want {
		if regions[i] != want[i] {
			t.Fatalf("regions = %v, want %v", regions, want)
		}
	}
	if Count(got) != 3 {
		t.Fatalf("count = %d", Count(got))
	}
}
