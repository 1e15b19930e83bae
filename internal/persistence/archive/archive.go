// Package archive keeps copies of exploration files before a full scan
// rewrites them.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"explora.ai/internal/explored"
)

const stampLayout = "20060102T150405Z"

type FileMeta struct {
	Name   string `json:"name"`
	World  string `json:"world,omitempty"`
	Chunks int    `json:"chunks"`
}

type Meta struct {
	CreatedAt string     `json:"created_at"`
	Source    string     `json:"source"`
	Files     []FileMeta `json:"files"`
}

// Dir is where archives of chunkDir are kept.
func Dir(chunkDir string) string { return filepath.Join(chunkDir, "archives") }

// ArchiveExploredFiles copies every exploration file of chunkDir into
// chunkDir/archives/<stamp>/ and writes meta.json next to them. It returns
// the archive dir, or "" when there was nothing to archive.
func ArchiveExploredFiles(chunkDir string, now time.Time) (string, error) {
	entries, err := os.ReadDir(chunkDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && explored.IsFileName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)

	archiveDir := filepath.Join(Dir(chunkDir), now.UTC().Format(stampLayout))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", err
	}

	meta := Meta{
		CreatedAt: now.UTC().Format(time.RFC3339Nano),
		Source:    chunkDir,
	}
	for _, name := range names {
		src := filepath.Join(chunkDir, name)
		if err := copyFile(src, filepath.Join(archiveDir, name)); err != nil {
			return "", fmt.Errorf("archive %s: %w", name, err)
		}
		fm := FileMeta{Name: name}
		if b, err := os.ReadFile(src); err == nil {
			if f, err := explored.ParseFile(b); err == nil {
				fm.World = f.World
				fm.Chunks = len(f.ExploredChunks)
			}
		}
		meta.Files = append(meta.Files, fm)
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}
	return archiveDir, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
