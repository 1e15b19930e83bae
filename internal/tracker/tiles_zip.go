package tracker

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
)

// PackageTiles zips files named relative to renderDir, as <dir>/<file>.
// Files outside renderDir are rejected.
func PackageTiles(renderDir string, files []string) ([]byte, error) {
	type entry struct{ name, path string }
	entries := make([]entry, 0, len(files))
	for _, p := range files {
		rel, err := filepath.Rel(renderDir, p)
		if err != nil {
			return nil, err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." || strings.HasPrefix(rel, "../") {
			return nil, fmt.Errorf("tile %s is outside %s", p, renderDir)
		}
		entries = append(entries, entry{name: rel, path: p})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		if err := addFile(zw, e.name, e.path); err != nil {
			_ = zw.Close()
			return nil, fmt.Errorf("zip %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PackageDir zips every tile image and metadata file under renderDir.
func PackageDir(renderDir string) ([]byte, int, error) {
	var files []string
	err := filepath.WalkDir(renderDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(p) {
		case ".png", ".json":
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	b, err := PackageTiles(renderDir, files)
	return b, len(files), err
}

func addFile(zw *zip.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	method := zip.Deflate
	if strings.HasSuffix(name, ".png") {
		method = zip.Store
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
