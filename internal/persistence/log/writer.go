package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// DefaultRotateLayout starts a new segment every hour.
const DefaultRotateLayout = "2006-01-02-15"

// JSONLZstdWriter appends JSON lines to zstd segments named
// <prefix>-<stamp>.jsonl.zst, switching segment when the stamp changes.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	layout  string

	// OnRotate, when set, receives the path of every closed segment.
	OnRotate func(path string)

	mu       sync.Mutex
	curStamp string
	curPath  string
	f        *os.File
	enc      *zstd.Encoder
	w        *bufio.Writer
	now      func() time.Time
}

func NewJSONLZstdWriter(baseDir, prefix, layout string) *JSONLZstdWriter {
	if layout == "" {
		layout = DefaultRotateLayout
	}
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		layout:  layout,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	stamp := w.now().UTC().Format(w.layout)
	if stamp != w.curStamp {
		if err := w.rotateLocked(stamp); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(stamp string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	p := w.pathFor(stamp)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curStamp = stamp
	w.curPath = p
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
		if w.OnRotate != nil && err1 == nil {
			w.OnRotate(w.curPath)
		}
	}
	w.w = nil
	w.curStamp = ""
	return err1
}

func (w *JSONLZstdWriter) pathFor(stamp string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, stamp))
}
