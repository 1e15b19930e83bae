package r2s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"explora.ai/internal/coord"
)

func writeTile(t *testing.T, dir, rel, body string) string {
	t.Helper()
	p := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func writePair(t *testing.T, dir, world string, x, z int32) []string {
	t.Helper()
	rc := coord.RegionCoord{X: x, Z: z}
	return []string{
		writeTile(t, dir, filepath.Join(world, rc.FileName("png")), "png"),
		writeTile(t, dir, filepath.Join(world, rc.FileName("json")), "{}"),
	}
}

func TestClient_PutSigned(t *testing.T) {
	var got struct {
		path, ctype, cache, auth, hash, body string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.path, got.ctype, got.cache = r.URL.Path, r.Header.Get("Content-Type"), r.Header.Get("Cache-Control")
		got.auth, got.hash, got.body = r.Header.Get("Authorization"), r.Header.Get("x-amz-content-sha256"), string(b)
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/", "tiles", "AKID", "secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Put(context.Background(), "map/world/2/r.0.-1.png", []byte("png-bytes"), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	sum := sha256.Sum256([]byte("png-bytes"))
	if got.path != "/tiles/map/world/2/r.0.-1.png" || got.ctype != "image/png" || got.cache != "no-cache" || got.body != "png-bytes" {
		t.Fatalf("request = %+v", got)
	}
	if got.hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("payload hash = %q", got.hash)
	}
	if !strings.HasPrefix(got.auth, sigV4Algorithm+" Credential=AKID/") || !strings.Contains(got.auth, "SignedHeaders="+signedHeaders) {
		t.Fatalf("auth = %q", got.auth)
	}
}

func TestClient_PutReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "SlowDown", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c, err := New(srv.URL, "tiles", "AKID", "secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = c.Put(context.Background(), "world/1/r.0.0.png", []byte("x"), "")
	if err == nil || !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "SlowDown") {
		t.Fatalf("err = %v", err)
	}
	for _, key := range []string{"", "/abs", "a/../b", "a//b"} {
		if err := c.Put(context.Background(), key, nil, ""); !errors.Is(err, errBadKey) {
			t.Fatalf("key %q: err = %v", key, err)
		}
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New("r2.example.com", "", "a", "")
	if err == nil || !strings.Contains(err.Error(), "bucket, secret access key") {
		t.Fatalf("err = %v", err)
	}
	if _, err := New("ftp://r2.example.com", "b", "a", "s"); err == nil {
		t.Fatalf("expected error for non-http endpoint")
	}
	c, err := New("r2.example.com", "b", "a", "s")
	if err != nil || c.base.Scheme != "https" {
		t.Fatalf("New = %+v, %v", c, err)
	}
}

func TestTilesOf(t *testing.T) {
	tiles := TilesOf([]string{
		"/r/world/r.1.2.json",
		"/r/world/r.1.2.png",
		"/r/world/r.1.2.mca",
		"/r/world/notes.txt",
		"/r/world_nether/r.1.2.png",
	})
	want := []Tile{
		{Dir: "/r/world", Region: coord.RegionCoord{X: 1, Z: 2}},
		{Dir: "/r/world_nether", Region: coord.RegionCoord{X: 1, Z: 2}},
	}
	if len(tiles) != len(want) || tiles[0] != want[0] || tiles[1] != want[1] {
		t.Fatalf("tiles = %+v", tiles)
	}
}

type put struct {
	key, contentType, body string
}

type fakeUploader struct {
	mu    sync.Mutex
	puts  []put
	fails map[string]int
	gate  chan struct{}
}

func (f *fakeUploader) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.fails[key]; n != 0 {
		if n > 0 {
			f.fails[key] = n - 1
		}
		return errors.New("503")
	}
	f.puts = append(f.puts, put{key: key, contentType: contentType, body: string(body)})
	return nil
}

func (f *fakeUploader) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for _, p := range f.puts {
		keys = append(keys, p.key)
	}
	return keys
}

func newTestMirror(up *fakeUploader, dir string) *Mirror {
	return NewMirror(up, dir, MirrorOptions{Prefix: "/explora/", Zoom: 2, Backoff: time.Millisecond})
}

func waitIdle(t *testing.T, m *Mirror) Stats {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st := m.Stats(); st.QueueDepth == 0 && st.InFlight == 0 {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("mirror did not go idle: %+v", m.Stats())
	return Stats{}
}

func TestMirror_UploadsTilePairUnderZoomKeys(t *testing.T) {
	dir := t.TempDir()
	files := writePair(t, dir, "world", 1, -2)
	up := &fakeUploader{fails: map[string]int{"explora/world/2/r.1.-2.png": 1}}
	m := newTestMirror(up, dir)
	if n := m.Enqueue(files); n != 1 {
		t.Fatalf("queued %d tiles", n)
	}
	m.Close()
	m.Close()

	if len(up.puts) != 2 {
		t.Fatalf("puts = %+v", up.puts)
	}
	if up.puts[0] != (put{"explora/world/2/r.1.-2.png", "image/png", "png"}) ||
		up.puts[1] != (put{"explora/world/2/r.1.-2.json", "application/json", "{}"}) {
		t.Fatalf("puts = %+v", up.puts)
	}
	st := m.Stats()
	if st.Uploaded != 1 || st.Failed != 0 || st.Enqueued != 1 || st.LastSuccess.IsZero() {
		t.Fatalf("stats = %+v", st)
	}
	if m.Enqueue(files) != 0 {
		t.Fatalf("enqueue after close accepted")
	}
}

func TestMirror_SkipsUnchangedTiles(t *testing.T) {
	dir := t.TempDir()
	files := writePair(t, dir, "world", 0, 0)
	up := &fakeUploader{}
	m := newTestMirror(up, dir)
	defer m.Close()

	m.Enqueue(files)
	waitIdle(t, m)
	m.Enqueue(files)
	st := waitIdle(t, m)
	if st.Uploaded != 1 || st.Unchanged != 1 || len(up.keys()) != 2 {
		t.Fatalf("stats = %+v, keys = %v", st, up.keys())
	}

	// A re-render of either file sends the whole pair again.
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(files[1], later, later); err != nil {
		t.Fatal(err)
	}
	m.Enqueue(files)
	st = waitIdle(t, m)
	if st.Uploaded != 2 || len(up.keys()) != 4 {
		t.Fatalf("stats = %+v, keys = %v", st, up.keys())
	}
}

func TestMirror_FailedImageKeepsMetadataBack(t *testing.T) {
	dir := t.TempDir()
	files := writePair(t, dir, "world", 3, 3)
	up := &fakeUploader{fails: map[string]int{"explora/world/2/r.3.3.png": -1}}
	m := newTestMirror(up, dir)
	m.Enqueue(files)
	m.Close()

	if keys := up.keys(); len(keys) != 0 {
		t.Fatalf("uploaded %v for a tile whose image failed", keys)
	}
	st := m.Stats()
	if st.Failed != 1 || st.Uploaded != 0 || st.LastError.IsZero() {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMirror_MissingSidecarFails(t *testing.T) {
	dir := t.TempDir()
	png := writeTile(t, dir, "world/r.0.0.png", "png")
	up := &fakeUploader{}
	m := newTestMirror(up, dir)
	m.Enqueue([]string{png})
	m.Close()
	if len(up.keys()) != 0 || m.Stats().Failed != 1 {
		t.Fatalf("keys = %v, stats = %+v", up.keys(), m.Stats())
	}
}

func TestMirror_RejectsTilesOutsideRenderDir(t *testing.T) {
	dir := t.TempDir()
	m := newTestMirror(&fakeUploader{}, dir)
	defer m.Close()
	if _, err := m.ObjectKeys(Tile{Dir: t.TempDir()}); err == nil {
		t.Fatalf("expected error for a directory outside the render dir")
	}
	if _, err := m.ObjectKeys(Tile{Dir: dir}); err == nil {
		t.Fatalf("expected error for the render dir itself")
	}
	keys, err := m.ObjectKeys(Tile{Dir: filepath.Join(dir, "world_the_end"), Region: coord.RegionCoord{X: -1, Z: 0}})
	if err != nil || keys[0] != "explora/world_the_end/2/r.-1.0.png" || keys[1] != "explora/world_the_end/2/r.-1.0.json" {
		t.Fatalf("keys = %v, %v", keys, err)
	}
}

func TestMirror_CoalescesQueuedTile(t *testing.T) {
	dir := t.TempDir()
	first := writePair(t, dir, "world", 0, 0)
	second := writePair(t, dir, "world", 1, 0)
	up := &fakeUploader{gate: make(chan struct{})}
	m := NewMirror(up, dir, MirrorOptions{Zoom: 1, Workers: 1, Backoff: time.Millisecond})

	m.Enqueue(first)
	deadline := time.Now().Add(5 * time.Second)
	for m.Stats().InFlight != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Enqueue(second)
	m.Enqueue(second)
	close(up.gate)
	m.Close()

	st := m.Stats()
	if st.Coalesced != 1 || st.Uploaded != 2 || len(up.keys()) != 4 {
		t.Fatalf("stats = %+v, keys = %v", st, up.keys())
	}
}

func TestMirror_DropsWhenQueueFull(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{gate: make(chan struct{})}
	m := NewMirror(up, dir, MirrorOptions{Workers: 1, QueueCapacity: 1, Backoff: time.Millisecond})

	m.Enqueue(writePair(t, dir, "world", 0, 0))
	deadline := time.Now().Add(5 * time.Second)
	for m.Stats().InFlight != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Enqueue(writePair(t, dir, "world", 1, 0))
	if n := m.Enqueue(writePair(t, dir, "world", 2, 0)); n != 0 {
		t.Fatalf("queued %d tiles past capacity", n)
	}
	close(up.gate)
	m.Close()
	if st := m.Stats(); st.Dropped != 1 || st.Uploaded != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestNilMirror(t *testing.T) {
	var m *Mirror
	if m.Enqueue([]string{"world/r.0.0.png"}) != 0 {
		t.Fatalf("nil mirror queued a tile")
	}
	m.Close()
	if m.Stats() != (Stats{}) {
		t.Fatalf("nil mirror stats")
	}
}
