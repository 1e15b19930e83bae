// Package syncclient pushes explored chunks, tiles, players and server status
// to the map backend.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"explora.ai/internal/coord"
	"explora.ai/internal/protocol"
)

// ErrStatus is wrapped by every non-2xx reply.
var ErrStatus = errors.New("backend returned non-2xx status")

const (
	apiKeyHeader    = "x-api-key"
	requestIDHeader = "X-Request-ID"
	maxAttempts     = 3
)

// Paths are the backend endpoints, relative to the base URL.
type Paths struct {
	ChunkBatch   string `yaml:"chunk_batch"`
	DeleteChunks string `yaml:"delete_chunks"`
	TileUpload   string `yaml:"tile_upload"`
	Players      string `yaml:"players"`
	Status       string `yaml:"status"`
}

func DefaultPaths() Paths {
	return Paths{
		ChunkBatch:   "/chunks/update/batch",
		DeleteChunks: "/admin/clear-chunks",
		TileUpload:   "/upload/tile-zip",
		Players:      "/players/update",
		Status:       "/status/server/update",
	}
}

func (p Paths) withDefaults() Paths {
	d := DefaultPaths()
	if p.ChunkBatch == "" {
		p.ChunkBatch = d.ChunkBatch
	}
	if p.DeleteChunks == "" {
		p.DeleteChunks = d.DeleteChunks
	}
	if p.TileUpload == "" {
		p.TileUpload = d.TileUpload
	}
	if p.Players == "" {
		p.Players = d.Players
	}
	if p.Status == "" {
		p.Status = d.Status
	}
	return p
}

type Client struct {
	base       string
	apiKey     string
	paths      Paths
	httpClient *http.Client
	logger     *log.Logger

	// Backoff is the unit of the quadratic retry delay.
	Backoff time.Duration
}

func New(baseURL, apiKey string, paths Paths, timeout time.Duration, logger *log.Logger) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, fmt.Errorf("backend base url is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url: %s", baseURL)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:       strings.TrimRight(u.String(), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		paths:      paths.withDefaults(),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		Backoff:    200 * time.Millisecond,
	}, nil
}

func (c *Client) printf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

type chunkXZ struct {
	X int32 `json:"x"`
	Z int32 `json:"z"`
}

type chunkBatch struct {
	World  string    `json:"world"`
	Chunks []chunkXZ `json:"chunks"`
}

// PostChunkBatch sends one batch of explored chunks of a world.
func (c *Client) PostChunkBatch(ctx context.Context, world string, chunks []coord.ChunkCoord) error {
	body := chunkBatch{World: world, Chunks: make([]chunkXZ, len(chunks))}
	for i, ch := range chunks {
		body.Chunks[i] = chunkXZ{X: ch.X, Z: ch.Z}
	}
	return c.postJSON(ctx, c.paths.ChunkBatch, body)
}

// DeleteAllChunks clears every chunk the backend knows about.
func (c *Client) DeleteAllChunks(ctx context.Context) error {
	return c.withRetry(ctx, "delete chunks", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodDelete, c.base+c.paths.DeleteChunks, nil)
	})
}

type playersBody struct {
	Players []protocol.PlayerStatus `json:"online-players"`
}

func (c *Client) PostPlayers(ctx context.Context, players []protocol.PlayerStatus) error {
	if players == nil {
		players = []protocol.PlayerStatus{}
	}
	return c.postJSON(ctx, c.paths.Players, playersBody{Players: players})
}

func (c *Client) PostStatus(ctx context.Context, status protocol.ServerStatus) error {
	return c.postJSON(ctx, c.paths.Status, status)
}

// UploadTiles posts a zip of rendered tiles as multipart field "file".
func (c *Client) UploadTiles(ctx context.Context, zip []byte, deleteExisting bool) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="tiles.zip"`)
	h.Set("Content-Type", "application/zip")
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(zip); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	body := buf.Bytes()
	target := c.base + c.paths.TileUpload + "?deleteExisting=" + strconv.FormatBool(deleteExisting)
	return c.withRetry(ctx, "upload tiles", func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	})
}

func (c *Client) postJSON(ctx context.Context, path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.withRetry(ctx, "post "+path, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

// withRetry sends the request built by newReq up to maxAttempts times,
// sleeping attempt²·Backoff in between. Context cancellation stops early.
func (c *Client) withRetry(ctx context.Context, op string, newReq func() (*http.Request, error)) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := newReq()
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		lastErr = c.do(req)
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		c.printf("sync: %s attempt=%d err=%v", op, attempt, lastErr)
		t := time.NewTimer(time.Duration(attempt*attempt) * c.Backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-t.C:
		}
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func (c *Client) do(req *http.Request) error {
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	req.Header.Set(requestIDHeader, uuid.NewString())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	return fmt.Errorf("%w: status=%d body=%s", ErrStatus, resp.StatusCode, strings.TrimSpace(string(body)))
}
