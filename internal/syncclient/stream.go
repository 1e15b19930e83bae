package syncclient

import (
	"context"
	"sync"
	"time"

	"explora.ai/internal/coord"
)

// BatchResult is the outcome of one posted batch.
type BatchResult struct {
	World  string
	Index  int
	Chunks int
	Err    error
}

type StreamReport struct {
	World   string
	Batches []BatchResult
}

func (r StreamReport) Failed() int {
	n := 0
	for _, b := range r.Batches {
		if b.Err != nil {
			n++
		}
	}
	return n
}

func (r StreamReport) OK() bool { return r.Failed() == 0 }

// Batches splits chunks into consecutive slices of at most size.
func Batches(chunks []coord.ChunkCoord, size int) [][]coord.ChunkCoord {
	if size <= 0 {
		size = len(chunks)
	}
	var out [][]coord.ChunkCoord
	for start := 0; start < len(chunks); start += size {
		end := start + size
		if end > len(chunks) {
			end = len(chunks)
		}
		out = append(out, chunks[start:end])
	}
	return out
}

// StreamChunks posts chunks in batches, starting one batch per tick of
// delay with the first right away. Batches may overlap in flight. It
// returns once every batch finished. Cancelling ctx stops starting new
// batches; those are reported with the context error.
func (c *Client) StreamChunks(ctx context.Context, world string, chunks []coord.ChunkCoord, batchSize int, delay time.Duration) StreamReport {
	batches := Batches(chunks, batchSize)
	report := StreamReport{World: world, Batches: make([]BatchResult, len(batches))}
	if len(batches) == 0 {
		return report
	}
	if delay <= 0 {
		delay = time.Millisecond
	}

	var wg sync.WaitGroup
	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	for i, b := range batches {
		report.Batches[i] = BatchResult{World: world, Index: i, Chunks: len(b)}
		if i > 0 {
			select {
			case <-ctx.Done():
			case <-ticker.C:
			}
		}
		if err := ctx.Err(); err != nil {
			report.Batches[i].Err = err
			continue
		}
		wg.Add(1)
		go func(i int, b []coord.ChunkCoord) {
			defer wg.Done()
			report.Batches[i].Err = c.PostChunkBatch(ctx, world, b)
		}(i, b)
	}
	wg.Wait()
	for _, b := range report.Batches {
		if b.Err != nil {
			c.printf("sync: world=%s batch=%d chunks=%d failed: %v", world, b.Index, b.Chunks, b.Err)
		}
	}
	return report
}
