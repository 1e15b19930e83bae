// Package schedule runs region renders on a shared worker pool and reports
// back once per batch.
package schedule

import (
	"math"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
)

// PoolSize is half the logical cores, rounded up, and at least 2.
func PoolSize() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		n = runtime.NumCPU()
	}
	return sizeFor(n)
}

func sizeFor(cores int) int {
	size := int(math.Ceil(float64(cores) * 0.5))
	if size < 2 {
		size = 2
	}
	return size
}

// Pool is a fixed set of workers fed through a channel. One pool is shared
// by every render batch of the process.
type Pool struct {
	jobs    chan func()
	workers int
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = PoolSize()
	}
	p := &Pool{jobs: make(chan func(), workers*4), workers: workers}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for fn := range p.jobs {
				fn()
			}
		}()
	}
	return p
}

func (p *Pool) Workers() int { return p.workers }

// Submit queues fn, blocking while the queue is full. It returns false once
// the pool is closed.
func (p *Pool) Submit(fn func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.jobs <- fn
	return true
}

// Close stops accepting work, runs what is queued and waits for the workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
