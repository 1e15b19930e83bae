package schedule

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"explora.ai/internal/coord"
)

// ErrPoolClosed is reported for tasks submitted after the pool shut down.
var ErrPoolClosed = errors.New("render pool closed")

// Job is one region of one dimension.
type Job struct {
	World  string
	Region coord.RegionCoord
}

func (j Job) String() string { return j.World + "/" + j.Region.String() }

// Output describes what a render task produced.
type Output struct {
	Chunks    int
	Corrupted int
	// Files are the paths written, image first.
	Files []string
}

// RenderFunc loads, renders and writes one region.
type RenderFunc func(job Job) (Output, error)

type TaskResult struct {
	Job
	Output
	Duration time.Duration
	Err      error
}

// Report collects every task of one batch.
type Report struct {
	Rendered []TaskResult
	Failed   []TaskResult
}

func (r Report) Total() int { return len(r.Rendered) + len(r.Failed) }

// Files lists the paths written by successful tasks.
func (r Report) Files() []string {
	var out []string
	for _, t := range r.Rendered {
		out = append(out, t.Files...)
	}
	return out
}

type Scheduler struct {
	pool   *Pool
	render RenderFunc
	logger *log.Logger

	// OnTask, when set, sees every finished task on the worker that ran it.
	OnTask func(TaskResult)
}

func NewScheduler(pool *Pool, render RenderFunc, logger *log.Logger) (*Scheduler, error) {
	if pool == nil {
		return nil, fmt.Errorf("schedule: nil pool")
	}
	if render == nil {
		return nil, fmt.Errorf("schedule: nil render func")
	}
	return &Scheduler{pool: pool, render: render, logger: logger}, nil
}

func (s *Scheduler) printf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Jobs flattens a world to regions mapping in a stable order.
func Jobs(jobs map[string]coord.RegionSet) []Job {
	worlds := make([]string, 0, len(jobs))
	for w := range jobs {
		worlds = append(worlds, w)
	}
	sort.Strings(worlds)
	var out []Job
	for _, w := range worlds {
		for _, rc := range jobs[w].Sorted() {
			out = append(out, Job{World: w, Region: rc})
		}
	}
	return out
}

// Render submits one task per region and calls done exactly once after the
// last task finished, whether it failed or not. With no regions done runs
// right away on the caller's goroutine.
func (s *Scheduler) Render(jobs map[string]coord.RegionSet, done func(Report)) {
	list := Jobs(jobs)
	if len(list) == 0 {
		if done != nil {
			done(Report{})
		}
		return
	}

	var (
		mu        sync.Mutex
		report    Report
		remaining atomic.Int64
	)
	remaining.Store(int64(len(list)))

	finish := func(r TaskResult) {
		mu.Lock()
		if r.Err != nil {
			report.Failed = append(report.Failed, r)
		} else {
			report.Rendered = append(report.Rendered, r)
		}
		mu.Unlock()
		for {
			cur := remaining.Load()
			if cur <= 0 {
				return
			}
			if remaining.CompareAndSwap(cur, cur-1) {
				if cur == 1 && done != nil {
					mu.Lock()
					out := report
					mu.Unlock()
					done(out)
				}
				return
			}
		}
	}

	for _, job := range list {
		if !s.pool.Submit(func() { finish(s.run(job)) }) {
			finish(TaskResult{Job: job, Err: ErrPoolClosed})
		}
	}
}

// RenderWait is Render that blocks until the batch finished.
func (s *Scheduler) RenderWait(jobs map[string]coord.RegionSet) Report {
	ch := make(chan Report, 1)
	s.Render(jobs, func(r Report) { ch <- r })
	return <-ch
}

func (s *Scheduler) run(job Job) (res TaskResult) {
	res.Job = job
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("render %s: panic: %v", job, p)
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			s.printf("render: %s failed: %v", job, res.Err)
		}
		if s.OnTask != nil {
			s.OnTask(res)
		}
	}()
	out, err := s.render(job)
	res.Output = out
	if err != nil {
		res.Err = fmt.Errorf("render %s: %w", job, err)
	}
	return res
}
