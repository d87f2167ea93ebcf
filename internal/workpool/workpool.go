// Package workpool bounds how many large crypto jobs run at once.
package workpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Config controls the pool.
type Config struct {
	// Threshold is the payload size at or above which jobs take a slot.
	// Smaller jobs run immediately.
	Threshold int64
	// Concurrency is the number of slots. Zero means GOMAXPROCS.
	Concurrency int
}

// Pool runs jobs, limiting concurrent large-payload jobs.
type Pool struct {
	threshold int64
	sem       *semaphore.Weighted
	slots     int64
}

// New creates a pool.
func New(cfg Config) *Pool {
	slots := int64(cfg.Concurrency)
	if slots < 1 {
		slots = int64(runtime.GOMAXPROCS(0))
	}
	return &Pool{
		threshold: cfg.Threshold,
		sem:       semaphore.NewWeighted(slots),
		slots:     slots,
	}
}

// Do runs fn for a payload of the given size. Large jobs wait for a slot
// and return ctx.Err() if the context ends first; fn is then never called.
func (p *Pool) Do(ctx context.Context, size int64, fn func() error) error {
	if p == nil || size < p.threshold {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// Slots returns the configured number of concurrent large jobs.
func (p *Pool) Slots() int {
	return int(p.slots)
}
