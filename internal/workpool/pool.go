// ABOUTME: Bounded worker pool that rejects work instead of queueing without limit.
// ABOUTME: Concurrency is capped by a weighted semaphore; task panics are recovered and logged.

package workpool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/2389/minion-gateway/internal/metrics"
)

// ErrSaturated is returned by Submit when every slot is busy.
var ErrSaturated = errors.New("worker pool saturated")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("worker pool closed")

// Pool runs tasks on goroutines, at most size at a time.
type Pool struct {
	name    string
	size    int64
	sem     *semaphore.Weighted
	running atomic.Int64
	logger  *slog.Logger

	// mu orders wg.Add in Submit against wg.Wait in Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a pool that runs at most size tasks concurrently.
func New(name string, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		name:   name,
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger,
	}
}

// Submit schedules task. It never blocks: when the pool is full it returns ErrSaturated.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if !p.sem.TryAcquire(1) {
		p.mu.Unlock()
		metrics.PoolRejections.WithLabelValues(p.name).Inc()
		return ErrSaturated
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.running.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.running.Add(-1)
		defer p.recover()
		task()
	}()
	return nil
}

// Saturated reports whether every slot is busy, so the next Submit would likely fail.
func (p *Pool) Saturated() bool {
	return p.running.Load() >= p.size
}

func (p *Pool) recover() {
	if r := recover(); r != nil {
		p.logger.Error("worker task panicked",
			"pool", p.name,
			"panic", fmt.Sprint(r),
		)
	}
}

// Close stops accepting tasks and waits for running ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
