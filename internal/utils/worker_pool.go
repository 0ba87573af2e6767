package utils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
)

// ErrPoolStopped is returned for work submitted to, or still queued in, a
// stopped pool.
var ErrPoolStopped = errors.New("worker pool stopped")

type task struct {
	run  func() error
	done chan error // nil for fire-and-forget work
}

// WorkerPool manages a bounded pool of workers. Every external process the
// pipeline spawns (probe, encode, fetch) is dispatched through it so the
// number of concurrently running tools never exceeds the worker count.
type WorkerPool struct {
	workers   int
	workQueue chan task
	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   bool
	mu        sync.RWMutex
}

// NewWorkerPool creates a new worker pool with the specified number of workers.
// The work queue is buffered at 2x the worker count.
func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		workers:   workers,
		workQueue: make(chan task, workers*2),
		stopCh:    make(chan struct{}),
	}
}

// Workers returns the pool capacity.
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Start begins processing work items. Calling it on a running pool has no effect.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return
	}

	wp.running = true
	wp.stopCh = make(chan struct{})

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop stops the worker pool and waits for running work to finish. Work that
// was queued but never started is failed with ErrPoolStopped.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if !wp.running {
		return
	}

	wp.running = false
	close(wp.stopCh)
	wp.wg.Wait()

	for {
		select {
		case t := <-wp.workQueue:
			if t.done != nil {
				t.done <- ErrPoolStopped
			}
		default:
			return
		}
	}
}

// Submit adds a fire-and-forget work item to the queue.
// Returns false if the queue is full or the pool is not running.
func (wp *WorkerPool) Submit(work func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running {
		return false
	}

	select {
	case wp.workQueue <- task{run: func() error { work(); return nil }}:
		return true
	default:
		return false
	}
}

// Do runs work on a pool worker and blocks until it returns. If ctx ends
// before a worker picks the work up, Do returns ctx.Err() and work never
// runs. Once started, work is expected to observe ctx itself; Do always waits
// for it so callers never race with a still-running closure.
func (wp *WorkerPool) Do(ctx context.Context, work func() error) error {
	done := make(chan error, 1)
	t := task{
		run: func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return work()
		},
		done: done,
	}

	if err := wp.enqueue(ctx, t); err != nil {
		return err
	}
	return <-done
}

func (wp *WorkerPool) enqueue(ctx context.Context, t task) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running {
		return ErrPoolStopped
	}

	select {
	case wp.workQueue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker processes work items until the pool is stopped.
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case t := <-wp.workQueue:
			err := safeRun(t.run)
			if t.done != nil {
				t.done <- err
			}
		case <-wp.stopCh:
			return
		}
	}
}

// safeRun turns a panicking work item into an error so one bad job cannot
// take a worker down with it.
func safeRun(work func() error) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = work() })
	if r := pc.Recovered(); r != nil {
		return r.AsError()
	}
	return err
}

// RateLimiter controls the rate of operations using a token bucket algorithm.
// The fetch client uses it to space out metadata queries against the remote
// source.
type RateLimiter struct {
	rate     int
	interval time.Duration
	tokens   chan struct{}
	stopCh   chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewRateLimiter creates a new rate limiter.
// Example: NewRateLimiter(10, time.Minute) allows 10 operations per minute.
func NewRateLimiter(rate int, interval time.Duration) *RateLimiter {
	if rate < 1 {
		rate = 1
	}
	rl := &RateLimiter{
		rate:     rate,
		interval: interval,
		tokens:   make(chan struct{}, rate),
		stopCh:   make(chan struct{}),
	}

	for i := 0; i < rate; i++ {
		rl.tokens <- struct{}{}
	}

	return rl
}

// Start begins token replenishment.
func (rl *RateLimiter) Start() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.running {
		return
	}

	rl.running = true
	go rl.refillTokens()
}

// Stop stops token replenishment.
func (rl *RateLimiter) Stop() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !rl.running {
		return
	}

	rl.running = false
	close(rl.stopCh)
}

// Wait blocks until a token is available or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	select {
	case <-rl.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryWait attempts to get a token without blocking.
func (rl *RateLimiter) TryWait() bool {
	select {
	case <-rl.tokens:
		return true
	default:
		return false
	}
}

func (rl *RateLimiter) refillTokens() {
	ticker := time.NewTicker(rl.interval / time.Duration(rl.rate))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case rl.tokens <- struct{}{}:
			default:
			}
		case <-rl.stopCh:
			return
		}
	}
}
