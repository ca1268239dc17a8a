package core

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// WorkerPool runs jobs on at most Size goroutines at once. A slot is taken
// with TryAcquire and handed back when the job passed to Go returns.
type WorkerPool struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewWorkerPool creates a pool with size slots. Non-positive sizes become 1.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		logger.Warn("invalid worker count specified, using default", "specified_count", size, "default_count", 1)
		size = 1
	}
	return &WorkerPool{
		slots:  make(chan struct{}, size),
		logger: logger,
	}
}

// Size is the number of slots.
func (p *WorkerPool) Size() int {
	return cap(p.slots)
}

// Busy is the number of occupied slots.
func (p *WorkerPool) Busy() int {
	return len(p.slots)
}

// TryAcquire reserves a slot without blocking.
func (p *WorkerPool) TryAcquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot reserved by TryAcquire that will not be used.
func (p *WorkerPool) Release() {
	<-p.slots
}

// Go runs job on a slot previously reserved with TryAcquire and frees the
// slot when job returns. A panic in job is recovered and logged.
func (p *WorkerPool) Go(job func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.Release()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker recovered panic", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		job()
	}()
}

// Close makes TryAcquire fail. Running jobs are not interrupted.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// Reopen undoes Close.
func (p *WorkerPool) Reopen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = false
}

// Wait blocks until every started job has returned or ctx is done.
func (p *WorkerPool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
