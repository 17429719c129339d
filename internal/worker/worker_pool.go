// ============================================================================
// taskdispatch Worker Pool - Concurrent Consumers
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Manages the lifecycle of N worker goroutines
//
// Architecture:
//   ┌──────────────┐
//   │  Controller  │ --Start(ctx, n)--> Pool
//   └──────────────┘
//                     ┌──────────────────────────────────┐
//                     │ Pool                             │
//   broker queue ────►│  Worker 0 ◄── subscription 0     │──► Task Store
//                     │  Worker 1 ◄── subscription 1     │
//                     │  Worker 2 ◄── subscription 2     │
//                     └──────────────────────────────────┘
//
// Unlike a channel fan-out, every worker owns its subscription, so the
// broker's prefetch = 1 bounds each worker to one message in flight and an
// unacknowledged message is redelivered if its worker dies.
//
// Lifecycle:
//   1. NewPool()         - configure, nothing running
//   2. Start(ctx, n)     - open n subscriptions and start n goroutines
//   3. Stop()            - cancel, wait for in-flight deliveries to settle,
//                          close subscriptions
//
// Errors:
//   - ErrPoolStarted: Start called twice
//   - ErrPoolClosed:  Start called after Stop
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/taskdispatch/internal/broker"
	"github.com/ChuLiYu/taskdispatch/internal/store"
)

var (
	// ErrPoolClosed means the pool was stopped and cannot be restarted.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted means Start was already called.
	ErrPoolStarted = errors.New("worker pool already started")
)

// Pool runs a fixed number of workers.
type Pool struct {
	subscribe ConsumerFactory
	store     store.ExecutionStore
	exec      Executor
	cfg       Config

	workers   []*Worker
	consumers []broker.Consumer
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	stopped   bool
	mu        sync.Mutex
}

// NewPool creates a pool whose workers consume from subscriptions opened by
// subscribe and record results in st.
func NewPool(subscribe ConsumerFactory, st store.ExecutionStore, exec Executor, cfg Config) *Pool {
	cfg.defaults()
	return &Pool{
		subscribe: subscribe,
		store:     st,
		exec:      exec,
		cfg:       cfg,
		workers:   make([]*Worker, 0),
	}
}

// Start opens workerCount subscriptions and starts a worker on each. If any
// subscription fails to open, the ones already opened are closed.
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	consumers := make([]broker.Consumer, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		c, err := p.subscribe(i)
		if err != nil {
			for _, opened := range consumers {
				opened.Close()
			}
			return fmt.Errorf("open subscription for worker %d: %w", i, err)
		}
		consumers = append(consumers, c)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.consumers = consumers
	for i, c := range consumers {
		w := NewWorker(i, p.store, p.exec, p.cfg)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker, c broker.Consumer) {
			defer p.wg.Done()
			if err := w.Run(runCtx, c); err != nil {
				p.cfg.Logger.Error("Worker exited with error", "worker", w.id, "error", err)
			}
		}(w, c)
	}

	p.started = true
	p.cfg.Logger.Info("Worker pool started", "workers", workerCount)
	return nil
}

// Stop cancels all workers, waits for their in-flight deliveries to be
// settled and closes the subscriptions. It is safe to call more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	consumers := p.consumers
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	for _, c := range consumers {
		if err := c.Close(); err != nil {
			p.cfg.Logger.Warn("Closing subscription failed", "error", err)
		}
	}
	p.cfg.Logger.Info("Worker pool stopped")
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
