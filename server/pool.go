package server

import (
	"sync"
)

// workerPool runs handler invocations on a fixed set of goroutines. The
// engine's receive path only enqueues, so a slow or blocking handler can
// never stall Ping and Cancel traffic. A buffered channel is the queue:
// FIFO, goroutine-safe, and naturally bounded.
type workerPool struct {
	mu     sync.RWMutex
	queue  chan func()
	closed bool
	wg     sync.WaitGroup
}

func newWorkerPool(workers, queueSize int) *workerPool {
	p := &workerPool{queue: make(chan func(), queueSize)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.queue {
				task()
			}
		}()
	}
	return p
}

// Submit enqueues a task without blocking. It reports false when the pool is
// saturated or closed; the caller decides how to fail the request.
func (p *workerPool) Submit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- task:
		return true
	default:
		return false
	}
}

// Close drains queued tasks and waits for the workers to finish.
func (p *workerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}
