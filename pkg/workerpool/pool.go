// Package workerpool provides a bounded goroutine pool for the background
// analysis path. Based on patterns from cloudwego/netpoll gopool and
// panjf2000/ants: workers are spawned lazily up to a fixed cap and reused
// across tasks so batch drains do not cause goroutine churn.
package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool manages a fixed pool of worker goroutines.
type Pool struct {
	workers int32
	tasks   chan func()
	running int32
	closed  int32
	wg      sync.WaitGroup
}

// New creates a pool with the given number of workers. Workers start lazily
// on first submit. A non-positive count defaults to GOMAXPROCS.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{
		workers: int32(workers),
		tasks:   make(chan func(), workers*8),
	}
}

// Submit queues a task for execution. If all workers are busy the task waits
// in the queue; Submit blocks only when the queue itself is full. Returns
// false if the pool is closed.
func (p *Pool) Submit(task func()) bool {
	if atomic.LoadInt32(&p.closed) == 1 {
		return false
	}
	p.spawn()
	select {
	case p.tasks <- task:
	default:
		p.tasks <- task // queue full, block until a worker drains
	}
	return true
}

// TrySubmit queues a task without blocking. Returns false if the pool is
// closed or the queue is full; callers on the hot path drop work instead of
// stalling the request.
func (p *Pool) TrySubmit(task func()) bool {
	if atomic.LoadInt32(&p.closed) == 1 {
		return false
	}
	p.spawn()
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

func (p *Pool) spawn() {
	for {
		running := atomic.LoadInt32(&p.running)
		if running >= p.workers {
			return
		}
		if atomic.CompareAndSwapInt32(&p.running, running, running+1) {
			p.wg.Add(1)
			go p.worker()
			return
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

// run executes one task, recovering panics so a bad detector cannot kill a
// worker.
func (p *Pool) run(task func()) {
	defer func() {
		_ = recover()
	}()
	task()
}

// Close stops accepting tasks, waits for queued tasks to finish, and releases
// all workers. Safe to call once.
func (p *Pool) Close() {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}

// Running returns the current worker count, for metrics.
func (p *Pool) Running() int {
	return int(atomic.LoadInt32(&p.running))
}
