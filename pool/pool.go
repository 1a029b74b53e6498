// Package pool runs request jobs on a fixed set of workers over a
// bounded FIFO queue. Admission control lives here: a full queue
// rejects immediately instead of blocking the accept loop.
package pool

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrBusy means the queue is at capacity; callers answer server_busy.
var ErrBusy = errors.New("worker pool queue full")

var ErrStopped = errors.New("worker pool stopped")

type Pool struct {
	latch sync.Mutex
	cond  *sync.Cond
	queue []func()
	cap   int
	done  bool

	wg sync.WaitGroup
}

func New(workers, queueCap int) *Pool {
	p := &Pool{cap: queueCap}
	p.cond = sync.NewCond(&p.latch)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a job without blocking. ErrBusy when the queue is
// full, ErrStopped after Shutdown.
func (p *Pool) Submit(job func()) error {
	p.latch.Lock()
	defer p.latch.Unlock()
	if p.done {
		return ErrStopped
	}
	if len(p.queue) >= p.cap {
		return ErrBusy
	}
	p.queue = append(p.queue, job)
	p.cond.Signal()
	return nil
}

// QueueDepth reports the number of jobs waiting for a worker.
func (p *Pool) QueueDepth() int {
	p.latch.Lock()
	defer p.latch.Unlock()
	return len(p.queue)
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.latch.Lock()
		for len(p.queue) == 0 && !p.done {
			p.cond.Wait()
		}
		if p.done {
			p.latch.Unlock()
			return
		}
		job := p.queue[0]
		p.queue = p.queue[1:]
		p.latch.Unlock()
		job()
	}
}

// Shutdown stops the workers after their in-flight jobs finish. Jobs
// still queued are dropped; their connections observe a reset, which
// clients treat like any other transport failure.
func (p *Pool) Shutdown() {
	p.latch.Lock()
	p.done = true
	p.queue = nil
	p.latch.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}
