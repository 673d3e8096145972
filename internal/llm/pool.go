package llm

import (
	"errors"
	"sync"
)

// ErrPoolSaturated is returned when no worker can take the job.
var ErrPoolSaturated = errors.New("generation worker pool is saturated")

// WorkerPool runs blocking generation stream pulls on a fixed set of
// workers so the SDK's blocking iteration never runs on a goroutine that
// also drives session I/O.
type WorkerPool struct {
	jobs     chan func()
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWorkerPool starts a pool with the given number of workers.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	p := &WorkerPool{
		jobs: make(chan func(), workers*2),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

// Submit hands a job to the pool without blocking. Returns ErrPoolSaturated
// when the queue is full.
func (p *WorkerPool) Submit(job func()) error {
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrPoolSaturated
	}
}

// Shutdown stops accepting jobs and waits for running ones to finish.
func (p *WorkerPool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}
