package worker

import (
	"errors"
	"sync"

	"github.com/nimasrn/donation-engine/pkg/logger"
)

var ErrTerminated = errors.New("workers terminated")

type Handler[T any] func(workerIndex int, job T)

// Pool runs a fixed number of goroutines over a buffered job channel.
// Workers run until Exit is called. The channel is never closed, so
// Enqueue after Exit is safe and reports false.
type Pool[T any] struct {
	jobs     chan T
	workers  int
	quit     chan struct{}
	quitOnce sync.Once
	do       Handler[T]
	wg       sync.WaitGroup
}

func NewPool[T any](bufferSize, workers int) *Pool[T] {
	if workers <= 0 {
		workers = 1
	}
	return &Pool[T]{
		jobs:    make(chan T, bufferSize),
		workers: workers,
		quit:    make(chan struct{}),
	}
}

func (p *Pool[T]) Pending() int { return len(p.jobs) }

func (p *Pool[T]) SetHandler(h Handler[T]) {
	p.do = h
}

// Enqueue blocks until a worker slot frees up or the pool exits.
func (p *Pool[T]) Enqueue(job T) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.jobs <- job:
		return true
	case <-p.quit:
		return false
	}
}

// Start blocks until Exit is called and all workers return.
func (p *Pool[T]) Start() error {
	if p.do == nil {
		return errors.New("worker handler is not set")
	}
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go func(index int) {
			defer p.wg.Done()
			for {
				select {
				case job := <-p.jobs:
					p.do(index, job)
				case <-p.quit:
					return
				}
			}
		}(i)
	}
	p.wg.Wait()
	return ErrTerminated
}

// Exit stops all workers after their current job.
func (p *Pool[T]) Exit() {
	p.quitOnce.Do(func() {
		logger.Info("worker pool shutting down", "workers", p.workers)
		close(p.quit)
	})
}
