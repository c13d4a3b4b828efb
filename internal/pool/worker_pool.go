// Package pool provides a bounded worker pool with blocking submission and
// generic object pools for encode buffers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed   = errors.New("pool is closed")
	ErrTaskPanicked = errors.New("task panicked")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// WorkerPool runs tasks on at most MaxWorkers goroutines. Submit blocks
// while every worker is busy, so a producer of tasks is slowed down to the
// pool's pace instead of queueing without bound.
type WorkerPool struct {
	maxWorkers  int
	tasks       chan taskWrapper
	workerCount atomic.Int32
	activeCount atomic.Int32
	wg          sync.WaitGroup

	// quit stops idle workers; abort cancels running tasks once the
	// shutdown grace period is over.
	quit     chan struct{}
	quitOnce sync.Once
	abort    context.Context
	cancel   context.CancelFunc

	// Metrics
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	panicHandler func(any)
	onDone       func(err error)
}

type taskWrapper struct {
	task Task
	ctx  context.Context
}

// Config configures the pool.
type Config struct {
	MaxWorkers int `json:"max_workers" yaml:"max_workers"`
	// PanicHandler receives the recovered value of a panicking task.
	PanicHandler func(any) `json:"-" yaml:"-"`
	// OnDone is called after every task with its result.
	OnDone func(err error) `json:"-" yaml:"-"`
}

// DefaultConfig returns the default pool size.
func DefaultConfig() Config {
	return Config{MaxWorkers: 4}
}

// New creates a pool. Workers are started on demand.
func New(config Config) *WorkerPool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultConfig().MaxWorkers
	}
	abort, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		maxWorkers:   config.MaxWorkers,
		tasks:        make(chan taskWrapper),
		quit:         make(chan struct{}),
		abort:        abort,
		cancel:       cancel,
		panicHandler: config.PanicHandler,
		onDone:       config.OnDone,
	}
}

// Submit hands task to a worker, blocking until one is free or ctx is done.
// The task runs with a context that keeps ctx's values but is only
// cancelled when Shutdown gives up waiting.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	select {
	case <-p.quit:
		return ErrPoolClosed
	default:
	}

	wrapper := taskWrapper{task: task, ctx: ctx}

	// Hand off to a waiting worker, otherwise start one if the limit allows.
	select {
	case p.tasks <- wrapper:
		p.submitted.Add(1)
		return nil
	default:
		p.trySpawnWorker()
	}

	select {
	case p.tasks <- wrapper:
		p.submitted.Add(1)
		return nil
	case <-p.quit:
		p.rejected.Add(1)
		return ErrPoolClosed
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}
}

func (p *WorkerPool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	for {
		select {
		case wrapper := <-p.tasks:
			p.activeCount.Add(1)
			err := p.executeTask(wrapper)
			p.activeCount.Add(-1)

			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			if p.onDone != nil {
				p.onDone(err)
			}

		case <-p.quit:
			return
		}
	}
}

func (p *WorkerPool) executeTask(wrapper taskWrapper) (err error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(wrapper.ctx))
	stop := context.AfterFunc(p.abort, cancel)
	defer func() {
		stop()
		cancel()
	}()

	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
	}()

	return wrapper.task(ctx)
}

// Shutdown stops accepting tasks and waits for running ones. When ctx ends
// first, running tasks are cancelled and ctx's error is returned; the
// workers still exit once their tasks observe the cancellation.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.quitOnce.Do(func() { close(p.quit) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// Stats returns pool statistics.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
