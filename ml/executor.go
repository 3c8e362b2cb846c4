package ml

import (
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// Executor runs submitted tasks. Submit may block until a worker is free
// but must eventually run every task it accepts.
type Executor interface {
	Submit(task func())
}

// DefaultWorkers is the logical core count reported by the CPU, falling
// back to the runtime's view when cpuid cannot tell.
func DefaultWorkers() int {
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Pool is a fixed set of worker goroutines consuming a shared task queue.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

// NewPool starts size workers; size <= 0 means DefaultWorkers().
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultWorkers()
	}
	p := &Pool{tasks: make(chan func(), size)}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

func (p *Pool) Submit(task func()) {
	p.tasks <- task
}

// Close stops accepting tasks and waits for the workers to drain the queue.
// Submit after Close panics.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.tasks) })
	p.wg.Wait()
}

// InlineExecutor runs every task synchronously on the submitting goroutine.
type InlineExecutor struct{}

func (InlineExecutor) Submit(task func()) { task() }
