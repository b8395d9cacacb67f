package executor

import "sync"

// DefaultPoolSize bounds concurrently running plugin processes.
const DefaultPoolSize = 4

// Pool is a bounded worker pool. Submitted work queues when all slots
// are busy; Shutdown waits for everything in flight.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewPool creates a pool with the given number of slots.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Future holds the eventual result of a submitted execution.
type Future struct {
	done   chan struct{}
	result Result
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Ready reports completion without blocking.
func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result blocks until the execution finishes.
func (f *Future) Result() Result {
	<-f.done
	return f.result
}

// Submit schedules fn on the pool and returns its future.
func (p *Pool) Submit(fn func() Result) *Future {
	f := &Future{done: make(chan struct{})}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sem <- struct{}{}
		defer func() { <-p.sem }()
		f.result = fn()
		close(f.done)
	}()
	return f
}

// Shutdown waits for all submitted work to finish.
func (p *Pool) Shutdown() {
	p.wg.Wait()
}
