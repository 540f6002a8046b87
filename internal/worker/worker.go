// Package worker provides the condition-variable work queue shared by the
// engine's long-running threads: batch uploaders drain a Pool of sealed
// batches, and the periodic checkpoint, flush, and eviction threads run as
// tickers on the same lifecycle so one Stop joins everything.
package worker

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pool is a bounded-lifetime work queue. Items are handed to consumer
// goroutines spawned with Spawn; Stop wakes every consumer, lets the queue
// drain, and joins all goroutines, returning the first consumer error.
type Pool[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []T
	running bool
	stop    chan struct{}
	eg      errgroup.Group
}

// NewPool returns a running pool with no consumers yet.
func NewPool[T any]() *Pool[T] {
	p := &Pool[T]{running: true, stop: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Put enqueues item and wakes one consumer. It reports false if the pool
// has been stopped.
func (p *Pool[T]) Put(item T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	p.queue = append(p.queue, item)
	p.cond.Signal()
	return true
}

// Get blocks until an item is available or the pool stops with an empty
// queue. Items still queued at Stop are drained before consumers exit.
func (p *Pool[T]) Get() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && p.running {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		var zero T
		return zero, false
	}
	item := p.queue[0]
	p.queue = p.queue[1:]
	return item, true
}

// GetAll blocks until at least one item is available, then returns the
// entire queue. Write-cache writers use it to frame every pending item
// in one drain cycle.
func (p *Pool[T]) GetAll() ([]T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && p.running {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	items := p.queue
	p.queue = nil
	return items, true
}

// SpawnDrain starts n consumer goroutines, each looping GetAll until
// shutdown.
func (p *Pool[T]) SpawnDrain(n int, fn func([]T) error) {
	for i := 0; i < n; i++ {
		p.eg.Go(func() error {
			for {
				items, ok := p.GetAll()
				if !ok {
					return nil
				}
				if err := fn(items); err != nil {
					return err
				}
			}
		})
	}
}

// Len returns the number of queued items.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Spawn starts n consumer goroutines, each looping Get until shutdown.
func (p *Pool[T]) Spawn(n int, fn func(T) error) {
	for i := 0; i < n; i++ {
		p.eg.Go(func() error {
			for {
				item, ok := p.Get()
				if !ok {
					return nil
				}
				if err := fn(item); err != nil {
					return err
				}
			}
		})
	}
}

// SpawnTicker starts a goroutine invoking fn every interval until Stop.
func (p *Pool[T]) SpawnTicker(interval time.Duration, fn func() error) {
	p.eg.Go(func() error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := fn(); err != nil {
					return err
				}
			case <-p.stop:
				return nil
			}
		}
	})
}

// Stop wakes all consumers, stops tickers, and joins every goroutine.
func (p *Pool[T]) Stop() error {
	p.mu.Lock()
	if p.running {
		p.running = false
		close(p.stop)
		p.cond.Broadcast()
	}
	p.mu.Unlock()
	return p.eg.Wait()
}
