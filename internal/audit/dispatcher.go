package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering. With DropIfFull unset, Emit waits
// for queue space until its context ends or the dispatcher closes.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Dispatcher relays events to a Sink from a single worker goroutine, so sinks
// see events in emit order and never concurrently.
type Dispatcher struct {
	sink       Sink
	dropIfFull bool

	// mu guards closed and the close of queue against in-flight sends.
	mu     sync.RWMutex
	closed bool
	queue  chan Event
	stop   chan struct{}

	closeOnce sync.Once
	worker    sync.WaitGroup
	dropped   atomic.Uint64
}

// NewDispatcher returns nil when cfg is disabled. A nil *Dispatcher accepts
// and discards every call.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	d := &Dispatcher{
		sink:       sink,
		dropIfFull: cfg.DropIfFull,
		queue:      make(chan Event, max(cfg.BufferSize, 1)),
		stop:       make(chan struct{}),
	}
	d.worker.Add(1)
	go d.drain()
	return d
}

func (d *Dispatcher) drain() {
	defer d.worker.Done()
	for event := range d.queue {
		d.sink.Emit(context.Background(), event)
	}
}

func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	if d.dropIfFull {
		select {
		case d.queue <- event:
		default:
			d.dropped.Add(1)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.stop:
	}
}

// Close releases blocked emitters, delivers everything already queued and
// waits for the worker to finish. It is safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		// Emitters waiting on a full queue hold the read lock; wake them
		// before taking the write lock.
		close(d.stop)
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
		d.worker.Wait()
	})
}

// Dropped counts events discarded because the queue was full or the
// emitter's context ended first.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
