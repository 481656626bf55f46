package host

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type task struct {
	name string
	fn   func(ctx context.Context)
}

// Dispatcher runs callbacks one at a time, in submission order, on its own
// goroutine. Rules therefore never see two of their callbacks interleave.
type Dispatcher struct {
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []task
	busy    bool
	closed  bool
	stopped chan struct{}
}

// NewDispatcher creates a Dispatcher and starts its goroutine
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger:  logger.Named("dispatcher"),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// Submit queues fn. It never blocks and never runs fn on the caller's goroutine.
// Submissions after Close are dropped.
func (d *Dispatcher) Submit(name string, fn func(ctx context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.logger.Debug("Dropping callback after close", zap.String("callback", name))
		return
	}
	d.queue = append(d.queue, task{name: name, fn: fn})
	d.cond.Broadcast()
}

// Flush blocks until the queue is empty and no callback is running, including
// callbacks queued by other callbacks. It must not be called from a callback.
func (d *Dispatcher) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for (len(d.queue) > 0 || d.busy) && !d.closed {
		d.cond.Wait()
	}
}

// Pending returns the number of queued callbacks
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close discards queued callbacks and waits for the running one to return
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.queue = nil
	d.cond.Broadcast()
	d.mu.Unlock()

	d.cancel()
	<-d.stopped
}

func (d *Dispatcher) run() {
	defer close(d.stopped)

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		next := d.queue[0]
		d.queue[0] = task{}
		d.queue = d.queue[1:]
		d.busy = true
		d.mu.Unlock()

		d.execute(next)

		d.mu.Lock()
		d.busy = false
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}

func (d *Dispatcher) execute(t task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Callback panicked",
				zap.String("callback", t.name),
				zap.String("panic", fmt.Sprint(r)),
				zap.Stack("stack"))
		}
	}()
	t.fn(d.ctx)
}
