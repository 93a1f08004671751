package bulk

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errDispatcherClosed is returned by Flush when the dispatcher has shut down.
var errDispatcherClosed = errors.New("dispatcher closed")

// FlushConfig holds the thresholds that trigger a batch dispatch. A
// threshold <= 0 disables that dimension; in particular the documented -1
// sentinel means "never trigger on this dimension" rather than a literal
// negative limit.
type FlushConfig struct {
	MaxActions    int
	MaxSizeBytes  int64
	FlushInterval time.Duration
}

// dispatcher accumulates operations and hands them off to exec in batches.
// Add is called from the producer context; exec runs on a single worker
// goroutine so batch execution overlaps further Adds. A dispatch atomically
// swaps the live buffer for the outgoing batch under the mutex and executes
// outside it, so no operation is lost, duplicated, or shared between two
// batches.
type dispatcher struct {
	cfg  FlushConfig
	exec func(context.Context, Batch)

	mu    sync.Mutex
	buf   []Operation
	bytes int64

	kick    chan struct{}
	flushCh chan chan struct{}
	quit    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
}

func newDispatcher(cfg FlushConfig, exec func(context.Context, Batch)) *dispatcher {
	return &dispatcher{
		cfg:     cfg,
		exec:    exec,
		kick:    make(chan struct{}, 1),
		flushCh: make(chan chan struct{}),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// start launches the flush worker. ctx bounds all batch executions and is
// cancelled by the owning sink on close.
func (d *dispatcher) start(ctx context.Context) {
	go d.run(ctx)
}

func (d *dispatcher) run(ctx context.Context) {
	defer close(d.done)

	var tick <-chan time.Time
	if d.cfg.FlushInterval > 0 {
		t := time.NewTicker(d.cfg.FlushInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-d.quit:
			// Final drain before shutdown.
			d.dispatch(ctx)
			return
		case <-ctx.Done():
			return
		case <-d.kick:
			d.dispatch(ctx)
		case ack := <-d.flushCh:
			d.dispatch(ctx)
			close(ack)
		case <-tick:
			d.dispatch(ctx)
		}
	}
}

// Add enqueues an operation and signals the worker when a size or count
// threshold is crossed. Never blocks on the worker.
func (d *dispatcher) Add(op Operation) {
	d.mu.Lock()
	d.buf = append(d.buf, op)
	d.bytes += op.SizeBytes()
	full := (d.cfg.MaxActions > 0 && len(d.buf) >= d.cfg.MaxActions) ||
		(d.cfg.MaxSizeBytes > 0 && d.bytes >= d.cfg.MaxSizeBytes)
	d.mu.Unlock()

	if full {
		select {
		case d.kick <- struct{}{}:
		default:
		}
	}
}

// Flush forces an immediate dispatch of whatever is buffered and blocks
// until that dispatch (and any execution the worker was already running)
// has completed. Flushing an empty buffer is a no-op.
func (d *dispatcher) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case d.flushCh <- ack:
	case <-d.done:
		return errDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-d.done:
		return errDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch drains the buffer, executing one bounded batch at a time
// outside the lock. The count and byte thresholds cap each batch, so a
// buffer that grew past a threshold while the worker was busy still comes
// out as correctly sized batches.
func (d *dispatcher) dispatch(ctx context.Context) {
	for {
		batch := d.take()
		if len(batch) == 0 {
			return
		}
		d.exec(ctx, batch)
	}
}

// take swaps at most one batch worth of operations out of the buffer.
// At least one operation is always taken, so a single oversized operation
// still flushes rather than wedging the buffer.
func (d *dispatcher) take() Batch {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.buf) == 0 {
		return nil
	}

	n := len(d.buf)
	if d.cfg.MaxActions > 0 && n > d.cfg.MaxActions {
		n = d.cfg.MaxActions
	}
	if d.cfg.MaxSizeBytes > 0 {
		var size int64
		for i := 0; i < n; i++ {
			size += d.buf[i].SizeBytes()
			if size > d.cfg.MaxSizeBytes && i > 0 {
				n = i
				break
			}
		}
	}

	batch := Batch(d.buf[:n:n])
	d.buf = d.buf[n:]
	for _, op := range batch {
		d.bytes -= op.SizeBytes()
	}
	if len(d.buf) == 0 {
		d.buf = nil
		d.bytes = 0
	}
	return batch
}

// close performs a final drain and stops the worker. Safe to call more than
// once.
func (d *dispatcher) close() {
	d.closeOnce.Do(func() {
		close(d.quit)
	})
	<-d.done
}

// buffered returns the number of currently buffered operations.
func (d *dispatcher) buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buf)
}
