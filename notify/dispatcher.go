package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// DefaultBuffer is the dispatcher queue size.
	DefaultBuffer = 1024

	defaultMaxTries    = 4
	defaultMaxInterval = 5 * time.Second
)

// Dispatcher queues notifications and delivers them to a sink from a
// background worker, retrying transient failures with exponential backoff.
type Dispatcher struct {
	sink   Sink
	logger *slog.Logger

	buffer   chan *Notification
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	maxTries uint

	// Delivery callbacks, invoked from the worker goroutine.
	onSent   func(ctx context.Context, n *Notification)
	onFailed func(ctx context.Context, n *Notification, err error)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithBuffer sets the queue size.
func WithBuffer(size int) DispatcherOption {
	return func(d *Dispatcher) {
		if size > 0 {
			d.buffer = make(chan *Notification, size)
		}
	}
}

// WithMaxTries caps delivery attempts per notification.
func WithMaxTries(n uint) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxTries = n
		}
	}
}

// WithCallbacks sets hooks invoked after each delivery settles.
func WithCallbacks(onSent func(context.Context, *Notification), onFailed func(context.Context, *Notification, error)) DispatcherOption {
	return func(d *Dispatcher) {
		d.onSent = onSent
		d.onFailed = onFailed
	}
}

// NewDispatcher creates a dispatcher for the given sink. A nil logger falls
// back to slog.Default.
func NewDispatcher(sink Sink, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		sink:     sink,
		logger:   logger,
		buffer:   make(chan *Notification, DefaultBuffer),
		stopChan: make(chan struct{}),
		maxTries: defaultMaxTries,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the delivery worker.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.sink == nil {
		return ErrNoSink
	}

	d.wg.Add(1)
	go d.worker(ctx)
	return nil
}

// Stop drains the queue and waits for in-flight deliveries. Safe to call
// more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopChan) })
	d.wg.Wait()
}

// Enqueue queues a notification without blocking. Returns ErrBufferFull when
// the queue is saturated; the caller's state change has already committed, so
// a dropped notification loses visibility, not money.
func (d *Dispatcher) Enqueue(n *Notification) error {
	select {
	case d.buffer <- n:
		return nil
	default:
		return ErrBufferFull
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopChan:
			// Drain whatever is already queued.
			for {
				select {
				case n := <-d.buffer:
					d.deliver(ctx, n)
				default:
					return
				}
			}

		case n := <-d.buffer:
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n *Notification) {
	operation := func() (struct{}, error) {
		return struct{}{}, d.sink.Send(ctx, n)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(d.maxTries),
		backoff.WithMaxElapsedTime(time.Duration(d.maxTries)*defaultMaxInterval),
	)
	if err != nil {
		d.logger.Error("notification delivery failed",
			"id", n.ID.String(),
			"kind", string(n.Kind),
			"error", err,
		)
		if d.onFailed != nil {
			d.onFailed(ctx, n, err)
		}
		return
	}

	if d.onSent != nil {
		d.onSent(ctx, n)
	}
}
