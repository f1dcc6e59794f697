package qrcode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getkayan/kayan-connect/core/logger"
	"github.com/getkayan/kayan-connect/core/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ScanHandler processes one scan event.
type ScanHandler interface {
	HandleScan(ctx context.Context, evt ScanEvent) error
}

const (
	DefaultWorkers      = 4
	DefaultQueueSize    = 256
	DefaultEventTimeout = 15 * time.Second
)

// Dispatcher decouples scan events from the request that delivered them. It
// queues events in a bounded buffer and processes them on a fixed set of
// workers, each event under its own timeout. Delivery is at least once from
// the platform's side and best effort from ours: an event that finds the
// queue full is dropped.
type Dispatcher struct {
	handler   ScanHandler
	workers   int
	timeout   time.Duration
	telemetry *telemetry.Provider

	mu      sync.RWMutex
	queue   chan ScanEvent
	started bool
	closed  bool
	group   errgroup.Group
	stop    sync.Once
	done    chan struct{}
	watcher chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithDispatcherTelemetry(p *telemetry.Provider) DispatcherOption {
	return func(d *Dispatcher) { d.telemetry = p }
}

// NewDispatcher creates a dispatcher. Non-positive sizes fall back to the
// package defaults.
func NewDispatcher(handler ScanHandler, workers, queueSize int, timeout time.Duration, opts ...DispatcherOption) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultEventTimeout
	}
	d := &Dispatcher{
		handler: handler,
		workers: workers,
		timeout: timeout,
		queue:   make(chan ScanEvent, queueSize),
		done:    make(chan struct{}),
		watcher: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the workers. Cancelling ctx stops the dispatcher the same
// way Stop does; events already queued are still processed, and a login in
// progress is never interrupted by it.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started || d.closed {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	base := context.WithoutCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.group.Go(func() error {
			for evt := range d.queue {
				d.process(base, evt)
			}
			return nil
		})
	}

	go func() {
		defer close(d.watcher)
		select {
		case <-ctx.Done():
			d.Stop()
		case <-d.done:
		}
	}()
}

// Publish enqueues evt without blocking. It reports false when the event was
// dropped because the queue is full or the dispatcher is stopped.
func (d *Dispatcher) Publish(evt ScanEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped(evt, "stopped")
		return false
	}
	select {
	case d.queue <- evt:
		return true
	default:
		d.dropped(evt, "queue_full")
		return false
	}
}

// Stop refuses new events, drains the queue and waits for the workers.
func (d *Dispatcher) Stop() {
	d.stop.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		close(d.done)
		d.mu.Unlock()
	})
	_ = d.group.Wait()
}

// Pending reports the number of queued events.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) process(base context.Context, evt ScanEvent) {
	ctx, cancel := context.WithTimeout(base, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("scan handler panicked",
				zap.String("scene", evt.SceneStr),
				zap.Any("panic", r),
			)
		}
	}()

	err := d.handler.HandleScan(ctx, evt)
	switch {
	case err == nil, errors.Is(err, ErrEventDropped):
	default:
		logger.Log.Warn("scan event failed",
			zap.String("scene", evt.SceneStr),
			zap.String("client_id", evt.ClientAppID),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) dropped(evt ScanEvent, reason string) {
	logger.Log.Warn("scan event not queued",
		zap.String("scene", evt.SceneStr),
		zap.String("reason", reason),
	)
	d.telemetry.RecordDroppedEvent(context.Background(), reason)
}

// String is used in startup logs.
func (d *Dispatcher) String() string {
	return fmt.Sprintf("dispatcher(workers=%d, queue=%d, timeout=%s)", d.workers, cap(d.queue), d.timeout)
}
