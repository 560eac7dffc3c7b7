package authgate

import (
	"context"
	"sync"
	"sync/atomic"
)

// auditDispatcher decouples the authentication paths from sink latency.
// Events pass through a bounded queue consumed by a single goroutine; Close
// stops intake, then the consumer drains whatever is still queued before
// returning, so a clean shutdown loses nothing.
type auditDispatcher struct {
	sink       AuditSink
	queue      chan AuditEvent
	dropIfFull bool

	mu      sync.RWMutex
	closed  bool
	drained sync.WaitGroup
	dropped atomic.Uint64
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &auditDispatcher{
		sink:       sink,
		queue:      make(chan AuditEvent, buffer),
		dropIfFull: cfg.DropIfFull,
	}
	d.drained.Add(1)
	go d.consume()
	return d
}

// consume is the single consumer. It exits when Close closes the queue; the
// range loop keeps delivering until the buffer is empty.
func (d *auditDispatcher) consume() {
	defer d.drained.Done()
	for event := range d.queue {
		d.sink.Emit(context.Background(), event)
	}
}

// sheddable reports whether an event may be discarded under backpressure.
// Reuse detections and storage outages are the records the trail exists for:
// those always queue, even in drop-if-full mode, trading a brief stall on the
// hot path for a complete security timeline.
func sheddable(eventType string) bool {
	switch eventType {
	case auditEventRefreshReuse, auditEventStorageUnavailable:
		return false
	}
	return true
}

// Emit queues the event for asynchronous delivery. In drop-if-full mode a
// sheddable event that finds the queue full is counted and discarded;
// security-critical events and blocking mode wait for space, bounded by the
// caller's context. Events abandoned by context cancellation count as dropped.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// The read lock pins the queue open: Close takes the write lock before
	// closing the channel, so a send below can never hit a closed channel,
	// and the consumer keeps receiving while senders hold read locks.
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	if d.dropIfFull && sheddable(event.EventType) {
		select {
		case d.queue <- event:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	}
}

// Close stops intake and blocks until every queued event has been handed to
// the sink. Safe to call more than once.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.drained.Wait()
}

// Dropped reports how many events were shed or abandoned since startup.
func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
