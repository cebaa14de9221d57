// Package backpressure implements the drop/backpressure policy: priority
// -based enqueue onto bounded per-connection queues, plus a per-connection
// circuit breaker that stops wasting sends on a clearly-dead peer.
package backpressure

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"raceserver/internal/metrics"
	"raceserver/internal/wire"
)

// ErrQueueFull is returned when a critical message could not be enqueued
// even after the bounded wait.
var ErrQueueFull = errors.New("backpressure: queue full")

// Circuit breaker tuning.
const (
	// CircuitBreakerThreshold is the number of consecutive send failures
	// before the breaker opens for a connection.
	CircuitBreakerThreshold uint32 = 50
	// CircuitBreakerProbeInterval is how many skipped sends occur between
	// probe attempts while the breaker is open.
	CircuitBreakerProbeInterval uint32 = 25
	// CriticalEnqueueTimeout bounds how long a critical enqueue may block
	// before giving up and reporting QueueFull.
	CriticalEnqueueTimeout = 250 * time.Millisecond
	// DropLogEveryStream logs once per this many stream drops.
	DropLogEveryStream = 100
	// DropLogEveryDatagram logs once per this many datagram drops.
	DropLogEveryDatagram = 1000
)

// Health tracks per-connection send outcomes and implements the circuit
// breaker for the droppable datagram path.
type Health struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

// ShouldSkip reports whether the breaker is open and this send should be
// skipped outright (no probe due yet).
func (h *Health) ShouldSkip() bool {
	if h.failures.Load() < CircuitBreakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%CircuitBreakerProbeInterval != 0
}

// RecordFailure increments the consecutive failure counter.
func (h *Health) RecordFailure() uint32 { return h.failures.Add(1) }

// RecordSuccess resets the breaker. Returns true if the breaker had been
// open (this send was a successful probe).
func (h *Health) RecordSuccess() bool {
	wasOpen := h.failures.Swap(0) >= CircuitBreakerThreshold
	if wasOpen {
		h.skips.Store(0)
	}
	return wasOpen
}

// Queue is a bounded egress channel for one connection's stream or
// datagram traffic, classified by the caller's message type via
// wire.PriorityOf.
type Queue struct {
	ch      chan []byte
	kind    string // "stream" or "datagram", for log/metric labeling
	m       *metrics.Metrics
	dropCnt atomic.Uint64
	log     *slog.Logger
}

// NewQueue creates a bounded queue of the given capacity.
func NewQueue(capacity int, kind string, m *metrics.Metrics) *Queue {
	return &Queue{
		ch:   make(chan []byte, capacity),
		kind: kind,
		m:    m,
		log:  slog.With("component", "backpressure", "kind", kind),
	}
}

// Chan exposes the underlying channel for the writer task to drain.
func (q *Queue) Chan() <-chan []byte { return q.ch }

// Enqueue routes payload according to msgType's priority. Droppable
// messages use a non-blocking send; critical messages block up to
// CriticalEnqueueTimeout. Returns ErrQueueFull only for the critical case.
func (q *Queue) Enqueue(ctx context.Context, msgType string, payload []byte) error {
	switch wire.PriorityOf(msgType) {
	case wire.Critical:
		return q.enqueueCritical(ctx, payload)
	default:
		q.enqueueDroppable(payload)
		return nil
	}
}

func (q *Queue) enqueueCritical(ctx context.Context, payload []byte) error {
	timer := time.NewTimer(CriticalEnqueueTimeout)
	defer timer.Stop()
	select {
	case q.ch <- payload:
		return nil
	case <-timer.C:
		return ErrQueueFull
	case <-ctx.Done():
		return ErrQueueFull
	}
}

func (q *Queue) enqueueDroppable(payload []byte) {
	select {
	case q.ch <- payload:
	default:
		n := q.dropCnt.Add(1)
		q.recordDrop()
		every := uint64(DropLogEveryStream)
		if q.kind == "datagram" {
			every = DropLogEveryDatagram
		}
		if n%every == 0 {
			q.log.Warn("dropping messages, queue full", "total_dropped", n)
		}
	}
}

func (q *Queue) recordDrop() {
	if q.m == nil {
		return
	}
	if q.kind == "datagram" {
		q.m.UDPMessagesDropped.Inc()
	} else {
		q.m.TCPMessagesDropped.Inc()
	}
}

// Dropped returns the total number of droppable messages dropped so far.
func (q *Queue) Dropped() uint64 { return q.dropCnt.Load() }

// Close closes the underlying channel so the writer task can drain and exit.
func (q *Queue) Close() { close(q.ch) }
