package flushz

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/trace"
)

// IDPool manages a pool of pre-generated IDs to amortize crypto/rand overhead.
// One pool of trace IDs and one of span IDs live on the Provider and are
// shared by every invocation.
type IDPool[T comparable] struct {
	factory func() T
	ids     chan T
	stopCh  chan struct{}
	mu      sync.Mutex
	closed  bool
}

// NewIDPool creates a new ID pool with the specified capacity.
func NewIDPool[T comparable](capacity int, factory func() T) *IDPool[T] {
	if capacity < 1 {
		capacity = 1
	}
	pool := &IDPool[T]{
		ids:     make(chan T, capacity),
		factory: factory,
		stopCh:  make(chan struct{}),
	}
	go pool.refill()
	return pool
}

// Get retrieves an ID from the pool or generates one if the pool is empty.
func (p *IDPool[T]) Get() T {
	select {
	case id := <-p.ids:
		return id
	default:
		// Pool empty, generate directly (fallback for burst load).
		return p.factory()
	}
}

func (p *IDPool[T]) refill() {
	for {
		select {
		case <-p.stopCh:
			return
		case p.ids <- p.factory():
		}
	}
}

// Close stops the refill goroutine. Get keeps working after Close.
func (p *IDPool[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		close(p.stopCh)
		p.closed = true
	}
}

// newTraceID returns a random, valid trace ID.
func newTraceID(clock clockz.Clock) trace.TraceID {
	var id trace.TraceID
	for !id.IsValid() {
		if _, err := rand.Read(id[:]); err != nil {
			// Fallback to time-based ID if crypto/rand fails.
			binary.BigEndian.PutUint64(id[:8], uint64(clock.Now().UnixNano()))
			binary.BigEndian.PutUint64(id[8:], uint64(clock.Now().UnixNano())^0x9e3779b97f4a7c15)
		}
	}
	return id
}

// newSpanID returns a random, valid span ID.
func newSpanID(clock clockz.Clock) trace.SpanID {
	var id trace.SpanID
	for !id.IsValid() {
		if _, err := rand.Read(id[:]); err != nil {
			binary.BigEndian.PutUint64(id[:], uint64(clock.Now().UnixNano()))
		}
	}
	return id
}
