package flushz

import (
	"context"
	"sync"
	"sync/atomic"
)

// Collector is an in-memory SpanExporter. It keeps every exported batch, in
// the order Export was called, for tests and local debugging.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	batches [][]Span
	failure error
	gate    chan struct{}
	name    string
	calls   atomic.Int64
	mu      sync.Mutex
	closed  atomic.Bool
}

// NewCollector creates an empty collector.
func NewCollector(name string) *Collector {
	return &Collector{
		name:    name,
		batches: make([][]Span, 0, 8), // Start with small capacity.
	}
}

// Name returns the collector name given at construction.
func (c *Collector) Name() string {
	return c.name
}

// Export implements SpanExporter. The batch is copied so the caller may
// reuse its slice.
func (c *Collector) Export(ctx context.Context, spans []Span, done func(ExportResult)) {
	c.calls.Add(1)

	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()

	result := ExportResult{Code: ExportSuccess}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			result = ExportResult{Code: ExportFailure, Err: ctx.Err()}
		}
	}

	if result.Code == ExportSuccess {
		result = c.record(spans)
	}
	if done != nil {
		done(result)
	}
}

func (c *Collector) record(spans []Span) ExportResult {
	if c.closed.Load() {
		return ExportResult{Code: ExportFailure, Err: ErrExporterShutdown}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failure != nil {
		return ExportResult{Code: ExportFailure, Err: c.failure}
	}
	batch := make([]Span, len(spans))
	copy(batch, spans)
	c.batches = append(c.batches, batch)
	return ExportResult{Code: ExportSuccess}
}

// Shutdown implements SpanExporter. Later exports fail.
func (c *Collector) Shutdown(_ context.Context) error {
	c.closed.Store(true)
	return nil
}

// Hold makes subsequent exports block until Release or their context ends.
func (c *Collector) Hold() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gate == nil {
		c.gate = make(chan struct{})
	}
}

// Release unblocks every held export.
func (c *Collector) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gate != nil {
		close(c.gate)
		c.gate = nil
	}
}

// SetFailure makes subsequent exports report err. Nil restores success.
func (c *Collector) SetFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failure = err
}

// Calls returns how many times Export was invoked, successful or not.
func (c *Collector) Calls() int {
	return int(c.calls.Load())
}

// Batches returns a copy of every recorded batch.
func (c *Collector) Batches() [][]Span {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]Span, len(c.batches))
	for i, b := range c.batches {
		out[i] = append([]Span(nil), b...)
	}
	return out
}

// Spans returns every recorded span, flattened in export order.
func (c *Collector) Spans() []Span {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Span
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

// Count returns the number of recorded spans.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

// Drain returns every recorded span and clears the buffer.
func (c *Collector) Drain() []Span {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.batches) == 0 {
		return nil
	}
	var out []Span
	for _, b := range c.batches {
		out = append(out, b...)
	}

	// More conservative shrinking to avoid allocation churn.
	if cap(c.batches) > 256 {
		c.batches = make([][]Span, 0, 32)
	} else {
		c.batches = c.batches[:0]
	}
	return out
}

// Reset clears recorded batches, the call counter and any injected failure.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.batches = c.batches[:0]
	c.failure = nil
	c.calls.Store(0)
}
