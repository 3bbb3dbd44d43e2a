package flushz

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Strategy selects when accepted traces are handed to the exporter.
type Strategy string

const (
	// StrategyImmediate exports every span on its own.
	StrategyImmediate Strategy = "immediate"
	// StrategySize queues spans and exports the oldest MaxExportBatchSize
	// once the queue reaches MaxQueueSize.
	StrategySize Strategy = "size"
	// StrategyTrace exports each accepted trace as a single batch.
	StrategyTrace Strategy = "trace"
)

// ParseStrategy maps a configured name to a Strategy. Matching ignores case
// and surrounding space.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(name))); s {
	case StrategyImmediate, StrategySize, StrategyTrace:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// ExportPromise tracks one in-flight export. It settles exactly once.
type ExportPromise struct {
	done    chan struct{}
	result  ExportResult
	size    int
	claimed atomic.Bool
}

func newExportPromise(size int) *ExportPromise {
	return &ExportPromise{done: make(chan struct{}), size: size}
}

// claim reserves the single settlement of p. Only the first caller wins.
func (p *ExportPromise) claim() bool {
	return p.claimed.CompareAndSwap(false, true)
}

// resolve publishes r to waiters. Call once, after a successful claim.
func (p *ExportPromise) resolve(r ExportResult) {
	p.result = r
	close(p.done)
}

// Done is closed once the export has reported its result.
func (p *ExportPromise) Done() <-chan struct{} {
	return p.done
}

// Size returns the number of spans in the batch.
func (p *ExportPromise) Size() int {
	return p.size
}

// Result returns the export result and whether it has settled.
func (p *ExportPromise) Result() (ExportResult, bool) {
	select {
	case <-p.done:
		return p.result, true
	default:
		return ExportResult{}, false
	}
}

// Wait blocks until the export settles or ctx is done.
func (p *ExportPromise) Wait(ctx context.Context) (ExportResult, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return ExportResult{}, ctx.Err()
	}
}

// Scheduler batches accepted traces for one invocation and runs every
// export in the background, tracking each as an ExportPromise.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Scheduler struct {
	exporter    SpanExporter
	logger      *zap.Logger
	queue       []Span
	outstanding map[*ExportPromise]struct{}
	flight      singleflight.Group
	strategy    Strategy
	maxQueue    int
	maxBatch    int
	mu          sync.Mutex
	closed      bool
}

// NewScheduler builds a scheduler exporting through exporter with the
// batching settings of cfg.
func NewScheduler(cfg *ResolvedConfig, exporter SpanExporter, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		exporter:    exporter,
		logger:      logger,
		outstanding: make(map[*ExportPromise]struct{}),
		strategy:    cfg.Strategy(),
		maxQueue:    cfg.MaxQueueSize(),
		maxBatch:    cfg.MaxExportBatchSize(),
	}
}

// Strategy returns the batching strategy in use.
func (s *Scheduler) Strategy() Strategy {
	return s.strategy
}

// Schedule hands an accepted trace to the strategy. It never blocks on
// the network.
func (s *Scheduler) Schedule(t Trace) error {
	if len(t.Spans) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}

	var batches [][]Span
	switch s.strategy {
	case StrategyImmediate:
		batches = make([][]Span, 0, len(t.Spans))
		for i := range t.Spans {
			batches = append(batches, []Span{t.Spans[i]})
		}
	case StrategySize:
		for i := range t.Spans {
			s.queue = append(s.queue, t.Spans[i])
			// Appending past the bound flushes the oldest batch instead
			// of dropping.
			for len(s.queue) >= s.maxQueue {
				batches = append(batches, s.takeLocked(s.maxBatch))
			}
		}
	default:
		batches = [][]Span{append([]Span(nil), t.Spans...)}
	}
	promises := s.trackLocked(batches)
	s.mu.Unlock()

	s.dispatch(batches, promises)
	return nil
}

// takeLocked removes up to n of the oldest queued spans.
func (s *Scheduler) takeLocked(n int) []Span {
	if n > len(s.queue) {
		n = len(s.queue)
	}
	batch := make([]Span, n)
	copy(batch, s.queue[:n])

	rest := len(s.queue) - n
	copy(s.queue, s.queue[n:])
	for i := rest; i < len(s.queue); i++ {
		s.queue[i] = Span{}
	}
	s.queue = s.queue[:rest]
	return batch
}

func (s *Scheduler) trackLocked(batches [][]Span) []*ExportPromise {
	promises := make([]*ExportPromise, len(batches))
	for i, b := range batches {
		p := newExportPromise(len(b))
		s.outstanding[p] = struct{}{}
		promises[i] = p
	}
	return promises
}

func (s *Scheduler) dispatch(batches [][]Span, promises []*ExportPromise) {
	for i := range batches {
		go s.export(batches[i], promises[i])
	}
}

func (s *Scheduler) export(batch []Span, p *ExportPromise) {
	defer func() {
		if r := recover(); r != nil {
			s.complete(p, ExportResult{Code: ExportFailure, Err: fmt.Errorf("exporter panicked: %v", r)})
		}
	}()
	s.exporter.Export(context.Background(), batch, func(r ExportResult) {
		s.complete(p, r)
	})
}

// complete logs the outcome before resolving p, so nothing is logged after
// a flush waiting on p has returned.
func (s *Scheduler) complete(p *ExportPromise, r ExportResult) {
	if !p.claim() {
		return
	}

	if r.Code != ExportSuccess {
		s.logger.Warn("export failed, batch dropped",
			zap.String("strategy", string(s.strategy)),
			zap.Int("span_count", p.size),
			zap.Error(r.Err),
		)
	} else {
		s.logger.Debug("batch exported",
			zap.String("strategy", string(s.strategy)),
			zap.Int("span_count", p.size),
		)
	}

	s.mu.Lock()
	delete(s.outstanding, p)
	s.mu.Unlock()

	p.resolve(r)
}

// Pending returns the number of queued spans not yet handed to the exporter.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Outstanding returns the exports that have not settled yet.
func (s *Scheduler) Outstanding() []*ExportPromise {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ExportPromise, 0, len(s.outstanding))
	for p := range s.outstanding {
		out = append(out, p)
	}
	return out
}

// ForceFlush exports everything still queued in MaxExportBatchSize chunks,
// then waits for every export outstanding at the time of the call, or ctx.
// Concurrent callers share the drain of the queue but each waits on its own
// view of outstanding exports. With nothing queued or in flight it makes no
// exporter call.
func (s *Scheduler) ForceFlush(ctx context.Context) error {
	// A drain joined mid-way may predate this caller's own queued spans.
	for s.Pending() > 0 {
		_, _, _ = s.flight.Do("drain", func() (interface{}, error) {
			s.drain()
			return nil, nil
		})
	}

	for _, p := range s.Outstanding() {
		select {
		case <-p.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// drain dispatches the whole queue. Batches are tracked before it returns.
func (s *Scheduler) drain() {
	s.mu.Lock()
	var batches [][]Span
	for len(s.queue) > 0 {
		batches = append(batches, s.takeLocked(s.maxBatch))
	}
	promises := s.trackLocked(batches)
	s.mu.Unlock()

	s.dispatch(batches, promises)
}

// Shutdown flushes and then rejects further traces.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	err := s.ForceFlush(ctx)

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return err
}
