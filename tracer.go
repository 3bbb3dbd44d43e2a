package flushz

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SpanProcessor receives span lifecycle hooks from the tracer.
// OnStart runs synchronously inside Tracer.Start, OnEnd inside ActiveSpan.End.
// Neither should block.
type SpanProcessor interface {
	OnStart(parent context.Context, span *ActiveSpan)
	OnEnd(span Span)
}

// SpanHandler is called with every recorded span once it ends.
type SpanHandler func(span Span)

type handlerEntry struct {
	handler SpanHandler
	id      uint64
}

// Tracer creates spans for one invocation.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	handlers     []handlerEntry
	processors   []SpanProcessor
	cfg          *ResolvedConfig
	logger       *zap.Logger
	clock        clockz.Clock
	traceIDs     *IDPool[trace.TraceID]
	spanIDs      *IDPool[trace.SpanID]
	workers      *workerPool
	handlersLock sync.RWMutex
	nextID       atomic.Uint64
}

func newTracer(p *Provider, logger *zap.Logger, processors ...SpanProcessor) *Tracer {
	return &Tracer{
		handlers:   make([]handlerEntry, 0),
		processors: processors,
		cfg:        p.cfg,
		logger:     logger,
		clock:      p.clock,
		traceIDs:   p.traceIDs,
		spanIDs:    p.spanIDs,
		workers:    p.workers,
	}
}

// SpanStartOption configures a span at Start.
type SpanStartOption func(*startConfig)

type startConfig struct {
	timestamp time.Time
	attrs     []attribute.KeyValue
	links     []Link
	kind      trace.SpanKind
}

// WithSpanKind sets the span kind. Defaults to internal.
func WithSpanKind(kind trace.SpanKind) SpanStartOption {
	return func(c *startConfig) { c.kind = kind }
}

// WithAttributes sets the initial attributes of the span. They are visible
// to the head sampler.
func WithAttributes(kv ...attribute.KeyValue) SpanStartOption {
	return func(c *startConfig) { c.attrs = append(c.attrs, kv...) }
}

// WithLinks attaches links to other spans.
func WithLinks(links ...Link) SpanStartOption {
	return func(c *startConfig) { c.links = append(c.links, links...) }
}

// WithTimestamp overrides the start time.
func WithTimestamp(t time.Time) SpanStartOption {
	return func(c *startConfig) { c.timestamp = t }
}

// SpanEndOption configures ActiveSpan.End.
type SpanEndOption func(*endConfig)

type endConfig struct {
	timestamp time.Time
	status    *Status
}

func newEndConfig(opts []SpanEndOption) endConfig {
	var cfg endConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithEndTimestamp overrides the end time. Times before the start are
// clamped to the start.
func WithEndTimestamp(t time.Time) SpanEndOption {
	return func(c *endConfig) { c.timestamp = t }
}

// WithStatus sets the status as the span ends.
func WithStatus(s Status) SpanEndOption {
	return func(c *endConfig) { c.status = &s }
}

// OnSpanEnd registers a handler called with every recorded span when it
// ends, including spans truncated by a forced completion. Handlers run synchronously unless the provider was built
// WithHandlerWorkers. Returns an ID for RemoveHandler.
func (t *Tracer) OnSpanEnd(handler SpanHandler) uint64 {
	if handler == nil {
		return 0
	}

	id := t.nextID.Add(1)

	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	t.handlers = append(t.handlers, handlerEntry{id: id, handler: handler})
	return id
}

// RemoveHandler removes a handler by ID.
func (t *Tracer) RemoveHandler(id uint64) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	// Preserve order
	for i, h := range t.handlers {
		if h.id == id {
			copy(t.handlers[i:], t.handlers[i+1:])
			t.handlers = t.handlers[:len(t.handlers)-1]
			return
		}
	}
}

// Start creates a span. A span found in ctx becomes the parent and passes its
// sampling decision down; otherwise a remote parent extracted into ctx is
// used and the head sampler runs once for the new local root.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanStartOption) (context.Context, *ActiveSpan) {
	// Handle nil context by creating a new one.
	if ctx == nil {
		ctx = context.Background()
	}

	cfg := startConfig{kind: trace.SpanKindInternal}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.kind == trace.SpanKindUnspecified {
		cfg.kind = trace.SpanKindInternal
	}

	var (
		parent   trace.SpanContext
		traceID  trace.TraceID
		decision SamplingDecision
	)

	if local := SpanFromContext(ctx); local != nil {
		parent = local.SpanContext()
		traceID = parent.TraceID()
		decision = local.Decision()
	} else {
		if remote := trace.SpanContextFromContext(ctx); remote.IsValid() {
			parent = remote
			traceID = remote.TraceID()
		} else {
			traceID = t.traceIDs.Get()
		}
		decision = t.headSample(SamplingParameters{
			TraceID:    traceID,
			Parent:     parent,
			Name:       name,
			Kind:       cfg.kind,
			Attributes: cfg.attrs,
		})
	}

	var flags trace.TraceFlags
	if decision == RecordAndSample {
		flags = trace.FlagsSampled
	}

	start := cfg.timestamp
	if start.IsZero() {
		start = t.clock.Now()
	}

	span := &ActiveSpan{
		tracer: t,
		sc: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     t.spanIDs.Get(),
			TraceFlags: flags,
			TraceState: parent.TraceState(),
		}),
		parent:   parent,
		name:     name,
		kind:     cfg.kind,
		start:    start,
		decision: decision,
		links:    cfg.links,
	}
	if decision != Drop {
		span.setAttributesLocked(cfg.attrs)
	}

	newCtx := contextWithSpan(ctx, t, span)

	if span.recording() {
		for _, p := range t.processors {
			t.safeCall(p, func() { p.OnStart(ctx, span) })
		}
	}
	return newCtx, span
}

func (t *Tracer) headSample(params SamplingParameters) SamplingDecision {
	decision, err := sampleHead(t.cfg.HeadSampler(), params)
	if err != nil {
		t.logger.Warn("head sampler failed, trace not sampled",
			zap.String("trace_id", params.TraceID.String()),
			zap.Error(err),
		)
	}
	return decision
}

// spanEnded fans a finished span out to processors then handlers.
func (t *Tracer) spanEnded(span Span) {
	for _, p := range t.processors {
		t.safeCall(p, func() { p.OnEnd(span) })
	}

	t.handlersLock.RLock()
	if len(t.handlers) == 0 {
		t.handlersLock.RUnlock()
		return
	}
	handlers := make([]handlerEntry, len(t.handlers))
	copy(handlers, t.handlers)
	t.handlersLock.RUnlock()

	for _, h := range handlers {
		entry := h
		call := func() { t.safeCall(entry.id, func() { entry.handler(span) }) }
		if t.workers != nil {
			t.workers.submit(call)
			continue
		}
		call()
	}
}

// safeCall isolates the traced workload from panics in hooks.
func (t *Tracer) safeCall(hook interface{}, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			name := fmt.Sprintf("%T", hook)
			if id, ok := hook.(uint64); ok {
				name = fmt.Sprintf("handler-%d", id)
			}
			t.logger.Error("span hook panicked",
				zap.String("hook", name),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

// Config returns the resolved configuration the tracer runs with.
func (t *Tracer) Config() *ResolvedConfig {
	return t.cfg
}
