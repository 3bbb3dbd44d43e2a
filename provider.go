package flushz

import (
	"context"
	"runtime"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Provider is the process-wide state: resolved configuration, exporter,
// logger, clock and ID pools. Build one at startup, start an Invocation per
// unit of work, Shutdown at teardown.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Provider struct {
	cfg      *ResolvedConfig
	exporter SpanExporter
	logger   *zap.Logger
	clock    clockz.Clock
	traceIDs *IDPool[trace.TraceID]
	spanIDs  *IDPool[trace.SpanID]
	workers  *workerPool
	mu       sync.Mutex
	closed   bool

	handlerWorkers int
	handlerQueue   int
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the diagnostics logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock sets the clock used for timestamps and deadlines.
func WithClock(clock clockz.Clock) Option {
	return func(p *Provider) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithHandlerWorkers runs OnSpanEnd handlers on a bounded pool instead of
// the goroutine ending the span. Calls that find the queue full are dropped.
func WithHandlerWorkers(workers, queueSize int) Option {
	return func(p *Provider) {
		p.handlerWorkers = workers
		p.handlerQueue = queueSize
	}
}

// NewProvider resolves cfg and builds the process-wide state. Configuration
// errors are returned here, before any span exists.
func NewProvider(cfg Config, opts ...Option) (*Provider, error) {
	rc, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		cfg:    rc,
		logger: zap.NewNop(),
		clock:  clockz.RealClock,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.handlerWorkers != 0 || p.handlerQueue != 0 {
		workers, err := newWorkerPool(p.handlerWorkers, p.handlerQueue)
		if err != nil {
			return nil, &ConfigurationError{Field: "handler_workers", Err: err}
		}
		p.workers = workers
	}

	p.exporter = rc.Exporter()
	if p.exporter == nil {
		p.exporter = NewOTLPExporter(rc.URL(), rc.Headers(), rc.Timeout(), rc.Transport())
	}

	// Pool size based on CPU count for better scaling.
	poolSize := runtime.NumCPU() * 100
	clock := p.clock
	p.traceIDs = NewIDPool(poolSize, func() trace.TraceID { return newTraceID(clock) })
	p.spanIDs = NewIDPool(poolSize, func() trace.SpanID { return newSpanID(clock) })

	p.logger.Debug("provider started",
		zap.String("strategy", string(rc.Strategy())),
		zap.String("head_sampler", rc.HeadSampler().Description()),
	)
	return p, nil
}

// Config returns the resolved configuration.
func (p *Provider) Config() *ResolvedConfig {
	return p.cfg
}

// Logger returns the diagnostics logger.
func (p *Provider) Logger() *zap.Logger {
	return p.logger
}

// DroppedHandlerCalls returns how many handler calls the worker pool
// dropped because its queue was full.
func (p *Provider) DroppedHandlerCalls() uint64 {
	if p.workers == nil {
		return 0
	}
	return p.workers.dropped.Load()
}

func (p *Provider) newInvocationID() ulid.ULID {
	// DefaultEntropy is monotonic and safe for concurrent use.
	return ulid.MustNew(ulid.Timestamp(p.clock.Now()), ulid.DefaultEntropy())
}

// NewInvocation starts a unit of work with a fresh tracker, scheduler and
// tracer. The returned context carries the tracer and drops any local span
// of an earlier invocation; a remote parent extracted into ctx is kept.
func (p *Provider) NewInvocation(ctx context.Context) (context.Context, *Invocation) {
	if ctx == nil {
		ctx = context.Background()
	}

	id := p.newInvocationID()
	logger := p.logger.With(zap.String("invocation_id", id.String()))

	scheduler := NewScheduler(p.cfg, p.exporter, logger)
	pipe := newPipeline(p.cfg, scheduler, logger)

	inv := &Invocation{
		id:        id,
		tracer:    newTracer(p, logger, pipe),
		tracker:   pipe.tracker,
		scheduler: scheduler,
		clock:     p.clock,
		logger:    logger,
		tasks:     &errgroup.Group{},
	}
	return contextWithTracer(ctx, inv.tracer), inv
}

// Shutdown stops the exporter, the ID pools and the handler workers. It is
// safe to call more than once. Invocations still running should Finish
// first.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.workers != nil {
		p.workers.shutdown()
	}
	p.traceIDs.Close()
	p.spanIDs.Close()

	err := p.exporter.Shutdown(ctx)
	p.logger.Debug("provider shut down", zap.Error(err))
	return err
}
