package flushz

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// bundleKeyType is a private type for context keys to avoid collisions.
type bundleKeyType string

const (
	bundleKey bundleKeyType = "flushz"
)

// contextBundle holds config, tracer and active span under a single key so
// every continuation inherits all three together.
type contextBundle struct {
	config *ResolvedConfig
	tracer *Tracer
	span   *ActiveSpan
}

func bundleFrom(ctx context.Context) *contextBundle {
	if ctx == nil {
		return nil
	}
	b, _ := ctx.Value(bundleKey).(*contextBundle)
	return b
}

// ContextWithConfig attaches a resolved configuration to ctx, keeping any
// tracer and span already present.
func ContextWithConfig(ctx context.Context, cfg *ResolvedConfig) context.Context {
	next := &contextBundle{config: cfg}
	if b := bundleFrom(ctx); b != nil {
		next.tracer = b.tracer
		next.span = b.span
	}
	return context.WithValue(ctx, bundleKey, next)
}

// ContextWithSpan returns a context carrying span as the active span. The
// span's tracer and configuration travel with it.
func ContextWithSpan(ctx context.Context, span *ActiveSpan) context.Context {
	if span == nil {
		return ctx
	}
	return contextWithSpan(ctx, span.tracer, span)
}

func contextWithSpan(ctx context.Context, t *Tracer, span *ActiveSpan) context.Context {
	// Use bundled approach for a single allocation.
	return context.WithValue(ctx, bundleKey, &contextBundle{
		config: t.cfg,
		tracer: t,
		span:   span,
	})
}

// contextWithTracer starts an invocation scope: the tracer and its config,
// no active local span.
func contextWithTracer(ctx context.Context, t *Tracer) context.Context {
	return context.WithValue(ctx, bundleKey, &contextBundle{config: t.cfg, tracer: t})
}

// ConfigFromContext returns the resolved configuration bound to ctx, or nil.
func ConfigFromContext(ctx context.Context) *ResolvedConfig {
	if b := bundleFrom(ctx); b != nil {
		return b.config
	}
	return nil
}

// TracerFromContext returns the tracer of the active invocation, or nil.
func TracerFromContext(ctx context.Context) *Tracer {
	if b := bundleFrom(ctx); b != nil {
		return b.tracer
	}
	return nil
}

// SpanFromContext extracts the active span from a context.
// Returns nil if no span is present.
func SpanFromContext(ctx context.Context) *ActiveSpan {
	if b := bundleFrom(ctx); b != nil {
		return b.span
	}
	return nil
}

// SpanContextFromContext returns the active trace context: the local span's
// identity when one is active, otherwise a remote parent extracted from a
// carrier. Invalid when neither is present.
func SpanContextFromContext(ctx context.Context) trace.SpanContext {
	if span := SpanFromContext(ctx); span != nil {
		return span.SpanContext()
	}
	if ctx == nil {
		return trace.SpanContext{}
	}
	return trace.SpanContextFromContext(ctx)
}
