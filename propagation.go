package flushz

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPropagator writes W3C traceparent/tracestate and baggage headers.
func DefaultPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

func propagatorFor(ctx context.Context) propagation.TextMapPropagator {
	if cfg := ConfigFromContext(ctx); cfg != nil {
		return cfg.Propagator()
	}
	return DefaultPropagator()
}

// Inject serializes the active trace context of ctx into carrier using the
// configured propagator. Nothing is written when ctx has no valid context.
func Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	sc := SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}
	propagatorFor(ctx).Inject(trace.ContextWithSpanContext(ctx, sc), carrier)
}

// Extract deserializes a remote trace context from carrier into ctx. The
// next span started from the returned context becomes a local root whose
// parent is the remote span. An active local span in ctx is detached when a
// valid remote context was found.
func Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	out := propagatorFor(ctx).Extract(ctx, carrier)
	if !trace.SpanContextFromContext(out).IsRemote() {
		return out
	}
	if b := bundleFrom(out); b != nil && b.span != nil {
		out = context.WithValue(out, bundleKey, &contextBundle{config: b.config, tracer: b.tracer})
	}
	return out
}

// Carrier is the serialized trace context passed as an explicit first
// argument to calls that cross an isolation boundary without headers.
type Carrier map[string]string

// NewCarrier serializes the active trace context of ctx.
func NewCarrier(ctx context.Context) Carrier {
	c := Carrier{}
	Inject(ctx, propagation.MapCarrier(c))
	return c
}

// Context restores the carried trace context on top of parent.
func (c Carrier) Context(parent context.Context) context.Context {
	if len(c) == 0 {
		return parent
	}
	return Extract(parent, propagation.MapCarrier(c))
}

// TraceParent returns the carried traceparent value, if any.
func (c Carrier) TraceParent() string {
	return c["traceparent"]
}

// NewRoundTripper wraps base so every outbound request gets a client span
// and carries the trace context in its headers. A nil base uses
// http.DefaultTransport.
func NewRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &roundTripper{base: base}
}

type roundTripper struct {
	base http.RoundTripper
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	tracer := TracerFromContext(ctx)
	if tracer == nil {
		// No invocation, forward whatever remote context is present.
		out := req.Clone(ctx)
		Inject(ctx, propagation.HeaderCarrier(out.Header))
		return rt.base.RoundTrip(out)
	}

	ctx, span := tracer.Start(ctx, "HTTP "+req.Method,
		WithSpanKind(trace.SpanKindClient),
		WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL.String()),
			attribute.String("server.address", req.URL.Hostname()),
		),
	)

	out := req.Clone(ctx)
	Inject(ctx, propagation.HeaderCarrier(out.Header))

	resp, err := rt.base.RoundTrip(out)
	if err != nil {
		span.RecordException(err)
		span.End()
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}
	span.End()
	return resp, nil
}
