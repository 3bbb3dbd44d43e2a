package integration

import (
	"context"
	"testing"

	"github.com/zoobzio/flushz"
	"go.opentelemetry.io/otel/attribute"
)

// TestParentChildHierarchy exports a nested trace over HTTP and rebuilds
// its tree from what the backend decoded.
func TestParentChildHierarchy(t *testing.T) {
	backend := NewBackend(t)
	provider := NewProvider(t, backend, func(cfg *flushz.Config) {
		cfg.Service.Name = "orders"
	})

	ctx, inv := provider.NewInvocation(context.Background())
	tracer := inv.Tracer()

	err := inv.Run(ctx, "handle-order", func(ctx context.Context) error {
		validateCtx, validate := tracer.Start(ctx, "validate")
		_, schema := tracer.Start(validateCtx, "schema-check")
		schema.End()
		validate.End()

		persistCtx, persist := tracer.Start(ctx, "persist")
		persist.SetAttributes(attribute.String("db.system", "postgresql"))
		_, insert := tracer.Start(persistCtx, "insert-order")
		insert.End()
		_, audit := tracer.Start(persistCtx, "insert-audit")
		audit.End()
		persist.End()
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	requests := backend.Accepted()
	if len(requests) != 1 {
		t.Fatalf("Expected the trace in one export, got %d requests", len(requests))
	}
	spans := requests[0].Spans
	if len(spans) != 6 {
		t.Fatalf("Expected 6 spans, got %d: %s", len(spans), SpanNames(spans))
	}

	AssertParentChild(t, spans, "handle-order", "validate")
	AssertParentChild(t, spans, "validate", "schema-check")
	AssertParentChild(t, spans, "handle-order", "persist")
	AssertParentChild(t, spans, "persist", "insert-order")
	AssertParentChild(t, spans, "persist", "insert-audit")

	roots := BuildSpanTree(spans)
	if len(roots) != 1 || roots[0].Span.Name != "handle-order" {
		t.Fatalf("Expected a single handle-order root:\n%s", PrintSpanTree(roots))
	}
	if len(roots[0].Children) != 2 {
		t.Errorf("Expected 2 children under the root:\n%s", PrintSpanTree(roots))
	}

	// Spans arrive in end order; the root ends last.
	if spans[len(spans)-1].Name != "handle-order" {
		t.Errorf("Expected root last, got order %s", SpanNames(spans))
	}

	persist := FindSpan(t, spans, "persist")
	if v, ok := persist.Attributes.Value("db.system"); !ok || v.AsString() != "postgresql" {
		t.Errorf("Expected db.system attribute to survive export, got %v", v)
	}
	if v, ok := persist.Resource.Value("service.name"); !ok || v.AsString() != "orders" {
		t.Errorf("Expected service.name=orders on the resource, got %v", v)
	}
}

// TestChildrenEndingAfterRoot keeps the trace open until every child ended,
// then exports all of it together.
func TestChildrenEndingAfterRoot(t *testing.T) {
	backend := NewBackend(t)
	provider := NewProvider(t, backend, nil)

	ctx, inv := provider.NewInvocation(context.Background())
	tracer := inv.Tracer()

	rootCtx, root := tracer.Start(ctx, "enqueue")
	_, publish := tracer.Start(rootCtx, "publish")
	_, ack := tracer.Start(rootCtx, "await-ack")

	root.End()
	publish.End()
	if n := len(backend.Requests()); n != 0 {
		t.Fatalf("Expected nothing exported while a child is open, got %d requests", n)
	}
	ack.End()

	if err := inv.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	spans := backend.Spans()
	if SpanNames(spans) != "enqueue,publish,await-ack" {
		t.Errorf("Expected end order enqueue,publish,await-ack, got %s", SpanNames(spans))
	}
	for _, s := range spans {
		if s.Truncated() {
			t.Errorf("Expected %s not to be truncated", s.Name)
		}
	}
}
