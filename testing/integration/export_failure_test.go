package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/zoobzio/flushz"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestBackendOutageDoesNotFailWorkload drops batches the backend rejects,
// logs them, and recovers on the next invocation without retrying.
func TestBackendOutageDoesNotFailWorkload(t *testing.T) {
	backend := NewBackend(t)
	backend.SetStatus(http.StatusServiceUnavailable)

	core, logs := observer.New(zap.WarnLevel)
	cfg := flushz.DefaultConfig()
	cfg.Exporter.URL = backend.URL()
	provider, err := flushz.NewProvider(cfg, flushz.WithLogger(zap.New(core)))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx, inv := provider.NewInvocation(context.Background())
	if err := inv.Run(ctx, "during-outage", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Expected the workload to succeed during an outage, got %v", err)
	}

	if n := len(backend.Requests()); n != 1 {
		t.Fatalf("Expected a single attempt, got %d requests", n)
	}
	if len(backend.Accepted()) != 0 {
		t.Fatal("Expected no accepted request during the outage")
	}
	if logs.FilterMessage("export failed, batch dropped").Len() != 1 {
		t.Errorf("Expected the dropped batch to be logged, got %v", logs.All())
	}

	backend.SetStatus(http.StatusOK)
	ctx, inv = provider.NewInvocation(context.Background())
	if err := inv.Run(ctx, "after-outage", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if names := SpanNames(backend.Spans()); names != "after-outage" {
		t.Errorf("Expected only the post-outage trace delivered, got %q", names)
	}
}

// TestUnreachableBackendIsBounded points the exporter at a closed port.
func TestUnreachableBackendIsBounded(t *testing.T) {
	backend := NewBackend(t)
	provider := NewProvider(t, backend, func(cfg *flushz.Config) {
		cfg.Exporter.URL = "http://127.0.0.1:1/v1/traces"
		cfg.Exporter.Timeout = 500 * time.Millisecond
	})

	ctx, inv := provider.NewInvocation(context.Background())
	start := time.Now()
	if err := inv.Run(ctx, "offline", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Expected the workload error only, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Expected the export timeout to bound Run, took %v", elapsed)
	}
}
