// Package flushz buffers, samples and exports the spans of short-lived
// invocations.
//
// Spans started during one invocation are grouped by trace. A trace is
// complete when its local root and every span registered under it have
// ended. Complete traces pass a tail sampler and are handed to a batching
// scheduler that ships them as OTLP/HTTP JSON without blocking the traced
// work. Nothing survives the invocation.
//
// Core Components:
//   - Provider: process-wide state (config, exporter, clock, ID pools).
//   - Invocation: per unit of work tracer, tracker and scheduler.
//   - Tracer / ActiveSpan: the span API adapters call.
//   - Tracker: trace completion and forced completion.
//   - HeadSampler / TailSampler: two-stage sampling.
//   - Scheduler: immediate, size or trace batching with export promises.
//   - OTLPExporter: OTLP/HTTP JSON over a Transport.
//
// Basic Usage:
//
//	cfg := flushz.DefaultConfig()
//	cfg.Exporter.URL = "https://collector.example.com/v1/traces"
//	provider, err := flushz.NewProvider(cfg)
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	ctx, inv := provider.NewInvocation(ctx)
//	err = inv.Run(ctx, "handle", func(ctx context.Context) error {
//		ctx, span := inv.Tracer().Start(ctx, "lookup")
//		defer span.End()
//		return lookup(ctx)
//	})
//
// Thread Safety:
//
// Provider, Invocation, Tracer, ActiveSpan, Tracker and Scheduler are safe
// for concurrent use. Span values are immutable copies.
//
// Context Propagation:
//
// The active configuration, tracer and span travel together in
// context.Context. Use Invocation.Go for background work, Inject/Extract or
// Carrier across process boundaries, and NewRoundTripper for outbound HTTP.
package flushz
