package flushz

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// BucketState is the lifecycle of the spans of one trace within an
// invocation: OPEN -> COMPLETING -> COMPLETE, one-shot.
type BucketState int

const (
	BucketOpen BucketState = iota
	BucketCompleting
	BucketComplete
)

func (s BucketState) String() string {
	switch s {
	case BucketOpen:
		return "OPEN"
	case BucketCompleting:
		return "COMPLETING"
	case BucketComplete:
		return "COMPLETE"
	default:
		return fmt.Sprintf("BucketState(%d)", int(s))
	}
}

// Trace is a completed bucket handed to the tail sampler and scheduler.
// Spans are in the order they ended.
type Trace struct {
	Spans     []Span
	ID        trace.TraceID
	RootID    trace.SpanID
	Decision  SamplingDecision
	Truncated bool
}

// Root returns the local root span of the trace.
func (t Trace) Root() (Span, bool) {
	for i := range t.Spans {
		if t.Spans[i].SpanID == t.RootID {
			return t.Spans[i], true
		}
	}
	return Span{}, false
}

type bucketEntry struct {
	span  *ActiveSpan
	ended bool
}

type traceBucket struct {
	entries   map[trace.SpanID]*bucketEntry
	order     []*bucketEntry
	ended     []Span
	id        trace.TraceID
	root      trace.SpanID
	open      int
	decision  SamplingDecision
	state     BucketState
	truncated bool
}

// Tracker groups the spans of one invocation by trace and reports each trace
// exactly once when it completes: its root has ended and so has every span
// registered under it.
// Safe for concurrent use by multiple goroutines.
type Tracker struct {
	buckets    map[trace.TraceID]*traceBucket
	onComplete func(Trace)
	idle       chan struct{}
	mu         sync.Mutex
}

// NewTracker returns a tracker calling onComplete, outside any lock, once per
// completed trace.
func NewTracker(onComplete func(Trace)) *Tracker {
	if onComplete == nil {
		onComplete = func(Trace) {}
	}
	return &Tracker{
		buckets:    make(map[trace.TraceID]*traceBucket),
		onComplete: onComplete,
	}
}

// OnSpanStart registers a span. The first span of a bucket is its local root:
// its parent is absent, remote, or lives in an earlier completed bucket.
func (t *Tracker) OnSpanStart(span *ActiveSpan) {
	if span == nil || !span.IsRecording() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := span.TraceID()
	b, ok := t.buckets[id]
	if !ok {
		b = &traceBucket{
			entries:  make(map[trace.SpanID]*bucketEntry),
			id:       id,
			root:     span.SpanID(),
			decision: span.Decision(),
		}
		t.buckets[id] = b
	}
	if _, dup := b.entries[span.SpanID()]; dup {
		return
	}
	entry := &bucketEntry{span: span}
	b.entries[span.SpanID()] = entry
	b.order = append(b.order, entry)
	b.open++
}

// OnSpanEnd records an ended span. Unknown or already ended spans are
// ignored, including late spans of a force-completed bucket.
func (t *Tracker) OnSpanEnd(span Span) {
	t.mu.Lock()

	b, ok := t.buckets[span.TraceID]
	if !ok {
		t.mu.Unlock()
		return
	}
	entry, ok := b.entries[span.SpanID]
	if !ok || entry.ended {
		t.mu.Unlock()
		return
	}
	t.markEndedLocked(b, entry, span)

	if span.SpanID == b.root && b.state == BucketOpen {
		b.state = BucketCompleting
	}

	var done *Trace
	if b.state == BucketCompleting && b.open == 0 {
		done = t.completeLocked(b)
	}
	t.mu.Unlock()

	if done != nil {
		t.onComplete(*done)
	}
}

func (t *Tracker) markEndedLocked(b *traceBucket, entry *bucketEntry, span Span) {
	entry.ended = true
	b.open--
	b.ended = append(b.ended, span)
}

// completeLocked performs the one-shot hand-off and forgets the bucket.
func (t *Tracker) completeLocked(b *traceBucket) *Trace {
	b.state = BucketComplete
	delete(t.buckets, b.id)
	if len(t.buckets) == 0 && t.idle != nil {
		close(t.idle)
		t.idle = nil
	}

	return &Trace{
		Spans:     b.ended,
		ID:        b.id,
		RootID:    b.root,
		Decision:  b.decision,
		Truncated: b.truncated,
	}
}

// ForceComplete ends every still-open span of the trace with a truncated
// ERROR status and hands the bucket off. Returns false when no bucket is
// open for the trace.
func (t *Tracker) ForceComplete(id trace.TraceID) bool {
	t.mu.Lock()
	b, ok := t.buckets[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	done, truncated := t.forceLocked(b)
	t.mu.Unlock()

	t.onComplete(*done)
	notifyTruncated(truncated)
	return true
}

// ForceCompleteAll force-completes every open bucket and returns how many
// were handed off.
func (t *Tracker) ForceCompleteAll() int {
	t.mu.Lock()
	done := make([]*Trace, 0, len(t.buckets))
	var truncated []*ActiveSpan
	for _, b := range t.buckets {
		d, spans := t.forceLocked(b)
		done = append(done, d)
		truncated = append(truncated, spans...)
	}
	t.mu.Unlock()

	for _, d := range done {
		t.onComplete(*d)
	}
	notifyTruncated(truncated)
	return len(done)
}

// forceLocked ends open spans in the order they started and returns the
// spans it ended itself. Lock order is tracker then span, never the reverse.
func (t *Tracker) forceLocked(b *traceBucket) (*Trace, []*ActiveSpan) {
	var ended []*ActiveSpan
	for _, entry := range b.order {
		if entry.ended {
			continue
		}
		span, truncated := entry.span.truncate()
		if truncated {
			b.truncated = true
			ended = append(ended, entry.span)
		}
		// A span whose End is still on its way to OnSpanEnd is recorded
		// here with its own final state.
		t.markEndedLocked(b, entry, span)
	}
	return t.completeLocked(b), ended
}

// notifyTruncated delivers force-ended spans to their tracer's processors
// and handlers. The tracker itself ignores them, their bucket is gone.
func notifyTruncated(spans []*ActiveSpan) {
	for _, a := range spans {
		if a.tracer != nil {
			a.tracer.spanEnded(a.Snapshot())
		}
	}
}

// WaitSettled blocks until no trace is open or ctx is done.
func (t *Tracker) WaitSettled(ctx context.Context) error {
	for {
		t.mu.Lock()
		if len(t.buckets) == 0 {
			t.mu.Unlock()
			return nil
		}
		if t.idle == nil {
			t.idle = make(chan struct{})
		}
		idle := t.idle
		t.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// State returns the state of an open bucket. Completed buckets are
// forgotten and report false.
func (t *Tracker) State(id trace.TraceID) (BucketState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[id]
	if !ok {
		return BucketComplete, false
	}
	return b.state, true
}

// OpenTraces lists the traces not yet handed off.
func (t *Tracker) OpenTraces() []trace.TraceID {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]trace.TraceID, 0, len(t.buckets))
	for id := range t.buckets {
		ids = append(ids, id)
	}
	return ids
}
