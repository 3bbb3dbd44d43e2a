package flushz

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys written by the pipeline itself.
const (
	TruncatedKey            = attribute.Key("flushz.truncated")
	ExceptionEventName      = "exception"
	exceptionTypeKey        = attribute.Key("exception.type")
	exceptionMessageKey     = attribute.Key("exception.message")
	truncatedDescription    = "truncated"
	defaultEventSliceLength = 4
)

// SamplingDecision is the head sampling outcome attached to a trace at its
// root span and inherited by every child.
type SamplingDecision int

const (
	// Drop produces non-recording spans that are never tracked or exported.
	Drop SamplingDecision = iota
	// RecordOnly records spans so the tail stage can still keep the trace.
	RecordOnly
	// RecordAndSample records spans and marks them sampled.
	RecordAndSample
)

func (d SamplingDecision) String() string {
	switch d {
	case Drop:
		return "DROP"
	case RecordOnly:
		return "RECORD_ONLY"
	case RecordAndSample:
		return "RECORD_AND_SAMPLE"
	default:
		return fmt.Sprintf("SamplingDecision(%d)", int(d))
	}
}

// Status is the outcome of a span.
type Status struct {
	Description string
	Code        codes.Code
}

// Event is a timestamped annotation on a span.
type Event struct {
	Time       time.Time
	Name       string
	Attributes []attribute.KeyValue
}

// Link points at a span in another (or the same) trace.
type Link struct {
	SpanContext trace.SpanContext
	Attributes  []attribute.KeyValue
}

// Scope identifies the instrumentation that produced a span.
type Scope struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

// Span is the read-only record of a traced operation.
// Values handed to processors, samplers and exporters are never mutated.
//
//nolint:govet // Field order follows the export layout
type Span struct {
	Attributes attribute.Set
	Resource   attribute.Set
	Events     []Event
	Links      []Link
	StartTime  time.Time
	EndTime    time.Time
	Status     Status
	Parent     trace.SpanContext
	Scope      Scope
	Name       string
	Kind       trace.SpanKind
	Decision   SamplingDecision
	TraceID    trace.TraceID
	SpanID     trace.SpanID
}

// ParentSpanID returns the parent span ID, invalid for parentless spans.
func (s Span) ParentSpanID() trace.SpanID {
	return s.Parent.SpanID()
}

// HasParent reports whether the span has a local or remote parent.
func (s Span) HasParent() bool {
	return s.Parent.SpanID().IsValid()
}

// Duration is EndTime - StartTime. Zero is a legal value.
func (s Span) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// Sampled reports whether the head decision sampled the span.
func (s Span) Sampled() bool {
	return s.Decision == RecordAndSample
}

// Truncated reports whether the span was ended by a forced completion.
func (s Span) Truncated() bool {
	v, ok := s.Attributes.Value(TruncatedKey)
	return ok && v.AsBool()
}

// SpanContext returns the span's own trace context.
func (s Span) SpanContext() trace.SpanContext {
	var flags trace.TraceFlags
	if s.Sampled() {
		flags = trace.FlagsSampled
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    s.TraceID,
		SpanID:     s.SpanID,
		TraceFlags: flags,
	})
}

// ActiveSpan is the mutable handle adapters hold until End.
// Safe for concurrent use by multiple goroutines.
// Every mutation after End is a no-op.
type ActiveSpan struct {
	tracer   *Tracer
	attrs    map[attribute.Key]attribute.Value
	events   []Event
	links    []Link
	start    time.Time
	end      time.Time
	status   Status
	parent   trace.SpanContext
	sc       trace.SpanContext
	name     string
	kind     trace.SpanKind
	decision SamplingDecision
	mu       sync.Mutex
	ended    bool
}

// SetAttributes adds or replaces attributes. Keys stay unique.
func (a *ActiveSpan) SetAttributes(kv ...attribute.KeyValue) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ended || !a.recording() {
		return
	}
	a.setAttributesLocked(kv)
}

func (a *ActiveSpan) setAttributesLocked(kv []attribute.KeyValue) {
	if a.attrs == nil {
		a.attrs = make(map[attribute.Key]attribute.Value, len(kv))
	}
	for _, attr := range kv {
		if !attr.Valid() {
			continue
		}
		a.attrs[attr.Key] = attr.Value
	}
}

// Attribute returns the current value of an attribute.
func (a *ActiveSpan) Attribute(key attribute.Key) (attribute.Value, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	v, ok := a.attrs[key]
	return v, ok
}

// SetName renames the span.
func (a *ActiveSpan) SetName(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ended {
		return
	}
	a.name = name
}

// SetStatus sets the span status. Unset never overrides an existing status
// and Ok is final.
func (a *ActiveSpan) SetStatus(code codes.Code, description string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ended {
		return
	}
	a.setStatusLocked(Status{Code: code, Description: description})
}

func (a *ActiveSpan) setStatusLocked(s Status) {
	if s.Code == codes.Unset || a.status.Code == codes.Ok {
		return
	}
	if s.Code != codes.Error {
		s.Description = ""
	}
	a.status = s
}

// AddEvent appends a named event stamped with the tracer clock.
func (a *ActiveSpan) AddEvent(name string, kv ...attribute.KeyValue) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ended || !a.recording() {
		return
	}
	a.addEventLocked(name, kv)
}

func (a *ActiveSpan) addEventLocked(name string, kv []attribute.KeyValue) {
	if a.events == nil {
		a.events = make([]Event, 0, defaultEventSliceLength)
	}
	a.events = append(a.events, Event{
		Time:       a.tracer.clock.Now(),
		Name:       name,
		Attributes: append([]attribute.KeyValue(nil), kv...),
	})
}

// RecordException records err as an exception event and marks the span
// as failed. A nil error is ignored.
func (a *ActiveSpan) RecordException(err error, kv ...attribute.KeyValue) {
	if err == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ended || !a.recording() {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(kv)+2)
	attrs = append(attrs,
		exceptionTypeKey.String(errorType(err)),
		exceptionMessageKey.String(err.Error()),
	)
	attrs = append(attrs, kv...)
	a.addEventLocked(ExceptionEventName, attrs)
	a.setStatusLocked(Status{Code: codes.Error, Description: err.Error()})
}

// End finishes the span and hands it to the tracer.
// Safe to call multiple times - subsequent calls are no-ops.
func (a *ActiveSpan) End(opts ...SpanEndOption) {
	cfg := newEndConfig(opts)

	span, ok := a.finish(cfg.timestamp, cfg.status, false)
	if !ok || span.Decision == Drop {
		return
	}
	a.tracer.spanEnded(span)
}

// finish moves the span to ENDED and returns its final record. When the span
// was already ended it returns the existing record and false.
func (a *ActiveSpan) finish(at time.Time, status *Status, truncated bool) (Span, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.ended {
		return a.snapshotLocked(), false
	}
	a.ended = true

	if at.IsZero() {
		at = a.tracer.clock.Now()
	}
	// The host clock may not advance between start and end.
	if at.Before(a.start) {
		at = a.start
	}
	a.end = at

	if status != nil {
		a.setStatusLocked(*status)
	}
	if truncated {
		a.setAttributesLocked([]attribute.KeyValue{TruncatedKey.Bool(true)})
		// Truncation overrides any status, Ok included.
		a.status = Status{Code: codes.Error, Description: truncatedDescription}
	}
	return a.snapshotLocked(), true
}

// truncate ends the span on behalf of a forced completion.
func (a *ActiveSpan) truncate() (Span, bool) {
	return a.finish(time.Time{}, nil, true)
}

func (a *ActiveSpan) snapshotLocked() Span {
	kvs := make([]attribute.KeyValue, 0, len(a.attrs))
	for k, v := range a.attrs {
		kvs = append(kvs, attribute.KeyValue{Key: k, Value: v})
	}

	span := Span{
		Attributes: attribute.NewSet(kvs...),
		Resource:   a.tracer.cfg.Resource(),
		Scope:      a.tracer.cfg.Scope(),
		StartTime:  a.start,
		EndTime:    a.end,
		Status:     a.status,
		Parent:     a.parent,
		Name:       a.name,
		Kind:       a.kind,
		Decision:   a.decision,
		TraceID:    a.sc.TraceID(),
		SpanID:     a.sc.SpanID(),
	}
	if len(a.events) > 0 {
		span.Events = append([]Event(nil), a.events...)
	}
	if len(a.links) > 0 {
		span.Links = append([]Link(nil), a.links...)
	}
	return span
}

// Snapshot returns the current record of the span, ended or not.
func (a *ActiveSpan) Snapshot() Span {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Ended reports whether End (or a forced completion) already ran.
func (a *ActiveSpan) Ended() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ended
}

// IsRecording reports whether the span is tracked by the pipeline.
func (a *ActiveSpan) IsRecording() bool {
	return a.recording()
}

// decision is fixed at creation, no lock needed.
func (a *ActiveSpan) recording() bool {
	return a.decision != Drop
}

// Decision returns the head sampling decision inherited by the span.
func (a *ActiveSpan) Decision() SamplingDecision {
	return a.decision
}

// SpanContext returns the immutable identity of the span.
func (a *ActiveSpan) SpanContext() trace.SpanContext {
	return a.sc
}

// TraceID returns the trace ID of this span.
func (a *ActiveSpan) TraceID() trace.TraceID {
	return a.sc.TraceID()
}

// SpanID returns the span ID of this span.
func (a *ActiveSpan) SpanID() trace.SpanID {
	return a.sc.SpanID()
}

// Parent returns the parent span context, invalid for parentless spans.
func (a *ActiveSpan) Parent() trace.SpanContext {
	return a.parent
}

func errorType(err error) string {
	t := reflect.TypeOf(err)
	if t.Kind() == reflect.Ptr && t.Name() == "" {
		t = t.Elem()
	}
	if t.PkgPath() == "" || t.Name() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
