package flushz

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"
	"github.com/spaolacci/murmur3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SamplingParameters is what a head sampler sees when a local root starts.
type SamplingParameters struct {
	Attributes []attribute.KeyValue
	Parent     trace.SpanContext
	Name       string
	Kind       trace.SpanKind
	TraceID    trace.TraceID
}

// HeadSampler decides, once per trace at its local root, whether the trace
// is recorded and sampled. Implementations must be deterministic for a
// given trace ID.
type HeadSampler interface {
	ShouldSample(p SamplingParameters) SamplingDecision
	Description() string
}

// HeadSamplerFunc adapts a function to HeadSampler.
type HeadSamplerFunc func(p SamplingParameters) SamplingDecision

// ShouldSample calls f(p).
func (f HeadSamplerFunc) ShouldSample(p SamplingParameters) SamplingDecision { return f(p) }

// Description implements HeadSampler.
func (HeadSamplerFunc) Description() string { return "HeadSamplerFunc" }

// RatioSampler samples a fixed fraction of traces, keyed on the trace ID so
// every recomputation agrees. Unsampled traces are still recorded.
type RatioSampler struct {
	ratio        float64
	bound        uint64
	always       bool
	acceptRemote bool
}

// NewRatioSampler returns a sampler keeping ratio of all traces. With
// acceptRemote, a remote parent's sampled flag is inherited instead.
func NewRatioSampler(ratio float64, acceptRemote bool) *RatioSampler {
	s := &RatioSampler{ratio: ratio, acceptRemote: acceptRemote}
	switch {
	case ratio >= 1:
		s.always = true
	case ratio <= 0:
		s.bound = 0
	default:
		bound := ratio * math.Exp2(64)
		if bound >= math.Exp2(64) {
			s.always = true
		} else {
			s.bound = uint64(bound)
		}
	}
	return s
}

// ShouldSample implements HeadSampler.
func (s *RatioSampler) ShouldSample(p SamplingParameters) SamplingDecision {
	if s.acceptRemote && p.Parent.IsValid() && p.Parent.IsRemote() {
		if p.Parent.IsSampled() {
			return RecordAndSample
		}
		return RecordOnly
	}
	if s.always || murmur3.Sum64(p.TraceID[:]) < s.bound {
		return RecordAndSample
	}
	return RecordOnly
}

// Description implements HeadSampler.
func (s *RatioSampler) Description() string {
	return fmt.Sprintf("RatioSampler{%g,acceptRemote=%t}", s.ratio, s.acceptRemote)
}

// sampleHead runs a head sampler, converting panics and out-of-range
// results into a not-sampled decision plus a SamplingError.
func sampleHead(s HeadSampler, p SamplingParameters) (decision SamplingDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			decision = RecordOnly
			err = &SamplingError{Stage: "head", TraceID: p.TraceID, Cause: r}
		}
	}()

	decision = s.ShouldSample(p)
	if decision < Drop || decision > RecordAndSample {
		return RecordOnly, &SamplingError{
			Stage:   "head",
			TraceID: p.TraceID,
			Cause:   fmt.Errorf("invalid decision %d", int(decision)),
		}
	}
	return decision, nil
}

// TailPredicate inspects a completed trace. Returning true keeps it.
type TailPredicate func(t Trace) bool

// HeadSampled keeps traces the head sampler sampled.
func HeadSampled(t Trace) bool {
	return t.Decision == RecordAndSample
}

// RootStatusError keeps traces whose root span failed.
func RootStatusError(t Trace) bool {
	root, ok := t.Root()
	return ok && root.Status.Code == codes.Error
}

// AnySpanError keeps traces with at least one failed span.
func AnySpanError(t Trace) bool {
	for i := range t.Spans {
		if t.Spans[i].Status.Code == codes.Error {
			return true
		}
	}
	return false
}

// DefaultTailPredicates returns HeadSampled OR RootStatusError.
func DefaultTailPredicates() []TailPredicate {
	return []TailPredicate{HeadSampled, RootStatusError}
}

// TailSampler ORs an ordered list of predicates, stopping at the first
// true. Immutable once built.
type TailSampler struct {
	predicates []TailPredicate
}

// NewTailSampler builds a tail sampler. No predicates means the defaults.
func NewTailSampler(predicates ...TailPredicate) *TailSampler {
	if len(predicates) == 0 {
		predicates = DefaultTailPredicates()
	}
	ps := make([]TailPredicate, 0, len(predicates))
	for _, p := range predicates {
		if p != nil {
			ps = append(ps, p)
		}
	}
	return &TailSampler{predicates: ps}
}

// Sample decides whether a completed trace is exported. A panicking
// predicate counts as false; its failure is returned alongside the verdict.
func (s *TailSampler) Sample(t Trace) (bool, error) {
	var errs error
	for i, p := range s.predicates {
		keep, err := evaluateTail(i, p, t)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if keep {
			return true, errs
		}
	}
	return false, errs
}

func evaluateTail(index int, p TailPredicate, t Trace) (keep bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			keep = false
			err = &SamplingError{
				Stage:   fmt.Sprintf("tail[%d]", index),
				TraceID: t.ID,
				Cause:   r,
			}
		}
	}()
	return p(t), nil
}
