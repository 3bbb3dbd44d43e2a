package flushz

import (
	"fmt"
	"math"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTLP/HTTP JSON envelope. Field names follow the protobuf JSON mapping.
type otlpTraces struct {
	ResourceSpans []otlpResourceSpans `json:"resourceSpans"`
}

type otlpResourceSpans struct {
	Resource   otlpResource     `json:"resource"`
	ScopeSpans []otlpScopeSpans `json:"scopeSpans"`
}

type otlpResource struct {
	Attributes []otlpKeyValue `json:"attributes"`
}

type otlpScopeSpans struct {
	Scope otlpScope  `json:"scope"`
	Spans []otlpSpan `json:"spans"`
}

type otlpScope struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type otlpSpan struct {
	TraceID           string         `json:"traceId"`
	SpanID            string         `json:"spanId"`
	ParentSpanID      string         `json:"parentSpanId,omitempty"`
	TraceState        string         `json:"traceState,omitempty"`
	Name              string         `json:"name"`
	Kind              int            `json:"kind"`
	Flags             uint32         `json:"flags,omitempty"`
	StartTimeUnixNano string         `json:"startTimeUnixNano"`
	EndTimeUnixNano   string         `json:"endTimeUnixNano"`
	Attributes        []otlpKeyValue `json:"attributes"`
	Events            []otlpEvent    `json:"events,omitempty"`
	Links             []otlpLink     `json:"links,omitempty"`
	Status            otlpStatus     `json:"status"`
}

type otlpEvent struct {
	TimeUnixNano string         `json:"timeUnixNano"`
	Name         string         `json:"name"`
	Attributes   []otlpKeyValue `json:"attributes,omitempty"`
}

type otlpLink struct {
	TraceID    string         `json:"traceId"`
	SpanID     string         `json:"spanId"`
	TraceState string         `json:"traceState,omitempty"`
	Attributes []otlpKeyValue `json:"attributes,omitempty"`
}

type otlpStatus struct {
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

type otlpKeyValue struct {
	Key   string    `json:"key"`
	Value otlpValue `json:"value"`
}

type otlpValue struct {
	StringValue *string         `json:"stringValue,omitempty"`
	BoolValue   *bool           `json:"boolValue,omitempty"`
	IntValue    *otlpInt        `json:"intValue,omitempty"`
	DoubleValue *otlpDouble     `json:"doubleValue,omitempty"`
	ArrayValue  *otlpArrayValue `json:"arrayValue,omitempty"`
}

type otlpArrayValue struct {
	Values []otlpValue `json:"values"`
}

// otlpInt is an int64 carried as a decimal string, per the protobuf JSON
// mapping of 64-bit integers. Plain numbers are accepted on decode.
type otlpInt int64

func (i otlpInt) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(i), 10))), nil
}

func (i *otlpInt) UnmarshalJSON(b []byte) error {
	s := string(b)
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("intValue %q: %w", string(b), err)
	}
	*i = otlpInt(v)
	return nil
}

// otlpDouble is a float64 whose non-finite values are carried as the
// strings "NaN", "Infinity" and "-Infinity", per the protobuf JSON mapping.
type otlpDouble float64

func (d otlpDouble) MarshalJSON() ([]byte, error) {
	f := float64(d)
	switch {
	case math.IsNaN(f):
		return []byte(`"NaN"`), nil
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

func (d *otlpDouble) UnmarshalJSON(b []byte) error {
	s := string(b)
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	switch s {
	case "NaN":
		*d = otlpDouble(math.NaN())
		return nil
	case "Infinity":
		*d = otlpDouble(math.Inf(1))
		return nil
	case "-Infinity":
		*d = otlpDouble(math.Inf(-1))
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("doubleValue %q: %w", string(b), err)
	}
	*d = otlpDouble(v)
	return nil
}

// OTLP status codes differ from otel codes: OK is 1 and ERROR is 2.
const (
	otlpStatusUnset = 0
	otlpStatusOK    = 1
	otlpStatusError = 2
)

func toOTLPStatus(c codes.Code) int {
	switch c {
	case codes.Ok:
		return otlpStatusOK
	case codes.Error:
		return otlpStatusError
	default:
		return otlpStatusUnset
	}
}

func fromOTLPStatus(c int) codes.Code {
	switch c {
	case otlpStatusOK:
		return codes.Ok
	case otlpStatusError:
		return codes.Error
	default:
		return codes.Unset
	}
}

type groupKey struct {
	resource attribute.Distinct
	scope    Scope
}

// MarshalTraces encodes spans as one OTLP/HTTP JSON request body. Spans
// sharing a resource and scope are grouped in first-seen order, and span
// order is otherwise preserved.
func MarshalTraces(spans []Span) ([]byte, error) {
	return json.Marshal(buildTraces(spans))
}

func buildTraces(spans []Span) otlpTraces {
	out := otlpTraces{ResourceSpans: []otlpResourceSpans{}}
	resources := make(map[attribute.Distinct]int)
	scopes := make(map[groupKey]int)

	for i := range spans {
		s := &spans[i]

		rKey := s.Resource.Equivalent()
		ri, ok := resources[rKey]
		if !ok {
			ri = len(out.ResourceSpans)
			resources[rKey] = ri
			out.ResourceSpans = append(out.ResourceSpans, otlpResourceSpans{
				Resource: otlpResource{Attributes: encodeAttributes(s.Resource.ToSlice())},
			})
		}
		rs := &out.ResourceSpans[ri]

		sKey := groupKey{resource: rKey, scope: s.Scope}
		si, ok := scopes[sKey]
		if !ok {
			si = len(rs.ScopeSpans)
			scopes[sKey] = si
			rs.ScopeSpans = append(rs.ScopeSpans, otlpScopeSpans{
				Scope: otlpScope{Name: s.Scope.Name, Version: s.Scope.Version},
			})
		}
		rs.ScopeSpans[si].Spans = append(rs.ScopeSpans[si].Spans, encodeSpan(s))
	}
	return out
}

func encodeSpan(s *Span) otlpSpan {
	out := otlpSpan{
		TraceID:           s.TraceID.String(),
		SpanID:            s.SpanID.String(),
		Name:              s.Name,
		Kind:              int(s.Kind),
		StartTimeUnixNano: unixNano(s.StartTime),
		EndTimeUnixNano:   unixNano(s.EndTime),
		Attributes:        encodeAttributes(s.Attributes.ToSlice()),
		Status: otlpStatus{
			Code:    toOTLPStatus(s.Status.Code),
			Message: s.Status.Description,
		},
	}
	if s.HasParent() {
		out.ParentSpanID = s.Parent.SpanID().String()
	}
	if ts := s.Parent.TraceState().String(); ts != "" {
		out.TraceState = ts
	}
	if s.Sampled() {
		out.Flags = uint32(trace.FlagsSampled)
	}
	for _, e := range s.Events {
		out.Events = append(out.Events, otlpEvent{
			TimeUnixNano: unixNano(e.Time),
			Name:         e.Name,
			Attributes:   encodeAttributes(e.Attributes),
		})
	}
	for _, l := range s.Links {
		out.Links = append(out.Links, otlpLink{
			TraceID:    l.SpanContext.TraceID().String(),
			SpanID:     l.SpanContext.SpanID().String(),
			TraceState: l.SpanContext.TraceState().String(),
			Attributes: encodeAttributes(l.Attributes),
		})
	}
	return out
}

func unixNano(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

func encodeAttributes(kvs []attribute.KeyValue) []otlpKeyValue {
	out := make([]otlpKeyValue, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, otlpKeyValue{Key: string(kv.Key), Value: encodeValue(kv.Value)})
	}
	return out
}

func encodeValue(v attribute.Value) otlpValue {
	switch v.Type() {
	case attribute.BOOL:
		b := v.AsBool()
		return otlpValue{BoolValue: &b}
	case attribute.INT64:
		i := otlpInt(v.AsInt64())
		return otlpValue{IntValue: &i}
	case attribute.FLOAT64:
		f := otlpDouble(v.AsFloat64())
		return otlpValue{DoubleValue: &f}
	case attribute.BOOLSLICE:
		vals := v.AsBoolSlice()
		arr := make([]otlpValue, len(vals))
		for i := range vals {
			arr[i] = encodeValue(attribute.BoolValue(vals[i]))
		}
		return otlpValue{ArrayValue: &otlpArrayValue{Values: arr}}
	case attribute.INT64SLICE:
		vals := v.AsInt64Slice()
		arr := make([]otlpValue, len(vals))
		for i := range vals {
			arr[i] = encodeValue(attribute.Int64Value(vals[i]))
		}
		return otlpValue{ArrayValue: &otlpArrayValue{Values: arr}}
	case attribute.FLOAT64SLICE:
		vals := v.AsFloat64Slice()
		arr := make([]otlpValue, len(vals))
		for i := range vals {
			arr[i] = encodeValue(attribute.Float64Value(vals[i]))
		}
		return otlpValue{ArrayValue: &otlpArrayValue{Values: arr}}
	case attribute.STRINGSLICE:
		vals := v.AsStringSlice()
		arr := make([]otlpValue, len(vals))
		for i := range vals {
			arr[i] = encodeValue(attribute.StringValue(vals[i]))
		}
		return otlpValue{ArrayValue: &otlpArrayValue{Values: arr}}
	default:
		s := v.Emit()
		return otlpValue{StringValue: &s}
	}
}

// UnmarshalTraces parses an OTLP/HTTP JSON request body back into spans, in
// envelope order. Integer attributes decode as int64 and arrays take the
// type of their first element.
func UnmarshalTraces(data []byte) ([]Span, error) {
	var env otlpTraces
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode otlp envelope: %w", err)
	}

	var spans []Span
	for _, rs := range env.ResourceSpans {
		resAttrs, err := decodeAttributes(rs.Resource.Attributes)
		if err != nil {
			return nil, err
		}
		resource := attribute.NewSet(resAttrs...)

		for _, ss := range rs.ScopeSpans {
			scope := Scope{Name: ss.Scope.Name, Version: ss.Scope.Version}
			for i := range ss.Spans {
				span, err := decodeSpan(&ss.Spans[i])
				if err != nil {
					return nil, err
				}
				span.Resource = resource
				span.Scope = scope
				spans = append(spans, span)
			}
		}
	}
	return spans, nil
}

func decodeSpan(in *otlpSpan) (Span, error) {
	traceID, err := trace.TraceIDFromHex(in.TraceID)
	if err != nil {
		return Span{}, fmt.Errorf("span %q traceId: %w", in.Name, err)
	}
	spanID, err := trace.SpanIDFromHex(in.SpanID)
	if err != nil {
		return Span{}, fmt.Errorf("span %q spanId: %w", in.Name, err)
	}
	start, err := parseUnixNano(in.StartTimeUnixNano)
	if err != nil {
		return Span{}, fmt.Errorf("span %q startTimeUnixNano: %w", in.Name, err)
	}
	end, err := parseUnixNano(in.EndTimeUnixNano)
	if err != nil {
		return Span{}, fmt.Errorf("span %q endTimeUnixNano: %w", in.Name, err)
	}
	attrs, err := decodeAttributes(in.Attributes)
	if err != nil {
		return Span{}, err
	}

	out := Span{
		TraceID:    traceID,
		SpanID:     spanID,
		Name:       in.Name,
		Kind:       trace.SpanKind(in.Kind),
		StartTime:  start,
		EndTime:    end,
		Attributes: attribute.NewSet(attrs...),
		Status: Status{
			Code:        fromOTLPStatus(in.Status.Code),
			Description: in.Status.Message,
		},
		Decision: RecordOnly,
	}
	if trace.TraceFlags(in.Flags).IsSampled() {
		out.Decision = RecordAndSample
	}
	if in.ParentSpanID != "" {
		parentID, err := trace.SpanIDFromHex(in.ParentSpanID)
		if err != nil {
			return Span{}, fmt.Errorf("span %q parentSpanId: %w", in.Name, err)
		}
		cfg := trace.SpanContextConfig{TraceID: traceID, SpanID: parentID}
		if in.TraceState != "" {
			if ts, err := trace.ParseTraceState(in.TraceState); err == nil {
				cfg.TraceState = ts
			}
		}
		out.Parent = trace.NewSpanContext(cfg)
	}

	for _, e := range in.Events {
		at, err := parseUnixNano(e.TimeUnixNano)
		if err != nil {
			return Span{}, fmt.Errorf("event %q timeUnixNano: %w", e.Name, err)
		}
		kvs, err := decodeAttributes(e.Attributes)
		if err != nil {
			return Span{}, err
		}
		out.Events = append(out.Events, Event{Time: at, Name: e.Name, Attributes: kvs})
	}
	for _, l := range in.Links {
		tid, err := trace.TraceIDFromHex(l.TraceID)
		if err != nil {
			return Span{}, fmt.Errorf("link traceId: %w", err)
		}
		sid, err := trace.SpanIDFromHex(l.SpanID)
		if err != nil {
			return Span{}, fmt.Errorf("link spanId: %w", err)
		}
		kvs, err := decodeAttributes(l.Attributes)
		if err != nil {
			return Span{}, err
		}
		out.Links = append(out.Links, Link{
			SpanContext: trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid}),
			Attributes:  kvs,
		})
	}
	return out, nil
}

func parseUnixNano(s string) (time.Time, error) {
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}

func decodeAttributes(in []otlpKeyValue) ([]attribute.KeyValue, error) {
	out := make([]attribute.KeyValue, 0, len(in))
	for _, kv := range in {
		v, err := decodeValue(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", kv.Key, err)
		}
		out = append(out, attribute.KeyValue{Key: attribute.Key(kv.Key), Value: v})
	}
	return out, nil
}

func decodeValue(v otlpValue) (attribute.Value, error) {
	switch {
	case v.StringValue != nil:
		return attribute.StringValue(*v.StringValue), nil
	case v.BoolValue != nil:
		return attribute.BoolValue(*v.BoolValue), nil
	case v.IntValue != nil:
		return attribute.Int64Value(int64(*v.IntValue)), nil
	case v.DoubleValue != nil:
		return attribute.Float64Value(float64(*v.DoubleValue)), nil
	case v.ArrayValue != nil:
		return decodeArray(v.ArrayValue.Values)
	default:
		return attribute.Value{}, fmt.Errorf("empty value")
	}
}

func decodeArray(vals []otlpValue) (attribute.Value, error) {
	if len(vals) == 0 {
		return attribute.StringSliceValue(nil), nil
	}
	switch {
	case vals[0].BoolValue != nil:
		out := make([]bool, 0, len(vals))
		for _, v := range vals {
			if v.BoolValue == nil {
				return attribute.Value{}, fmt.Errorf("mixed array")
			}
			out = append(out, *v.BoolValue)
		}
		return attribute.BoolSliceValue(out), nil
	case vals[0].IntValue != nil:
		out := make([]int64, 0, len(vals))
		for _, v := range vals {
			if v.IntValue == nil {
				return attribute.Value{}, fmt.Errorf("mixed array")
			}
			out = append(out, int64(*v.IntValue))
		}
		return attribute.Int64SliceValue(out), nil
	case vals[0].DoubleValue != nil:
		out := make([]float64, 0, len(vals))
		for _, v := range vals {
			if v.DoubleValue == nil {
				return attribute.Value{}, fmt.Errorf("mixed array")
			}
			out = append(out, float64(*v.DoubleValue))
		}
		return attribute.Float64SliceValue(out), nil
	case vals[0].StringValue != nil:
		out := make([]string, 0, len(vals))
		for _, v := range vals {
			if v.StringValue == nil {
				return attribute.Value{}, fmt.Errorf("mixed array")
			}
			out = append(out, *v.StringValue)
		}
		return attribute.StringSliceValue(out), nil
	default:
		return attribute.Value{}, fmt.Errorf("unsupported array element")
	}
}
