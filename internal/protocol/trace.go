package protocol

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// TraceContext is the optional _trace envelope attached to commands and
// events. Trace carries the W3C traceparent header value, Baggage the
// baggage header value. A missing or empty envelope is always valid.
type TraceContext struct {
	Trace   string `json:"trace,omitempty"`
	Baggage string `json:"baggage,omitempty"`
}

const (
	traceParentKey = "traceparent"
	baggageKey     = "baggage"
)

// TraceFromContext captures the active trace from ctx as a wire
// envelope. Returns nil when no trace is in scope (or no propagator is
// configured), so the _trace field is simply omitted.
func TraceFromContext(ctx context.Context) *TraceContext {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if carrier[traceParentKey] == "" {
		return nil
	}
	return &TraceContext{
		Trace:   carrier[traceParentKey],
		Baggage: carrier[baggageKey],
	}
}

// Context extracts the envelope into ctx so downstream work continues
// the trace. Nil-safe: without an envelope, ctx is returned unchanged.
func (t *TraceContext) Context(ctx context.Context) context.Context {
	if t == nil || t.Trace == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{traceParentKey: t.Trace}
	if t.Baggage != "" {
		carrier[baggageKey] = t.Baggage
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
