// Package otelrpc provides OpenTelemetry instrumentation for webrpc
// sessions. It implements the [webrpc.DispatchHook] interface to add
// distributed tracing and metrics to inbound request dispatch.
//
// Usage:
//
//	cfg := webrpc.DefaultSessionConfig()
//	cfg.Hook = otelrpc.NewHook(otelrpc.DefaultConfig())
//	s := webrpc.NewSession(ch, &cfg)
package otelrpc

import (
	"context"
	"time"

	"github.com/webrpc/webrpc-go"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "webrpc"

// Config configures OpenTelemetry instrumentation for a session.
type Config struct {
	// TracerProvider supplies the tracer. Defaults to
	// otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to
	// otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed
	// dispatches. Default true.
	RecordExceptions bool
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns a Config with sensible defaults. Providers are
// resolved from the global OTel SDK at hook construction time.
func DefaultConfig() Config {
	return Config{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// NewHook builds a DispatchHook recording a span and request metrics per
// inbound dispatch.
func NewHook(cfg Config) webrpc.DispatchHook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	h := &hook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}
	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		h.requestCounter, _ = meter.Int64Counter("rpc.server.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of dispatched requests"),
		)
		h.durationHistogram, _ = meter.Float64Histogram("rpc.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of dispatched requests"),
		)
	}
	return h
}

type hook struct {
	cfg               Config
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

type token struct {
	span  trace.Span
	start time.Time
}

func (h *hook) OnDispatchStart(ctx context.Context, info webrpc.DispatchInfo) (context.Context, webrpc.HookToken) {
	t := &token{start: time.Now()}
	if h.cfg.EnableTracing {
		attrs := []attribute.KeyValue{
			attribute.String("rpc.system", instrumentationName),
			attribute.String("rpc.service", info.Receiver),
			attribute.String("rpc.method", info.Method),
			attribute.String("rpc.request_id", info.RequestID),
		}
		attrs = append(attrs, h.cfg.CustomAttributes...)
		ctx, t.span = h.tracer.Start(ctx, info.Receiver+"/"+info.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
	}
	return ctx, t
}

func (h *hook) OnDispatchEnd(ctx context.Context, tok webrpc.HookToken, info webrpc.DispatchInfo, err error) {
	t, ok := tok.(*token)
	if !ok {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	if h.requestCounter != nil {
		h.requestCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("rpc.method", info.Method),
				attribute.String("rpc.status", status),
			))
	}
	if h.durationHistogram != nil {
		h.durationHistogram.Record(ctx, time.Since(t.start).Seconds(),
			metric.WithAttributes(attribute.String("rpc.method", info.Method)))
	}
	if t.span != nil {
		if err != nil {
			if h.cfg.RecordExceptions {
				t.span.RecordError(err)
			}
			t.span.SetStatus(codes.Error, err.Error())
		} else {
			t.span.SetStatus(codes.Ok, "")
		}
		t.span.End()
	}
}
