// Package otel turns cache, fetch and network events into OpenTelemetry
// spans and metrics.
package otel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hanpama/graphcache/internal/eventbus"
	"github.com/hanpama/graphcache/internal/events"
	"github.com/hanpama/graphcache/internal/reader"
	"github.com/hanpama/graphcache/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const instrumentation = "github.com/hanpama/graphcache"

// Setup exports traces and metrics to the OTLP gRPC collector at endpoint
// and attaches telemetry subscribers to bus. If endpoint is empty, nothing
// is configured.
func Setup(ctx context.Context, endpoint, service string, bus *eventbus.Bus) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	)
	traceExp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, fmt.Errorf("otel: trace exporter: %w", err)
	}
	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure())
	if err != nil {
		_ = traceExp.Shutdown(ctx)
		return nil, fmt.Errorf("otel: metric exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp), sdktrace.WithResource(res))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)), sdkmetric.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	t, err := Attach(bus, tp.Tracer(instrumentation), mp.Meter(instrumentation))
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	return func(ctx context.Context) error {
		t.Detach()
		return shutdown(ctx)
	}, nil
}

// Telemetry holds the subscribers attached to one bus.
type Telemetry struct {
	tracer     trace.Tracer
	fetchSpans sync.Map // request id -> trace.Span
	netSpans   sync.Map // request id -> trace.Span

	reads           metric.Int64Counter
	writes          metric.Int64Counter
	changed         metric.Int64Counter
	rollbacks       metric.Int64Counter
	evictions       metric.Int64Counter
	requests        metric.Int64Counter
	fetchDuration   metric.Float64Histogram
	networkDuration metric.Float64Histogram

	unsubscribe []func()
}

// Attach subscribes to bus. Spans are correlated by the request id carried
// in the event context; events without one only produce metrics.
func Attach(bus *eventbus.Bus, tracer trace.Tracer, meter metric.Meter) (*Telemetry, error) {
	t := &Telemetry{tracer: tracer}
	var err error
	counter := func(name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
		return h
	}
	t.reads = counter("graphcache.cache.reads", "Store reads by result", "{read}")
	t.writes = counter("graphcache.cache.writes", "Store writes", "{write}")
	t.changed = counter("graphcache.cache.changed_keys", "Records changed by writes and rollbacks", "{record}")
	t.rollbacks = counter("graphcache.cache.rollbacks", "Optimistic rollbacks", "{rollback}")
	t.evictions = counter("graphcache.cache.evictions", "Records evicted for capacity", "{record}")
	t.requests = counter("graphcache.network.requests", "GraphQL requests sent", "{request}")
	t.fetchDuration = histogram("graphcache.fetch.duration_ms", "Fetch duration in milliseconds")
	t.networkDuration = histogram("graphcache.network.duration_ms", "Network round trip in milliseconds")
	if err != nil {
		return nil, err
	}
	t.register(bus)
	return t, nil
}

// Detach removes all subscribers and ends spans still open.
func (t *Telemetry) Detach() {
	for _, fn := range t.unsubscribe {
		fn()
	}
	t.unsubscribe = nil
	for _, m := range []*sync.Map{&t.netSpans, &t.fetchSpans} {
		m.Range(func(k, v any) bool {
			v.(trace.Span).End()
			m.Delete(k)
			return true
		})
	}
}

func (t *Telemetry) register(bus *eventbus.Bus) {
	t.unsubscribe = append(t.unsubscribe,
		eventbus.Subscribe(bus, t.onFetchStart),
		eventbus.Subscribe(bus, t.onFetchFinish),
		eventbus.Subscribe(bus, t.onNetworkStart),
		eventbus.Subscribe(bus, t.onNetworkFinish),
		eventbus.Subscribe(bus, t.onCacheRead),
		eventbus.Subscribe(bus, t.onCacheWrite),
		eventbus.Subscribe(bus, t.onCacheRollback),
		eventbus.Subscribe(bus, t.onCacheEvict),
	)
}

func (t *Telemetry) onFetchStart(ctx context.Context, e events.FetchStart) {
	rid, ok := reqid.FromContext(ctx)
	if !ok {
		return
	}
	_, span := t.tracer.Start(ctx, "graphql.fetch")
	span.SetAttributes(
		attribute.String("graphql.operation.name", e.OperationName),
		attribute.String("graphql.operation.type", e.OperationType),
		attribute.String("graphcache.fetch.policy", e.Policy),
	)
	t.fetchSpans.Store(rid, span)
}

func (t *Telemetry) onFetchFinish(ctx context.Context, e events.FetchFinish) {
	t.fetchDuration.Record(ctx, float64(e.Duration.Milliseconds()), metric.WithAttributes(
		attribute.String("policy", e.Policy),
		attribute.String("source", e.Source),
		attribute.Bool("error", e.Err != nil),
	))
	rid, _ := reqid.FromContext(ctx)
	v, ok := t.fetchSpans.LoadAndDelete(rid)
	if !ok {
		return
	}
	span := v.(trace.Span)
	span.SetAttributes(attribute.String("graphcache.fetch.source", e.Source))
	endSpan(span, e.Err)
}

func (t *Telemetry) onNetworkStart(ctx context.Context, e events.NetworkStart) {
	rid, ok := reqid.FromContext(ctx)
	if !ok {
		return
	}
	parent := ctx
	if v, ok := t.fetchSpans.Load(rid); ok {
		parent = trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	_, span := t.tracer.Start(parent, "graphql.request", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("graphql.operation.name", e.OperationName),
		semconv.HTTPURLKey.String(e.Endpoint),
	)
	t.netSpans.Store(rid, span)
}

func (t *Telemetry) onNetworkFinish(ctx context.Context, e events.NetworkFinish) {
	t.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("status", e.Status),
		attribute.Bool("error", e.Err != nil),
	))
	t.networkDuration.Record(ctx, float64(e.Duration.Milliseconds()))
	rid, _ := reqid.FromContext(ctx)
	v, ok := t.netSpans.LoadAndDelete(rid)
	if !ok {
		return
	}
	span := v.(trace.Span)
	if e.Status != 0 {
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
	}
	endSpan(span, e.Err)
}

func (t *Telemetry) onCacheRead(ctx context.Context, e events.CacheRead) {
	result := "hit"
	switch {
	case errors.Is(e.Err, reader.ErrCacheMiss):
		result = "miss"
	case e.Err != nil:
		result = "error"
	}
	t.reads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", e.Mode),
		attribute.String("result", result),
	))
	t.annotate(ctx, "cache.read",
		attribute.String("result", result),
		attribute.Int("records", e.Records))
}

func (t *Telemetry) onCacheWrite(ctx context.Context, e events.CacheWrite) {
	attrs := metric.WithAttributes(attribute.Bool("optimistic", e.Optimistic))
	t.writes.Add(ctx, 1, attrs)
	t.changed.Add(ctx, int64(e.Changed), attrs)
	t.annotate(ctx, "cache.write",
		attribute.Int("records", e.Records),
		attribute.Int("changed", e.Changed),
		attribute.Bool("optimistic", e.Optimistic))
}

func (t *Telemetry) onCacheRollback(ctx context.Context, e events.CacheRollback) {
	t.rollbacks.Add(ctx, 1)
	t.changed.Add(ctx, int64(e.Changed), metric.WithAttributes(attribute.Bool("optimistic", true)))
}

func (t *Telemetry) onCacheEvict(ctx context.Context, e events.CacheEvict) {
	t.evictions.Add(ctx, 1)
}

// annotate adds an event to the fetch span of the current request.
func (t *Telemetry) annotate(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	rid, ok := reqid.FromContext(ctx)
	if !ok {
		return
	}
	if v, ok := t.fetchSpans.Load(rid); ok {
		v.(trace.Span).AddEvent(name, trace.WithAttributes(attrs...))
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
