package otel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hanpama/graphcache/internal/eventbus"
	"github.com/hanpama/graphcache/internal/events"
	"github.com/hanpama/graphcache/internal/reader"
	"github.com/hanpama/graphcache/internal/reqid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type harness struct {
	bus     *eventbus.Bus
	spans   *tracetest.SpanRecorder
	metrics *sdkmetric.ManualReader
	tel     *Telemetry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	mr := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(mr))

	bus := eventbus.New()
	tel, err := Attach(bus, tp.Tracer("test"), mp.Meter("test"))
	require.NoError(t, err)
	t.Cleanup(tel.Detach)
	return &harness{bus: bus, spans: spans, metrics: mr, tel: tel}
}

func (h *harness) sum(t *testing.T, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, h.metrics.Collect(context.Background(), &rm))
	want := attribute.NewSet(attrs...)
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range data.DataPoints {
				if len(attrs) == 0 || dp.Attributes.Equals(&want) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestFetchAndNetworkSpans(t *testing.T) {
	h := newHarness(t)
	ctx, _ := reqid.NewContext(context.Background())

	eventbus.Publish(ctx, h.bus, events.FetchStart{OperationName: "User", OperationType: "query", Policy: "cache-first"})
	eventbus.Publish(ctx, h.bus, events.CacheRead{Mode: "batch", Err: &reader.CacheMissError{Key: "QUERY_ROOT", Field: "user"}})
	eventbus.Publish(ctx, h.bus, events.NetworkStart{OperationName: "User", Endpoint: "http://api/graphql"})
	eventbus.Publish(ctx, h.bus, events.NetworkFinish{OperationName: "User", Endpoint: "http://api/graphql", Status: 200, Duration: time.Millisecond})
	eventbus.Publish(ctx, h.bus, events.CacheWrite{Records: 2, Changed: 2})
	eventbus.Publish(ctx, h.bus, events.FetchFinish{OperationName: "User", Policy: "cache-first", Source: "network"})

	ended := h.spans.Ended()
	require.Len(t, ended, 2)
	network, fetch := ended[0], ended[1]
	assert.Equal(t, "graphql.request", network.Name())
	assert.Equal(t, "graphql.fetch", fetch.Name())
	assert.Equal(t, fetch.SpanContext().SpanID(), network.Parent().SpanID())

	var names []string
	for _, ev := range fetch.Events() {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{"cache.read", "cache.write"}, names)

	assert.Equal(t, int64(1), h.sum(t, "graphcache.cache.reads", attribute.String("mode", "batch"), attribute.String("result", "miss")))
	assert.Equal(t, int64(1), h.sum(t, "graphcache.network.requests"))
	assert.Equal(t, int64(2), h.sum(t, "graphcache.cache.changed_keys"))
}

func TestFailedFetchSpanStatus(t *testing.T) {
	h := newHarness(t)
	ctx, _ := reqid.NewContext(context.Background())

	eventbus.Publish(ctx, h.bus, events.FetchStart{OperationName: "User"})
	eventbus.Publish(ctx, h.bus, events.FetchFinish{OperationName: "User", Err: errors.New("boom")})

	ended := h.spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "boom", ended[0].Status().Description)
}

func TestEventsWithoutRequestIDOnlyCountMetrics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	eventbus.Publish(ctx, h.bus, events.FetchStart{OperationName: "User"})
	eventbus.Publish(ctx, h.bus, events.CacheRead{Mode: "sequential"})
	eventbus.Publish(ctx, h.bus, events.CacheEvict{Key: "User:1"})
	eventbus.Publish(ctx, h.bus, events.CacheRollback{MutationID: "m", Changed: 1})
	eventbus.Publish(ctx, h.bus, events.FetchFinish{OperationName: "User"})

	assert.Empty(t, h.spans.Ended())
	assert.Equal(t, int64(1), h.sum(t, "graphcache.cache.reads", attribute.String("mode", "sequential"), attribute.String("result", "hit")))
	assert.Equal(t, int64(1), h.sum(t, "graphcache.cache.evictions"))
	assert.Equal(t, int64(1), h.sum(t, "graphcache.cache.rollbacks"))
}

func TestDetachEndsOpenSpans(t *testing.T) {
	h := newHarness(t)
	ctx, _ := reqid.NewContext(context.Background())
	eventbus.Publish(ctx, h.bus, events.FetchStart{OperationName: "User"})
	h.tel.Detach()
	require.Len(t, h.spans.Ended(), 1)

	eventbus.Publish(ctx, h.bus, events.FetchStart{OperationName: "User"})
	assert.Len(t, h.spans.Started(), 1)
}

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "", "graphcache", eventbus.New())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
