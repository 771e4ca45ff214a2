// Package transport sends GraphQL operations to a server over HTTP.
//
// Identical concurrent queries share one round trip, and a circuit breaker
// fails fast while the server keeps failing.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hanpama/graphcache/internal/eventbus"
	"github.com/hanpama/graphcache/internal/events"
	"github.com/hanpama/graphcache/internal/reqid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrUnavailable is returned while the circuit breaker rejects requests.
var ErrUnavailable = errors.New("transport: server unavailable")

// RequestIDHeader carries the request id from the context.
const RequestIDHeader = "Graphql-Request-Id"

type Options struct {
	// Timeout applies when the request context has no deadline.
	// 0 means no default timeout.
	Timeout time.Duration

	// MaxBodyBytes limits the size of the response body. 0 means unlimited.
	MaxBodyBytes int64

	// Headers are added to every request.
	Headers http.Header

	// Dedup shares one round trip between identical concurrent queries.
	Dedup bool

	Breaker BreakerOptions
}

// BreakerOptions configures the circuit breaker. It trips once at least
// MinRequests were seen in Interval and the failure ratio reaches
// FailureThreshold. Zero MinRequests disables the breaker.
type BreakerOptions struct {
	MinRequests      uint32
	FailureThreshold float64
	Interval         time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// MaxRequests is the number of trial requests allowed while half-open.
	MaxRequests uint32
}

type Option func(*HTTPTransport)

func WithTimeout(d time.Duration) Option { return func(t *HTTPTransport) { t.opt.Timeout = d } }
func WithMaxBodyBytes(n int64) Option    { return func(t *HTTPTransport) { t.opt.MaxBodyBytes = n } }
func WithHeader(name, value string) Option {
	return func(t *HTTPTransport) { t.opt.Headers.Add(name, value) }
}
func WithDedup(enable bool) Option         { return func(t *HTTPTransport) { t.opt.Dedup = enable } }
func WithBreaker(b BreakerOptions) Option  { return func(t *HTTPTransport) { t.opt.Breaker = b } }
func WithHTTPClient(c *http.Client) Option { return func(t *HTTPTransport) { t.client = c } }
func WithLogger(l *zap.Logger) Option      { return func(t *HTTPTransport) { t.logger = l } }
func WithEventBus(b *eventbus.Bus) Option  { return func(t *HTTPTransport) { t.bus = b } }

// HTTPTransport posts JSON requests to one endpoint.
type HTTPTransport struct {
	endpoint string
	opt      Options
	client   *http.Client
	logger   *zap.Logger
	bus      *eventbus.Bus
	breaker  *gobreaker.CircuitBreaker
	group    singleflight.Group
}

// DefaultBreaker returns the breaker settings used when none are given.
func DefaultBreaker() BreakerOptions {
	return BreakerOptions{
		MinRequests:      5,
		FailureThreshold: 0.8,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		MaxRequests:      1,
	}
}

// New creates a transport for endpoint.
func New(endpoint string, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		endpoint: endpoint,
		opt: Options{
			Timeout: 30 * time.Second,
			Headers: http.Header{},
			Dedup:   true,
			Breaker: DefaultBreaker(),
		},
		client: http.DefaultClient,
		logger: zap.NewNop(),
	}
	for _, f := range opts {
		f(t)
	}
	if b := t.opt.Breaker; b.MinRequests > 0 {
		t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "graphql " + endpoint,
			MaxRequests: b.MaxRequests,
			Interval:    b.Interval,
			Timeout:     b.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < b.MinRequests {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= b.FailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				t.logger.Warn("circuit breaker state changed",
					zap.String("name", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to))
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !isServerFailure(err)
			},
		})
	}
	return t
}

// isServerFailure reports errors that count against the breaker: transport
// failures and 5xx responses. Client errors and cancellation do not.
func isServerFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 500
	}
	return true
}

// Execute sends req and decodes the response.
func (t *HTTPTransport) Execute(ctx context.Context, req Request) (*Response, error) {
	ctx, _ = reqid.Ensure(ctx)
	if t.opt.Dedup && (req.OperationType == "" || req.OperationType == "query") {
		key, err := dedupKey(req)
		if err != nil {
			return nil, err
		}
		v, err, shared := t.group.Do(key, func() (any, error) {
			return t.execute(ctx, req)
		})
		if shared {
			t.logger.Debug("shared in-flight request", zap.String("operation", req.OperationName))
		}
		if err != nil {
			return nil, err
		}
		return v.(*Response), nil
	}
	return t.execute(ctx, req)
}

func dedupKey(req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("transport: encode request: %w", err)
	}
	return strconv.FormatUint(xxhash.Sum64(body), 16), nil
}

func (t *HTTPTransport) execute(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	status := 0
	eventbus.Publish(ctx, t.bus, events.NetworkStart{OperationName: req.OperationName, Endpoint: t.endpoint})

	var resp *Response
	var err error
	if t.breaker != nil {
		var v any
		v, err = t.breaker.Execute(func() (any, error) {
			r, s, err := t.roundTrip(ctx, req)
			status = s
			return r, err
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err == nil {
			resp = v.(*Response)
		}
	} else {
		resp, status, err = t.roundTrip(ctx, req)
	}

	eventbus.Publish(ctx, t.bus, events.NetworkFinish{
		OperationName: req.OperationName,
		Endpoint:      t.endpoint,
		Status:        status,
		Err:           err,
		Duration:      time.Since(start),
	})
	if err != nil {
		t.logger.Debug("graphql request failed", zap.String("operation", req.OperationName), zap.Error(err))
		return nil, err
	}
	return resp, nil
}

func (t *HTTPTransport) roundTrip(ctx context.Context, req Request) (*Response, int, error) {
	if _, ok := ctx.Deadline(); !ok && t.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opt.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("transport: %w", err)
	}
	for k, vs := range t.opt.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/graphql-response+json, application/json")
	if rid, ok := reqid.FromContext(ctx); ok {
		httpReq.Header.Set(RequestIDHeader, rid)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: %w", err)
	}
	defer httpResp.Body.Close()

	reader := io.Reader(httpResp.Body)
	if t.opt.MaxBodyBytes > 0 {
		reader = io.LimitReader(httpResp.Body, t.opt.MaxBodyBytes+1)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, httpResp.StatusCode, fmt.Errorf("transport: read body: %w", err)
	}
	if t.opt.MaxBodyBytes > 0 && int64(len(raw)) > t.opt.MaxBodyBytes {
		return nil, httpResp.StatusCode, fmt.Errorf("transport: response body exceeds %d bytes", t.opt.MaxBodyBytes)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, httpResp.StatusCode, &HTTPError{StatusCode: httpResp.StatusCode, Body: snippet(raw)}
	}

	resp, err := DecodeResponse(raw)
	if err != nil {
		return nil, httpResp.StatusCode, fmt.Errorf("transport: decode response: %w", err)
	}
	return resp, httpResp.StatusCode, nil
}

func snippet(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
