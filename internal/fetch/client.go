// Package fetch executes operations against the normalized store and a
// GraphQL network, ordering the two according to a fetch policy.
package fetch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hanpama/graphcache/internal/eventbus"
	"github.com/hanpama/graphcache/internal/events"
	"github.com/hanpama/graphcache/internal/record"
	"github.com/hanpama/graphcache/internal/reqid"
	"github.com/hanpama/graphcache/internal/selection"
	"github.com/hanpama/graphcache/internal/store"
	"github.com/hanpama/graphcache/internal/transport"
	"go.uber.org/zap"
)

// Network sends an operation to a GraphQL server.
type Network interface {
	Execute(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Source names where a response came from.
type Source string

const (
	FromCache   Source = "cache"
	FromNetwork Source = "network"
)

// Response is the result of Execute. When a fallback policy succeeded on
// its second source, the first source's failure is kept in CacheErr or
// NetworkErr.
type Response struct {
	Data          map[string]any
	Errors        []transport.Error
	Extensions    map[string]any
	Source        Source
	DependentKeys record.KeySet

	CacheErr   error
	NetworkErr error
}

type Option func(*Client)

// WithPolicy sets the policy used when a call does not choose one.
func WithPolicy(p Policy) Option { return func(c *Client) { c.policy = p } }

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }

func WithEventBus(b *eventbus.Bus) Option { return func(c *Client) { c.bus = b } }

// Client runs operations with a fetch policy.
type Client struct {
	store   *store.Store
	network Network
	policy  Policy
	logger  *zap.Logger
	bus     *eventbus.Bus
}

// NewClient creates a client. network may be nil for a cache-only client.
func NewClient(s *store.Store, network Network, opts ...Option) *Client {
	c := &Client{store: s, network: network, policy: CacheFirst, logger: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ExecuteOption adjusts one Execute call.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	policy     *Policy
	optimistic map[string]any
	headers    record.CacheHeaders
}

// UsePolicy overrides the client's default policy.
func UsePolicy(p Policy) ExecuteOption {
	return func(o *executeOptions) { o.policy = &p }
}

// OptimisticData is written to the store before a mutation is sent and
// rolled back once the server answers.
func OptimisticData(data map[string]any) ExecuteOption {
	return func(o *executeOptions) { o.optimistic = data }
}

// CacheHeaders are forwarded to every store call made for the request.
func CacheHeaders(h record.CacheHeaders) ExecuteOption {
	return func(o *executeOptions) { o.headers = h }
}

// Execute runs op. Queries follow the policy. Mutations and subscriptions
// always go to the network.
func (c *Client) Execute(ctx context.Context, op *selection.Operation, variables map[string]any, opts ...ExecuteOption) (*Response, error) {
	o := executeOptions{policy: &c.policy}
	for _, fn := range opts {
		fn(&o)
	}
	policy := *o.policy
	if op.Type != "" && op.Type != selection.Query {
		policy = NetworkOnly
	}

	ctx, _ = reqid.Ensure(ctx)
	start := time.Now()
	eventbus.Publish(ctx, c.bus, events.FetchStart{
		OperationName: op.Name,
		OperationType: string(op.Type),
		Policy:        policy.String(),
	})

	var resp *Response
	var err error
	switch {
	case op.Type == selection.Mutation:
		resp, err = c.mutate(ctx, op, variables, o)
	case policy == CacheOnly:
		resp, err = c.fromCache(ctx, op, variables, o)
	case policy == NetworkOnly:
		resp, err = c.fromNetwork(ctx, op, variables, o)
	case policy == NetworkFirst:
		resp, err = c.networkFirst(ctx, op, variables, o)
	default:
		resp, err = c.cacheFirst(ctx, op, variables, o)
	}

	finish := events.FetchFinish{
		OperationName: op.Name,
		OperationType: string(op.Type),
		Policy:        policy.String(),
		Err:           err,
		Duration:      time.Since(start),
	}
	if resp != nil {
		finish.Source = string(resp.Source)
	}
	eventbus.Publish(ctx, c.bus, finish)
	return resp, err
}

func (c *Client) cacheFirst(ctx context.Context, op *selection.Operation, variables map[string]any, o executeOptions) (*Response, error) {
	resp, cacheErr := c.fromCache(ctx, op, variables, o)
	if cacheErr == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, cacheErr
	}
	c.logger.Info("cache read failed, trying network",
		zap.String("operation", op.Name), zap.Error(cacheErr))
	resp, netErr := c.fromNetwork(ctx, op, variables, o)
	if netErr != nil {
		return nil, &CompositeError{CacheErr: cacheErr, NetworkErr: netErr}
	}
	resp.CacheErr = cacheErr
	return resp, nil
}

func (c *Client) networkFirst(ctx context.Context, op *selection.Operation, variables map[string]any, o executeOptions) (*Response, error) {
	resp, netErr := c.fromNetwork(ctx, op, variables, o)
	if netErr == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, netErr
	}
	c.logger.Warn("network request failed, reading cache",
		zap.String("operation", op.Name), zap.Error(netErr))
	resp, cacheErr := c.fromCache(ctx, op, variables, o)
	if cacheErr != nil {
		return nil, &CompositeError{CacheErr: cacheErr, NetworkErr: netErr}
	}
	resp.NetworkErr = netErr
	return resp, nil
}

func (c *Client) fromCache(ctx context.Context, op *selection.Operation, variables map[string]any, o executeOptions) (*Response, error) {
	res, err := c.store.ReadOperation(ctx, op, variables, store.Headers(o.headers))
	if err != nil {
		return nil, err
	}
	return &Response{Data: res.Data, DependentKeys: res.DependentKeys, Source: FromCache}, nil
}

func (c *Client) fromNetwork(ctx context.Context, op *selection.Operation, variables map[string]any, o executeOptions) (*Response, error) {
	resp, err := c.request(ctx, op, variables)
	if err != nil {
		return nil, err
	}
	c.write(ctx, op, variables, resp, o)
	return toResponse(resp), nil
}

// mutate runs the optimistic flow: optimistic write, network call,
// rollback, then the real write. The rollback and the real write are
// published as one change set.
func (c *Client) mutate(ctx context.Context, op *selection.Operation, variables map[string]any, o executeOptions) (*Response, error) {
	if o.optimistic == nil {
		return c.fromNetwork(ctx, op, variables, o)
	}
	mutationID := uuid.New()
	if _, err := c.store.WriteOptimisticUpdates(ctx, op, o.optimistic, variables, mutationID, store.Headers(o.headers)); err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, op, variables)
	changed := record.NewKeySet()
	rolledBack, rbErr := c.store.RollbackOptimisticUpdates(context.WithoutCancel(ctx), mutationID, store.NoPublish())
	if rbErr != nil {
		c.logger.Warn("optimistic rollback failed",
			zap.String("operation", op.Name), zap.Stringer("mutationID", mutationID), zap.Error(rbErr))
	}
	changed.AddAll(rolledBack)
	if err == nil {
		changed.AddAll(c.write(ctx, op, variables, resp, o, store.NoPublish()))
	}
	c.store.Publish(context.WithoutCancel(ctx), changed)
	if err != nil {
		return nil, err
	}
	return toResponse(resp), nil
}

// request treats a transport failure or an error-only response as a
// network failure.
func (c *Client) request(ctx context.Context, op *selection.Operation, variables map[string]any) (*transport.Response, error) {
	if c.network == nil {
		return nil, ErrNoNetwork
	}
	resp, err := c.network.Execute(ctx, transport.Request{
		Query:         op.Document,
		OperationName: op.Name,
		Variables:     variables,
		OperationType: string(op.Type),
	})
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// write stores complete responses and returns the changed keys. Responses
// carrying errors are returned to the caller but not cached.
func (c *Client) write(ctx context.Context, op *selection.Operation, variables map[string]any, resp *transport.Response, o executeOptions, opts ...store.CallOption) record.KeySet {
	if len(resp.Errors) > 0 || resp.Data == nil {
		return nil
	}
	changed, err := c.store.WriteOperation(ctx, op, resp.Data, variables, append(opts, store.Headers(o.headers))...)
	if err != nil {
		c.logger.Warn("failed to cache network response",
			zap.String("operation", op.Name), zap.Error(err))
	}
	return changed
}

func toResponse(r *transport.Response) *Response {
	return &Response{
		Data:       r.Data,
		Errors:     r.Errors,
		Extensions: r.Extensions,
		Source:     FromNetwork,
	}
}
