package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hanpama/graphcache/internal/cache"
	"github.com/hanpama/graphcache/internal/compiler"
	"github.com/hanpama/graphcache/internal/config"
	"github.com/hanpama/graphcache/internal/eventbus"
	"github.com/hanpama/graphcache/internal/events"
	"github.com/hanpama/graphcache/internal/fetch"
	"github.com/hanpama/graphcache/internal/logging"
	"github.com/hanpama/graphcache/internal/otel"
	"github.com/hanpama/graphcache/internal/reader"
	"github.com/hanpama/graphcache/internal/record"
	"github.com/hanpama/graphcache/internal/selection"
	"github.com/hanpama/graphcache/internal/store"
	"github.com/hanpama/graphcache/internal/transport"
	"go.uber.org/zap"
)

// overrides are command flags that take precedence over the config file.
type overrides struct {
	readMode string
	endpoint string
	policy   string
}

type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	bus      *eventbus.Bus
	store    *store.Store
	op       *selection.Operation
	vars     map[string]any
	snapshot string
	shutdown func(context.Context) error
}

func open(ctx context.Context, common commonFlags, apply func(*overrides)) (*app, error) {
	cfg, err := config.Load(common.configFile)
	if err != nil {
		return nil, err
	}
	var o overrides
	if apply != nil {
		apply(&o)
	}
	if o.readMode != "" {
		cfg.Cache.ReadMode = o.readMode
	}
	if o.endpoint != "" {
		cfg.Network.Endpoint = o.endpoint
	}
	if o.policy != "" {
		cfg.Fetch.Policy = o.policy
	}
	if common.resolver != "" {
		cfg.Cache.Resolver = common.resolver
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	bus := eventbus.New()
	shutdown, err := otel.Setup(ctx, cfg.Otel.Endpoint, cfg.Otel.Service, bus)
	if err != nil {
		return nil, fmt.Errorf("otel setup: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, bus: bus, snapshot: common.snapshot, shutdown: shutdown}
	if err := a.openStore(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	if common.schemaFile != "" {
		if err := a.compile(common); err != nil {
			a.close(ctx)
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	records, err := loadSnapshot(a.snapshot)
	if err != nil {
		return err
	}
	mem := cache.NewMemoryCache(a.cfg.Cache.MaxSizeBytes,
		cache.WithExpireAfter(a.cfg.Cache.ExpireAfter),
		cache.WithEvictionHook(func(key string) {
			eventbus.Publish(ctx, a.bus, events.CacheEvict{Key: key})
		}))
	recs := make([]*record.Record, 0, len(records))
	for _, r := range records {
		recs = append(recs, r)
	}
	if _, err := mem.MergeRecords(ctx, recs, record.NoHeaders); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	a.logger.Debug("snapshot loaded", zap.String("path", a.snapshot), zap.Int("records", len(recs)))

	mode, err := reader.ParseMode(a.cfg.Cache.ReadMode)
	if err != nil {
		return err
	}
	a.store = store.New(mem,
		store.WithResolver(resolverFor(a.cfg.Cache)),
		store.WithReadMode(mode),
		store.WithLogger(a.logger),
		store.WithEventBus(a.bus))
	return nil
}

func resolverFor(c config.CacheConfig) selection.CacheKeyResolver {
	if c.Resolver == "id" {
		return selection.IDResolver{KeyFields: c.KeyFields, ResolveArguments: true}
	}
	return selection.DefaultResolver{}
}

func (a *app) compile(common commonFlags) error {
	sdl, err := os.ReadFile(common.schemaFile)
	if err != nil {
		return err
	}
	query, err := os.ReadFile(common.queryFile)
	if err != nil {
		return err
	}
	c, err := compiler.New(string(sdl))
	if err != nil {
		return err
	}
	a.op, err = c.CompileQuery(string(query), common.operation)
	if err != nil {
		return err
	}
	if common.varsFile != "" {
		b, err := os.ReadFile(common.varsFile)
		if err != nil {
			return err
		}
		if a.vars, err = transport.DecodeVariables(b); err != nil {
			return fmt.Errorf("%s: %w", common.varsFile, err)
		}
	}
	return nil
}

func (a *app) close(ctx context.Context) {
	if a.store != nil {
		_ = a.store.Close()
	}
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("otel shutdown", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *app) normalize(ctx context.Context, dataFile string, w io.Writer) error {
	b, err := os.ReadFile(dataFile)
	if err != nil {
		return err
	}
	resp, err := transport.DecodeResponse(b)
	if err != nil {
		return fmt.Errorf("%s: %w", dataFile, err)
	}
	if resp.Data == nil {
		return fmt.Errorf("%s: response has no data", dataFile)
	}
	changed, err := a.store.WriteOperation(ctx, a.op, resp.Data, a.vars)
	if err != nil {
		return err
	}
	for _, key := range changed.Sorted() {
		fmt.Fprintln(w, key)
	}
	return a.save(ctx)
}

func (a *app) read(ctx context.Context, w io.Writer) error {
	res, err := a.store.ReadOperation(ctx, a.op, a.vars)
	if err != nil {
		return err
	}
	return writeJSON(w, map[string]any{"data": res.Data})
}

func (a *app) fetch(ctx context.Context, w io.Writer) error {
	policy, err := fetch.ParsePolicy(a.cfg.Fetch.Policy)
	if err != nil {
		return err
	}
	var network fetch.Network
	if a.cfg.Network.Endpoint != "" {
		network = a.transport()
	}
	client := fetch.NewClient(a.store, network,
		fetch.WithPolicy(policy),
		fetch.WithLogger(a.logger),
		fetch.WithEventBus(a.bus))

	resp, err := client.Execute(ctx, a.op, a.vars)
	if err != nil {
		return err
	}
	a.logger.Info("fetched", zap.String("operation", a.op.Name), zap.String("source", string(resp.Source)))
	out := map[string]any{"data": resp.Data}
	if len(resp.Errors) > 0 {
		out["errors"] = resp.Errors
	}
	if err := writeJSON(w, out); err != nil {
		return err
	}
	if resp.Source == fetch.FromNetwork {
		return a.save(ctx)
	}
	return nil
}

func (a *app) transport() *transport.HTTPTransport {
	n := a.cfg.Network
	opts := []transport.Option{
		transport.WithTimeout(n.Timeout),
		transport.WithMaxBodyBytes(n.MaxBodyBytes),
		transport.WithDedup(n.Dedup),
		transport.WithBreaker(transport.BreakerOptions{
			MinRequests:      n.Breaker.MinRequests,
			FailureThreshold: n.Breaker.FailureThreshold,
			Interval:         n.Breaker.Interval,
			Timeout:          n.Breaker.Timeout,
			MaxRequests:      n.Breaker.MaxRequests,
		}),
		transport.WithLogger(a.logger),
		transport.WithEventBus(a.bus),
	}
	for k, v := range n.Headers {
		opts = append(opts, transport.WithHeader(k, v))
	}
	return transport.New(n.Endpoint, opts...)
}

func (a *app) dump(ctx context.Context, w io.Writer) error {
	records, err := a.store.Dump(ctx)
	if err != nil {
		return err
	}
	b, err := cache.SnapshotJSON(records)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func (a *app) save(ctx context.Context) error {
	records, err := a.store.Dump(ctx)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(a.snapshot), filepath.Base(a.snapshot)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := cache.WriteSnapshot(tmp, records); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), a.snapshot); err != nil {
		return err
	}
	a.logger.Debug("snapshot saved", zap.String("path", a.snapshot), zap.Int("records", len(records)))
	return nil
}

func loadSnapshot(path string) (map[string]*record.Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	records, err := cache.ReadSnapshot(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return records, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
