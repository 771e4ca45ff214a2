package cache

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/hanpama/graphcache/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(key string, kv ...any) *record.Record {
	fields := make(map[string]record.Value, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		v, err := record.FromAny(kv[i+1])
		if err != nil {
			panic(err)
		}
		fields[kv[i].(string)] = v
	}
	return record.New(key, fields)
}

func TestMemoryCacheMerge(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(1 << 20)

	changed, err := c.Merge(ctx, rec("User:1", "name", "Ada"), record.NoHeaders)
	require.NoError(t, err)
	assert.Equal(t, record.NewKeySet("User:1"), changed)

	changed, err = c.Merge(ctx, rec("User:1", "name", "Ada"), record.NoHeaders)
	require.NoError(t, err)
	assert.Empty(t, changed)

	changed, err = c.Merge(ctx, rec("User:1", "age", 36), record.NoHeaders)
	require.NoError(t, err)
	assert.Equal(t, record.NewKeySet("User:1"), changed)

	got, err := c.LoadRecord(ctx, "User:1", record.NoHeaders)
	require.NoError(t, err)
	assert.Equal(t, map[string]record.Value{"name": record.String("Ada"), "age": record.Int(36)}, got.Fields)

	missing, err := c.LoadRecord(ctx, "User:2", record.NoHeaders)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryCacheEvictsBySize(t *testing.T) {
	ctx := context.Background()
	one := rec("A", "v", "xxxxxxxx")
	size := one.SizeInBytes()

	var evicted []string
	c := NewMemoryCache(size*2, WithEvictionHook(func(key string) { evicted = append(evicted, key) }))
	for _, key := range []string{"A", "B"} {
		_, err := c.Merge(ctx, rec(key, "v", "xxxxxxxx"), record.NoHeaders)
		require.NoError(t, err)
	}
	_, err := c.LoadRecord(ctx, "A", record.NoHeaders)
	require.NoError(t, err)
	_, err = c.Merge(ctx, rec("C", "v", "xxxxxxxx"), record.NoHeaders)
	require.NoError(t, err)

	assert.Equal(t, []string{"B"}, evicted)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, size*2, c.SizeInBytes())
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	c := NewMemoryCache(1<<20, WithExpireAfter(time.Minute), WithClock(func() time.Time { return now }))

	_, err := c.Merge(ctx, rec("A", "v", 1), record.NoHeaders)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	got, err := c.LoadRecord(ctx, "A", record.NoHeaders)
	require.NoError(t, err)
	require.NotNil(t, got)

	now = now.Add(time.Minute)
	got, err = c.LoadRecord(ctx, "A", record.NoHeaders)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCacheChain(t *testing.T) {
	ctx := context.Background()
	next := NewMemoryCache(1 << 20)
	c := NewMemoryCache(1<<20, WithNext(next))

	_, err := next.Merge(ctx, rec("A", "v", 1), record.NoHeaders)
	require.NoError(t, err)
	_, err = next.Merge(ctx, rec("B", "v", 2), record.NoHeaders)
	require.NoError(t, err)

	recs, err := c.LoadRecords(ctx, []string{"A", "B", "C"}, record.NoHeaders)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, 2, c.Len())

	changed, err := c.Merge(ctx, rec("A", "v", 3), record.NoHeaders)
	require.NoError(t, err)
	assert.Equal(t, record.NewKeySet("A"), changed)
	fromNext, err := next.LoadRecord(ctx, "A", record.NoHeaders)
	require.NoError(t, err)
	assert.Equal(t, record.Int(3), fromNext.Fields["v"])

	// Partial writes merge with what the chained cache holds.
	_, err = next.Merge(ctx, rec("D", "a", 1), record.NoHeaders)
	require.NoError(t, err)
	_, err = c.Merge(ctx, rec("D", "b", 2), record.NoHeaders)
	require.NoError(t, err)
	d, err := c.LoadRecord(ctx, "D", record.NoHeaders)
	require.NoError(t, err)
	assert.Len(t, d.Fields, 2)

	dump, err := c.Dump(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B", "D"}, keys(dump))

	require.NoError(t, c.Clear(ctx))
	assert.Equal(t, 0, next.Len())
}

func TestMemoryCacheHeaders(t *testing.T) {
	ctx := context.Background()
	next := NewMemoryCache(1 << 20)
	c := NewMemoryCache(1<<20, WithNext(next))

	changed, err := c.Merge(ctx, rec("A", "v", 1), record.NoHeaders.With(record.HeaderDoNotStore, "true"))
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, 0, c.Len())

	_, err = c.Merge(ctx, rec("B", "v", 1), record.NoHeaders.With(record.HeaderMemoryCacheOnly, "true"))
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 0, next.Len())

	got, err := c.LoadRecord(ctx, "B", record.NoHeaders.With(record.HeaderEvictAfterRead, "true"))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0, c.Len())

	_, err = next.Merge(ctx, rec("C", "v", 1), record.NoHeaders)
	require.NoError(t, err)
	got, err = c.LoadRecord(ctx, "C", record.NoHeaders.With(record.HeaderMemoryCacheOnly, "true"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryCacheRemoveCascade(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(1 << 20)
	recs := []*record.Record{
		record.New("QUERY_ROOT", map[string]record.Value{"a": record.Reference{Key: "A"}}),
		record.New("A", map[string]record.Value{"list": record.List{record.Reference{Key: "B"}}}),
		record.New("B", map[string]record.Value{"back": record.Reference{Key: "A"}}),
		record.New("C", nil),
	}
	_, err := c.MergeRecords(ctx, recs, record.NoHeaders)
	require.NoError(t, err)

	removed, err := c.Remove(ctx, "A", false)
	require.NoError(t, err)
	assert.Equal(t, record.NewKeySet("A"), removed)
	assert.Equal(t, 3, c.Len())

	_, err = c.MergeRecords(ctx, recs, record.NoHeaders)
	require.NoError(t, err)
	removed, err = c.Remove(ctx, "QUERY_ROOT", true)
	require.NoError(t, err)
	assert.Equal(t, record.NewKeySet("QUERY_ROOT", "A", "B"), removed)
	dump, err := c.Dump(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, keys(dump))

	removed, err = c.Remove(ctx, "missing", true)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestOptimisticRollbackRestoresBase(t *testing.T) {
	ctx := context.Background()
	c := NewOptimisticCache(NewMemoryCache(1 << 20))
	_, err := c.Merge(ctx, rec("User:1", "name", "Ada", "age", 36), record.NoHeaders)
	require.NoError(t, err)

	m1, m2 := uuid.New(), uuid.New()
	opt1 := rec("User:1", "name", "Grace")
	opt1.MutationID = m1
	opt2 := rec("User:1", "age", 40)
	opt2.MutationID = m2
	newKey := rec("User:2", "name", "Linus")
	newKey.MutationID = m2

	changed := c.AddOptimisticUpdates([]*record.Record{opt1})
	assert.Equal(t, record.NewKeySet("User:1"), changed)
	c.AddOptimisticUpdates([]*record.Record{opt2, newKey})

	got, err := c.LoadRecord(ctx, "User:1", record.NoHeaders)
	require.NoError(t, err)
	assert.Equal(t, map[string]record.Value{"name": record.String("Grace"), "age": record.Int(40)}, got.Fields)
	assert.Equal(t, m2, got.MutationID)

	recs, err := c.LoadRecords(ctx, []string{"User:1", "User:2", "User:3"}, record.NoHeaders)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	changed = c.RemoveOptimisticUpdates(m1)
	assert.Equal(t, record.NewKeySet("User:1"), changed)
	got, err = c.LoadRecord(ctx, "User:1", record.NoHeaders)
	require.NoError(t, err)
	assert.Equal(t, map[string]record.Value{"name": record.String("Ada"), "age": record.Int(40)}, got.Fields)

	changed = c.RemoveOptimisticUpdates(m2)
	assert.Equal(t, record.NewKeySet("User:1", "User:2"), changed)
	got, err = c.LoadRecord(ctx, "User:1", record.NoHeaders)
	require.NoError(t, err)
	assert.Equal(t, map[string]record.Value{"name": record.String("Ada"), "age": record.Int(36)}, got.Fields)
	assert.Equal(t, uuid.Nil, got.MutationID)
	gone, err := c.LoadRecord(ctx, "User:2", record.NoHeaders)
	require.NoError(t, err)
	assert.Nil(t, gone)
	assert.Equal(t, 0, c.Pending())

	assert.Empty(t, c.RemoveOptimisticUpdates(m2))
}

func TestOptimisticDumpAndClear(t *testing.T) {
	ctx := context.Background()
	c := NewOptimisticCache(NewMemoryCache(1 << 20))
	_, err := c.Merge(ctx, rec("A", "v", 1), record.NoHeaders)
	require.NoError(t, err)
	opt := rec("A", "v", 2)
	opt.MutationID = uuid.New()
	c.AddOptimisticUpdates([]*record.Record{opt})

	dump, err := c.Dump(ctx)
	require.NoError(t, err)
	assert.Equal(t, record.Int(2), dump["A"].Fields["v"])

	removed, err := c.Remove(ctx, "A", false)
	require.NoError(t, err)
	assert.Equal(t, record.NewKeySet("A"), removed)
	assert.Equal(t, 0, c.Pending())

	c.AddOptimisticUpdates([]*record.Record{opt})
	require.NoError(t, c.Clear(ctx))
	assert.Equal(t, 0, c.Pending())
}

func TestSnapshotRoundTrip(t *testing.T) {
	mid := uuid.New()
	in := map[string]*record.Record{
		"QUERY_ROOT": record.New("QUERY_ROOT", map[string]record.Value{
			"user":  record.Reference{Key: "User:1"},
			"users": record.List{record.Reference{Key: "User:1"}, record.Null{}},
		}),
		"User:1": {
			Key: "User:1",
			Fields: map[string]record.Value{
				"name":  record.String("Ada"),
				"age":   record.Int(1 << 60),
				"score": record.Float(2.5),
				"admin": record.Bool(true),
				"meta":  record.Object{"k": record.List{record.Int(1)}},
				"none":  record.Null{},
			},
			MutationID: mid,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, in))
	out, err := ReadSnapshot(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}

	corrupted := append([]byte(nil), buf.Bytes()...)
	corrupted[len(corrupted)-1] ^= 0xff
	_, err = ReadSnapshot(bytes.NewReader(corrupted))
	assert.True(t, errors.Is(err, ErrCorruptSnapshot))

	_, err = ReadSnapshot(bytes.NewReader([]byte("nope")))
	assert.True(t, errors.Is(err, ErrCorruptSnapshot))

	js, err := SnapshotJSON(in)
	require.NoError(t, err)
	assert.Contains(t, string(js), `"$ref"`)
}

func keys(m map[string]*record.Record) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
