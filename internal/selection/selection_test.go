package selection

import (
	"testing"

	"github.com/hanpama/graphcache/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pointInput struct{ x, y int }

func (p pointInput) MarshalInput() map[string]any {
	return map[string]any{"y": p.y, "x": p.x}
}

func TestFieldKey(t *testing.T) {
	vars := map[string]any{"id": "1", "first": 10, "filter": map[string]any{"z": true, "a": []any{3, 1}}}

	tests := []struct {
		name  string
		field Field
		want  string
	}{
		{"no arguments uses schema name", Field{Name: "user", Alias: "me"}, "user"},
		{"literal", Field{Name: "user", Arguments: []Argument{{Name: "id", Value: "1"}}}, `user({"id":"1"})`},
		{"variable", Field{Name: "user", Arguments: []Argument{{Name: "id", Value: Variable{Name: "id"}}}}, `user({"id":"1"})`},
		{"sorted argument names", Field{Name: "list", Arguments: []Argument{
			{Name: "b", Value: 2}, {Name: "a", Value: 1},
		}}, `list({"a":1,"b":2})`},
		{"nested maps sorted, lists kept", Field{Name: "search", Arguments: []Argument{
			{Name: "filter", Value: Variable{Name: "filter"}},
		}}, `search({"filter":{"a":[3,1],"z":true}})`},
		{"unbound variable is null", Field{Name: "user", Arguments: []Argument{{Name: "id", Value: Variable{Name: "nope"}}}}, `user({"id":null})`},
		{"input object flattened", Field{Name: "near", Arguments: []Argument{{Name: "at", Value: pointInput{x: 1, y: 2}}}}, `near({"at":{"x":1,"y":2}})`},
		{"variable inside literal object", Field{Name: "page", Arguments: []Argument{
			{Name: "opts", Value: map[string]any{"first": Variable{Name: "first"}, "after": nil}},
		}}, `page({"opts":{"after":null,"first":10}})`},
		{"no html escaping", Field{Name: "q", Arguments: []Argument{{Name: "s", Value: "<a&b>"}}}, `q({"s":"<a&b>"})`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FieldKey(&tt.field, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFieldKeyCanonicalOrder(t *testing.T) {
	a := Field{Name: "f", Arguments: []Argument{{Name: "in", Value: map[string]any{"a": 1, "b": 2}}}}
	b := Field{Name: "f", Arguments: []Argument{{Name: "in", Value: map[string]any{"b": 2, "a": 1}}}}
	ka, err := FieldKey(&a, nil)
	require.NoError(t, err)
	kb, err := FieldKey(&b, nil)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
}

func TestFieldKeyVariableEqualsLiteral(t *testing.T) {
	lit := Field{Name: "user", Arguments: []Argument{{Name: "id", Value: 7}}}
	bound := Field{Name: "user", Arguments: []Argument{{Name: "id", Value: Variable{Name: "id"}}}}
	k1, err := FieldKey(&lit, nil)
	require.NoError(t, err)
	// Variables decoded from JSON arrive as float64.
	k2, err := FieldKey(&bound, map[string]any{"id": float64(7)})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestFieldKeyInvalidArgument(t *testing.T) {
	f := Field{Name: "f", Arguments: []Argument{{Name: "ch", Value: make(chan int)}}}
	_, err := FieldKey(&f, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestConditions(t *testing.T) {
	skip := Condition{Variable: "hide", Inverted: true}
	include := Condition{Variable: "show"}
	literal := Condition{Value: false}

	f := Field{Name: "a", Conditions: []Condition{skip}}
	assert.True(t, f.ShouldSkip(map[string]any{"hide": true}))
	assert.False(t, f.ShouldSkip(map[string]any{"hide": false}))
	assert.False(t, f.ShouldSkip(nil))

	f = Field{Name: "a", Conditions: []Condition{include}}
	assert.True(t, f.ShouldSkip(nil))
	assert.False(t, f.ShouldSkip(map[string]any{"show": true}))

	f = Field{Name: "a", Conditions: []Condition{literal}}
	assert.True(t, f.ShouldSkip(nil))
}

func TestConditionAlternatives(t *testing.T) {
	x := Condition{Variable: "x"}
	y := Condition{Variable: "y"}
	f := Field{Name: "me", Conditions: []Condition{x}, Alternatives: [][]Condition{{y}}}

	assert.False(t, f.ShouldSkip(map[string]any{"x": false, "y": true}))
	assert.False(t, f.ShouldSkip(map[string]any{"x": true, "y": false}))
	assert.True(t, f.ShouldSkip(map[string]any{"x": false, "y": false}))
}

func TestSelectFieldSet(t *testing.T) {
	sets := []FieldSet{
		{TypeCondition: "User", Fields: []Field{{Name: "name"}}},
		{Fields: []Field{{Name: "id"}}},
	}
	fs, ok := SelectFieldSet(sets, "User")
	require.True(t, ok)
	assert.Equal(t, "User", fs.TypeCondition)

	fs, ok = SelectFieldSet(sets, "Post")
	require.True(t, ok)
	assert.Equal(t, "", fs.TypeCondition)

	_, ok = SelectFieldSet(sets[:1], "Post")
	assert.False(t, ok)
}

func TestIDResolver(t *testing.T) {
	r := IDResolver{KeyFields: map[string][]string{"Repo": {"owner", "name"}}, ResolveArguments: true}

	assert.Equal(t, CacheKey{Key: "User:1"}, r.FromFieldRecordSet(nil, map[string]any{"__typename": "User", "id": "1"}))
	assert.Equal(t, CacheKey{Key: "Repo:ada:engine"}, r.FromFieldRecordSet(nil, map[string]any{"__typename": "Repo", "owner": "ada", "name": "engine"}))
	assert.True(t, r.FromFieldRecordSet(nil, map[string]any{"id": "1"}).IsNone())
	assert.True(t, r.FromFieldRecordSet(nil, map[string]any{"__typename": "User"}).IsNone())

	user := &Field{Name: "user", Type: schema.NamedType("User"), Arguments: []Argument{{Name: "id", Value: Variable{Name: "id"}}}}
	assert.Equal(t, CacheKey{Key: "User:1"}, r.FromFieldArguments(user, map[string]any{"id": "1"}))
	assert.True(t, r.FromFieldArguments(user, nil).IsNone())

	noArgs := &Field{Name: "me", Type: schema.NamedType("User")}
	assert.True(t, r.FromFieldArguments(noArgs, nil).IsNone())

	assert.True(t, IDResolver{}.FromFieldArguments(user, map[string]any{"id": "1"}).IsNone())
}

func TestOperationRootKey(t *testing.T) {
	assert.Equal(t, QueryRootKey, (&Operation{Type: Query}).RootKey().Key)
	assert.Equal(t, MutationRootKey, (&Operation{Type: Mutation}).RootKey().Key)
	assert.Equal(t, SubscriptionRootKey, (&Operation{Type: Subscription}).RootKey().Key)
	assert.True(t, NoKey.IsNone())
}
