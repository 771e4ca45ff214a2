package compiler

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hanpama/graphcache/internal/language"
	"github.com/hanpama/graphcache/internal/schema"
	"github.com/hanpama/graphcache/internal/selection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDL = `
type Query {
  user(id: ID!): User
  node(id: ID!): Node
  search(text: String!): [SearchResult!]!
}

type Mutation {
  rename(id: ID!, name: String!): User
}

interface Node { id: ID! }

type User implements Node {
  id: ID!
  name: String
  friends: [User!]
}

type Post implements Node {
  id: ID!
  title: String!
}

union SearchResult = User | Post
`

var (
	idType       = schema.NonNullType(schema.NamedType("ID"))
	stringType   = schema.NamedType("String")
	typenameType = schema.NonNullType(schema.NamedType("String"))
)

func typename() selection.Field {
	return selection.Field{Name: "__typename", Type: typenameType}
}

func mustCompiler(t *testing.T) *Compiler {
	t.Helper()
	c, err := New(testSDL)
	require.NoError(t, err)
	return c
}

func TestCompileQuery(t *testing.T) {
	c := mustCompiler(t)
	op, err := c.CompileQuery(`query GetUser($id: ID!, $skipName: Boolean!) {
		user(id: $id) { id name @skip(if: $skipName) }
	}`, "GetUser")
	require.NoError(t, err)

	assert.Equal(t, "GetUser", op.Name)
	assert.Equal(t, selection.Query, op.Type)
	assert.Contains(t, op.Document, "query GetUser")

	want := []selection.FieldSet{{Fields: []selection.Field{{
		Name:      "user",
		Type:      schema.NamedType("User"),
		Arguments: []selection.Argument{{Name: "id", Value: selection.Variable{Name: "id"}}},
		FieldSets: []selection.FieldSet{{Fields: []selection.Field{
			typename(),
			{Name: "id", Type: idType},
			{Name: "name", Type: stringType, Conditions: []selection.Condition{{Variable: "skipName", Inverted: true}}},
		}}},
	}}}}
	if diff := cmp.Diff(want, op.FieldSets); diff != "" {
		t.Fatalf("field sets mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileUnionFragments(t *testing.T) {
	c := mustCompiler(t)
	op, err := c.CompileQuery(`{
		search(text: "a") {
			... on User { id name }
			... on Post { id title }
		}
	}`, "")
	require.NoError(t, err)

	search := op.FieldSets[0].Fields[0]
	assert.Equal(t, "search", search.Name)
	assert.Equal(t, []selection.Argument{{Name: "text", Value: "a"}}, search.Arguments)

	want := []selection.FieldSet{
		{Fields: []selection.Field{typename()}},
		{TypeCondition: "Post", Fields: []selection.Field{
			typename(),
			{Name: "id", Type: idType},
			{Name: "title", Type: schema.NonNullType(schema.NamedType("String"))},
		}},
		{TypeCondition: "User", Fields: []selection.Field{
			typename(),
			{Name: "id", Type: idType},
			{Name: "name", Type: stringType},
		}},
	}
	if diff := cmp.Diff(want, search.FieldSets); diff != "" {
		t.Fatalf("field sets mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileInterfaceNarrowing(t *testing.T) {
	c := mustCompiler(t)
	op, err := c.CompileQuery(`{ node(id: "1") { id ... on User { name } } }`, "")
	require.NoError(t, err)

	node := op.FieldSets[0].Fields[0]
	want := []selection.FieldSet{
		{Fields: []selection.Field{typename(), {Name: "id", Type: idType}}},
		{TypeCondition: "User", Fields: []selection.Field{
			typename(),
			{Name: "id", Type: idType},
			{Name: "name", Type: stringType},
		}},
	}
	if diff := cmp.Diff(want, node.FieldSets); diff != "" {
		t.Fatalf("field sets mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileMergesFieldsAndAliases(t *testing.T) {
	c := mustCompiler(t)
	op, err := c.CompileQuery(`{
		user(id: "1") { id }
		user(id: "1") { name }
		other: user(id: "2") { id }
	}`, "")
	require.NoError(t, err)

	fields := op.FieldSets[0].Fields
	require.Len(t, fields, 2)
	assert.Equal(t, "", fields[0].Alias)
	assert.Equal(t, []string{"__typename", "id", "name"}, names(fields[0].FieldSets[0].Fields))
	assert.Equal(t, "other", fields[1].Alias)
	assert.Equal(t, "other", fields[1].ResponseName())
}

func TestCompileFragmentSpreadConditions(t *testing.T) {
	c := mustCompiler(t)
	op, err := c.CompileQuery(`query Q($withName: Boolean!) {
		user(id: "1") { id ...F @include(if: $withName) }
	}
	fragment F on User { name }`, "Q")
	require.NoError(t, err)

	user := op.FieldSets[0].Fields[0]
	got := user.FieldSets[0].Fields
	require.Len(t, got, 3)
	assert.Nil(t, got[1].Conditions)
	assert.Equal(t, []selection.Condition{{Variable: "withName"}}, got[2].Conditions)
}

func TestCompileFieldSelectedWithAndWithoutCondition(t *testing.T) {
	c := mustCompiler(t)
	op, err := c.CompileQuery(`{ user(id: "1") { name @skip(if: true) name } }`, "")
	require.NoError(t, err)
	name := op.FieldSets[0].Fields[0].FieldSets[0].Fields[1]
	assert.Equal(t, "name", name.Name)
	assert.Nil(t, name.Conditions)
}

func TestCompileFieldSelectedUnderDifferentConditions(t *testing.T) {
	c := mustCompiler(t)
	op, err := c.CompileQuery(`query Q($x: Boolean!, $y: Boolean!) {
		user(id: "1") @include(if: $x) { id }
		user(id: "1") @include(if: $y) { name }
	}`, "Q")
	require.NoError(t, err)

	user := op.FieldSets[0].Fields[0]
	assert.Equal(t, []selection.Condition{{Variable: "x"}}, user.Conditions)
	assert.Equal(t, [][]selection.Condition{{{Variable: "y"}}}, user.Alternatives)
	assert.False(t, user.ShouldSkip(map[string]any{"x": false, "y": true}))
	assert.True(t, user.ShouldSkip(map[string]any{"x": false, "y": false}))

	fields := user.FieldSets[0].Fields
	require.Equal(t, []string{"__typename", "id", "name"}, names(fields))
	assert.Nil(t, fields[0].Conditions)
	assert.Equal(t, []selection.Condition{{Variable: "x"}}, fields[1].Conditions)
	assert.Equal(t, []selection.Condition{{Variable: "y"}}, fields[2].Conditions)
}

func TestCompileSameFragmentUnderDifferentConditions(t *testing.T) {
	c := mustCompiler(t)
	op, err := c.CompileQuery(`query Q($x: Boolean!, $y: Boolean!) {
		user(id: "1") { id ...F @include(if: $x) ...F @include(if: $y) }
	}
	fragment F on User { name }`, "Q")
	require.NoError(t, err)

	name := op.FieldSets[0].Fields[0].FieldSets[0].Fields[2]
	assert.Equal(t, "name", name.Name)
	assert.Equal(t, []selection.Condition{{Variable: "x"}}, name.Conditions)
	assert.Equal(t, [][]selection.Condition{{{Variable: "y"}}}, name.Alternatives)
	assert.False(t, name.ShouldSkip(map[string]any{"x": false, "y": true}))
}

func TestCompileMutation(t *testing.T) {
	c := mustCompiler(t)
	op, err := c.CompileQuery(`mutation { rename(id: "1", name: "Grace") { id name } }`, "")
	require.NoError(t, err)
	assert.Equal(t, selection.Mutation, op.Type)
	assert.Equal(t, selection.MutationRootKey, op.RootKey().Key)
	assert.Equal(t, []selection.Argument{
		{Name: "id", Value: "1"},
		{Name: "name", Value: "Grace"},
	}, op.FieldSets[0].Fields[0].Arguments)
}

func TestCompileFragment(t *testing.T) {
	c := mustCompiler(t)
	frag, err := c.CompileFragment(`fragment UserFields on User { id friends { name } }`, "UserFields")
	require.NoError(t, err)

	assert.Equal(t, "UserFields", frag.Name)
	assert.Equal(t, "User", frag.TypeCondition)
	want := []selection.FieldSet{{Fields: []selection.Field{
		typename(),
		{Name: "id", Type: idType},
		{
			Name: "friends",
			Type: schema.ListType(schema.NonNullType(schema.NamedType("User"))),
			FieldSets: []selection.FieldSet{{Fields: []selection.Field{
				typename(),
				{Name: "name", Type: stringType},
			}}},
		},
	}}}
	if diff := cmp.Diff(want, frag.FieldSets); diff != "" {
		t.Fatalf("field sets mismatch (-want +got):\n%s", diff)
	}
}

func TestCompileArgumentValues(t *testing.T) {
	value := func(src string) *language.Value {
		doc, err := language.ParseQuery(`{ f(a: ` + src + `) }`)
		require.NoError(t, err)
		return doc.Operations[0].SelectionSet[0].(*language.Field).Arguments[0].Value
	}
	cases := []struct {
		src  string
		want any
	}{
		{`1`, 1},
		{`1.5`, 1.5},
		{`"s"`, "s"},
		{`true`, true},
		{`null`, nil},
		{`RED`, "RED"},
		{`$v`, selection.Variable{Name: "v"}},
		{`[1, $v]`, []any{1, selection.Variable{Name: "v"}}},
		{`{b: 2, a: "x"}`, map[string]any{"a": "x", "b": 2}},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			assert.Equal(t, tc.want, argumentValue(value(tc.src)))
		})
	}
}

func TestCompileErrors(t *testing.T) {
	c := mustCompiler(t)

	_, err := c.CompileQuery(`{ user(id: "1") { missing } }`, "")
	require.Error(t, err)

	_, err = c.CompileQuery(`query A { user(id: "1") { id } }`, "B")
	require.Error(t, err)

	_, err = c.CompileFragment(`fragment F on User { missing }`, "F")
	require.Error(t, err)

	_, err = c.CompileFragment(`fragment F on User { id }`, "G")
	require.Error(t, err)

	_, err = New(`type Query { broken: Missing }`)
	require.Error(t, err)
}

func TestCompileWithoutTypename(t *testing.T) {
	c, err := New(testSDL, WithoutTypename())
	require.NoError(t, err)
	op, err := c.CompileQuery(`{ user(id: "1") { id } }`, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, names(op.FieldSets[0].Fields[0].FieldSets[0].Fields))
}

func names(fields []selection.Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.ResponseName()
	}
	return out
}
