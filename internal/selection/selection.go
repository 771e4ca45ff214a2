// Package selection describes what an operation or fragment selects: the
// per-type FieldSets, their fields' type shapes, arguments and skip/include
// conditions. The normalizer and both readers walk this metadata in lock-step
// with the data they process.
package selection

import (
	"github.com/hanpama/graphcache/internal/schema"
)

// TypenameField is the meta field naming an object's concrete type.
const TypenameField = "__typename"

// Variable is a placeholder inside an argument value that is substituted
// with the bound variable value at read/write time.
type Variable struct {
	Name string
}

// Argument is one field argument. Value may be a literal, a Variable, or a
// []any / map[string]any / InputMarshaler containing either.
type Argument struct {
	Name  string
	Value any
}

// Condition is one @skip or @include directive.
type Condition struct {
	// Variable names the boolean variable; empty when Value is a literal.
	Variable string
	Value    bool
	// Inverted is true for @skip.
	Inverted bool
}

// Include reports whether the condition admits the selection.
// Unbound variables evaluate to false.
func (c Condition) Include(variables map[string]any) bool {
	v := c.Value
	if c.Variable != "" {
		b, _ := variables[c.Variable].(bool)
		v = b
	}
	if c.Inverted {
		return !v
	}
	return v
}

// Field is one selected field.
type Field struct {
	Name  string
	Alias string
	// Type is the declared GraphQL type; nil is treated as a nullable scalar.
	Type       *schema.TypeRef
	Arguments  []Argument
	Conditions []Condition
	// Alternatives holds further condition groups for a field selected by
	// several nodes. The field is included when every condition of
	// Conditions, or of any one alternative group, admits it.
	Alternatives [][]Condition
	// FieldSets holds the selections of a composite field, one variant per
	// type condition. Empty for leaf fields.
	FieldSets []FieldSet
}

// ResponseName is the key of the field in response data.
func (f *Field) ResponseName() string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// IsComposite reports whether the field carries a selection set.
func (f *Field) IsComposite() bool { return len(f.FieldSets) > 0 }

// ShouldSkip reports whether the field's conditions exclude it.
func (f *Field) ShouldSkip(variables map[string]any) bool {
	if admits(f.Conditions, variables) {
		return false
	}
	for _, group := range f.Alternatives {
		if admits(group, variables) {
			return false
		}
	}
	return true
}

func admits(group []Condition, variables map[string]any) bool {
	for _, c := range group {
		if !c.Include(variables) {
			return false
		}
	}
	return true
}

// FieldSet is the list of fields selected when the object's __typename
// equals TypeCondition. An empty TypeCondition applies to any type.
type FieldSet struct {
	TypeCondition string
	Fields        []Field
}

// SelectFieldSet picks the variant matching typename, falling back to the
// untyped variant.
func SelectFieldSet(sets []FieldSet, typename string) (*FieldSet, bool) {
	if typename != "" {
		for i := range sets {
			if sets[i].TypeCondition == typename {
				return &sets[i], true
			}
		}
	}
	for i := range sets {
		if sets[i].TypeCondition == "" {
			return &sets[i], true
		}
	}
	return nil, false
}

// OperationType is the kind of a GraphQL operation.
type OperationType string

const (
	Query        OperationType = "query"
	Mutation     OperationType = "mutation"
	Subscription OperationType = "subscription"
)

// Operation is a compiled executable operation.
type Operation struct {
	Name      string
	Type      OperationType
	Document  string
	FieldSets []FieldSet
}

// RootKey returns the key of the record holding the operation's root fields.
func (o *Operation) RootKey() CacheKey {
	switch o.Type {
	case Mutation:
		return CacheKey{Key: MutationRootKey}
	case Subscription:
		return CacheKey{Key: SubscriptionRootKey}
	default:
		return RootKey()
	}
}

// Fragment is a compiled fragment, readable and writable at any entity key.
type Fragment struct {
	Name          string
	TypeCondition string
	FieldSets     []FieldSet
}
