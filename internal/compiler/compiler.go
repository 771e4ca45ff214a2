package compiler

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/hanpama/graphcache/internal/language"
	"github.com/hanpama/graphcache/internal/schema"
	"github.com/hanpama/graphcache/internal/selection"
	"github.com/vektah/gqlparser/v2/formatter"
)

// Compiler compiles documents against one schema. It is safe for
// concurrent use.
type Compiler struct {
	src         *language.Schema
	schema      *schema.Schema
	addTypename bool
}

type Option func(*Compiler)

// WithoutTypename disables adding __typename to composite selections.
func WithoutTypename() Option { return func(c *Compiler) { c.addTypename = false } }

// New loads and validates sdl and returns a compiler for it.
func New(sdl string, opts ...Option) (*Compiler, error) {
	src, err := language.LoadSchema("schema.graphql", sdl)
	if err != nil {
		return nil, fmt.Errorf("compiler: load schema: %w", err)
	}
	c := &Compiler{src: src, schema: schema.BuildFromAST(src), addTypename: true}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Schema returns the compiled schema model.
func (c *Compiler) Schema() *schema.Schema { return c.schema }

// CompileQuery validates source and compiles the named operation. An empty
// name selects the only operation in the document.
func (c *Compiler) CompileQuery(source, operationName string) (*selection.Operation, error) {
	doc, err := language.LoadQuery(c.src, source)
	if err != nil {
		return nil, fmt.Errorf("compiler: %w", err)
	}
	op, err := c.CompileOperation(doc, operationName)
	if err != nil {
		return nil, err
	}
	op.Document = source
	return op, nil
}

// CompileOperation compiles an already parsed document.
func (c *Compiler) CompileOperation(doc *language.QueryDocument, operationName string) (*selection.Operation, error) {
	opDef := getOperation(doc, operationName)
	if opDef == nil {
		return nil, fmt.Errorf("compiler: operation %q not found", operationName)
	}

	var rootType *schema.Type
	var opType selection.OperationType
	switch opDef.Operation {
	case language.Mutation:
		rootType, opType = c.schema.GetMutationType(), selection.Mutation
	case language.Subscription:
		rootType, opType = c.schema.GetSubscriptionType(), selection.Subscription
	default:
		rootType, opType = c.schema.GetQueryType(), selection.Query
	}
	if rootType == nil {
		return nil, fmt.Errorf("compiler: root type not found for %s operation", opDef.Operation)
	}

	sets, err := c.compileSelectionSet(doc, opDef.SelectionSet, rootType.Name, false)
	if err != nil {
		return nil, err
	}
	return &selection.Operation{
		Name:      opDef.Name,
		Type:      opType,
		Document:  render(doc),
		FieldSets: sets,
	}, nil
}

// CompileFragment parses source and compiles the named fragment. The
// document is not validated, since fragment documents carry no operation
// using them; unknown fields are still rejected while compiling.
func (c *Compiler) CompileFragment(source, name string) (*selection.Fragment, error) {
	doc, err := language.ParseQuery(source)
	if err != nil {
		return nil, fmt.Errorf("compiler: %w", err)
	}
	return c.CompileFragmentDocument(doc, name)
}

// CompileFragmentDocument compiles a fragment of an already parsed document.
func (c *Compiler) CompileFragmentDocument(doc *language.QueryDocument, name string) (*selection.Fragment, error) {
	def := doc.Fragments.ForName(name)
	if def == nil {
		return nil, fmt.Errorf("compiler: fragment %q not found", name)
	}
	if c.schema.Types[def.TypeCondition] == nil {
		return nil, fmt.Errorf("compiler: unknown type %q for fragment %s", def.TypeCondition, name)
	}
	sets, err := c.compileSelectionSet(doc, def.SelectionSet, def.TypeCondition, c.addTypename)
	if err != nil {
		return nil, err
	}
	return &selection.Fragment{Name: def.Name, TypeCondition: def.TypeCondition, FieldSets: sets}, nil
}

func (c *Compiler) compileSelectionSet(doc *language.QueryDocument, set language.SelectionSet, typeName string, addTypename bool) ([]selection.FieldSet, error) {
	return c.compileBranches(doc, []branch{{set: set}}, typeName, addTypename)
}

// compileBranches compiles the merged sub-selections of one field. Fields
// of each branch inherit the branch's conditions.
func (c *Compiler) compileBranches(doc *language.QueryDocument, branches []branch, typeName string, addTypename bool) ([]selection.FieldSet, error) {
	universal := func(cond string) bool { return c.appliesToAll(typeName, cond) }

	col := newCollector(c, doc)
	for _, b := range branches {
		col.collect(b.set, typeName, universal, b.conditions)
	}
	fields, err := col.build(addTypename)
	if err != nil {
		return nil, err
	}
	sets := []selection.FieldSet{{Fields: fields}}
	if !col.narrowed {
		return sets, nil
	}

	for _, possible := range c.schema.PossibleTypes(typeName) {
		possible := possible
		tc := newCollector(c, doc)
		satisfies := func(cond string) bool { return c.schema.Satisfies(possible, cond) }
		for _, b := range branches {
			tc.collect(b.set, typeName, satisfies, b.conditions)
		}
		if !tc.specific {
			continue
		}
		fields, err := tc.build(addTypename)
		if err != nil {
			return nil, err
		}
		sets = append(sets, selection.FieldSet{TypeCondition: possible, Fields: fields})
	}
	return sets, nil
}

// appliesToAll reports whether a fragment with type condition cond applies
// to every runtime type of typeName.
func (c *Compiler) appliesToAll(typeName, cond string) bool {
	if cond == "" || cond == typeName {
		return true
	}
	possible := c.schema.PossibleTypes(typeName)
	if len(possible) == 0 {
		return false
	}
	for _, p := range possible {
		if !c.schema.Satisfies(p, cond) {
			return false
		}
	}
	return true
}

// getOperation retrieves the operation from the document
func getOperation(doc *language.QueryDocument, operationName string) *language.OperationDefinition {
	if operationName == "" && len(doc.Operations) == 1 {
		return doc.Operations[0]
	}
	for _, op := range doc.Operations {
		if op.Name == operationName {
			return op
		}
	}
	return nil
}

func render(doc *language.QueryDocument) string {
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(doc)
	return buf.String()
}

// argumentValue converts an AST value, keeping variable references.
func argumentValue(value *language.Value) any {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case language.Variable:
		return selection.Variable{Name: value.Raw}
	case language.IntValue:
		iv, _ := strconv.Atoi(value.Raw)
		return iv
	case language.FloatValue:
		fv, _ := strconv.ParseFloat(value.Raw, 64)
		return fv
	case language.StringValue, language.BlockValue, language.EnumValue:
		return value.Raw
	case language.BooleanValue:
		return value.Raw == "true"
	case language.ListValue:
		out := make([]any, len(value.Children))
		for i, child := range value.Children {
			out[i] = argumentValue(child.Value)
		}
		return out
	case language.ObjectValue:
		out := make(map[string]any, len(value.Children))
		for _, child := range value.Children {
			out[child.Name] = argumentValue(child.Value)
		}
		return out
	default:
		return nil
	}
}

func conditions(directives language.DirectiveList) []selection.Condition {
	var out []selection.Condition
	for _, name := range []string{"skip", "include"} {
		d := directives.ForName(name)
		if d == nil {
			continue
		}
		arg := d.Arguments.ForName("if")
		if arg == nil || arg.Value == nil {
			continue
		}
		cond := selection.Condition{Inverted: name == "skip"}
		if arg.Value.Kind == language.Variable {
			cond.Variable = arg.Value.Raw
		} else {
			cond.Value = arg.Value.Raw == "true"
		}
		out = append(out, cond)
	}
	return out
}
