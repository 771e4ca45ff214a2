package compiler

import (
	"fmt"
	"slices"

	"github.com/hanpama/graphcache/internal/language"
	"github.com/hanpama/graphcache/internal/schema"
	"github.com/hanpama/graphcache/internal/selection"
)

// collectedField groups the AST nodes sharing one response name, preserving
// first-seen order. groups[i] holds the conditions gating nodes[i].
type collectedField struct {
	responseName string
	scope        string
	nodes        []*language.Field
	groups       [][]selection.Condition
}

// branch is a selection set reached under conditions.
type branch struct {
	set        language.SelectionSet
	conditions []selection.Condition
}

type collector struct {
	c       *Compiler
	doc     *language.QueryDocument
	fields  []*collectedField
	index   map[string]int
	visited map[string]bool
	// narrowed is set when a fragment applying to only some possible types
	// was seen; specific when such a fragment was followed.
	narrowed bool
	specific bool
}

func newCollector(c *Compiler, doc *language.QueryDocument) *collector {
	return &collector{
		c:       c,
		doc:     doc,
		index:   make(map[string]int),
		visited: make(map[string]bool),
	}
}

func (col *collector) add(responseName, scope string, field *language.Field, conds []selection.Condition) {
	if idx, ok := col.index[responseName]; ok {
		cf := col.fields[idx]
		cf.nodes = append(cf.nodes, field)
		cf.groups = append(cf.groups, conds)
		return
	}
	col.index[responseName] = len(col.fields)
	col.fields = append(col.fields, &collectedField{
		responseName: responseName,
		scope:        scope,
		nodes:        []*language.Field{field},
		groups:       [][]selection.Condition{conds},
	})
}

// gate returns the distinct condition groups of cf, or nil when some node
// is selected unconditionally.
func (cf *collectedField) gate() [][]selection.Condition {
	var distinct [][]selection.Condition
	for _, g := range cf.groups {
		if len(g) == 0 {
			return nil
		}
		if !slices.ContainsFunc(distinct, func(d []selection.Condition) bool { return slices.Equal(d, g) }) {
			distinct = append(distinct, g)
		}
	}
	return distinct
}

// collect walks a selection set, following fragments whose type condition
// satisfies applies.
func (col *collector) collect(set language.SelectionSet, scope string, applies func(string) bool, inherited []selection.Condition) {
	for _, sel := range set {
		switch s := sel.(type) {
		case *language.Field:
			conds := and(inherited, conditions(s.Directives))
			responseName := s.Alias
			if responseName == "" {
				responseName = s.Name
			}
			col.add(responseName, scope, s, conds)

		case *language.InlineFragment:
			if !col.follow(s.TypeCondition, scope, applies) {
				continue
			}
			inner := scope
			if s.TypeCondition != "" {
				inner = s.TypeCondition
			}
			conds := and(inherited, conditions(s.Directives))
			col.collect(s.SelectionSet, inner, applies, conds)

		case *language.FragmentSpread:
			def := col.doc.Fragments.ForName(s.Name)
			if def == nil {
				continue
			}
			conds := and(inherited, conditions(s.Directives), conditions(def.Directives))
			// A fragment spread again under other conditions widens the
			// fields it selects.
			visit := fmt.Sprintf("%s%v", s.Name, conds)
			if col.visited[visit] {
				continue
			}
			if !col.follow(def.TypeCondition, scope, applies) {
				continue
			}
			col.visited[visit] = true
			col.collect(def.SelectionSet, def.TypeCondition, applies, conds)
		}
	}
}

// and joins condition lists, dropping repeats.
func and(lists ...[]selection.Condition) []selection.Condition {
	var out []selection.Condition
	for _, list := range lists {
		for _, c := range list {
			if !slices.Contains(out, c) {
				out = append(out, c)
			}
		}
	}
	return out
}

func (col *collector) follow(cond, scope string, applies func(string) bool) bool {
	if cond == "" || cond == scope {
		return true
	}
	universal := col.c.appliesToAll(scope, cond)
	if !universal {
		col.narrowed = true
	}
	if !applies(cond) {
		return false
	}
	if !universal {
		col.specific = true
	}
	return true
}

func (col *collector) build(addTypename bool) ([]selection.Field, error) {
	out := make([]selection.Field, 0, len(col.fields)+1)
	if addTypename {
		if _, ok := col.index[selection.TypenameField]; !ok {
			out = append(out, typenameField())
		}
	}
	for _, cf := range col.fields {
		f, err := col.buildField(cf)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (col *collector) buildField(cf *collectedField) (selection.Field, error) {
	node := cf.nodes[0]
	f := selection.Field{Name: node.Name}
	if node.Alias != "" && node.Alias != node.Name {
		f.Alias = node.Alias
	}
	gate := cf.gate()
	if len(gate) > 0 {
		f.Conditions = gate[0]
		f.Alternatives = gate[1:]
		if len(f.Alternatives) == 0 {
			f.Alternatives = nil
		}
	}
	for _, arg := range node.Arguments {
		f.Arguments = append(f.Arguments, selection.Argument{Name: arg.Name, Value: argumentValue(arg.Value)})
	}
	if node.Name == selection.TypenameField {
		f.Type = schema.NonNullType(schema.NamedType("String"))
		return f, nil
	}

	parent := col.c.schema.Types[cf.scope]
	if parent == nil {
		return f, fmt.Errorf("compiler: unknown type %q", cf.scope)
	}
	def := parent.Field(node.Name)
	if def == nil {
		return f, fmt.Errorf("compiler: cannot query field %q on type %q", node.Name, cf.scope)
	}
	f.Type = def.Type

	named := col.c.schema.Types[def.Type.GetNamedType()]
	if named == nil || !named.IsComposite() {
		return f, nil
	}
	// Unless the field as a whole is gated by exactly one group, each
	// node's sub-selection stays under that node's own conditions.
	exact := len(gate) == 1
	sub := make([]branch, 0, len(cf.nodes))
	for i, n := range cf.nodes {
		b := branch{set: n.SelectionSet}
		if !exact {
			b.conditions = cf.groups[i]
		}
		sub = append(sub, b)
	}
	sets, err := col.c.compileBranches(col.doc, sub, named.Name, col.c.addTypename)
	if err != nil {
		return f, err
	}
	f.FieldSets = sets
	return f, nil
}

func typenameField() selection.Field {
	return selection.Field{
		Name: selection.TypenameField,
		Type: schema.NonNullType(schema.NamedType("String")),
	}
}
