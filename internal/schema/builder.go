package schema

import (
	"sort"

	"github.com/hanpama/graphcache/internal/language"
)

// BuildFromAST converts a validated gqlparser schema into a Schema.
func BuildFromAST(src *language.Schema) *Schema {
	s := &Schema{Types: make(map[string]*Type, len(src.Types))}
	if src.Query != nil {
		s.QueryType = src.Query.Name
	}
	if src.Mutation != nil {
		s.MutationType = src.Mutation.Name
	}
	if src.Subscription != nil {
		s.SubscriptionType = src.Subscription.Name
	}
	for name, def := range src.Types {
		s.Types[name] = buildType(src, def)
	}
	return s
}

func buildType(src *language.Schema, def *language.Definition) *Type {
	t := &Type{Name: def.Name}
	switch def.Kind {
	case language.Object:
		t.Kind = TypeKindObject
	case language.Interface:
		t.Kind = TypeKindInterface
	case language.Union:
		t.Kind = TypeKindUnion
	case language.Enum:
		t.Kind = TypeKindEnum
	case language.InputObject:
		t.Kind = TypeKindInputObject
	default:
		t.Kind = TypeKindScalar
	}

	t.Interfaces = append(t.Interfaces, def.Interfaces...)
	sort.Strings(t.Interfaces)

	if t.Kind == TypeKindInterface || t.Kind == TypeKindUnion {
		for _, p := range src.PossibleTypes[def.Name] {
			t.PossibleTypes = append(t.PossibleTypes, p.Name)
		}
		sort.Strings(t.PossibleTypes)
	}

	for _, fd := range def.Fields {
		f := &Field{Name: fd.Name, Type: TypeRefFromAST(fd.Type)}
		for _, arg := range fd.Arguments {
			f.Arguments = append(f.Arguments, &Field{Name: arg.Name, Type: TypeRefFromAST(arg.Type)})
		}
		if t.Kind == TypeKindInputObject {
			t.InputFields = append(t.InputFields, f)
		} else {
			t.Fields = append(t.Fields, f)
		}
	}
	return t
}

// TypeRefFromAST converts a gqlparser type expression.
func TypeRefFromAST(t *language.Type) *TypeRef {
	if t == nil {
		return nil
	}
	if t.NonNull {
		return NonNullType(TypeRefFromAST(&language.Type{NamedType: t.NamedType, Elem: t.Elem}))
	}
	if t.NamedType != "" {
		return NamedType(t.NamedType)
	}
	if t.Elem != nil {
		return ListType(TypeRefFromAST(t.Elem))
	}
	return nil
}

// BuildFromSDL parses and validates SDL and returns the corresponding Schema.
func BuildFromSDL(sdl string) (*Schema, error) {
	src, err := language.LoadSchema("schema.graphql", sdl)
	if err != nil {
		return nil, err
	}
	return BuildFromAST(src), nil
}
