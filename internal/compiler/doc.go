// Package compiler turns GraphQL executable documents into the selection
// metadata consumed by the normalizer and the cache readers.
//
// For every selection set the compiler produces one untyped FieldSet holding
// the fields that apply to any runtime type, plus one FieldSet per concrete
// possible type whenever inline fragments or fragment spreads narrow the
// selection to a subset of those types. Fields sharing a response name are
// merged and their sub-selections combined. @skip and @include on fields and
// fragments become Conditions on the affected fields, and a field selected by
// several nodes under different conditions is included when any of them is.
// Arguments keep their variable references so field keys can be computed
// per call.
//
// Composite selections get a __typename field added so that records carry
// the type needed to pick a FieldSet variant when reading back.
package compiler
