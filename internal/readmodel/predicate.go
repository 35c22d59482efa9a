package readmodel

import (
	"encoding/json"
	"reflect"
	"slices"
)

// Predicate selects documents in a collection. Stores may translate known
// predicate types into native queries; Match is the reference semantics.
type Predicate interface {
	Match(id string, doc Document) bool
}

// IDs matches documents by identifier.
type IDs []string

// ByID matches the documents with the given identifiers.
func ByID(ids ...string) IDs {
	return IDs(ids)
}

func (p IDs) Match(id string, _ Document) bool {
	return slices.Contains(p, id)
}

// Equals matches documents whose field at Path equals Value.
type Equals struct {
	Path  string
	Value any
}

// FieldEquals matches documents where the dotted path equals value. The value
// is normalized through JSON so that 1 and 1.0 compare equal.
func FieldEquals(path string, value any) Equals {
	return Equals{Path: path, Value: normalize(value)}
}

func (p Equals) Match(_ string, doc Document) bool {
	got, ok := doc.Lookup(p.Path)
	if !ok {
		return p.Value == nil
	}
	return reflect.DeepEqual(got, p.Value)
}

// Func is an arbitrary predicate. Stores evaluate it in process.
type Func func(id string, doc Document) bool

func (f Func) Match(id string, doc Document) bool {
	return f(id, doc)
}

// All matches documents that satisfy every predicate.
type All []Predicate

// And combines predicates conjunctively.
func And(preds ...Predicate) All {
	return All(preds)
}

func (p All) Match(id string, doc Document) bool {
	for _, pred := range p {
		if !pred.Match(id, doc) {
			return false
		}
	}
	return true
}

func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
