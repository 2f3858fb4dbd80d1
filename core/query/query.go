// Package query describes single-field document queries. The engine runs a
// query over the matching index when one exists and falls back to a primary
// key scan filtered with Match.
package query

import (
	"fmt"
	"strings"

	"github.com/sushant-115/gojolite/core/document"
)

// Op is a comparison operator.
type Op int

const (
	OpAll Op = iota
	OpEQ
	OpGT
	OpGTE
	OpLT
	OpLTE
	OpBetween
	OpStartsWith
)

var opNames = [...]string{"all", "=", ">", ">=", "<", "<=", "between", "startsWith"}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Order is the result direction.
type Order int

const (
	Ascending  Order = 1
	Descending Order = -1
)

// Query selects documents by one field.
type Query struct {
	Field string
	Op    Op
	Value document.Value
	// End is the upper bound of OpBetween.
	End   document.Value
	Order Order
}

func value(x any) document.Value {
	v, err := document.ValueOf(x)
	if err != nil {
		// Unsupported values never match anything.
		return document.MaxValue()
	}
	return v
}

// All returns every document in field order. An empty field means _id.
func All(field string) Query {
	if field == "" {
		field = document.IDField
	}
	return Query{Field: field, Op: OpAll, Order: Ascending}
}

func EQ(field string, v any) Query {
	return Query{Field: field, Op: OpEQ, Value: value(v), Order: Ascending}
}

func GT(field string, v any) Query {
	return Query{Field: field, Op: OpGT, Value: value(v), Order: Ascending}
}

func GTE(field string, v any) Query {
	return Query{Field: field, Op: OpGTE, Value: value(v), Order: Ascending}
}

func LT(field string, v any) Query {
	return Query{Field: field, Op: OpLT, Value: value(v), Order: Ascending}
}

func LTE(field string, v any) Query {
	return Query{Field: field, Op: OpLTE, Value: value(v), Order: Ascending}
}

// Between matches start <= field <= end.
func Between(field string, start, end any) Query {
	return Query{Field: field, Op: OpBetween, Value: value(start), End: value(end), Order: Ascending}
}

// StartsWith matches string fields with the given prefix.
func StartsWith(field, prefix string) Query {
	return Query{Field: field, Op: OpStartsWith, Value: document.String(prefix), Order: Ascending}
}

// Desc returns q with descending order.
func (q Query) Desc() Query {
	q.Order = Descending
	return q
}

// Path is the normalized field path, comparable with index expressions.
func (q Query) Path() string { return NormalizePath(q.Field) }

// NormalizePath turns "name", "$.name" and " $.name " into "$.name".
func NormalizePath(path string) string {
	return "$." + strings.Join(document.ParsePath(path), ".")
}

// Comparable reports whether a key of the field can be compared with the
// query value: same type, or both numbers.
func Comparable(a, b document.Value) bool {
	return a.Type() == b.Type() || (a.IsNumber() && b.IsNumber())
}

// MatchKey tests a field value against the query.
func (q Query) MatchKey(key document.Value, c *document.Collation) bool {
	if q.Op == OpAll {
		return true
	}
	if !Comparable(key, q.Value) {
		return false
	}
	cmp := document.Compare(key, q.Value, c)
	switch q.Op {
	case OpEQ:
		return cmp == 0
	case OpGT:
		return cmp > 0
	case OpGTE:
		return cmp >= 0
	case OpLT:
		return cmp < 0
	case OpLTE:
		return cmp <= 0
	case OpBetween:
		return cmp >= 0 && Comparable(key, q.End) && document.Compare(key, q.End, c) <= 0
	case OpStartsWith:
		return strings.HasPrefix(key.AsString(), q.Value.AsString())
	}
	return false
}

// Match tests a document.
func (q Query) Match(doc document.Document, c *document.Collation) bool {
	key, err := doc.Key(q.Field)
	if err != nil {
		return false
	}
	return q.MatchKey(key, c)
}

// Start is where an index walk in q.Order begins, and whether nodes equal
// to it must be skipped. A nil start means from the sentinel.
func (q Query) Start() (start *document.Value, skipEqual bool) {
	asc := q.Order != Descending
	switch q.Op {
	case OpEQ:
		return &q.Value, false
	case OpStartsWith:
		// Every key carrying the prefix sorts at or after it.
		if asc {
			return &q.Value, false
		}
	case OpGT, OpGTE:
		if asc {
			return &q.Value, q.Op == OpGT
		}
	case OpLT, OpLTE:
		if !asc {
			return &q.Value, q.Op == OpLT
		}
	case OpBetween:
		if asc {
			return &q.Value, false
		}
		return &q.End, false
	}
	return nil, false
}

// Done reports whether an index walk in q.Order can stop at key: every
// later key is out of range.
func (q Query) Done(key document.Value, c *document.Collation) bool {
	asc := q.Order != Descending
	cmp := func(v document.Value) int { return document.Compare(key, v, c) }
	switch q.Op {
	case OpEQ:
		return cmp(q.Value) != 0
	case OpStartsWith:
		if !asc {
			return cmp(q.Value) < 0
		}
		if key.Type() != document.TypeString {
			return true
		}
		// Culture collations may interleave other strings between keys
		// sharing the prefix.
		return c.IsBinary() && !strings.HasPrefix(key.AsString(), q.Value.AsString())
	case OpGT, OpGTE:
		if !asc {
			return q.Op == OpGT && cmp(q.Value) <= 0 || cmp(q.Value) < 0
		}
	case OpLT, OpLTE:
		if asc {
			return q.Op == OpLT && cmp(q.Value) >= 0 || cmp(q.Value) > 0
		}
	case OpBetween:
		if asc {
			return cmp(q.End) > 0
		}
		return cmp(q.Value) < 0
	}
	return false
}
