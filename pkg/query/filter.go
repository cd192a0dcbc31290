// Package query implements the filter/sort/pagination engine that turns a
// JMAP/IMAP-style query into a concrete set of document ids: filter
// leaves resolve to Bitmaps or Indexes lookups, logical nodes fold the
// resulting bitmaps, the survivors are sorted against one or more
// comparators, and the final ordered list is sliced per an anchor or
// absolute position and an optional limit.
package query

import (
	"github.com/shardpost/mailcore/pkg/ids"
)

// Op names one leaf comparison a Filter condition evaluates.
type Op uint8

const (
	OpEq Op = iota
	OpLt
	OpLe
	OpGt
	OpGe
	OpTextContains
	OpTagPresent
	OpInSet
)

// Condition is one leaf of a Filter: compare Field against Value (a
// sort-comparable byte encoding, see orm.Property's store/sort
// conventions) or, for OpTextContains, tokenize Text the same way
// pkg/orm indexes it; OpInSet matches against an explicit document set
// (a JMAP SequenceSet already resolved to document ids).
type Condition struct {
	Field ids.FieldId
	Op    Op
	Value []byte
	Text  string
	Set   []ids.DocumentId
}

// LogicalOp names how a Filter's Children combine.
type LogicalOp uint8

const (
	LogicalAnd LogicalOp = iota
	LogicalOr
	LogicalNot
)

// Filter is either a leaf Condition or a logical node over child Filters,
// generalizing the original's recursive JMAPFilter::Operator/Condition/
// None shape (components/jmap/src/query.rs::build_query) into a single
// tagged type idiomatic to Go.
type Filter struct {
	leaf      bool
	condition Condition
	op        LogicalOp
	children  []Filter
}

func Leaf(c Condition) Filter { return Filter{leaf: true, condition: c} }

func Eq(field ids.FieldId, value []byte) Filter {
	return Leaf(Condition{Field: field, Op: OpEq, Value: value})
}

func Lt(field ids.FieldId, value []byte) Filter {
	return Leaf(Condition{Field: field, Op: OpLt, Value: value})
}

func Le(field ids.FieldId, value []byte) Filter {
	return Leaf(Condition{Field: field, Op: OpLe, Value: value})
}

func Gt(field ids.FieldId, value []byte) Filter {
	return Leaf(Condition{Field: field, Op: OpGt, Value: value})
}

func Ge(field ids.FieldId, value []byte) Filter {
	return Leaf(Condition{Field: field, Op: OpGe, Value: value})
}

func TextContains(field ids.FieldId, text string) Filter {
	return Leaf(Condition{Field: field, Op: OpTextContains, Text: text})
}

func TagPresent(field ids.FieldId, value []byte) Filter {
	return Leaf(Condition{Field: field, Op: OpTagPresent, Value: value})
}

func InSet(docs []ids.DocumentId) Filter {
	return Leaf(Condition{Op: OpInSet, Set: docs})
}

func And(children ...Filter) Filter { return Filter{op: LogicalAnd, children: children} }
func Or(children ...Filter) Filter  { return Filter{op: LogicalOr, children: children} }
func Not(child Filter) Filter       { return Filter{op: LogicalNot, children: []Filter{child}} }

// None is the empty filter: every live document matches.
func None() Filter { return Filter{op: LogicalAnd} }
