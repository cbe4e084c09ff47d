// Package search implements the query language shared by all collections:
// free text over a default field scope, field-scoped clauses, named
// predicates, ranges, negation and boolean grouping. Queries are parsed
// into a small term tree and lowered onto bleve query primitives through a
// per-collection schema binding.
package search

// ValueKind describes how a clause operand should be interpreted.
type ValueKind int

const (
	// ValueSimple is a bare token matched through the field's analyzer.
	ValueSimple ValueKind = iota
	// ValueExact is a quoted string matched as a whole.
	ValueExact
	ValueLess
	ValueLessEqual
	ValueGreater
	ValueGreaterEqual
	// ValueRange is a two-sided inclusive range written a..b.
	ValueRange
)

// Value carries a clause operand. Range values use From and To, every other
// kind uses Text.
type Value struct {
	Kind ValueKind
	Text string
	From string
	To   string
}

// Ordered reports whether the value uses comparison semantics.
func (v Value) Ordered() bool {
	switch v.Kind {
	case ValueLess, ValueLessEqual, ValueGreater, ValueGreaterEqual, ValueRange:
		return true
	}
	return false
}

// Term is a node in the parsed query tree.
type Term interface {
	isTerm()
}

// Match is a leaf clause. With a Qualifier it targets that qualifier's
// fields; without one the value searches the default scope.
type Match struct {
	Qualifier string
	Value     Value
}

// Predicate is a named boolean shortcut spelled is:<name>.
type Predicate struct {
	Name string
}

// Not inverts its child clause.
type Not struct {
	Term Term
}

// Must marks its child clause as required.
type Must struct {
	Term Term
}

// And matches documents satisfying every child.
type And struct {
	Terms []Term
}

// Or matches documents satisfying at least one child.
type Or struct {
	Terms []Term
}

func (*Match) isTerm()     {}
func (*Predicate) isTerm() {}
func (*Not) isTerm()       {}
func (*Must) isTerm()      {}
func (*And) isTerm()       {}
func (*Or) isTerm()        {}

// Compact flattens nested conjunctions and disjunctions and collapses
// single-child combinators, so lowering sees the smallest equivalent tree.
func Compact(t Term) Term {
	switch n := t.(type) {
	case *And:
		terms := compactList(n.Terms, func(t Term) ([]Term, bool) {
			inner, ok := t.(*And)
			if !ok {
				return nil, false
			}
			return inner.Terms, true
		})
		if len(terms) == 1 {
			return terms[0]
		}
		return &And{Terms: terms}
	case *Or:
		terms := compactList(n.Terms, func(t Term) ([]Term, bool) {
			inner, ok := t.(*Or)
			if !ok {
				return nil, false
			}
			return inner.Terms, true
		})
		if len(terms) == 1 {
			return terms[0]
		}
		return &Or{Terms: terms}
	case *Not:
		return &Not{Term: Compact(n.Term)}
	case *Must:
		return &Must{Term: Compact(n.Term)}
	default:
		return t
	}
}

func compactList(terms []Term, unwrap func(Term) ([]Term, bool)) []Term {
	out := make([]Term, 0, len(terms))
	for _, t := range terms {
		t = Compact(t)
		if inner, ok := unwrap(t); ok {
			out = append(out, inner...)
			continue
		}
		out = append(out, t)
	}
	return out
}
