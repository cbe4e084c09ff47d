package search

import (
	"strconv"
	"time"

	"github.com/blevesearch/bleve/v2/search/query"

	apperrors "github.com/seral-labs/harbinger/pkg/errors"
)

// Compile parses a query string and lowers it onto the schema's physical
// fields. An empty query compiles to match-all so callers can browse the
// whole collection.
func Compile(schema *Schema, input string) (query.Query, error) {
	term, scopes, err := Parse(input)
	if err != nil {
		return nil, err
	}
	scope, err := resolveScope(schema, scopes)
	if err != nil {
		return nil, err
	}
	if term == nil {
		return query.NewMatchAllQuery(), nil
	}
	c := &compiler{schema: schema, scope: scope}
	return c.lower(term)
}

// resolveScope checks in: restrictions against the schema and falls back to
// the default scope when none were given.
func resolveScope(schema *Schema, names []string) ([]string, error) {
	if len(names) == 0 {
		return schema.DefaultScope, nil
	}
	seen := make(map[string]bool, len(names))
	scope := make([]string, 0, len(names))
	for _, name := range names {
		fields, ok := schema.Qualifiers[name]
		if !ok {
			return nil, apperrors.NewQueryError(apperrors.UnknownScopeQualifier,
				"unknown scope qualifier %q", name)
		}
		for _, f := range fields {
			if f.Kind == KindNumber || f.Kind == KindDate {
				return nil, apperrors.NewQueryError(apperrors.UnknownScopeQualifier,
					"qualifier %q cannot scope free text", name)
			}
		}
		if !seen[name] {
			seen[name] = true
			scope = append(scope, name)
		}
	}
	return scope, nil
}

type compiler struct {
	schema *Schema
	scope  []string
}

func (c *compiler) lower(t Term) (query.Query, error) {
	switch n := t.(type) {
	case *And:
		return c.lowerAnd(n)
	case *Or:
		return c.lowerOr(n)
	case *Not:
		inner, err := c.lower(n.Term)
		if err != nil {
			return nil, err
		}
		return negate([]query.Query{inner}, nil), nil
	case *Must:
		inner, err := c.lower(n.Term)
		if err != nil {
			return nil, err
		}
		return query.NewBooleanQuery([]query.Query{inner}, nil, nil), nil
	case *Predicate:
		return c.lowerPredicate(n)
	case *Match:
		return c.lowerMatch(n)
	}
	return nil, apperrors.NewQueryError(apperrors.QuerySyntax, "unsupported term %T", t)
}

// lowerAnd partitions negated children into the must-not list of a single
// boolean query; everything else is a required conjunct.
func (c *compiler) lowerAnd(n *And) (query.Query, error) {
	var musts, mustNots []query.Query
	for _, child := range n.Terms {
		if not, ok := child.(*Not); ok {
			inner, err := c.lower(not.Term)
			if err != nil {
				return nil, err
			}
			mustNots = append(mustNots, inner)
			continue
		}
		q, err := c.lower(child)
		if err != nil {
			return nil, err
		}
		musts = append(musts, q)
	}
	if len(mustNots) == 0 {
		return query.NewConjunctionQuery(musts), nil
	}
	return negate(mustNots, musts), nil
}

// negate builds the boolean for must-not clauses. A negation with no other
// required clause needs an explicit match-all must or the engine returns
// nothing.
func negate(excluded, musts []query.Query) query.Query {
	if len(musts) == 0 {
		musts = []query.Query{query.NewMatchAllQuery()}
	}
	return query.NewBooleanQuery(musts, nil, excluded)
}

func (c *compiler) lowerOr(n *Or) (query.Query, error) {
	disjuncts := make([]query.Query, 0, len(n.Terms))
	for _, child := range n.Terms {
		q, err := c.lower(child)
		if err != nil {
			return nil, err
		}
		disjuncts = append(disjuncts, q)
	}
	return query.NewDisjunctionQuery(disjuncts), nil
}

func (c *compiler) lowerPredicate(n *Predicate) (query.Query, error) {
	fv, ok := c.schema.Predicates[n.Name]
	if !ok {
		return nil, apperrors.NewQueryError(apperrors.UnknownPredicate,
			"unknown predicate %q", n.Name)
	}
	q := query.NewTermQuery(fv.Value)
	q.SetField(fv.Field)
	return q, nil
}

func (c *compiler) lowerMatch(n *Match) (query.Query, error) {
	if n.Qualifier != "" {
		fields, ok := c.schema.Qualifiers[n.Qualifier]
		if !ok {
			return nil, apperrors.NewQueryError(apperrors.UnknownQualifier,
				"unknown qualifier %q", n.Qualifier)
		}
		return c.lowerFields(n.Qualifier, fields, n.Value)
	}

	// Bare term: fan out across the scope qualifiers as a disjunction.
	disjuncts := make([]query.Query, 0, len(c.scope))
	for _, name := range c.scope {
		q, err := c.lowerFields(name, c.schema.Qualifiers[name], n.Value)
		if err != nil {
			return nil, err
		}
		disjuncts = append(disjuncts, q)
	}
	if len(disjuncts) == 1 {
		return disjuncts[0], nil
	}
	return query.NewDisjunctionQuery(disjuncts), nil
}

func (c *compiler) lowerFields(qualifier string, fields []Field, v Value) (query.Query, error) {
	queries := make([]query.Query, 0, len(fields))
	for _, f := range fields {
		q, err := lowerField(qualifier, f, v)
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	if len(queries) == 1 {
		return queries[0], nil
	}
	return query.NewDisjunctionQuery(queries), nil
}

func lowerField(qualifier string, f Field, v Value) (query.Query, error) {
	switch f.Kind {
	case KindExact:
		if v.Ordered() {
			return nil, orderedErr(qualifier)
		}
		q := query.NewTermQuery(v.Text)
		q.SetField(f.Name)
		return q, nil
	case KindText:
		if v.Ordered() {
			return nil, orderedErr(qualifier)
		}
		if v.Kind == ValueExact {
			q := query.NewMatchPhraseQuery(v.Text)
			q.SetField(f.Name)
			return q, nil
		}
		// All tokens must match, so a multi-token value like a hyphenated
		// identifier never matches a document sharing just one token.
		q := query.NewMatchQuery(v.Text)
		q.SetField(f.Name)
		q.SetOperator(query.MatchQueryOperatorAnd)
		return q, nil
	case KindNumber:
		return lowerNumber(qualifier, f.Name, v)
	case KindDate:
		return lowerDate(qualifier, f.Name, v)
	}
	return nil, apperrors.NewQueryError(apperrors.QuerySyntax,
		"qualifier %q has no searchable field", qualifier)
}

func orderedErr(qualifier string) error {
	return apperrors.NewQueryError(apperrors.QuerySyntax,
		"qualifier %q does not support comparisons", qualifier)
}

func lowerNumber(qualifier, field string, v Value) (query.Query, error) {
	switch v.Kind {
	case ValueSimple, ValueExact:
		n, err := parseNumber(qualifier, v.Text)
		if err != nil {
			return nil, err
		}
		return numericRange(field, &n, &n, true, true), nil
	case ValueGreater:
		n, err := parseNumber(qualifier, v.Text)
		if err != nil {
			return nil, err
		}
		return numericRange(field, &n, nil, false, false), nil
	case ValueGreaterEqual:
		n, err := parseNumber(qualifier, v.Text)
		if err != nil {
			return nil, err
		}
		return numericRange(field, &n, nil, true, false), nil
	case ValueLess:
		n, err := parseNumber(qualifier, v.Text)
		if err != nil {
			return nil, err
		}
		return numericRange(field, nil, &n, false, false), nil
	case ValueLessEqual:
		n, err := parseNumber(qualifier, v.Text)
		if err != nil {
			return nil, err
		}
		return numericRange(field, nil, &n, false, true), nil
	}
	from, err := parseNumber(qualifier, v.From)
	if err != nil {
		return nil, err
	}
	to, err := parseNumber(qualifier, v.To)
	if err != nil {
		return nil, err
	}
	return numericRange(field, &from, &to, true, true), nil
}

func numericRange(field string, min, max *float64, minInc, maxInc bool) query.Query {
	q := query.NewNumericRangeInclusiveQuery(min, max, &minInc, &maxInc)
	q.SetField(field)
	return q
}

// lowerDate treats a plain day operand as that day's 24h UTC window for
// equality, and as the day's first instant for comparison bounds.
func lowerDate(qualifier, field string, v Value) (query.Query, error) {
	switch v.Kind {
	case ValueSimple, ValueExact:
		t, dayOnly, err := parseDate(qualifier, v.Text)
		if err != nil {
			return nil, err
		}
		if dayOnly {
			return dateRange(field, t, t.Add(24*time.Hour), true, false), nil
		}
		return dateRange(field, t, t, true, true), nil
	case ValueGreater:
		t, _, err := parseDate(qualifier, v.Text)
		if err != nil {
			return nil, err
		}
		return dateRange(field, t, time.Time{}, false, false), nil
	case ValueGreaterEqual:
		t, _, err := parseDate(qualifier, v.Text)
		if err != nil {
			return nil, err
		}
		return dateRange(field, t, time.Time{}, true, false), nil
	case ValueLess:
		t, _, err := parseDate(qualifier, v.Text)
		if err != nil {
			return nil, err
		}
		return dateRange(field, time.Time{}, t, false, false), nil
	case ValueLessEqual:
		t, _, err := parseDate(qualifier, v.Text)
		if err != nil {
			return nil, err
		}
		return dateRange(field, time.Time{}, t, false, true), nil
	}
	from, _, err := parseDate(qualifier, v.From)
	if err != nil {
		return nil, err
	}
	to, _, err := parseDate(qualifier, v.To)
	if err != nil {
		return nil, err
	}
	return dateRange(field, from, to, true, true), nil
}

func dateRange(field string, start, end time.Time, startInc, endInc bool) query.Query {
	q := query.NewDateRangeInclusiveQuery(start, end, &startInc, &endInc)
	q.SetField(field)
	return q
}

func parseNumber(qualifier, text string) (float64, error) {
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, apperrors.NewQueryError(apperrors.QuerySyntax,
			"invalid number %q for qualifier %q", text, qualifier)
	}
	return n, nil
}

func parseDate(qualifier, text string) (time.Time, bool, error) {
	if t, err := time.Parse("2006-01-02", text); err == nil {
		return t, true, nil
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, false, nil
	}
	return time.Time{}, false, apperrors.NewQueryError(apperrors.QuerySyntax,
		"invalid date %q for qualifier %q", text, qualifier)
}
