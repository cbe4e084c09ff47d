package search

import (
	"errors"
	"testing"
	"time"

	"github.com/blevesearch/bleve/v2/search/query"

	apperrors "github.com/seral-labs/harbinger/pkg/errors"
)

func testSchema() *Schema {
	return &Schema{
		Qualifiers: map[string][]Field{
			"id":       {{Name: "id", Kind: KindExact}},
			"title":    {{Name: "title", Kind: KindText}},
			"severity": {{Name: "severity", Kind: KindExact}},
			"cvss":     {{Name: "cvss", Kind: KindNumber}},
			"created":  {{Name: "created", Kind: KindDate}},
			"release":  {{Name: "advisory_current_date", Kind: KindDate}, {Name: "cve_release_date", Kind: KindDate}},
		},
		Predicates: map[string]FieldValue{
			"final":    {Field: "status", Value: "final"},
			"critical": {Field: "severity", Value: "critical"},
		},
		DefaultScope: []string{"id", "title"},
	}
}

func mustCompile(t *testing.T, input string) query.Query {
	t.Helper()
	q, err := Compile(testSchema(), input)
	if err != nil {
		t.Fatalf("Compile(%q): %v", input, err)
	}
	return q
}

func queryErrorKind(t *testing.T, input string, want apperrors.QueryErrorKind) {
	t.Helper()
	_, err := Compile(testSchema(), input)
	if err == nil {
		t.Fatalf("Compile(%q) succeeded, want %s", input, want)
	}
	var qe *apperrors.QueryError
	if !errors.As(err, &qe) || qe.Kind != want {
		t.Fatalf("Compile(%q) = %v, want %s", input, err, want)
	}
}

func TestCompileEmptyMatchesAll(t *testing.T) {
	if _, ok := mustCompile(t, "").(*query.MatchAllQuery); !ok {
		t.Fatal("empty query did not compile to match-all")
	}
	if _, ok := mustCompile(t, "   ").(*query.MatchAllQuery); !ok {
		t.Fatal("blank query did not compile to match-all")
	}
}

func TestCompileKeywordEquality(t *testing.T) {
	tq, ok := mustCompile(t, "severity:high").(*query.TermQuery)
	if !ok {
		t.Fatal("severity:high did not compile to a term query")
	}
	if tq.Term != "high" || tq.Field() != "severity" {
		t.Fatalf("term = %q field = %q", tq.Term, tq.Field())
	}
}

func TestCompileTextField(t *testing.T) {
	mq, ok := mustCompile(t, "title:overflow").(*query.MatchQuery)
	if !ok {
		t.Fatal("title:overflow did not compile to a match query")
	}
	if mq.Match != "overflow" || mq.Field() != "title" {
		t.Fatalf("match = %q field = %q", mq.Match, mq.Field())
	}
	if mq.Operator != query.MatchQueryOperatorAnd {
		t.Fatal("text matches must require every token")
	}

	pq, ok := mustCompile(t, `title:"buffer overflow"`).(*query.MatchPhraseQuery)
	if !ok {
		t.Fatal("quoted title did not compile to a phrase query")
	}
	if pq.MatchPhrase != "buffer overflow" || pq.Field() != "title" {
		t.Fatalf("phrase = %q field = %q", pq.MatchPhrase, pq.Field())
	}
}

func TestCompileDefaultScopeFanOut(t *testing.T) {
	dq, ok := mustCompile(t, "log4j").(*query.DisjunctionQuery)
	if !ok {
		t.Fatal("bare term did not compile to a disjunction")
	}
	if len(dq.Disjuncts) != 2 {
		t.Fatalf("disjuncts = %d, want one per default scope entry", len(dq.Disjuncts))
	}
	if tq, ok := dq.Disjuncts[0].(*query.TermQuery); !ok || tq.Field() != "id" {
		t.Fatalf("first disjunct = %#v, want id term query", dq.Disjuncts[0])
	}
	if mq, ok := dq.Disjuncts[1].(*query.MatchQuery); !ok || mq.Field() != "title" {
		t.Fatalf("second disjunct = %#v, want title match query", dq.Disjuncts[1])
	}
}

func TestCompileScopeRestriction(t *testing.T) {
	tq, ok := mustCompile(t, "in:id log4j").(*query.TermQuery)
	if !ok {
		t.Fatal("in:id log4j did not collapse to a single term query")
	}
	if tq.Field() != "id" {
		t.Fatalf("field = %q, want id", tq.Field())
	}
}

func TestCompilePredicates(t *testing.T) {
	tq, ok := mustCompile(t, "is:final").(*query.TermQuery)
	if !ok || tq.Term != "final" || tq.Field() != "status" {
		t.Fatalf("is:final = %#v", tq)
	}
	tq, ok = mustCompile(t, "is:critical").(*query.TermQuery)
	if !ok || tq.Term != "critical" || tq.Field() != "severity" {
		t.Fatalf("is:critical = %#v", tq)
	}
}

func TestCompileUnknownNamesError(t *testing.T) {
	queryErrorKind(t, "nope:x", apperrors.UnknownQualifier)
	queryErrorKind(t, "is:nope", apperrors.UnknownPredicate)
	queryErrorKind(t, "in:nope x", apperrors.UnknownScopeQualifier)
	// ordered qualifiers cannot host free text
	queryErrorKind(t, "in:cvss 7", apperrors.UnknownScopeQualifier)
}

func TestCompileNumericRanges(t *testing.T) {
	tests := []struct {
		input    string
		min, max float64
		hasMin   bool
		hasMax   bool
		minInc   bool
		maxInc   bool
	}{
		{"cvss:>7", 7, 0, true, false, false, false},
		{"cvss:>=7", 7, 0, true, false, true, false},
		{"cvss:<3", 0, 3, false, true, false, false},
		{"cvss:<=3", 0, 3, false, true, false, true},
		{"cvss:2..5", 2, 5, true, true, true, true},
		{"cvss:7.5", 7.5, 7.5, true, true, true, true},
	}
	for _, tc := range tests {
		nq, ok := mustCompile(t, tc.input).(*query.NumericRangeQuery)
		if !ok {
			t.Errorf("Compile(%q) is not a numeric range", tc.input)
			continue
		}
		if nq.Field() != "cvss" {
			t.Errorf("Compile(%q) field = %q", tc.input, nq.Field())
		}
		if tc.hasMin != (nq.Min != nil) || (tc.hasMin && *nq.Min != tc.min) {
			t.Errorf("Compile(%q) min = %v, want %v/%v", tc.input, nq.Min, tc.hasMin, tc.min)
		}
		if tc.hasMax != (nq.Max != nil) || (tc.hasMax && *nq.Max != tc.max) {
			t.Errorf("Compile(%q) max = %v, want %v/%v", tc.input, nq.Max, tc.hasMax, tc.max)
		}
		if tc.hasMin && *nq.InclusiveMin != tc.minInc {
			t.Errorf("Compile(%q) inclusiveMin = %v, want %v", tc.input, *nq.InclusiveMin, tc.minInc)
		}
		if tc.hasMax && *nq.InclusiveMax != tc.maxInc {
			t.Errorf("Compile(%q) inclusiveMax = %v, want %v", tc.input, *nq.InclusiveMax, tc.maxInc)
		}
	}
}

func TestCompileDateDayWindow(t *testing.T) {
	dq, ok := mustCompile(t, "created:2020-06-01").(*query.DateRangeQuery)
	if !ok {
		t.Fatal("bare day did not compile to a date range")
	}
	day := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)
	if !dq.Start.Time.Equal(day) || !dq.End.Time.Equal(day.Add(24*time.Hour)) {
		t.Fatalf("window = [%v, %v]", dq.Start.Time, dq.End.Time)
	}
	if !*dq.InclusiveStart || *dq.InclusiveEnd {
		t.Fatalf("inclusivity = [%v, %v], want [true, false]", *dq.InclusiveStart, *dq.InclusiveEnd)
	}
}

func TestCompileDateInstantAndBounds(t *testing.T) {
	instant := time.Date(2021, 3, 4, 10, 30, 0, 0, time.UTC)
	dq, ok := mustCompile(t, "created:2021-03-04T10:30:00Z").(*query.DateRangeQuery)
	if !ok {
		t.Fatal("timestamp did not compile to a date range")
	}
	if !dq.Start.Time.Equal(instant) || !dq.End.Time.Equal(instant) {
		t.Fatalf("instant range = [%v, %v]", dq.Start.Time, dq.End.Time)
	}
	if !*dq.InclusiveStart || !*dq.InclusiveEnd {
		t.Fatal("instant equality must be inclusive on both sides")
	}

	dq, ok = mustCompile(t, "created:>2020-06-01").(*query.DateRangeQuery)
	if !ok {
		t.Fatal("created:> did not compile to a date range")
	}
	if !dq.Start.Time.Equal(time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("start = %v", dq.Start.Time)
	}
	if !dq.End.Time.IsZero() {
		t.Fatalf("end = %v, want unbounded", dq.End.Time)
	}
	if *dq.InclusiveStart {
		t.Fatal("created:> must exclude the bound")
	}
}

func TestCompileUnionQualifier(t *testing.T) {
	dq, ok := mustCompile(t, "release:>2020-01-01").(*query.DisjunctionQuery)
	if !ok {
		t.Fatal("release did not fan out to a disjunction")
	}
	if len(dq.Disjuncts) != 2 {
		t.Fatalf("disjuncts = %d, want 2", len(dq.Disjuncts))
	}
	fields := map[string]bool{}
	for _, d := range dq.Disjuncts {
		rq, ok := d.(*query.DateRangeQuery)
		if !ok {
			t.Fatalf("disjunct = %#v, want date range", d)
		}
		fields[rq.Field()] = true
	}
	if !fields["advisory_current_date"] || !fields["cve_release_date"] {
		t.Fatalf("fields = %v", fields)
	}
}

func TestCompileNegation(t *testing.T) {
	bq, ok := mustCompile(t, "-severity:low").(*query.BooleanQuery)
	if !ok {
		t.Fatal("negation did not compile to a boolean query")
	}
	musts := bq.Must.(*query.ConjunctionQuery).Conjuncts
	if len(musts) != 1 {
		t.Fatalf("musts = %d, want the explicit match-all", len(musts))
	}
	if _, ok := musts[0].(*query.MatchAllQuery); !ok {
		t.Fatalf("must = %#v, want match-all", musts[0])
	}
	nots := bq.MustNot.(*query.DisjunctionQuery).Disjuncts
	if len(nots) != 1 {
		t.Fatalf("mustNots = %d", len(nots))
	}
}

func TestCompileMixedOccurs(t *testing.T) {
	bq, ok := mustCompile(t, "severity:high -title:windows").(*query.BooleanQuery)
	if !ok {
		t.Fatal("mixed clause did not compile to a boolean query")
	}
	musts := bq.Must.(*query.ConjunctionQuery).Conjuncts
	if len(musts) != 1 {
		t.Fatalf("musts = %d, want 1", len(musts))
	}
	if tq, ok := musts[0].(*query.TermQuery); !ok || tq.Field() != "severity" {
		t.Fatalf("must = %#v, want severity term", musts[0])
	}
	nots := bq.MustNot.(*query.DisjunctionQuery).Disjuncts
	if len(nots) != 1 {
		t.Fatalf("mustNots = %d, want 1", len(nots))
	}
}

func TestCompileConjunctionAndDisjunction(t *testing.T) {
	cq, ok := mustCompile(t, "severity:high title:overflow").(*query.ConjunctionQuery)
	if !ok || len(cq.Conjuncts) != 2 {
		t.Fatalf("implicit and = %#v", cq)
	}
	dq, ok := mustCompile(t, "severity:high OR severity:low").(*query.DisjunctionQuery)
	if !ok || len(dq.Disjuncts) != 2 {
		t.Fatalf("or = %#v", dq)
	}
}

func TestCompileMustClause(t *testing.T) {
	bq, ok := mustCompile(t, "+severity:high").(*query.BooleanQuery)
	if !ok {
		t.Fatal("+clause did not compile to a boolean query")
	}
	musts := bq.Must.(*query.ConjunctionQuery).Conjuncts
	if len(musts) != 1 {
		t.Fatalf("musts = %d", len(musts))
	}
	if bq.MustNot != nil {
		t.Fatalf("mustNot = %#v, want none", bq.MustNot)
	}
}

func TestCompileOperandErrors(t *testing.T) {
	queryErrorKind(t, "cvss:>abc", apperrors.QuerySyntax)
	queryErrorKind(t, "created:>notadate", apperrors.QuerySyntax)
	queryErrorKind(t, "severity:>high", apperrors.QuerySyntax)
	queryErrorKind(t, "cvss:>", apperrors.QuerySyntax)
}
