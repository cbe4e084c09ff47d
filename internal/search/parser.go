package search

import (
	"strings"

	apperrors "github.com/seral-labs/harbinger/pkg/errors"
)

type parser struct {
	lex    *lexer
	tok    token
	scopes []string
}

// Parse turns a query string into a compacted term tree plus the in: scope
// names collected across the whole query. A blank query yields a nil tree.
func Parse(input string) (Term, []string, error) {
	p := &parser{lex: newLexer(input)}
	if err := p.advance(); err != nil {
		return nil, nil, err
	}
	if p.tok.kind == tokenEOF {
		return nil, nil, nil
	}
	t, err := p.parseOr()
	if err != nil {
		return nil, nil, err
	}
	if p.tok.kind != tokenEOF {
		return nil, nil, apperrors.NewQueryError(apperrors.QuerySyntax,
			"unexpected %s at offset %d", p.tok.kind, p.tok.pos)
	}
	if t != nil {
		t = Compact(t)
	}
	return t, p.scopes, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) parseOr() (Term, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	if left == nil && p.tok.kind == tokenOr {
		return nil, apperrors.NewQueryError(apperrors.QuerySyntax, "missing operand before OR")
	}
	terms := []Term{}
	if left != nil {
		terms = append(terms, left)
	}
	for p.tok.kind == tokenOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if right == nil {
			return nil, apperrors.NewQueryError(apperrors.QuerySyntax, "missing operand after OR")
		}
		terms = append(terms, right)
	}
	switch len(terms) {
	case 0:
		return nil, nil
	case 1:
		return terms[0], nil
	}
	return &Or{Terms: terms}, nil
}

func (p *parser) parseAnd() (Term, error) {
	var terms []Term
	pendingOp := false
loop:
	for {
		switch p.tok.kind {
		case tokenEOF, tokenRParen, tokenOr:
			break loop
		case tokenAnd:
			pendingOp = true
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		t, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if t != nil {
			terms = append(terms, t)
		}
		pendingOp = false
	}
	if pendingOp {
		return nil, apperrors.NewQueryError(apperrors.QuerySyntax, "missing operand after AND")
	}
	switch len(terms) {
	case 0:
		return nil, nil
	case 1:
		return terms[0], nil
	}
	return &And{Terms: terms}, nil
}

func (p *parser) parseUnary() (Term, error) {
	switch p.tok.kind {
	case tokenNot:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if inner == nil {
			return nil, apperrors.NewQueryError(apperrors.QuerySyntax, "missing term after '-'")
		}
		return &Not{Term: inner}, nil
	case tokenMust:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if inner == nil {
			return nil, apperrors.NewQueryError(apperrors.QuerySyntax, "missing term after '+'")
		}
		return &Must{Term: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Term, error) {
	switch p.tok.kind {
	case tokenLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokenRParen {
			return nil, apperrors.NewQueryError(apperrors.QuerySyntax, "missing closing parenthesis")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil
	case tokenTerm:
		tok := p.tok
		if err := p.advance(); err != nil {
			return nil, err
		}
		return p.termNode(tok)
	}
	return nil, apperrors.NewQueryError(apperrors.QuerySyntax,
		"unexpected %s at offset %d", p.tok.kind, p.tok.pos)
}

// termNode builds a leaf from a lexed term. in: clauses do not appear in the
// tree at all, they restrict the default scope query-wide.
func (p *parser) termNode(tok token) (Term, error) {
	switch tok.qualifier {
	case "":
		return &Match{Value: termValue(tok)}, nil
	case "in":
		if tok.value == "" {
			return nil, apperrors.NewQueryError(apperrors.QuerySyntax, "in: needs a qualifier name")
		}
		p.scopes = append(p.scopes, tok.value)
		return nil, nil
	case "is":
		if tok.value == "" {
			return nil, apperrors.NewQueryError(apperrors.QuerySyntax, "is: needs a predicate name")
		}
		return &Predicate{Name: tok.value}, nil
	default:
		if tok.value == "" {
			return nil, apperrors.NewQueryError(apperrors.QuerySyntax,
				"missing value after %q", tok.qualifier+":")
		}
		return &Match{Qualifier: tok.qualifier, Value: termValue(tok)}, nil
	}
}

// termValue classifies the operand. Comparison and range syntax only applies
// to qualified, unquoted values; anywhere else the characters are literal.
func termValue(tok token) Value {
	if tok.exact {
		return Value{Kind: ValueExact, Text: tok.value}
	}
	raw := tok.value
	if tok.qualifier != "" {
		switch {
		case strings.HasPrefix(raw, ">="):
			return Value{Kind: ValueGreaterEqual, Text: raw[2:]}
		case strings.HasPrefix(raw, ">"):
			return Value{Kind: ValueGreater, Text: raw[1:]}
		case strings.HasPrefix(raw, "<="):
			return Value{Kind: ValueLessEqual, Text: raw[2:]}
		case strings.HasPrefix(raw, "<"):
			return Value{Kind: ValueLess, Text: raw[1:]}
		}
		if from, to, ok := strings.Cut(raw, ".."); ok {
			return Value{Kind: ValueRange, From: from, To: to}
		}
	}
	return Value{Kind: ValueSimple, Text: raw}
}
