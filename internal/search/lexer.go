package search

import (
	apperrors "github.com/seral-labs/harbinger/pkg/errors"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenLParen
	tokenRParen
	tokenAnd
	tokenOr
	tokenNot
	tokenMust
	tokenTerm
)

func (k tokenKind) String() string {
	switch k {
	case tokenEOF:
		return "end of query"
	case tokenLParen:
		return "'('"
	case tokenRParen:
		return "')'"
	case tokenAnd:
		return "AND"
	case tokenOr:
		return "OR"
	case tokenNot:
		return "'-'"
	case tokenMust:
		return "'+'"
	case tokenTerm:
		return "term"
	}
	return "token"
}

type token struct {
	kind      tokenKind
	qualifier string
	value     string
	exact     bool
	pos       int
}

type lexer struct {
	input string
	pos   int
}

func newLexer(input string) *lexer {
	return &lexer{input: input}
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	start := l.pos
	if l.pos >= len(l.input) {
		return token{kind: tokenEOF, pos: start}, nil
	}
	switch l.input[l.pos] {
	case '(':
		l.pos++
		return token{kind: tokenLParen, pos: start}, nil
	case ')':
		l.pos++
		return token{kind: tokenRParen, pos: start}, nil
	case '-':
		l.pos++
		return token{kind: tokenNot, pos: start}, nil
	case '+':
		l.pos++
		return token{kind: tokenMust, pos: start}, nil
	case '"':
		value, err := l.quoted()
		if err != nil {
			return token{}, err
		}
		return token{kind: tokenTerm, value: value, exact: true, pos: start}, nil
	}

	word := l.word(false)
	if word == "" {
		err := apperrors.NewQueryError(apperrors.QuerySyntax,
			"unexpected character %q at offset %d", l.input[l.pos], l.pos)
		return token{}, err
	}
	switch word {
	case "AND":
		return token{kind: tokenAnd, pos: start}, nil
	case "OR":
		return token{kind: tokenOr, pos: start}, nil
	}

	// A trailing colon turns the word into a qualifier; the value may itself
	// contain colons (purls do) or be quoted.
	if l.pos < len(l.input) && l.input[l.pos] == ':' {
		l.pos++
		if l.pos < len(l.input) && l.input[l.pos] == '"' {
			value, err := l.quoted()
			if err != nil {
				return token{}, err
			}
			return token{kind: tokenTerm, qualifier: word, value: value, exact: true, pos: start}, nil
		}
		return token{kind: tokenTerm, qualifier: word, value: l.word(true), pos: start}, nil
	}
	return token{kind: tokenTerm, value: word, pos: start}, nil
}

func (l *lexer) quoted() (string, error) {
	open := l.pos
	l.pos++
	start := l.pos
	for l.pos < len(l.input) {
		if l.input[l.pos] == '"' {
			value := l.input[start:l.pos]
			l.pos++
			return value, nil
		}
		l.pos++
	}
	return "", apperrors.NewQueryError(apperrors.QuerySyntax, "unterminated quote at offset %d", open)
}

// word scans to the next delimiter. Inside a qualifier value, colons are
// part of the word.
func (l *lexer) word(inValue bool) string {
	start := l.pos
	for l.pos < len(l.input) {
		switch c := l.input[l.pos]; {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			return l.input[start:l.pos]
		case c == '(' || c == ')' || c == '"':
			return l.input[start:l.pos]
		case c == ':' && !inValue:
			return l.input[start:l.pos]
		}
		l.pos++
	}
	return l.input[start:l.pos]
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.input) {
		switch l.input[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}
