// Package query parses the user-facing query syntax into a clause tree that
// the index adapter turns into engine queries.
//
// Supported forms:
//
//	rust                 bare term, matched against the default fields
//	author:jane          term restricted to one field
//	"exact phrase"       phrase, optionally field:"exact phrase"
//	+must -mustnot       required / excluded clauses
//	a AND b, a OR b      explicit conjunction / disjunction (default is OR)
//	NOT a                exclusion
//	(a OR b) AND c       grouping
package query

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrParse is wrapped by every ParseError.
var ErrParse = errors.New("query parse error")

// ParseError reports malformed query text.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("query parse error at position %d: %s", e.Pos, e.Msg)
}

func (e *ParseError) Unwrap() error {
	return ErrParse
}

type Occur int

const (
	Should Occur = iota
	Must
	MustNot
)

func (o Occur) prefix() string {
	switch o {
	case Must:
		return "+"
	case MustNot:
		return "-"
	default:
		return ""
	}
}

// Node is either a *Term or a *Group.
type Node interface {
	String() string
}

// Term is a single word or phrase. An empty Field means the default fields.
type Term struct {
	Field  string
	Text   string
	Phrase bool
}

func (t *Term) String() string {
	text := t.Text
	if t.Phrase {
		text = `"` + text + `"`
	}
	if t.Field != "" {
		return t.Field + ":" + text
	}
	return text
}

// Clause pairs a node with its occurrence requirement.
type Clause struct {
	Occur Occur
	Node  Node
}

// Group is a parenthesized (or top-level) list of clauses.
type Group struct {
	Clauses []Clause
}

func (g *Group) String() string {
	parts := make([]string, 0, len(g.Clauses))
	for _, c := range g.Clauses {
		s := c.Node.String()
		if _, ok := c.Node.(*Group); ok {
			s = "(" + s + ")"
		}
		parts = append(parts, c.Occur.prefix()+s)
	}
	return strings.Join(parts, " ")
}

// Query is the parsed form of raw query text.
type Query struct {
	Raw  string
	Root *Group
}

// Empty reports whether the query has no clauses and therefore matches
// nothing.
func (q *Query) Empty() bool {
	return q.Root == nil || len(q.Root.Clauses) == 0
}

// String renders a canonical form, stable across whitespace differences.
func (q *Query) String() string {
	if q.Empty() {
		return ""
	}
	return q.Root.String()
}

// Parse turns text into a Query. Blank text yields an empty query, not an
// error.
func Parse(text string) (*Query, error) {
	p := &parser{src: []rune(text)}
	root, err := p.parseGroup(0)
	if err != nil {
		return nil, err
	}
	return &Query{Raw: text, Root: root}, nil
}

type parser struct {
	src []rune
	pos int
}

func (p *parser) errorf(format string, args ...any) error {
	return &ParseError{Pos: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) peek() rune { return p.src[p.pos] }

func (p *parser) skipSpace() {
	for !p.eof() && unicode.IsSpace(p.peek()) {
		p.pos++
	}
}

func (p *parser) parseGroup(depth int) (*Group, error) {
	g := &Group{}
	pendingAnd := false
	pendingOp := ""
	nextOccur := Should

	for {
		p.skipSpace()
		if p.eof() {
			if depth > 0 {
				return nil, p.errorf("missing closing parenthesis")
			}
			break
		}
		if p.peek() == ')' {
			if depth == 0 {
				return nil, p.errorf("unexpected closing parenthesis")
			}
			break
		}

		switch word := p.peekWord(); word {
		case "AND", "OR":
			if len(g.Clauses) == 0 || pendingOp != "" || nextOccur != Should {
				return nil, p.errorf("operator %s needs a left operand", word)
			}
			p.pos += len(word)
			pendingOp = word
			pendingAnd = word == "AND"
			continue
		case "NOT":
			if nextOccur != Should {
				return nil, p.errorf("repeated NOT")
			}
			p.pos += len(word)
			nextOccur = MustNot
			continue
		}

		clause, err := p.parseClause(depth)
		if err != nil {
			return nil, err
		}
		if nextOccur == MustNot {
			clause.Occur = MustNot
		}
		if pendingAnd {
			last := &g.Clauses[len(g.Clauses)-1]
			if last.Occur == Should {
				last.Occur = Must
			}
			if clause.Occur == Should {
				clause.Occur = Must
			}
		}
		g.Clauses = append(g.Clauses, clause)
		pendingAnd = false
		pendingOp = ""
		nextOccur = Should
	}

	if pendingOp != "" {
		return nil, p.errorf("operator %s needs a right operand", pendingOp)
	}
	if nextOccur == MustNot {
		return nil, p.errorf("NOT needs an operand")
	}
	return g, nil
}

func (p *parser) parseClause(depth int) (Clause, error) {
	occur := Should
	switch p.peek() {
	case '+':
		occur = Must
		p.pos++
	case '-':
		occur = MustNot
		p.pos++
	}
	if occur != Should && (p.eof() || unicode.IsSpace(p.peek())) {
		return Clause{}, p.errorf("dangling %s", occur.prefix())
	}

	node, err := p.parsePrimary(depth)
	if err != nil {
		return Clause{}, err
	}
	return Clause{Occur: occur, Node: node}, nil
}

func (p *parser) parsePrimary(depth int) (Node, error) {
	switch p.peek() {
	case '(':
		start := p.pos
		p.pos++
		g, err := p.parseGroup(depth + 1)
		if err != nil {
			return nil, err
		}
		p.pos++ // closing paren, guaranteed by parseGroup
		if len(g.Clauses) == 0 {
			return nil, &ParseError{Pos: start, Msg: "empty group"}
		}
		return g, nil
	case '"':
		text, err := p.parsePhrase()
		if err != nil {
			return nil, err
		}
		return &Term{Text: text, Phrase: true}, nil
	case ')':
		return nil, p.errorf("unexpected closing parenthesis")
	}

	start := p.pos
	word := p.readWord()
	field, value, hasField := strings.Cut(word, ":")
	if !hasField {
		return &Term{Text: word}, nil
	}
	if field == "" {
		return nil, &ParseError{Pos: start, Msg: "missing field name before ':'"}
	}
	if value != "" {
		return &Term{Field: field, Text: value}, nil
	}
	if !p.eof() && p.peek() == '"' {
		text, err := p.parsePhrase()
		if err != nil {
			return nil, err
		}
		return &Term{Field: field, Text: text, Phrase: true}, nil
	}
	return nil, p.errorf("missing value for field %q", field)
}

func (p *parser) parsePhrase() (string, error) {
	start := p.pos
	p.pos++ // opening quote
	var b strings.Builder
	for !p.eof() && p.peek() != '"' {
		b.WriteRune(p.peek())
		p.pos++
	}
	if p.eof() {
		return "", &ParseError{Pos: start, Msg: "unterminated phrase"}
	}
	p.pos++ // closing quote
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", &ParseError{Pos: start, Msg: "empty phrase"}
	}
	return text, nil
}

func isWordBoundary(r rune) bool {
	return unicode.IsSpace(r) || r == '(' || r == ')' || r == '"'
}

func (p *parser) readWord() string {
	start := p.pos
	for !p.eof() && !isWordBoundary(p.peek()) {
		p.pos++
	}
	return string(p.src[start:p.pos])
}

// peekWord returns the next word without consuming it. Only a full word
// counts, so "ANDROID" is a term rather than an operator.
func (p *parser) peekWord() string {
	end := p.pos
	for end < len(p.src) && !isWordBoundary(p.src[end]) {
		end++
	}
	return string(p.src[p.pos:end])
}
