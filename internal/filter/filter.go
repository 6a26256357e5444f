// Package filter evaluates the tiny boolean expression language stored in
// a LiveStatement.Filter. The real query-language parser is out of scope
// for this specification (§1); this package only needs enough to let the
// fanout component decide "does this row match this live query", so it
// supports exactly what the test scenarios in SPEC_FULL.md §8 exercise:
// field equality, conjunction, and the literals true/false.
package filter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Expr is a compiled filter, ready to evaluate against a decoded row.
type Expr interface {
	Match(row map[string]interface{}) bool
	String() string
}

type literal struct{ value bool }

func (l literal) Match(map[string]interface{}) bool { return l.value }
func (l literal) String() string                     { return strconv.FormatBool(l.value) }

type equals struct {
	field string
	want  string
}

func (e equals) Match(row map[string]interface{}) bool {
	got, ok := row[e.field]
	if !ok {
		return false
	}
	return fmt.Sprint(got) == e.want
}

func (e equals) String() string { return fmt.Sprintf("%s = %s", e.field, e.want) }

type and struct{ terms []Expr }

func (a and) Match(row map[string]interface{}) bool {
	for _, t := range a.terms {
		if !t.Match(row) {
			return false
		}
	}
	return true
}

func (a and) String() string {
	parts := make([]string, len(a.terms))
	for i, t := range a.terms {
		parts[i] = t.String()
	}
	return strings.Join(parts, " AND ")
}

// Parse compiles a filter string of the form:
//
//	true
//	false
//	field = value
//	field1 = value1 AND field2 = value2
//
// An empty string parses as the literal "true" (every row matches), which
// is what Register produces for a live query with no WHERE clause.
func Parse(src string) (Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" || strings.EqualFold(src, "true") {
		return literal{true}, nil
	}
	if strings.EqualFold(src, "false") {
		return literal{false}, nil
	}

	clauses := strings.Split(src, " AND ")
	terms := make([]Expr, 0, len(clauses))
	for _, clause := range clauses {
		clause = strings.TrimSpace(clause)
		parts := strings.SplitN(clause, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("filter: unsupported clause %q", clause)
		}
		field := strings.TrimSpace(parts[0])
		want := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if field == "" {
			return nil, fmt.Errorf("filter: empty field in clause %q", clause)
		}
		terms = append(terms, equals{field: field, want: want})
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return and{terms: terms}, nil
}

// MatchJSON decodes a JSON document into a row and evaluates expr against
// it. A nil or empty document matches only the literal "true" filter.
func MatchJSON(expr Expr, doc json.RawMessage) (bool, error) {
	if len(doc) == 0 {
		return expr.Match(nil), nil
	}
	var row map[string]interface{}
	if err := json.Unmarshal(doc, &row); err != nil {
		return false, fmt.Errorf("filter: decode row: %w", err)
	}
	return expr.Match(row), nil
}
