package sqlgen

import (
	"strings"

	"github.com/birdie-ai/sfupdate/update"
)

type (
	// Builder accumulates the SQL text and the bound parameters of one execution unit.
	// The zero value is ready to use.
	Builder struct {
		sql        strings.Builder
		params     []Parameter
		statements int
	}

	// Parameter is a positional parameter bound by a compiled statement.
	// Output parameters receive a value from the store when the statement runs.
	Parameter struct {
		Name           string
		Column         string
		Value          any
		Direction      update.ParameterDirection
		IsRowsAffected bool
	}
)

// SQL returns the SQL text accumulated so far.
func (b *Builder) SQL() string {
	return b.sql.String()
}

// Parameters returns the bound parameters in placeholder order.
func (b *Builder) Parameters() []Parameter {
	return b.params
}

// Statements returns how many statements were appended.
func (b *Builder) Statements() int {
	return b.statements
}

// IsOutput returns true if the store writes a value into the parameter.
func (p Parameter) IsOutput() bool {
	return p.Direction == update.Out || p.Direction == update.InOut || p.IsRowsAffected
}

// stmt is the scratch space of a statement being compiled, it is only merged into the
// [Builder] once the whole statement compiled successfully.
type stmt struct {
	r      Renderer
	sql    strings.Builder
	params []Parameter
	base   int
}

func (b *Builder) begin(r Renderer) *stmt {
	return &stmt{r: r, base: len(b.params)}
}

func (b *Builder) commit(s *stmt) {
	if b.statements > 0 {
		b.sql.WriteString(";\n")
	}
	b.sql.WriteString(s.sql.String())
	b.params = append(b.params, s.params...)
	b.statements++
}

func (s *stmt) write(parts ...string) {
	for _, p := range parts {
		s.sql.WriteString(p)
	}
}

func (s *stmt) ident(name string) {
	s.sql.WriteString(s.r.Identifier(name))
}

func (s *stmt) table(t update.Table) {
	s.sql.WriteString(s.r.Table(t.Name, t.Schema))
}

func (s *stmt) bind(p Parameter) {
	s.params = append(s.params, p)
	s.sql.WriteString(s.r.Placeholder(s.base + len(s.params)))
}

func (s *stmt) literal(v any, tm update.TypeMapping) error {
	lit, err := s.r.Literal(v, tm)
	if err != nil {
		return err
	}
	s.sql.WriteString(lit)
	return nil
}
