// Package sqlgen compiles row modifications into Snowflake SQL.
//
// Snowflake has no RETURNING clause and no multi statement scripting, so generated values
// are recovered with a follow-up SELECT bound to the previous statement of the session:
//
//	INSERT INTO "T" ("Name") SELECT 'abc'
//	SELECT MAX("Id") AS "Id", COUNT(*) FROM "T" AT(statement=>last_query_id()) WHERE "Name" = 'abc'
//
// The trailing COUNT(*) tells an unmatched row apart from generated values that are NULL,
// since the aggregates return a row of NULLs when nothing matched.
//
// Each Append function writes one statement into a [Builder] and returns the
// [ResultSetMapping] describing what the store answers for it. The functions are pure:
// the same input always produces the same SQL.
package sqlgen

import (
	"fmt"

	"github.com/birdie-ai/sfupdate/update"
)

// Generator compiles commands using a [Renderer].
type Generator struct {
	r Renderer
}

const (
	// statementHandle is the session local handle of the previous statement.
	statementHandle = "last_query_id()"

	// readAggregate wraps every column of the follow-up read, the previous statement
	// may have touched more than one row.
	readAggregate = "MAX"

	// matchCount closes the follow-up read with the number of rows it matched.
	matchCount = "COUNT(*)"

	// tautology replaces conditions the store can't express per row.
	tautology = "1 = 1"
)

// New creates a generator. A nil renderer means [Snowflake].
func New(r Renderer) Generator {
	if r == nil {
		r = Snowflake{}
	}
	return Generator{r: r}
}

// Append compiles the command with the statement matching its state, or a procedure call
// when the command has a stored procedure. It returns the mapping and whether the
// command needs a transaction (its generated values must be read back).
func (g Generator) Append(b *Builder, cmd *update.ModificationCommand) (ResultSetMapping, bool, error) {
	if err := cmd.Validate(); err != nil {
		return ResultSetMapping{}, false, err
	}
	if cmd.Procedure != nil {
		m, err := g.AppendStoredProcedureCall(b, cmd)
		return m, false, err
	}
	switch cmd.State {
	case update.Added:
		return g.AppendInsert(b, cmd.Table, cmd.Columns)
	case update.Modified:
		m, err := g.AppendUpdate(b, cmd.Table, cmd.WriteColumns(), cmd.ConditionColumns())
		return m, len(cmd.ReadColumns()) > 0, err
	default:
		m, err := g.AppendDelete(b, cmd.Table, cmd.ConditionColumns())
		return m, false, err
	}
}

// AppendInsert appends an INSERT for the given columns.
//
// Written columns use the INSERT ... SELECT form. When nothing is written the row is fully
// generated by the store and a single read column is inserted as DEFAULT.
// Read columns can't be returned by the statement itself, so they only make the
// insert report its rows affected and require a transaction for the follow-up read.
func (g Generator) AppendInsert(b *Builder, table update.Table, columns []*update.ColumnModification) (ResultSetMapping, bool, error) {
	var writes, reads []*update.ColumnModification
	for _, c := range columns {
		if c.IsWrite {
			writes = append(writes, c)
		}
		if c.IsRead {
			reads = append(reads, c)
		}
	}
	if len(writes) == 0 && len(reads) == 0 {
		return ResultSetMapping{}, false, update.Violationf("insert into %s: no column is written or read", table)
	}

	s := b.begin(g.r)
	s.write("INSERT INTO ")
	s.table(table)
	s.write(" (")
	if len(writes) == 0 {
		s.ident(reads[0].Name)
		s.write(") VALUES (DEFAULT)")
	} else {
		g.columnList(s, writes)
		s.write(") SELECT ")
		for i, c := range writes {
			if i > 0 {
				s.write(", ")
			}
			if err := g.value(s, c); err != nil {
				return ResultSetMapping{}, false, fmt.Errorf("insert into %s: column %q: %w", table, c.Name, err)
			}
		}
	}
	b.commit(s)

	if len(reads) == 0 {
		return ResultSetMapping{Result: NoResults{}}, false, nil
	}
	return ResultSetMapping{Result: RowsAffected{Expected: 1}, LastInGroup: true}, true, nil
}

// AppendUpdate appends an UPDATE writing the given columns where all conditions hold.
// The store reports the rows affected, which the consumer verifies.
func (g Generator) AppendUpdate(b *Builder, table update.Table, writes, conditions []*update.ColumnModification) (ResultSetMapping, error) {
	if len(writes) == 0 {
		return ResultSetMapping{}, update.Violationf("update %s: no column is written", table)
	}
	s := b.begin(g.r)
	s.write("UPDATE ")
	s.table(table)
	s.write(" SET ")
	for i, c := range writes {
		if i > 0 {
			s.write(", ")
		}
		s.ident(c.Name)
		s.write(" = ")
		if err := g.value(s, c); err != nil {
			return ResultSetMapping{}, fmt.Errorf("update %s: column %q: %w", table, c.Name, err)
		}
	}
	if err := g.where(s, conditions); err != nil {
		return ResultSetMapping{}, fmt.Errorf("update %s: %w", table, err)
	}
	b.commit(s)
	return ResultSetMapping{Result: RowsAffected{Expected: 1}, LastInGroup: true}, nil
}

// AppendDelete appends a DELETE of the row matching all conditions.
func (g Generator) AppendDelete(b *Builder, table update.Table, conditions []*update.ColumnModification) (ResultSetMapping, error) {
	s := b.begin(g.r)
	s.write("DELETE FROM ")
	s.table(table)
	if err := g.where(s, conditions); err != nil {
		return ResultSetMapping{}, fmt.Errorf("delete from %s: %w", table, err)
	}
	b.commit(s)
	return ResultSetMapping{Result: RowsAffected{Expected: 1}, LastInGroup: true}, nil
}

// AppendSelectAffected appends the follow-up read of the given columns, as they were right
// after the previous statement of the session. Every read column is aggregated since the
// previous statement may have affected more than one row matching the given columns.
// Match columns are compared with their current values as literals. The row ends with the
// count of matched rows, see [DataRow].Matched.
func (g Generator) AppendSelectAffected(b *Builder, table update.Table, reads, matches []*update.ColumnModification) (ResultSetMapping, error) {
	if len(reads) == 0 {
		return ResultSetMapping{}, update.Violationf("select affected from %s: no column to read", table)
	}
	s := b.begin(g.r)
	s.write("SELECT ")
	names := make([]string, len(reads))
	for i, c := range reads {
		if i > 0 {
			s.write(", ")
		}
		s.write(readAggregate, "(")
		s.ident(c.Name)
		s.write(") AS ")
		s.ident(c.Name)
		names[i] = c.Name
	}
	s.write(", ", matchCount, " FROM ")
	s.table(table)
	s.write(" AT(statement=>", statementHandle, ") WHERE ")
	if len(matches) == 0 {
		g.rowsAffectedCondition(s)
	}
	for i, c := range matches {
		if i > 0 {
			s.write(" AND ")
		}
		if c.IsRead {
			g.identityCondition(s)
			continue
		}
		s.ident(c.Name)
		if update.IsNull(c.Current) {
			s.write(" IS NULL")
			continue
		}
		s.write(" = ")
		if err := s.literal(c.Current, c.TypeMapping); err != nil {
			return ResultSetMapping{}, fmt.Errorf("select affected from %s: column %q: %w", table, c.Name, err)
		}
	}
	b.commit(s)
	return ResultSetMapping{Result: DataRow{Columns: names, Matched: true}, LastInGroup: true}, nil
}

// AppendStoredProcedureCall appends a CALL of the command's procedure. Parameters are bound
// by position only.
func (g Generator) AppendStoredProcedureCall(b *Builder, cmd *update.ModificationCommand) (ResultSetMapping, error) {
	proc := cmd.Procedure
	if proc == nil {
		return ResultSetMapping{}, update.Violationf("table %s: command has no stored procedure", cmd.Table)
	}
	s := b.begin(g.r)
	s.write("CALL ")
	s.table(proc.Table())
	s.write("(")
	for i, p := range proc.Parameters {
		if i > 0 {
			s.write(", ")
		}
		param := Parameter{
			Name:           p.Name,
			Column:         p.Column,
			Direction:      p.Direction,
			IsRowsAffected: p.IsRowsAffected,
		}
		if !p.IsRowsAffected && p.Direction != update.Out {
			col := cmd.Column(p.Column)
			if col == nil {
				return ResultSetMapping{}, update.Violationf("procedure %s: parameter %q is bound to unknown column %q", proc.Table(), p.Name, p.Column)
			}
			param.Value = col.Current
			if p.UseOriginalValue {
				param.Value = col.Original
			}
		}
		s.bind(param)
	}
	s.write(")")
	b.commit(s)

	m := ResultSetMapping{Result: NoResults{}, OutputParameters: proc.HasOutputParameters()}
	if _, ok := proc.RowsAffectedResultColumn(); ok {
		m.Result = RowsAffected{Expected: 1}
		m.LastInGroup = true
	} else if len(proc.ResultColumns) > 0 {
		cols := make([]string, len(proc.ResultColumns))
		for i, rc := range proc.ResultColumns {
			cols[i] = rc.Column
		}
		m.Result = DataRow{Columns: cols}
		m.LastInGroup = true
	}
	return m, nil
}

func (g Generator) columnList(s *stmt, columns []*update.ColumnModification) {
	for i, c := range columns {
		if i > 0 {
			s.write(", ")
		}
		s.ident(c.Name)
	}
}

// value writes the current value of a column, as a parameter or as a literal.
func (g Generator) value(s *stmt, c *update.ColumnModification) error {
	if c.UseCurrentValueParameter {
		s.bind(Parameter{Name: c.Name, Column: c.Name, Value: c.Current})
		return nil
	}
	return s.literal(c.Current, c.TypeMapping)
}

func (g Generator) where(s *stmt, conditions []*update.ColumnModification) error {
	s.write(" WHERE ")
	if len(conditions) == 0 {
		g.rowsAffectedCondition(s)
		return nil
	}
	for i, c := range conditions {
		if i > 0 {
			s.write(" AND ")
		}
		s.ident(c.Name)
		if update.IsNull(c.Original) {
			s.write(" IS NULL")
			continue
		}
		s.write(" = ")
		if c.UseOriginalValueParameter {
			s.bind(Parameter{Name: c.Name + "_original", Column: c.Name, Value: c.Original})
			continue
		}
		if err := s.literal(c.Original, c.TypeMapping); err != nil {
			return fmt.Errorf("condition %q: %w", c.Name, err)
		}
	}
	return nil
}

// identityCondition stands for a store generated key: the store can't expose which
// value the previous statement generated, so the row is identified by the other conditions.
func (g Generator) identityCondition(s *stmt) {
	s.write(tautology)
}

// rowsAffectedCondition stands for "the row the previous statement affected": rows
// affected are verified by counting, not by matching.
func (g Generator) rowsAffectedCondition(s *stmt) {
	s.write(tautology)
}

