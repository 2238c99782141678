// Package update describes the pending row modifications produced by a change tracker.
// It is the input of the write-back pipeline: a [ModificationCommand] per row write, each
// with the ordered [ColumnModification] entries that say which columns are written, read back
// or used as optimistic concurrency conditions.
//
// The pipeline never changes the structure of these values, it only binds values it is
// told to read back (see [ColumnModification.SetValue]).
package update

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
)

type (
	// EntityState is the kind of write a [ModificationCommand] performs.
	EntityState int

	// Table identifies the target table of a command.
	Table struct {
		Name   string
		Schema string
	}

	// TypeMapping is the store type information the literal renderer needs.
	// A zero TypeMapping means "infer from the Go value".
	TypeMapping struct {
		StoreType string
		Precision int
		Scale     int
		HasScale  bool
	}

	// ColumnModification is a single column's pending value and its read/write/condition role
	// within one row write. The three roles are independent.
	ColumnModification struct {
		Name     string
		Current  any
		Original any

		// IsRead means the value is generated by the store and must be read back.
		IsRead bool
		// IsWrite means the current value is written by the statement.
		IsWrite bool
		// IsCondition means the original value must match for the write to succeed.
		IsCondition bool
		// IsKey marks the columns that identify the row.
		IsKey bool

		UseCurrentValueParameter  bool
		UseOriginalValueParameter bool

		TypeMapping TypeMapping
	}

	// ModificationCommand is the complete pending write for one row.
	ModificationCommand struct {
		Table     Table
		State     EntityState
		Columns   []*ColumnModification
		Procedure *StoredProcedure
	}
)

// Entity states.
const (
	Added EntityState = iota + 1
	Modified
	Deleted
)

func (s EntityState) String() string {
	switch s {
	case Added:
		return "Added"
	case Modified:
		return "Modified"
	case Deleted:
		return "Deleted"
	default:
		return fmt.Sprintf("EntityState(%d)", int(s))
	}
}

// String returns schema.name, or just name when there is no schema.
func (t Table) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// SetValue binds a value read back from the store. It is the only mutation the pipeline
// performs on its input.
func (c *ColumnModification) SetValue(v any) {
	c.Current = v
}

// Validate checks the structural invariants of the command.
// All violations are reported at once, each one matching [ErrProtocolViolation].
func (c *ModificationCommand) Validate() error {
	var errs []error
	if c.Table.Name == "" {
		errs = append(errs, Violationf("command has no table"))
	}
	switch c.State {
	case Added, Modified, Deleted:
	default:
		errs = append(errs, Violationf("table %s: invalid entity state %v", c.Table, c.State))
	}
	seen := map[string]struct{}{}
	for i, col := range c.Columns {
		if col == nil || col.Name == "" {
			errs = append(errs, Violationf("table %s: column %d has no name", c.Table, i))
			continue
		}
		if _, ok := seen[col.Name]; ok {
			errs = append(errs, Violationf("table %s: duplicated column %q", c.Table, col.Name))
		}
		seen[col.Name] = struct{}{}
		if col.UseCurrentValueParameter && !col.IsWrite {
			errs = append(errs, Violationf("table %s: column %q uses a current value parameter but is not written", c.Table, col.Name))
		}
		if col.UseOriginalValueParameter && !col.IsCondition {
			errs = append(errs, Violationf("table %s: column %q uses an original value parameter but is not a condition", c.Table, col.Name))
		}
		if c.State == Deleted && (col.IsRead || col.IsWrite) {
			errs = append(errs, Violationf("table %s: deleted row can't read or write column %q", c.Table, col.Name))
		}
	}
	if c.Procedure != nil {
		if err := c.Procedure.validate(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReadColumns returns the columns whose values are generated by the store.
func (c *ModificationCommand) ReadColumns() []*ColumnModification {
	return c.filter(func(col *ColumnModification) bool { return col.IsRead })
}

// WriteColumns returns the columns written by the command.
func (c *ModificationCommand) WriteColumns() []*ColumnModification {
	return c.filter(func(col *ColumnModification) bool { return col.IsWrite })
}

// ConditionColumns returns the columns that must match their original value.
func (c *ModificationCommand) ConditionColumns() []*ColumnModification {
	return c.filter(func(col *ColumnModification) bool { return col.IsCondition })
}

// KeyColumns returns the columns identifying the row.
func (c *ModificationCommand) KeyColumns() []*ColumnModification {
	return c.filter(func(col *ColumnModification) bool { return col.IsKey })
}

// Column returns the column with the given name, or nil.
func (c *ModificationCommand) Column(name string) *ColumnModification {
	for _, col := range c.Columns {
		if col.Name == name {
			return col
		}
	}
	return nil
}

// NeedsPostModificationRead returns true when store generated values must be read back
// with a follow-up SELECT. Deleted rows and procedure calls never need one.
func (c *ModificationCommand) NeedsPostModificationRead() bool {
	if c.Procedure != nil || c.State == Deleted {
		return false
	}
	return len(c.ReadColumns()) > 0
}

// ParameterCount returns how many bound parameters the compiled command occupies.
// A procedure call binds one per declared parameter, any other command binds one per
// current value parameter and one per non null original value parameter.
func (c *ModificationCommand) ParameterCount() int {
	if c.Procedure != nil {
		return len(c.Procedure.Parameters)
	}
	n := 0
	for _, col := range c.Columns {
		if col.UseCurrentValueParameter {
			n++
		}
		// a null original value is compared with IS NULL, nothing is bound.
		if col.UseOriginalValueParameter && !IsNull(col.Original) {
			n++
		}
	}
	return n
}

// IsNull returns true for nil and for [driver.Valuer] values that are NULL.
func IsNull(v any) bool {
	if v == nil {
		return true
	}
	if valuer, ok := v.(driver.Valuer); ok {
		dv, err := valuer.Value()
		return err == nil && dv == nil
	}
	return false
}

// PropagateResults binds the named values onto the matching columns.
// Every name must belong to a column of the command.
func (c *ModificationCommand) PropagateResults(names []string, values []any) error {
	if len(names) != len(values) {
		return Violationf("table %s: %d result names for %d values", c.Table, len(names), len(values))
	}
	for i, name := range names {
		col := c.Column(name)
		if col == nil {
			return fmt.Errorf("table %s: result column %q doesn't match any column", c.Table, name)
		}
		col.SetValue(values[i])
	}
	return nil
}

// String describes the row for error messages: state, table and key values.
func (c *ModificationCommand) String() string {
	var b strings.Builder
	b.WriteString(c.State.String())
	b.WriteString(" ")
	b.WriteString(c.Table.String())
	keys := c.KeyColumns()
	if len(keys) == 0 {
		return b.String()
	}
	b.WriteString(" {")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		v := k.Current
		if c.State != Added && k.Original != nil {
			v = k.Original
		}
		fmt.Fprintf(&b, "%s: %v", k.Name, v)
	}
	b.WriteString("}")
	return b.String()
}

func (c *ModificationCommand) filter(keep func(*ColumnModification) bool) []*ColumnModification {
	var res []*ColumnModification
	for _, col := range c.Columns {
		if keep(col) {
			res = append(res, col)
		}
	}
	return res
}
