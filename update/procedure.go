package update

import "errors"

type (
	// ParameterDirection is the direction of a stored procedure parameter.
	ParameterDirection int

	// StoredProcedure describes a procedure used instead of plain DML for a command.
	// Parameters are always bound by position.
	StoredProcedure struct {
		Name          string
		Schema        string
		Parameters    []ProcedureParameter
		ResultColumns []ProcedureResultColumn
	}

	// ProcedureParameter is a positional procedure parameter.
	// Column is the command column it is bound to, empty for the rows affected parameter.
	ProcedureParameter struct {
		Name             string
		Column           string
		Direction        ParameterDirection
		UseOriginalValue bool
		IsRowsAffected   bool
	}

	// ProcedureResultColumn is a column of the result set returned by the procedure.
	ProcedureResultColumn struct {
		Name           string
		Column         string
		IsRowsAffected bool
	}
)

// Parameter directions.
const (
	In ParameterDirection = iota
	Out
	InOut
)

// IsOutput returns true if the store writes a value into the parameter.
func (p ProcedureParameter) IsOutput() bool {
	return p.Direction == Out || p.Direction == InOut || p.IsRowsAffected
}

// HasOutputParameters returns true if any parameter is output capable.
func (p *StoredProcedure) HasOutputParameters() bool {
	for _, param := range p.Parameters {
		if param.IsOutput() {
			return true
		}
	}
	return false
}

// RowsAffectedResultColumn returns the designated rows affected result column, if any.
func (p *StoredProcedure) RowsAffectedResultColumn() (ProcedureResultColumn, bool) {
	for _, rc := range p.ResultColumns {
		if rc.IsRowsAffected {
			return rc, true
		}
	}
	return ProcedureResultColumn{}, false
}

// Table returns the procedure identity in the same shape as a table.
func (p *StoredProcedure) Table() Table {
	return Table{Name: p.Name, Schema: p.Schema}
}

func (p *StoredProcedure) validate(c *ModificationCommand) error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, Violationf("table %s: stored procedure has no name", c.Table))
	}
	rowsAffected := 0
	for i, param := range p.Parameters {
		if param.IsRowsAffected {
			rowsAffected++
			if param.Direction == In {
				errs = append(errs, Violationf("procedure %s: rows affected parameter %d must be an output", p.Table(), i))
			}
			continue
		}
		if param.Column == "" || c.Column(param.Column) == nil {
			errs = append(errs, Violationf("procedure %s: parameter %d is bound to unknown column %q", p.Table(), i, param.Column))
		}
	}
	for _, rc := range p.ResultColumns {
		if rc.IsRowsAffected {
			rowsAffected++
			continue
		}
		if c.Column(rc.Column) == nil {
			errs = append(errs, Violationf("procedure %s: result column %q is bound to unknown column %q", p.Table(), rc.Name, rc.Column))
		}
	}
	if rowsAffected > 1 {
		errs = append(errs, Violationf("procedure %s: more than one rows affected designation", p.Table()))
	}
	// the result set is either the count or the row, never both.
	if _, ok := p.RowsAffectedResultColumn(); ok && len(p.ResultColumns) > 1 {
		errs = append(errs, Violationf("procedure %s: rows affected result column can't be combined with other result columns", p.Table()))
	}
	return errors.Join(errs...)
}
