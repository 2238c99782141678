package sqlgen

import "strings"

type (
	// ResultSetMapping describes what the response of a single command slot contains.
	// Consecutive slots that are not LastInGroup share one result set, the store reports
	// their rows affected as a single count.
	ResultSetMapping struct {
		Result           ResultSet
		LastInGroup      bool
		OutputParameters bool
	}

	// ResultSet is one of [NoResults], [RowsAffected] or [DataRow].
	ResultSet interface {
		resultSet()
	}

	// NoResults means the command produces no row the consumer must read.
	NoResults struct{}

	// RowsAffected means the result set holds a single row whose first column is the
	// number of affected rows, which must equal Expected.
	RowsAffected struct {
		Expected int64
	}

	// DataRow means the result set holds a row with the given command columns, in order.
	DataRow struct {
		Columns []string
		// Matched means the row ends with one more column, the number of rows the
		// statement matched. Zero means the row is gone, whatever the other columns hold.
		Matched bool
	}
)

func (NoResults) resultSet()    {}
func (RowsAffected) resultSet() {}
func (DataRow) resultSet()      {}

// HasResultRow returns true if the consumer must read a row for this slot.
func (m ResultSetMapping) HasResultRow() bool {
	switch m.Result.(type) {
	case RowsAffected, DataRow:
		return true
	default:
		return false
	}
}

// NotLastInGroup returns true if the following slot shares this slot's result set.
func (m ResultSetMapping) NotLastInGroup() bool {
	return m.HasResultRow() && !m.LastInGroup
}

func (m ResultSetMapping) String() string {
	var parts []string
	switch r := m.Result.(type) {
	case NoResults:
		parts = append(parts, "NoResults")
	case RowsAffected:
		parts = append(parts, "RowsAffected")
	case DataRow:
		parts = append(parts, "DataRow("+strings.Join(r.Columns, ",")+")")
		if r.Matched {
			parts = append(parts, "Matched")
		}
	default:
		parts = append(parts, "Invalid")
	}
	if m.HasResultRow() {
		if m.LastInGroup {
			parts = append(parts, "Last")
		} else {
			parts = append(parts, "NotLast")
		}
	}
	if m.OutputParameters {
		parts = append(parts, "OutputParameters")
	}
	return strings.Join(parts, "|")
}
