package batch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/birdie-ai/sfupdate/sqlgen"
	"github.com/birdie-ai/sfupdate/update"
)

// cursor is the position of the reader on the result sets of the response.
type cursor int

const (
	// unknown: no result set was read yet, the first one is current.
	unknown cursor = iota
	// hasMore: a result set was read, the response may have more.
	hasMore
	// exhausted: the response has no more result sets.
	exhausted
)

// reader walks a response in lock-step with the mappings of a batch.
// It only moves forward and is done when index reaches len(mappings).
type reader struct {
	ctx         context.Context
	resp        Response
	commands    []*update.ModificationCommand
	mappings    []sqlgen.ResultSetMapping
	outputs     []any
	index       int
	onResultSet cursor
	// shared is set when the previous slot left its result set to the current slot.
	shared bool
	result Result
}

func newReader(ctx context.Context, resp Response, commands []*update.ModificationCommand, mappings []sqlgen.ResultSetMapping, outputs []any) *reader {
	return &reader{
		ctx:      ctx,
		resp:     resp,
		commands: commands,
		mappings: mappings,
		outputs:  outputs,
	}
}

func (r *reader) read() (Result, error) {
	if len(r.commands) != len(r.mappings) {
		return Result{}, update.Violationf("%d mappings for %d commands", len(r.mappings), len(r.commands))
	}
	for r.index < len(r.mappings) {
		m := r.mappings[r.index]
		var err error
		switch res := m.Result.(type) {
		case sqlgen.NoResults:
			r.index++
		case sqlgen.RowsAffected:
			err = r.readRowsAffected()
		case sqlgen.DataRow:
			err = r.readDataRow(res, m.LastInGroup)
		default:
			err = update.Violationf("command %d: unknown result set %T", r.index, m.Result)
		}
		if err != nil {
			return Result{}, r.wrap(err, r.index)
		}
	}
	if err := r.resp.Err(); err != nil {
		return Result{}, r.wrap(err, len(r.commands)-1)
	}

	base := 0
	for i, cmd := range r.commands {
		if r.mappings[i].OutputParameters {
			if err := r.readOutputParameters(i, base); err != nil {
				return Result{}, r.wrap(err, i)
			}
		}
		base += cmd.ParameterCount()
	}
	return r.result, nil
}

// readRowsAffected verifies the count reported for the group starting at the current
// slot. The store may fold the counts of a group into a single row, so all rows of the
// result set are summed.
func (r *reader) readRowsAffected() error {
	first := r.index
	last := first
	var expected int64
	for ; last < len(r.mappings); last++ {
		m := r.mappings[last]
		ra, ok := m.Result.(sqlgen.RowsAffected)
		if !ok {
			return update.Violationf("command %d: %v inside a rows affected group", last, m)
		}
		expected += ra.Expected
		if m.LastInGroup {
			break
		}
	}
	if last == len(r.mappings) {
		last--
	}

	if err := r.nextResultSet(); err != nil {
		return err
	}
	var actual int64
	rows := 0
	for r.resp.Next() {
		values, err := r.scan()
		if err != nil {
			return err
		}
		if len(values) == 0 {
			return update.Violationf("command %d: rows affected result set has no columns", first)
		}
		n, err := toInt64(values[0])
		if err != nil {
			return update.Violationf("command %d: rows affected: %v", first, err)
		}
		actual += n
		rows++
	}
	if err := r.resp.Err(); err != nil {
		return err
	}
	if rows == 0 {
		return update.Violationf("command %d: rows affected result set is empty", first)
	}

	if actual != expected {
		r.index = first
		return &update.ConflictError{
			First:    first,
			Last:     last,
			Expected: expected,
			Actual:   actual,
			Commands: r.commands[first : last+1],
		}
	}
	r.result.RowsAffected += actual
	r.index = last + 1
	return nil
}

// readDataRow binds the next row of the current result set onto the command's columns.
// No row means the row the command wrote is gone.
func (r *reader) readDataRow(res sqlgen.DataRow, last bool) error {
	if err := r.nextResultSet(); err != nil {
		return err
	}
	r.shared = !last

	if !r.resp.Next() {
		if err := r.resp.Err(); err != nil {
			return err
		}
		return r.missingRow()
	}
	values, err := r.scan()
	if err != nil {
		return err
	}
	want := len(res.Columns)
	if res.Matched {
		want++
	}
	if len(values) < want {
		return update.Violationf("command %d: got %d columns, want %d", r.index, len(values), want)
	}
	if res.Matched {
		matched, err := toInt64(values[len(res.Columns)])
		if err != nil {
			return update.Violationf("command %d: matched rows: %v", r.index, err)
		}
		if matched == 0 {
			return r.missingRow()
		}
	}
	values = values[:len(res.Columns)]
	if err := r.commands[r.index].PropagateResults(res.Columns, values); err != nil {
		return err
	}
	r.index++
	return nil
}

// readOutputParameters verifies the rows affected output of the procedure call at index,
// then binds its other output values.
func (r *reader) readOutputParameters(index, base int) error {
	cmd := r.commands[index]
	if cmd.Procedure == nil {
		return update.Violationf("command %d: output parameters without stored procedure", index)
	}
	params := cmd.Procedure.Parameters
	if base+len(params) > len(r.outputs) {
		return update.Violationf("command %d: parameters [%d, %d) out of %d bound parameters", index, base, base+len(params), len(r.outputs))
	}
	for i, p := range params {
		if !p.IsRowsAffected {
			continue
		}
		n, err := toInt64(r.outputs[base+i])
		if err != nil {
			return update.Violationf("command %d: rows affected parameter %q: %v", index, p.Name, err)
		}
		if n != 1 {
			return &update.ConflictError{
				First:    index,
				Last:     index,
				Expected: 1,
				Actual:   n,
				Commands: r.commands[index : index+1],
			}
		}
		r.result.RowsAffected += n
	}
	var (
		names  []string
		values []any
	)
	for i, p := range params {
		if !p.IsOutput() || p.IsRowsAffected {
			continue
		}
		names = append(names, p.Column)
		values = append(values, r.outputs[base+i])
	}
	return cmd.PropagateResults(names, values)
}

func (r *reader) nextResultSet() error {
	if r.shared {
		r.shared = false
		return nil
	}
	switch r.onResultSet {
	case unknown:
		r.onResultSet = hasMore
		return nil
	case exhausted:
		return update.Violationf("command %d: response has no more result sets", r.index)
	}
	if r.resp.NextResultSet() {
		return nil
	}
	if err := r.resp.Err(); err != nil {
		return err
	}
	r.onResultSet = exhausted
	return update.Violationf("command %d: response has no more result sets", r.index)
}

func (r *reader) scan() ([]any, error) {
	cols, err := r.resp.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := r.resp.Scan(dest...); err != nil {
		return nil, err
	}
	return values, nil
}

func (r *reader) missingRow() error {
	return &update.ConflictError{
		First:    r.index,
		Last:     r.index,
		Expected: 1,
		Actual:   0,
		Commands: r.commands[r.index : r.index+1],
	}
}

// wrap adds the row context of the command at index, unless the error is about the
// whole response or caused by the cancellation of ctx.
func (r *reader) wrap(err error, index int) error {
	if ctxErr := r.ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return update.Cancelled(err)
	}
	if index < 0 || index >= len(r.commands) {
		return err
	}
	return update.WrapCommand(err, index, r.commands[index])
}

func toInt64(v any) (int64, error) {
	switch v := v.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("count %d overflows int64", v)
		}
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) || v < math.MinInt64 || v >= math.MaxInt64 {
			return 0, fmt.Errorf("count %v is not an int64", v)
		}
		return int64(v), nil
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(v)), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	default:
		return 0, fmt.Errorf("unexpected count %v (%T)", v, v)
	}
}
