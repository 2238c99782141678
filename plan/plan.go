// Package plan decodes modification plans written as JSON into [update.ModificationCommand] values.
//
// A plan file holds an object with the ordered commands:
//
//	{"commands": [
//	  {"table": "T", "state": "added", "columns": [
//	    {"name": "Id", "read": true, "key": true},
//	    {"name": "Name", "write": true, "current": "abc"}
//	  ]}
//	]}
//
// Streams of commands, one JSON object after the other, are read with a [Decoder].
// Values that JSON can't express are written as single key objects:
// {"$bytes": "<base64>"}, {"$time": "<RFC 3339>"} and {"$uuid": "<uuid>"}.
package plan

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math/big"
	"os"
	"time"

	"github.com/birdie-ai/sfupdate/update"
	"github.com/google/uuid"
)

type (
	// Plan is the JSON representation of an ordered list of commands.
	Plan struct {
		Commands []Command `json:"commands"`
	}

	// Command is the JSON representation of an [update.ModificationCommand].
	Command struct {
		Table     string     `json:"table"`
		Schema    string     `json:"schema,omitempty"`
		State     string     `json:"state"`
		Columns   []Column   `json:"columns"`
		Procedure *Procedure `json:"procedure,omitempty"`
	}

	// Column is the JSON representation of an [update.ColumnModification].
	Column struct {
		Name          string          `json:"name"`
		Current       json.RawMessage `json:"current,omitempty"`
		Original      json.RawMessage `json:"original,omitempty"`
		Read          bool            `json:"read,omitempty"`
		Write         bool            `json:"write,omitempty"`
		Condition     bool            `json:"condition,omitempty"`
		Key           bool            `json:"key,omitempty"`
		CurrentParam  bool            `json:"current_param,omitempty"`
		OriginalParam bool            `json:"original_param,omitempty"`
		Type          Type            `json:"type,omitempty"`
	}

	// Type is the JSON representation of an [update.TypeMapping].
	Type struct {
		StoreType string `json:"store_type,omitempty"`
		Precision int    `json:"precision,omitempty"`
		Scale     *int   `json:"scale,omitempty"`
	}

	// Procedure is the JSON representation of an [update.StoredProcedure].
	Procedure struct {
		Name          string         `json:"name"`
		Schema        string         `json:"schema,omitempty"`
		Parameters    []Parameter    `json:"parameters,omitempty"`
		ResultColumns []ResultColumn `json:"result_columns,omitempty"`
	}

	// Parameter is the JSON representation of an [update.ProcedureParameter].
	Parameter struct {
		Name          string `json:"name"`
		Column        string `json:"column,omitempty"`
		Direction     string `json:"direction,omitempty"`
		OriginalValue bool   `json:"original_value,omitempty"`
		RowsAffected  bool   `json:"rows_affected,omitempty"`
	}

	// ResultColumn is the JSON representation of an [update.ProcedureResultColumn].
	ResultColumn struct {
		Name         string `json:"name"`
		Column       string `json:"column,omitempty"`
		RowsAffected bool   `json:"rows_affected,omitempty"`
	}

	// Decoder reads a stream of commands.
	Decoder struct {
		d   *json.Decoder
		err error
	}

	// UnmarshalError is returned when the plan is not valid JSON for a [Plan].
	UnmarshalError struct {
		// Err is the unmarshalling error (returned by [json.Unmarshal]).
		Err error
		// Data is the data that caused the unmarshalling error, useful for debugging.
		Data string
	}
)

// DecodeFile calls [Decode] with the opened file (closing it afterwards).
// If you need more details, like the data that was read when an unmarshalling error happened, you can:
//
//	var errDetails plan.UnmarshalError
//	if errors.As(err, &errDetails) {
//	    fmt.Println(errDetails.Data)
//	}
func DecodeFile(path string) ([]*update.ModificationCommand, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening plan: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return Decode(f)
}

// Decode reads a whole [Plan] and returns its commands, in order.
func Decode(r io.Reader) ([]*update.ModificationCommand, error) {
	d, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(d, &p); err != nil {
		return nil, UnmarshalError{err, string(d)}
	}
	commands := make([]*update.ModificationCommand, len(p.Commands))
	for i, c := range p.Commands {
		cmd, err := c.ModificationCommand()
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
		commands[i] = cmd
	}
	return commands, nil
}

// NewDecoder creates a new decoder reading commands from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{json.NewDecoder(r), nil}
}

// All returns a single-use iterator for the stream.
// Iteration stops at the first invalid command, see [Decoder.Error].
func (d *Decoder) All() iter.Seq[*update.ModificationCommand] {
	return func(yield func(*update.ModificationCommand) bool) {
		for i := 0; d.d.More(); i++ {
			var c Command
			if err := d.d.Decode(&c); err != nil {
				d.err = fmt.Errorf("command %d: %w", i, err)
				return
			}
			cmd, err := c.ModificationCommand()
			if err != nil {
				d.err = fmt.Errorf("command %d: %w", i, err)
				return
			}
			if !yield(cmd) {
				return
			}
		}
	}
}

// Error returns the error that interrupted iteration or nil if no error happened.
func (d *Decoder) Error() error {
	return d.err
}

func (e UnmarshalError) Error() string {
	return e.Err.Error()
}

func (e UnmarshalError) Unwrap() error {
	return e.Err
}

// ModificationCommand converts the JSON command, decoding its values.
// The result is validated with [update.ModificationCommand.Validate].
func (c Command) ModificationCommand() (*update.ModificationCommand, error) {
	state, err := parseState(c.State)
	if err != nil {
		return nil, err
	}
	cmd := &update.ModificationCommand{
		Table: update.Table{Name: c.Table, Schema: c.Schema},
		State: state,
	}
	for _, col := range c.Columns {
		current, err := decodeValue(col.Current)
		if err != nil {
			return nil, fmt.Errorf("column %q: current value: %w", col.Name, err)
		}
		original, err := decodeValue(col.Original)
		if err != nil {
			return nil, fmt.Errorf("column %q: original value: %w", col.Name, err)
		}
		tm := update.TypeMapping{StoreType: col.Type.StoreType, Precision: col.Type.Precision}
		if col.Type.Scale != nil {
			tm.Scale, tm.HasScale = *col.Type.Scale, true
		}
		cmd.Columns = append(cmd.Columns, &update.ColumnModification{
			Name:                      col.Name,
			Current:                   current,
			Original:                  original,
			IsRead:                    col.Read,
			IsWrite:                   col.Write,
			IsCondition:               col.Condition,
			IsKey:                     col.Key,
			UseCurrentValueParameter:  col.CurrentParam,
			UseOriginalValueParameter: col.OriginalParam,
			TypeMapping:               tm,
		})
	}
	if c.Procedure != nil {
		proc, err := c.Procedure.storedProcedure()
		if err != nil {
			return nil, err
		}
		cmd.Procedure = proc
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (p *Procedure) storedProcedure() (*update.StoredProcedure, error) {
	proc := &update.StoredProcedure{Name: p.Name, Schema: p.Schema}
	for _, param := range p.Parameters {
		dir, err := parseDirection(param.Direction)
		if err != nil {
			return nil, fmt.Errorf("procedure %s: parameter %q: %w", p.Name, param.Name, err)
		}
		proc.Parameters = append(proc.Parameters, update.ProcedureParameter{
			Name:             param.Name,
			Column:           param.Column,
			Direction:        dir,
			UseOriginalValue: param.OriginalValue,
			IsRowsAffected:   param.RowsAffected,
		})
	}
	for _, rc := range p.ResultColumns {
		proc.ResultColumns = append(proc.ResultColumns, update.ProcedureResultColumn{
			Name:           rc.Name,
			Column:         rc.Column,
			IsRowsAffected: rc.RowsAffected,
		})
	}
	return proc, nil
}

func parseState(s string) (update.EntityState, error) {
	switch s {
	case "added":
		return update.Added, nil
	case "modified":
		return update.Modified, nil
	case "deleted":
		return update.Deleted, nil
	default:
		return 0, fmt.Errorf("invalid state %q", s)
	}
}

func parseDirection(s string) (update.ParameterDirection, error) {
	switch s {
	case "in", "":
		return update.In, nil
	case "out":
		return update.Out, nil
	case "inout":
		return update.InOut, nil
	default:
		return 0, fmt.Errorf("invalid direction %q", s)
	}
}

// decodeValue decodes a column value. Integers are int64 (or *big.Int when they don't fit),
// other numbers float64.
func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	var v any
	if err := d.Decode(&v); err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		// integers beyond int64, like NUMBER(38) keys, keep every digit.
		if n, ok := new(big.Int).SetString(v.String(), 10); ok {
			return n, nil
		}
		return v.Float64()
	case map[string]any:
		return decodeTyped(v)
	case []any:
		return nil, errors.New("arrays are not column values")
	default:
		return v, nil
	}
}

func decodeTyped(o map[string]any) (any, error) {
	if len(o) != 1 {
		return nil, fmt.Errorf("typed value must have a single key, got %d", len(o))
	}
	var (
		kind string
		raw  any
	)
	for k, v := range o {
		kind, raw = k, v
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("%s: want string, got %T", kind, raw)
	}
	switch kind {
	case "$bytes":
		return base64.StdEncoding.DecodeString(s)
	case "$time":
		return time.Parse(time.RFC3339Nano, s)
	case "$uuid":
		return uuid.Parse(s)
	default:
		return nil, fmt.Errorf("unknown typed value %q", kind)
	}
}
