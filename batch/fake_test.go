package batch_test

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/birdie-ai/sfupdate/batch"
)

type (
	// fakeResponse replays result sets, each one a list of rows.
	fakeResponse struct {
		columns [][]string
		sets    [][][]any
		set     int
		row     int
		err     error
		closed  bool
	}

	// fakeSession answers queries in order with the given replies.
	fakeSession struct {
		replies []reply
		queries []query
	}

	reply struct {
		resp *fakeResponse
		err  error
		// outputs are written into the output parameters, in order.
		outputs []any
	}

	query struct {
		sql  string
		args []any
	}
)

// rowsAffected is the response of a DML statement.
func rowsAffected(counts ...int64) *fakeResponse {
	rows := make([][]any, len(counts))
	for i, c := range counts {
		rows[i] = []any{c}
	}
	return &fakeResponse{
		columns: [][]string{{"number of rows affected"}},
		sets:    [][][]any{rows},
	}
}

// readBack is the response of a follow-up read: the read values then the count of
// matched rows.
func readBack(matched int64, columns []string, values ...any) *fakeResponse {
	return &fakeResponse{
		columns: [][]string{append(columns, "COUNT(*)")},
		sets:    [][][]any{{append(values, matched)}},
	}
}

func (r *fakeResponse) Columns() ([]string, error) {
	if r.set >= len(r.columns) {
		return nil, fmt.Errorf("no result set %d", r.set)
	}
	return r.columns[r.set], nil
}

func (r *fakeResponse) Next() bool {
	if r.set >= len(r.sets) || r.row >= len(r.sets[r.set]) {
		return false
	}
	r.row++
	return true
}

func (r *fakeResponse) Scan(dest ...any) error {
	values := r.sets[r.set][r.row-1]
	if len(dest) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(values))
	}
	for i, v := range values {
		p, ok := dest[i].(*any)
		if !ok {
			return fmt.Errorf("scan: unsupported destination %T", dest[i])
		}
		*p = v
	}
	return nil
}

func (r *fakeResponse) NextResultSet() bool {
	r.set++
	r.row = 0
	return r.set < len(r.sets)
}

func (r *fakeResponse) Err() error {
	return r.err
}

func (r *fakeResponse) Close() error {
	r.closed = true
	return nil
}

func (s *fakeSession) Query(ctx context.Context, sqlText string, args ...any) (batch.Response, error) {
	s.queries = append(s.queries, query{sql: sqlText, args: args})
	if len(s.replies) == 0 {
		return nil, fmt.Errorf("unexpected query: %s", sqlText)
	}
	rep := s.replies[0]
	s.replies = s.replies[1:]
	if rep.err != nil {
		return nil, rep.err
	}
	outputs := rep.outputs
	for _, arg := range args {
		out, ok := arg.(sql.Out)
		if !ok || len(outputs) == 0 {
			continue
		}
		*out.Dest.(*any) = outputs[0]
		outputs = outputs[1:]
	}
	return rep.resp, nil
}

func (s *fakeSession) statements() []string {
	var res []string
	for _, q := range s.queries {
		res = append(res, q.sql)
	}
	return res
}
