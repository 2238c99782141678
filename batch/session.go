package batch

import (
	"context"
	"database/sql"
)

type (
	// Response is the part of [*sql.Rows] the consumer reads.
	Response interface {
		Columns() ([]string, error)
		Next() bool
		Scan(dest ...any) error
		NextResultSet() bool
		Err() error
		Close() error
	}

	// Session runs SQL on a single connection. Statements of a session observe
	// each other in order, which the post-modification read depends on.
	Session interface {
		Query(ctx context.Context, query string, args ...any) (Response, error)
	}

	// Querier is implemented by [*sql.Conn] and [*sql.Tx].
	Querier interface {
		QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	}

	// SQLSession is a [Session] on top of a database/sql connection or transaction.
	// A [*sql.DB] is not a session: consecutive queries may run on different connections.
	SQLSession struct {
		q Querier
	}
)

// NewSQLSession creates a session that queries q.
func NewSQLSession(q Querier) *SQLSession {
	return &SQLSession{q: q}
}

// Query runs the query.
func (s *SQLSession) Query(ctx context.Context, query string, args ...any) (Response, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
