// Package dbexec executes generated SQL against the target database through a
// single-statement, read-oriented boundary and reports what happened as a
// closed set of Outcome variants. It keeps two failure tiers apart: a broken
// connection is an error (fatal for the request), a rejected statement is a
// QueryError outcome (explained to the user, pipeline continues).
package dbexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
)

// TransportError wraps a failure to invoke the execution boundary at all:
// dial errors, TLS, dropped connections, cancelled contexts. The orchestrator
// aborts the request when it sees one.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("database transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// OpenDB connects to the target Postgres database. Queries are logged through
// bundebug when verbose is true.
func OpenDB(dsn string, verbose bool) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(verbose)))
	return db
}

// Executor runs already-cleaned query strings against a bun.DB.
type Executor struct {
	db *bun.DB
}

// NewExecutor wraps an existing bun.DB. Tests pass one backed by sqlmock.
func NewExecutor(db *bun.DB) *Executor {
	return &Executor{db: db}
}

// Ping reports whether the target database is reachable.
func (e *Executor) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// Execute runs the query and classifies the result.
//
// The returned error is non-nil only for transport failures (always a
// *TransportError). Server-side rejections of the statement itself come back
// as a *QueryError outcome with a nil error, since the user should still
// receive an explanatory answer for those.
func (e *Executor) Execute(ctx context.Context, query string) (Outcome, error) {
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return classifyError(err, query)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return classifyError(err, query)
	}
	if len(cols) == 0 {
		return StatusMessage{Status: "success", Message: "Statement executed."}, nil
	}

	var out RowSet
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return classifyError(err, query)
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return classifyError(err, query)
	}

	if len(out) == 0 {
		return EmptySet{}, nil
	}
	return out, nil
}

// classifyError sorts a driver error into the in-query or transport tier.
// pgdriver.Error means the server received and rejected the statement;
// everything else means the boundary itself could not be invoked.
func classifyError(err error, query string) (Outcome, error) {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return &QueryError{Message: pgErr.Error(), AttemptedQuery: query}, nil
	}
	return nil, &TransportError{Err: err}
}

// normalizeValue converts driver values into JSON-friendly Go values.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return v
	}
}
