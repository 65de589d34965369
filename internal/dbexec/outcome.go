package dbexec

import "encoding/json"

// Outcome is the closed set of payload shapes the execution boundary can hand
// back for a request that reached the database. Summarization dispatches on
// the concrete type, so adding a variant forces every classification switch
// to decide how to treat it.
//
// Transport failures are NOT outcomes; Execute returns those as errors.
type Outcome interface {
	isOutcome()
}

// Row is a single result row keyed by column name.
type Row map[string]any

// RowSet is a non-empty ordered sequence of result rows.
type RowSet []Row

func (RowSet) isOutcome() {}

// EmptySet marks a query that ran successfully but returned no rows.
type EmptySet struct{}

func (EmptySet) isOutcome() {}

// MarshalJSON renders an empty set the way the database would: an empty array.
func (EmptySet) MarshalJSON() ([]byte, error) {
	return []byte("[]"), nil
}

// QueryError is an in-query failure: the execution boundary was invoked
// successfully but the submitted statement itself was rejected. Non-fatal;
// the pipeline folds it into an explanatory summary.
type QueryError struct {
	Message        string
	AttemptedQuery string
}

func (*QueryError) isOutcome() {}

// MarshalJSON renders the error envelope clients parse out of
// databaseResults.
func (e *QueryError) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"error": map[string]string{
			"message":         e.Message,
			"query_attempted": e.AttemptedQuery,
		},
	})
}

// StatusMessage is a successful statement with no result set, e.g. DDL.
type StatusMessage struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (StatusMessage) isOutcome() {}

// Opaque is any other JSON-shaped value an execution boundary may produce.
// The Postgres executor never emits it, but RPC-style boundaries can; the
// pipeline summarizes it best-effort.
type Opaque json.RawMessage

func (Opaque) isOutcome() {}

// MarshalJSON passes the raw value through unchanged.
func (o Opaque) MarshalJSON() ([]byte, error) {
	if len(o) == 0 {
		return []byte("null"), nil
	}
	return json.RawMessage(o), nil
}
