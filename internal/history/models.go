package history

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested turn does not exist.
var ErrNotFound = errors.New("not found")

// Turn is one persisted exchange within a session. Turns are append-only:
// created at the end of a pipeline run, never mutated, never deleted here.
type Turn struct {
	ID           string
	SessionID    string
	UserQuestion string
	GeneratedSQL string
	NLSummary    string
	Embedding    []float32
	CreatedAt    time.Time
}

// Match is a Turn with its similarity to the query vector attached.
type Match struct {
	Turn
	Similarity float32
}
