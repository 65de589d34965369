package history

import (
	"container/heap"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists conversation turns in SQLite and answers session-scoped
// similarity queries with a brute-force cosine scan. Sessions are short,
// so an ANN index would be overkill; if a deployment ever accumulates
// hundreds of thousands of turns per session, reconsider.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "askdb.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// Insert appends a turn. The caller owns failure policy; the pipeline treats
// an insert error as log-only and never retries.
func (s *Store) Insert(ctx context.Context, t Turn) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (id, session_id, user_question, generated_sql, nl_summary, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.UserQuestion, t.GeneratedSQL, t.NLSummary,
		encodeFloat32s(t.Embedding), createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting turn %s: %w", t.ID, err)
	}
	return nil
}

// similarityEntry holds only the ID and similarity during the scan phase of
// Search. Full turn rows are fetched only for the winners.
type similarityEntry struct {
	ID         string
	Similarity float32
}

// Search returns the turns of sessionID whose embedding similarity to vector
// is at least threshold, most-similar first, at most limit entries. Callers
// re-sort chronologically before prompt assembly so conversational causality
// is preserved when similarity rank and recency disagree.
func (s *Store) Search(ctx context.Context, sessionID string, vector []float32, threshold float32, limit int) ([]Match, error) {
	if limit <= 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding for the session.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM conversation_turns WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying session vectors: %w", err)
	}
	defer rows.Close()

	h := &similarityHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		sim := cosine(vector, buf)
		if sim < threshold {
			continue
		}
		if h.Len() < limit {
			heap.Push(h, similarityEntry{ID: id, Similarity: sim})
		} else if sim > (*h)[0].Similarity {
			(*h)[0] = similarityEntry{ID: id, Similarity: sim}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full turns only for the winners.
	ids := make([]string, h.Len())
	sims := make(map[string]float32, h.Len())
	for i := len(ids) - 1; i >= 0; i-- {
		entry := heap.Pop(h).(similarityEntry)
		ids[i] = entry.ID
		sims[entry.ID] = entry.Similarity
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT id, session_id, user_question, generated_sql, nl_summary, embedding, created_at
		FROM conversation_turns WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching matched turns: %w", err)
	}
	defer fullRows.Close()

	var matches []Match
	for fullRows.Next() {
		t, err := scanTurn(fullRows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, Match{Turn: t, Similarity: sims[t.ID]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating matched turns: %w", err)
	}

	// The IN query does not preserve order; restore most-similar first.
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})

	return matches, nil
}

// Recent returns the newest turns across all sessions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_question, generated_sql, nl_summary, embedding, created_at
		FROM conversation_turns ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Get returns a single turn by ID.
func (s *Store) Get(ctx context.Context, id string) (Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, user_question, generated_sql, nl_summary, embedding, created_at
		FROM conversation_turns WHERE id = ?`, id)
	t, err := scanTurnRow(row)
	if err == sql.ErrNoRows {
		return Turn{}, ErrNotFound
	}
	return t, err
}

// Count returns the number of stored turns.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversation_turns").Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(r rowScanner) (Turn, error) {
	t, err := scanTurnRow(r)
	if err != nil {
		return Turn{}, fmt.Errorf("scanning turn: %w", err)
	}
	return t, nil
}

func scanTurnRow(r rowScanner) (Turn, error) {
	var t Turn
	var blob []byte
	var createdAt string
	if err := r.Scan(&t.ID, &t.SessionID, &t.UserQuestion, &t.GeneratedSQL, &t.NLSummary, &blob, &createdAt); err != nil {
		return Turn{}, err
	}
	embedding, err := decodeFloat32s(blob)
	if err != nil {
		return Turn{}, fmt.Errorf("decoding embedding for %s: %w", t.ID, err)
	}
	t.Embedding = embedding
	parsed, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Turn{}, fmt.Errorf("parsing created_at for %s: %w", t.ID, err)
	}
	t.CreatedAt = parsed
	return t, nil
}

// similarityHeap is a min-heap of similarityEntry ordered by Similarity.
// Used during the scan phase of Search to track the top matches by ID only.
type similarityHeap []similarityEntry

func (h similarityHeap) Len() int           { return len(h) }
func (h similarityHeap) Less(i, j int) bool { return h[i].Similarity < h[j].Similarity }
func (h similarityHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *similarityHeap) Push(x any)        { *h = append(*h, x.(similarityEntry)) }
func (h *similarityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
