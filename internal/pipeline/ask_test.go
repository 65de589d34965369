package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/askdb/askdb/internal/dbexec"
	"github.com/askdb/askdb/internal/history"
)

// fakeLLM records completion calls per model.
type fakeLLM struct {
	completeFn func(ctx context.Context, model, prompt string, temperature float64) (string, error)
	calls      []llmCall
}

type llmCall struct {
	model       string
	prompt      string
	temperature float64
}

func (f *fakeLLM) Complete(ctx context.Context, model, prompt string, temperature float64) (string, error) {
	f.calls = append(f.calls, llmCall{model: model, prompt: prompt, temperature: temperature})
	return f.completeFn(ctx, model, prompt, temperature)
}

type fakeEmbedder struct {
	available bool
	embedFn   func(ctx context.Context, text string) ([]float32, error)
}

func (f *fakeEmbedder) Available(ctx context.Context) bool {
	return f.available
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.embedFn != nil {
		return f.embedFn(ctx, text)
	}
	return []float32{1, 0, 0}, nil
}

type fakeHistory struct {
	searchFn func(ctx context.Context, sessionID string, vector []float32, threshold float32, limit int) ([]history.Match, error)
	inserted []history.Turn
}

func (f *fakeHistory) Search(ctx context.Context, sessionID string, vector []float32, threshold float32, limit int) ([]history.Match, error) {
	if f.searchFn != nil {
		return f.searchFn(ctx, sessionID, vector, threshold, limit)
	}
	return nil, nil
}

func (f *fakeHistory) Insert(ctx context.Context, t history.Turn) error {
	f.inserted = append(f.inserted, t)
	return nil
}

type fakeExecutor struct {
	executeFn func(ctx context.Context, query string) (dbexec.Outcome, error)
	queries   []string
}

func (f *fakeExecutor) Execute(ctx context.Context, query string) (dbexec.Outcome, error) {
	f.queries = append(f.queries, query)
	return f.executeFn(ctx, query)
}

const testSchema = `{"tables":[{"actual_name":"Track"}]}`

// newTestAsker builds an Asker over the given fakes, substituting working
// defaults for any nil collaborator.
func newTestAsker(llm *fakeLLM, emb *fakeEmbedder, hist *fakeHistory, exec *fakeExecutor) (*Asker, *fakeLLM, *fakeEmbedder, *fakeHistory, *fakeExecutor) {
	if llm == nil {
		llm = &fakeLLM{completeFn: func(ctx context.Context, model, prompt string, temperature float64) (string, error) {
			return "SELECT 1", nil
		}}
	}
	if emb == nil {
		emb = &fakeEmbedder{available: true}
	}
	if hist == nil {
		hist = &fakeHistory{}
	}
	if exec == nil {
		exec = &fakeExecutor{executeFn: func(ctx context.Context, query string) (dbexec.Outcome, error) {
			return dbexec.RowSet{{"c": int64(1)}}, nil
		}}
	}
	return NewAsker(emb, hist, llm, exec, testSchema, "sql-model", "summary-model"), llm, emb, hist, exec
}

func TestAsk_EndToEnd(t *testing.T) {
	llm := &fakeLLM{completeFn: func(ctx context.Context, model, prompt string, temperature float64) (string, error) {
		switch model {
		case "sql-model":
			if temperature != 0 {
				t.Errorf("sql temperature = %f, want 0", temperature)
			}
			return `SELECT COUNT(*) AS total_count FROM "Track";`, nil
		case "summary-model":
			if temperature != 0.3 {
				t.Errorf("summary temperature = %f, want 0.3", temperature)
			}
			if !strings.Contains(prompt, "total_count") {
				t.Errorf("summary prompt missing result payload:\n%s", prompt)
			}
			return "There are 3503 tracks in the database.", nil
		default:
			return "", errors.New("unexpected model " + model)
		}
	}}
	exec := &fakeExecutor{executeFn: func(ctx context.Context, query string) (dbexec.Outcome, error) {
		return dbexec.RowSet{{"total_count": int64(3503)}}, nil
	}}

	asker, _, _, hist, _ := newTestAsker(llm, nil, nil, exec)
	res, err := asker.Ask(context.Background(), "How many tracks are there?", "s1")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if res.Summary != "There are 3503 tracks in the database." {
		t.Errorf("Summary = %q", res.Summary)
	}
	if res.GeneratedSQL == nil || *res.GeneratedSQL != `SELECT COUNT(*) AS total_count FROM "Track";` {
		t.Errorf("GeneratedSQL = %v", res.GeneratedSQL)
	}
	if _, ok := res.DatabaseResults.(dbexec.RowSet); !ok {
		t.Errorf("DatabaseResults = %T, want RowSet", res.DatabaseResults)
	}
	if res.SessionID != "s1" {
		t.Errorf("SessionID = %q", res.SessionID)
	}

	// The executed query must have the trailing terminator stripped.
	if len(exec.queries) != 1 || exec.queries[0] != `SELECT COUNT(*) AS total_count FROM "Track"` {
		t.Errorf("executed queries = %v", exec.queries)
	}

	// The finished turn is persisted with question, SQL, and summary.
	if len(hist.inserted) != 1 {
		t.Fatalf("inserted %d turns, want 1", len(hist.inserted))
	}
	turn := hist.inserted[0]
	if turn.SessionID != "s1" || turn.UserQuestion != "How many tracks are there?" {
		t.Errorf("turn = %+v", turn)
	}
	if turn.GeneratedSQL != `SELECT COUNT(*) AS total_count FROM "Track";` {
		t.Errorf("turn SQL = %q", turn.GeneratedSQL)
	}
	if turn.NLSummary != res.Summary {
		t.Errorf("turn summary = %q", turn.NLSummary)
	}
	if turn.ID == "" || len(turn.Embedding) == 0 {
		t.Errorf("turn missing ID or embedding: %+v", turn)
	}
}

func TestAsk_Sentinel(t *testing.T) {
	llm := &fakeLLM{completeFn: func(ctx context.Context, model, prompt string, temperature float64) (string, error) {
		// Mixed case: the sentinel is matched case-insensitively.
		return "no_query_possible", nil
	}}
	asker, _, _, hist, exec := newTestAsker(llm, nil, nil, &fakeExecutor{executeFn: func(ctx context.Context, query string) (dbexec.Outcome, error) {
		t.Error("executor must not be called for a declined question")
		return nil, nil
	}})

	res, err := asker.Ask(context.Background(), "What is the meaning of life?", "s1")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Summary != "I'm sorry, I couldn't determine an SQL query to answer that question based on the available data schema." {
		t.Errorf("Summary = %q", res.Summary)
	}
	if res.GeneratedSQL != nil {
		t.Errorf("GeneratedSQL = %q, want nil", *res.GeneratedSQL)
	}
	if len(exec.queries) != 0 {
		t.Errorf("executed queries = %v, want none", exec.queries)
	}
	if len(hist.inserted) != 0 {
		t.Errorf("inserted %d turns, want 0", len(hist.inserted))
	}
}

func TestAsk_EmptyGeneration(t *testing.T) {
	llm := &fakeLLM{completeFn: func(ctx context.Context, model, prompt string, temperature float64) (string, error) {
		return "", nil
	}}
	asker, _, _, _, _ := newTestAsker(llm, nil, nil, nil)

	res, err := asker.Ask(context.Background(), "How many tracks?", "s1")
	if err == nil {
		t.Fatal("expected error for empty generation")
	}
	if res.Summary != "The AI failed to generate an SQL query for your question." {
		t.Errorf("Summary = %q", res.Summary)
	}
}

func TestAsk_GenerationError(t *testing.T) {
	llm := &fakeLLM{completeFn: func(ctx context.Context, model, prompt string, temperature float64) (string, error) {
		return "", errors.New("rate limited after 3 retries")
	}}
	asker, _, _, _, _ := newTestAsker(llm, nil, nil, nil)

	if _, err := asker.Ask(context.Background(), "How many tracks?", "s1"); err == nil {
		t.Fatal("expected error for generation failure")
	}
}

func TestAsk_InQueryError(t *testing.T) {
	llm := &fakeLLM{completeFn: func(ctx context.Context, model, prompt string, temperature float64) (string, error) {
		return "SELECT nope FROM Track", nil
	}}
	exec := &fakeExecutor{executeFn: func(ctx context.Context, query string) (dbexec.Outcome, error) {
		return &dbexec.QueryError{Message: `column "nope" does not exist`, AttemptedQuery: query}, nil
	}}

	asker, _, _, hist, _ := newTestAsker(llm, nil, nil, exec)
	res, err := asker.Ask(context.Background(), "How many nopes?", "s1")
	if err != nil {
		t.Fatalf("in-query failure must not be fatal, got %v", err)
	}
	if res.Summary != `The database query failed. Error: column "nope" does not exist` {
		t.Errorf("Summary = %q", res.Summary)
	}
	if _, ok := res.DatabaseResults.(*dbexec.QueryError); !ok {
		t.Errorf("DatabaseResults = %T, want *QueryError", res.DatabaseResults)
	}
	// Failed turns are persisted too, so the model can avoid repeating them.
	if len(hist.inserted) != 1 {
		t.Errorf("inserted %d turns, want 1", len(hist.inserted))
	}
}

func TestAsk_TransportError(t *testing.T) {
	exec := &fakeExecutor{executeFn: func(ctx context.Context, query string) (dbexec.Outcome, error) {
		return nil, &dbexec.TransportError{Err: errors.New("connection refused")}
	}}

	asker, _, _, hist, _ := newTestAsker(nil, nil, nil, exec)
	res, err := asker.Ask(context.Background(), "How many tracks?", "s1")
	if err == nil {
		t.Fatal("expected error for transport failure")
	}
	if !strings.Contains(res.Summary, "A system error occurred with the database function") {
		t.Errorf("Summary = %q", res.Summary)
	}
	if len(hist.inserted) != 0 {
		t.Errorf("inserted %d turns, want 0", len(hist.inserted))
	}
}

func TestAsk_EmptySet(t *testing.T) {
	exec := &fakeExecutor{executeFn: func(ctx context.Context, query string) (dbexec.Outcome, error) {
		return dbexec.EmptySet{}, nil
	}}

	asker, llm, _, _, _ := newTestAsker(nil, nil, nil, exec)
	res, err := asker.Ask(context.Background(), "Which tracks are 9 hours long?", "s1")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Summary != "The query ran successfully but returned no data." {
		t.Errorf("Summary = %q", res.Summary)
	}
	// Deterministic shapes must not cost a second model call.
	for _, c := range llm.calls {
		if c.model == "summary-model" {
			t.Error("summary model called for empty result set")
		}
	}
}

func TestAsk_StatusMessagePassthrough(t *testing.T) {
	exec := &fakeExecutor{executeFn: func(ctx context.Context, query string) (dbexec.Outcome, error) {
		return dbexec.StatusMessage{Status: "success", Message: "Statement executed."}, nil
	}}

	asker, llm, _, _, _ := newTestAsker(nil, nil, nil, exec)
	res, err := asker.Ask(context.Background(), "Reindex the tracks", "s1")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Summary != "Statement executed." {
		t.Errorf("Summary = %q", res.Summary)
	}
	for _, c := range llm.calls {
		if c.model == "summary-model" {
			t.Error("summary model called for success status message")
		}
	}
}

func TestAsk_SummaryEmptyFallback(t *testing.T) {
	llm := &fakeLLM{completeFn: func(ctx context.Context, model, prompt string, temperature float64) (string, error) {
		if model == "sql-model" {
			return "SELECT 1", nil
		}
		return "", nil
	}}

	asker, _, _, _, _ := newTestAsker(llm, nil, nil, nil)
	res, err := asker.Ask(context.Background(), "How many?", "s1")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Summary != "LLM failed to provide a summary based on the data." {
		t.Errorf("Summary = %q", res.Summary)
	}
}

func TestAsk_EmbedderUnavailable(t *testing.T) {
	emb := &fakeEmbedder{available: false}
	hist := &fakeHistory{searchFn: func(ctx context.Context, sessionID string, vector []float32, threshold float32, limit int) ([]history.Match, error) {
		t.Error("history must not be searched without an embedder")
		return nil, nil
	}}

	asker, llm, _, _, _ := newTestAsker(nil, emb, hist, nil)
	if _, err := asker.Ask(context.Background(), "How many tracks?", "s1"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	// The generation prompt carries no context block.
	if strings.Contains(llm.calls[0].prompt, "For context") {
		t.Error("prompt contains context block without retrieval")
	}
	if len(hist.inserted) != 0 {
		t.Errorf("inserted %d turns, want 0", len(hist.inserted))
	}
}

func TestAsk_RetrievedContextInPrompt(t *testing.T) {
	older := history.Match{Turn: history.Turn{
		UserQuestion: "How many tracks are there?",
		NLSummary:    "There are 3503 tracks.",
		CreatedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}, Similarity: 0.8}
	newer := history.Match{Turn: history.Turn{
		UserQuestion: "How many of them are Rock?",
		NLSummary:    "1297 tracks are in the Rock genre.",
		CreatedAt:    time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC),
	}, Similarity: 0.95}

	hist := &fakeHistory{searchFn: func(ctx context.Context, sessionID string, vector []float32, threshold float32, limit int) ([]history.Match, error) {
		if threshold != 0.72 {
			t.Errorf("threshold = %f, want 0.72", threshold)
		}
		if limit != 3 {
			t.Errorf("limit = %d, want 3", limit)
		}
		// Most-similar first, which is reverse chronological here.
		return []history.Match{newer, older}, nil
	}}

	asker, llm, _, _, _ := newTestAsker(nil, nil, hist, nil)
	if _, err := asker.Ask(context.Background(), "And the longest one?", "s1"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	prompt := llm.calls[0].prompt
	if !strings.Contains(prompt, "For context, here are relevant parts of our previous conversation:") {
		t.Fatalf("prompt missing context header:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Considering the above context, ") {
		t.Error("prompt missing context bridge")
	}
	// Chronological order in the prompt, not similarity order.
	first := strings.Index(prompt, "How many tracks are there?")
	second := strings.Index(prompt, "How many of them are Rock?")
	if first == -1 || second == -1 || first > second {
		t.Errorf("context not in chronological order (indices %d, %d)", first, second)
	}
}

func TestAsk_HistorySearchFailureSoft(t *testing.T) {
	hist := &fakeHistory{searchFn: func(ctx context.Context, sessionID string, vector []float32, threshold float32, limit int) ([]history.Match, error) {
		return nil, errors.New("disk on fire")
	}}

	asker, llm, _, _, _ := newTestAsker(nil, nil, hist, nil)
	res, err := asker.Ask(context.Background(), "How many tracks?", "s1")
	if err != nil {
		t.Fatalf("retrieval failure must be soft, got %v", err)
	}
	if res.Summary == "" {
		t.Error("Summary empty")
	}
	if strings.Contains(llm.calls[0].prompt, "For context") {
		t.Error("prompt contains context block after failed retrieval")
	}
}

func TestAsk_PersistFailureSoft(t *testing.T) {
	emb := &fakeEmbedder{available: true, embedFn: func(ctx context.Context, text string) ([]float32, error) {
		if strings.HasPrefix(text, "User: ") {
			return nil, errors.New("embed down mid-request")
		}
		return []float32{1, 0}, nil
	}}

	asker, _, _, _, _ := newTestAsker(nil, emb, nil, nil)
	res, err := asker.Ask(context.Background(), "How many tracks?", "s1")
	if err != nil {
		t.Fatalf("persistence failure must be soft, got %v", err)
	}
	if res.Summary == "" {
		t.Error("Summary empty")
	}
}
