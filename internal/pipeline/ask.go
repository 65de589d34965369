// Package pipeline orchestrates one question-answering transaction: retrieve
// relevant prior turns, translate the question to SQL, execute it, summarize
// the result, and persist the turn for future retrieval. Every stage below
// the fatal tiers degrades instead of aborting so the caller always receives
// a populated summary.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/askdb/askdb/internal/dbexec"
	"github.com/askdb/askdb/internal/history"
)

// Fixed retrieval policy: a closed similarity band keeps low-relevance noise
// out of the prompt, and a small cap bounds prompt-token cost.
const (
	similarityThreshold = 0.72
	maxContextTurns     = 3
)

const (
	sqlTemperature     = 0.0
	summaryTemperature = 0.3
)

// Completer abstracts the chat-completion service.
type Completer interface {
	Complete(ctx context.Context, model, prompt string, temperature float64) (string, error)
}

// Embedder abstracts the lazily-initialized embedding provider.
type Embedder interface {
	Available(ctx context.Context) bool
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HistoryStore abstracts the conversation-turn store.
type HistoryStore interface {
	Search(ctx context.Context, sessionID string, vector []float32, threshold float32, limit int) ([]history.Match, error)
	Insert(ctx context.Context, t history.Turn) error
}

// Executor abstracts the dynamic-SQL execution boundary.
type Executor interface {
	Execute(ctx context.Context, query string) (dbexec.Outcome, error)
}

// Result is the response contract for one pipeline run. Summary is always
// populated, even on failure; GeneratedSQL and DatabaseResults stay null when
// the corresponding stage never produced them.
type Result struct {
	Question        string         `json:"question"`
	Summary         string         `json:"naturalLanguageSummary"`
	GeneratedSQL    *string        `json:"generatedSql"`
	DatabaseResults dbexec.Outcome `json:"databaseResults"`
	SessionID       string         `json:"sessionId"`
	ErrorKind       string         `json:"error,omitempty"`
	Details         string         `json:"details,omitempty"`
}

// Asker sequences the pipeline stages. Safe for concurrent use; per-request
// state lives on the stack.
type Asker struct {
	embedder     Embedder
	history      HistoryStore
	llm          Completer
	executor     Executor
	schemaJSON   string
	sqlModel     string
	summaryModel string
}

// NewAsker wires the pipeline to its collaborators. schemaJSON is the
// rendered augmented schema injected into every generation prompt.
func NewAsker(embedder Embedder, hist HistoryStore, llm Completer, executor Executor, schemaJSON, sqlModel, summaryModel string) *Asker {
	return &Asker{
		embedder:     embedder,
		history:      hist,
		llm:          llm,
		executor:     executor,
		schemaJSON:   schemaJSON,
		sqlModel:     sqlModel,
		summaryModel: summaryModel,
	}
}

// Ask runs the full pipeline for one question. A non-nil error means a fatal
// tier failed (generation produced nothing, or a transport broke); the
// returned Result still carries an explanatory summary for the error body.
func (a *Asker) Ask(ctx context.Context, question, sessionID string) (Result, error) {
	res := Result{Question: question, SessionID: sessionID}

	// 1. Retrieval: best-effort; any failure just means an unenriched prompt.
	contextText := a.retrieveContext(ctx, question, sessionID)

	// 2. SQL generation.
	generated, err := a.llm.Complete(ctx, a.sqlModel, buildSQLPrompt(question, contextText, a.schemaJSON), sqlTemperature)
	if err != nil {
		err = fmt.Errorf("generating SQL with %s: %w", a.sqlModel, err)
		res.Summary = err.Error()
		return res, err
	}
	if generated == "" {
		res.Summary = "The AI failed to generate an SQL query for your question."
		return res, errors.New("completion service returned no SQL")
	}
	if strings.EqualFold(generated, NoQuerySentinel) {
		slog.Info("generation declined question", "session_id", sessionID)
		res.Summary = "I'm sorry, I couldn't determine an SQL query to answer that question based on the available data schema."
		return res, nil
	}
	res.GeneratedSQL = &generated

	// 3. Execution. Transport failures abort; in-query failures continue as
	// an Outcome the user still gets an explanation for.
	cleaned := stripTerminator(generated)
	outcome, err := a.executor.Execute(ctx, cleaned)
	if err != nil {
		err = fmt.Errorf("invoking execution boundary: %w", err)
		res.Summary = fmt.Sprintf("A system error occurred with the database function: %v.", err)
		return res, err
	}
	res.DatabaseResults = outcome

	// 4. Summarization.
	summary, err := a.summarize(ctx, question, cleaned, outcome)
	if err != nil {
		err = fmt.Errorf("summarizing with %s: %w", a.summaryModel, err)
		res.Summary = err.Error()
		return res, err
	}
	res.Summary = summary

	// 5. Persistence: fire-and-forget, never alters the response.
	a.persist(ctx, sessionID, question, generated, summary)

	return res, nil
}

// retrieveContext embeds the question and renders similar prior turns from
// the same session into prompt text. Returns "" when the embedding provider
// is unavailable, nothing matches, or any step fails.
func (a *Asker) retrieveContext(ctx context.Context, question, sessionID string) string {
	if !a.embedder.Available(ctx) {
		slog.Warn("embedding provider unavailable; skipping history retrieval")
		return ""
	}

	vec, err := a.embedder.Embed(ctx, question)
	if err != nil {
		slog.Warn("embedding question failed; skipping history retrieval", "error", err)
		return ""
	}

	matches, err := a.history.Search(ctx, sessionID, vec, similarityThreshold, maxContextTurns)
	if err != nil {
		slog.Warn("history search failed; skipping history retrieval", "session_id", sessionID, "error", err)
		return ""
	}
	if len(matches) == 0 {
		slog.Debug("no sufficiently relevant history for session", "session_id", sessionID)
		return ""
	}

	slog.Debug("retrieved history context", "session_id", sessionID, "matches", len(matches))
	return renderContext(matches)
}

// summarize classifies the execution outcome and produces the final answer.
// Only substantive payloads (row sets, opaque values) justify a second model
// call; deterministic shapes get deterministic text.
func (a *Asker) summarize(ctx context.Context, question, executedSQL string, outcome dbexec.Outcome) (string, error) {
	switch v := outcome.(type) {
	case *dbexec.QueryError:
		return fmt.Sprintf("The database query failed. Error: %s", v.Message), nil
	case dbexec.EmptySet:
		return "The query ran successfully but returned no data.", nil
	case dbexec.RowSet:
		return a.summarizeWithLLM(ctx, question, executedSQL, v)
	case dbexec.StatusMessage:
		if v.Status == "success" && v.Message != "" {
			return v.Message, nil
		}
		return a.summarizeWithLLM(ctx, question, executedSQL, v)
	case dbexec.Opaque:
		return a.summarizeWithLLM(ctx, question, executedSQL, v)
	case nil:
		return "The query was processed, but no clear results were returned from the database.", nil
	default:
		// A new Outcome variant without a classification decision; summarize
		// best-effort rather than dropping the payload silently.
		slog.Warn("unclassified execution outcome", "type", fmt.Sprintf("%T", outcome))
		return a.summarizeWithLLM(ctx, question, executedSQL, v)
	}
}

func (a *Asker) summarizeWithLLM(ctx context.Context, question, executedSQL string, payload any) (string, error) {
	rendered, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("rendering payload: %w", err)
	}

	summary, err := a.llm.Complete(ctx, a.summaryModel, buildSummaryPrompt(question, executedSQL, string(rendered)), summaryTemperature)
	if err != nil {
		return "", err
	}
	if summary == "" {
		return "LLM failed to provide a summary based on the data.", nil
	}
	return summary, nil
}

// persist embeds the finished turn and appends it to history. Runs only when
// the provider is available and a query was actually generated; failures are
// logged and never surface to the caller. Turns whose query failed in-query
// are stored too, error-derived summary included, so the model can avoid
// repeating a bad generation within the session.
func (a *Asker) persist(ctx context.Context, sessionID, question, generatedSQL, summary string) {
	if question == "" || generatedSQL == "" {
		return
	}
	if !a.embedder.Available(ctx) {
		slog.Warn("embedding provider unavailable; skipping history persistence")
		return
	}

	text := fmt.Sprintf("User: %s\nSQL: %s\nAgent Answer: %s", question, generatedSQL, summary)
	vec, err := a.embedder.Embed(ctx, text)
	if err != nil {
		slog.Error("embedding history turn failed", "session_id", sessionID, "error", err)
		return
	}

	turn := history.Turn{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		UserQuestion: question,
		GeneratedSQL: generatedSQL,
		NLSummary:    summary,
		Embedding:    vec,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.history.Insert(ctx, turn); err != nil {
		slog.Error("storing history turn failed", "session_id", sessionID, "error", err)
		return
	}
	slog.Debug("history turn stored", "session_id", sessionID, "turn_id", turn.ID)
}
