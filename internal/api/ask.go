package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/askdb/askdb/internal/history"
	"github.com/askdb/askdb/internal/pipeline"
)

// AskPipeline abstracts the question-answering pipeline for the HTTP and MCP
// layers.
type AskPipeline interface {
	Ask(ctx context.Context, question, sessionID string) (pipeline.Result, error)
}

// HistoryReader abstracts turn listing for the /history endpoint and the MCP
// recent-history resource.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Turn, error)
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// NewHandler returns the askdb HTTP API.
func NewHandler(asker AskPipeline, hist HistoryReader) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/ask", handleAsk(asker))
	r.Get("/history", handleHistory(hist))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleAsk(asker AskPipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		question := r.URL.Query().Get("question")
		sessionID := r.URL.Query().Get("sessionId")
		if sessionID == "" {
			sessionID = fallbackSessionID()
		}

		if strings.TrimSpace(question) == "" {
			writeJSON(w, http.StatusBadRequest, pipeline.Result{
				Question:  question,
				Summary:   "Error: A question is required.",
				SessionID: sessionID,
				ErrorKind: "Missing or invalid 'question' query parameter.",
			})
			return
		}

		slog.Info("ask request", "session_id", sessionID, "question", question)

		res, err := asker.Ask(r.Context(), question, sessionID)
		if err != nil {
			slog.Error("pipeline failed", "session_id", sessionID, "error", err)
			res.ErrorKind = "ServerError"
			res.Details = err.Error()
			writeJSON(w, http.StatusInternalServerError, res)
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

// turnView is the wire form of a stored turn; the embedding stays internal.
type turnView struct {
	ID           string `json:"id"`
	SessionID    string `json:"sessionId"`
	UserQuestion string `json:"userQuestion"`
	GeneratedSQL string `json:"generatedSql"`
	NLSummary    string `json:"nlSummary"`
	CreatedAt    string `json:"createdAt"`
}

func handleHistory(hist HistoryReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				httpError(w, http.StatusBadRequest, "invalid limit %q", raw)
				return
			}
			limit = min(parsed, maxHistoryLimit)
		}

		turns, err := hist.Recent(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "listing history: %v", err)
			return
		}

		views := make([]turnView, len(turns))
		for i, t := range turns {
			views[i] = turnView{
				ID:           t.ID,
				SessionID:    t.SessionID,
				UserQuestion: t.UserQuestion,
				GeneratedSQL: t.GeneratedSQL,
				NLSummary:    t.NLSummary,
				CreatedAt:    t.CreatedAt.Format(time.RFC3339),
			}
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// fallbackSessionID builds the session key used when the caller supplies none.
func fallbackSessionID() string {
	return fmt.Sprintf("fallback_session_%d", time.Now().UnixMilli())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response failed", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}
