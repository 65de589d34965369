package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/askdb/askdb/internal/dbexec"
	"github.com/askdb/askdb/internal/history"
	"github.com/askdb/askdb/internal/pipeline"
)

// --- mocks ---

type mockAsker struct {
	askFn func(ctx context.Context, question, sessionID string) (pipeline.Result, error)

	gotQuestion string
	gotSession  string
}

func (m *mockAsker) Ask(ctx context.Context, question, sessionID string) (pipeline.Result, error) {
	m.gotQuestion = question
	m.gotSession = sessionID
	if m.askFn != nil {
		return m.askFn(ctx, question, sessionID)
	}
	sql := "SELECT 1"
	return pipeline.Result{
		Question:        question,
		Summary:         "one row",
		GeneratedSQL:    &sql,
		DatabaseResults: dbexec.RowSet{{"c": 1}},
		SessionID:       sessionID,
	}, nil
}

type mockHistoryReader struct {
	turns []history.Turn
	err   error

	gotLimit int
}

func (m *mockHistoryReader) Recent(_ context.Context, limit int) ([]history.Turn, error) {
	m.gotLimit = limit
	return m.turns, m.err
}

func doRequest(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// --- tests ---

func TestHealth(t *testing.T) {
	h := NewHandler(&mockAsker{}, &mockHistoryReader{})
	rec := doRequest(t, h, "/health")

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestAsk_Success(t *testing.T) {
	asker := &mockAsker{}
	h := NewHandler(asker, &mockHistoryReader{})

	rec := doRequest(t, h, "/ask?question=How+many+tracks%3F&sessionId=s1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	if asker.gotQuestion != "How many tracks?" || asker.gotSession != "s1" {
		t.Errorf("pipeline called with (%q, %q)", asker.gotQuestion, asker.gotSession)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["naturalLanguageSummary"] != "one row" {
		t.Errorf("naturalLanguageSummary = %v", body["naturalLanguageSummary"])
	}
	if body["generatedSql"] != "SELECT 1" {
		t.Errorf("generatedSql = %v", body["generatedSql"])
	}
	if body["sessionId"] != "s1" {
		t.Errorf("sessionId = %v", body["sessionId"])
	}
	if _, present := body["error"]; present {
		t.Errorf("error field present on success: %v", body["error"])
	}
}

func TestAsk_MissingQuestion(t *testing.T) {
	for _, path := range []string{"/ask", "/ask?question=", "/ask?question=%20%20"} {
		rec := doRequest(t, NewHandler(&mockAsker{}, &mockHistoryReader{}), path)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
			continue
		}

		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: decoding body: %v", path, err)
		}
		if body["naturalLanguageSummary"] != "Error: A question is required." {
			t.Errorf("%s: naturalLanguageSummary = %v", path, body["naturalLanguageSummary"])
		}
		if v, ok := body["error"].(string); !ok || v == "" {
			t.Errorf("%s: missing error field", path)
		}
		if v, ok := body["sessionId"].(string); !ok || v == "" {
			t.Errorf("%s: missing sessionId", path)
		}
	}
}

func TestAsk_FallbackSession(t *testing.T) {
	asker := &mockAsker{}
	h := NewHandler(asker, &mockHistoryReader{})

	rec := doRequest(t, h, "/ask?question=hi")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.HasPrefix(asker.gotSession, "fallback_session_") {
		t.Errorf("session = %q, want fallback_session_ prefix", asker.gotSession)
	}
}

func TestAsk_PipelineError(t *testing.T) {
	asker := &mockAsker{askFn: func(ctx context.Context, question, sessionID string) (pipeline.Result, error) {
		return pipeline.Result{
			Question:  question,
			Summary:   "A system error occurred with the database function: connection refused.",
			SessionID: sessionID,
		}, errors.New("invoking execution boundary: connection refused")
	}}
	h := NewHandler(asker, &mockHistoryReader{})

	rec := doRequest(t, h, "/ask?question=hi&sessionId=s1")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["error"] != "ServerError" {
		t.Errorf("error = %v", body["error"])
	}
	if !strings.Contains(body["details"].(string), "connection refused") {
		t.Errorf("details = %v", body["details"])
	}
	if body["naturalLanguageSummary"] == "" {
		t.Error("summary empty on error response")
	}
}

func TestHistory(t *testing.T) {
	hist := &mockHistoryReader{turns: []history.Turn{
		{
			ID:           "t1",
			SessionID:    "s1",
			UserQuestion: "How many tracks?",
			GeneratedSQL: "SELECT COUNT(*) FROM \"Track\"",
			NLSummary:    "3503 tracks.",
			Embedding:    []float32{1, 2, 3},
			CreatedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
	}}
	h := NewHandler(&mockAsker{}, hist)

	rec := doRequest(t, h, "/history")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if hist.gotLimit != defaultHistoryLimit {
		t.Errorf("limit = %d, want default %d", hist.gotLimit, defaultHistoryLimit)
	}

	var views []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d views", len(views))
	}
	if views[0]["id"] != "t1" || views[0]["createdAt"] != "2025-06-01T12:00:00Z" {
		t.Errorf("view = %v", views[0])
	}
	if _, present := views[0]["embedding"]; present {
		t.Error("embedding leaked into history response")
	}
}

func TestHistory_LimitHandling(t *testing.T) {
	hist := &mockHistoryReader{}
	h := NewHandler(&mockAsker{}, hist)

	if rec := doRequest(t, h, "/history?limit=abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("non-numeric limit: status = %d, want 400", rec.Code)
	}
	if rec := doRequest(t, h, "/history?limit=-1"); rec.Code != http.StatusBadRequest {
		t.Errorf("negative limit: status = %d, want 400", rec.Code)
	}

	doRequest(t, h, "/history?limit=500")
	if hist.gotLimit != maxHistoryLimit {
		t.Errorf("limit = %d, want capped %d", hist.gotLimit, maxHistoryLimit)
	}
}

func TestHistory_StoreError(t *testing.T) {
	h := NewHandler(&mockAsker{}, &mockHistoryReader{err: errors.New("disk on fire")})

	rec := doRequest(t, h, "/history")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
