package pipeline

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/askdb/askdb/internal/history"
)

// NoQuerySentinel is the literal the generation model must emit when no SQL
// query can answer the question. Matched case-insensitively.
const NoQuerySentinel = "NO_QUERY_POSSIBLE"

const sqlInstructions = `You are an expert PostgreSQL data analyst. Your SOLE TASK is to convert the CURRENT user question into a single, valid, executable PostgreSQL query based on the provided database schema description.
DO NOT provide any explanations, apologies, or conversational text before or after the SQL query.
Your entire response MUST be ONLY the SQL query itself.
If you cannot generate a query from the given schema for the question, or if the question is unanswerable with SQL, respond with only the text: '` + NoQuerySentinel + `'

The schema contains tables and columns with non-obvious 'actual_name's; you MUST use these 'actual_name's in the generated SQL.
Rely on the 'semantic_name' and 'description' fields to map user questions to the correct database entities.
Pay close attention to data types, relationships, and 'general_hints' for dirty data or transformations.
If the user asks for a count or a single aggregate value, alias the result column (e.g., SELECT COUNT(*) AS total_count).
If previous conversation context is provided, pay close attention to pronouns (like 'it', 'them', 'these') and references to entities or filters mentioned in earlier turns. The "Current User Question" should be interpreted in light of this context to ensure continuity.
Ensure all subqueries are syntactically correct and do not include unnecessary aliases if used directly in expression contexts.`

// buildSQLPrompt assembles the generation prompt: optional retrieved context
// first, then the fixed instruction block, the rendered schema, and the
// current question.
func buildSQLPrompt(question, contextText, schemaJSON string) string {
	var sb strings.Builder
	if contextText != "" {
		sb.WriteString(contextText)
		sb.WriteString("\n\nConsidering the above context, ")
	}
	sb.WriteString(sqlInstructions)
	sb.WriteString("\n\nDatabase Schema Description:\n")
	sb.WriteString(schemaJSON)
	sb.WriteString("\n\nCurrent User Question: ")
	sb.WriteString(question)
	sb.WriteString("\n\nPostgreSQL Query:")
	return sb.String()
}

// renderContext turns retrieved matches into the context block prepended to
// the generation prompt. Similarity selected the matches; chronological order
// presents them, so earlier clarifications precede later ones.
func renderContext(matches []history.Match) string {
	if len(matches) == 0 {
		return ""
	}

	ordered := make([]history.Match, len(matches))
	copy(ordered, matches)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	entries := make([]string, len(ordered))
	for i, m := range ordered {
		entries[i] = fmt.Sprintf("User asked: %q\nYou previously answered: %q", m.UserQuestion, m.NLSummary)
	}
	return "For context, here are relevant parts of our previous conversation:\n" +
		strings.Join(entries, "\n---\n")
}

// maxPayloadChars bounds the JSON rendering of query results inside the
// summarization prompt to keep token cost predictable.
const maxPayloadChars = 3000

// buildSummaryPrompt assembles the summarization prompt from the question,
// the executed (cleaned) SQL, and the size-bounded JSON payload.
func buildSummaryPrompt(question, executedSQL, payloadJSON string) string {
	if len(payloadJSON) > maxPayloadChars {
		payloadJSON = payloadJSON[:maxPayloadChars] + "..."
	}
	return fmt.Sprintf(`User's question: %q
SQL executed: %q
Data (JSON, truncated): %s
Provide a concise, natural language answer based on this. If the data indicates an error or is unusual, explain that.
Answer:`, question, executedSQL, payloadJSON)
}

var trailingTerminator = regexp.MustCompile(`\s*;\s*$`)

// stripTerminator removes exactly one trailing statement terminator and its
// surrounding whitespace. The execution boundary mishandles terminated or
// batched statements, so the terminator must go; internal semicolons are the
// query's own business and stay untouched.
func stripTerminator(query string) string {
	return trailingTerminator.ReplaceAllString(query, "")
}
