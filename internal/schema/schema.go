// Package schema loads the augmented schema description: a JSON document
// mapping actual database identifiers to semantic names, descriptions,
// relationships, and data-quality hints. The rendered document is injected
// verbatim into every SQL-generation prompt, so it is parsed and validated
// once at startup and treated as immutable afterwards.
package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
)

//go:embed chinook_augmented_schema.json
var defaultSchemaJSON []byte

// Column describes a single column of an augmented table.
type Column struct {
	SemanticName string `json:"semantic_name"`
	ActualName   string `json:"actual_name"`
	DataType     string `json:"data_type"`
	Description  string `json:"description"`
}

// Table describes an augmented table: the actual identifier the generated SQL
// must use, plus the semantic metadata the LLM maps questions onto.
type Table struct {
	SemanticName  string   `json:"semantic_name"`
	ActualName    string   `json:"actual_name"`
	Description   string   `json:"description"`
	Columns       []Column `json:"columns"`
	Relationships []string `json:"relationships"`
}

// Document is the parsed augmented schema.
type Document struct {
	DatabaseDescription string   `json:"database_description"`
	GeneralHints        []string `json:"general_hints"`
	Tables              []Table  `json:"tables"`

	rendered string
}

// Load reads and parses the augmented schema from path. An empty path loads
// the embedded default (Chinook). Parse failures are returned as errors;
// callers treat them as fatal at startup.
func Load(path string) (*Document, error) {
	data := defaultSchemaJSON
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading schema file: %w", err)
		}
	}
	return parse(data)
}

func parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing augmented schema: %w", err)
	}
	if len(doc.Tables) == 0 {
		return nil, fmt.Errorf("augmented schema declares no tables")
	}
	for i, t := range doc.Tables {
		if t.ActualName == "" {
			return nil, fmt.Errorf("table %d (%q) has no actual_name", i, t.SemanticName)
		}
	}

	// Re-render the parsed document so prompts see a stable, pretty-printed
	// form regardless of how the source file was formatted.
	rendered, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("rendering augmented schema: %w", err)
	}
	doc.rendered = string(rendered)
	return &doc, nil
}

// Render returns the pretty-printed JSON form injected into generation prompts.
func (d *Document) Render() string {
	return d.rendered
}
