// Package knowledge implements the knowledge-base lookup tool: keyword
// search over locally stored reference documents.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/prompterhq/prompter/internal/cast"
)

const maxResults = 5

// Tool searches the knowledge_documents table. It is a static tool: no
// external client, safe to share across runs.
type Tool struct {
	db *sql.DB
}

// New creates the knowledge tool over the given database handle.
func New(db *sql.DB) (*Tool, error) {
	if db == nil {
		return nil, errors.New("knowledge tool requires a database")
	}
	return &Tool{db: db}, nil
}

// AddDocument stores a reference document. Used by seeding and tests; the
// serving path is read-only.
func (t *Tool) AddDocument(ctx context.Context, title, content string) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO knowledge_documents (title, content) VALUES (?, ?)`, title, content)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (t *Tool) Name() string { return "knowledge" }

func (t *Tool) Description() string {
	return "Search the local knowledge base for reference documents matching a query."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Keywords to search for."}
		},
		"required": ["query"],
		"additionalProperties": false
	}`)
}

type knowledgeArgs struct {
	Query string `json:"query"`
}

// Execute runs a keyword search, matching the query against titles and
// content.
func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*cast.ToolResult, error) {
	var args knowledgeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return &cast.ToolResult{Content: "invalid arguments: " + err.Error(), IsError: true}, nil
	}
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return &cast.ToolResult{Content: "query cannot be empty", IsError: true}, nil
	}

	pattern := "%" + query + "%"
	rows, err := t.db.QueryContext(ctx,
		`SELECT title, content FROM knowledge_documents
		 WHERE title LIKE ? OR content LIKE ?
		 ORDER BY id LIMIT ?`,
		pattern, pattern, maxResults)
	if err != nil {
		return &cast.ToolResult{Content: "search failed: " + err.Error(), IsError: true}, nil
	}
	defer rows.Close()

	var b strings.Builder
	count := 0
	for rows.Next() {
		var title, content string
		if err := rows.Scan(&title, &content); err != nil {
			return &cast.ToolResult{Content: "search failed: " + err.Error(), IsError: true}, nil
		}
		count++
		fmt.Fprintf(&b, "## %s\n%s\n\n", title, content)
	}
	if err := rows.Err(); err != nil {
		return &cast.ToolResult{Content: "search failed: " + err.Error(), IsError: true}, nil
	}
	if count == 0 {
		return &cast.ToolResult{Content: fmt.Sprintf("no documents match %q", query)}, nil
	}
	return &cast.ToolResult{Content: strings.TrimSpace(b.String())}, nil
}
