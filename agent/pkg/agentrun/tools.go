package agentrun

import (
	"context"
	"fmt"
	"regexp"

	"github.com/anthropics/anthropic-sdk-go"
)

// ToolListTables, ToolSampleRows, ToolExecuteSQL are the warehouse tools
// exposed to the agent.
const (
	ToolListTables = "list_tables"
	ToolSampleRows = "sample_rows"
	ToolExecuteSQL = "execute_sql"
)

// QueryResult is one executed query's outcome.
type QueryResult struct {
	SQL       string
	Columns   []string
	Rows      []map[string]any
	Count     int
	Formatted string
}

// Querier executes SQL against the warehouse.
type Querier interface {
	Query(ctx context.Context, sql string) (*QueryResult, error)
}

// SchemaFetcher returns a textual description of the warehouse schema.
type SchemaFetcher interface {
	FetchSchema(ctx context.Context) (string, error)
}

const (
	defaultSampleLimit = 10
	maxSampleLimit     = 100
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// WarehouseTools executes the agent's warehouse tools against a Querier and
// SchemaFetcher.
type WarehouseTools struct {
	Querier Querier
	Schema  SchemaFetcher
}

// Execute runs one tool call and returns its textual result for the model.
func (w *WarehouseTools) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case ToolListTables:
		schema, err := w.Schema.FetchSchema(ctx)
		if err != nil {
			return "", fmt.Errorf("list tables: %w", err)
		}
		return schema, nil

	case ToolSampleRows:
		table, ok := args["table"].(string)
		if !ok || table == "" {
			return "", fmt.Errorf("sample rows: missing table argument")
		}
		if !identRe.MatchString(table) {
			return "", fmt.Errorf("sample rows: invalid table name %q", table)
		}
		limit := defaultSampleLimit
		if v, ok := args["limit"].(float64); ok && v > 0 {
			limit = int(v)
		}
		if limit > maxSampleLimit {
			limit = maxSampleLimit
		}
		res, err := w.Querier.Query(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", table, limit))
		if err != nil {
			return "", fmt.Errorf("sample rows from %s: %w", table, err)
		}
		return res.Formatted, nil

	case ToolExecuteSQL:
		sql, ok := args["sql"].(string)
		if !ok || sql == "" {
			return "", fmt.Errorf("execute sql: missing sql argument")
		}
		res, err := w.Querier.Query(ctx, sql)
		if err != nil {
			return "", fmt.Errorf("execute sql: %w", err)
		}
		return res.Formatted, nil
	}
	return "", fmt.Errorf("unknown tool %q", name)
}

// Definitions returns the tool declarations sent to the model.
func (w *WarehouseTools) Definitions() []anthropic.ToolUnionParam {
	return []anthropic.ToolUnionParam{
		{OfTool: &anthropic.ToolParam{
			Name:        ToolListTables,
			Description: anthropic.String("List the warehouse tables and their columns."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]any{},
			},
		}},
		{OfTool: &anthropic.ToolParam{
			Name:        ToolSampleRows,
			Description: anthropic.String("Preview a small number of rows from one table."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]any{
					"table": map[string]any{
						"type":        "string",
						"description": "Table to sample",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Rows to return (default 10, max 100)",
					},
				},
				Required: []string{"table"},
			},
		}},
		{OfTool: &anthropic.ToolParam{
			Name:        ToolExecuteSQL,
			Description: anthropic.String("Run a SQL query against the warehouse and return the results."),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]any{
					"sql": map[string]any{
						"type":        "string",
						"description": "SQL query to execute",
					},
				},
				Required: []string{"sql"},
			},
		}},
	}
}
