package agentrun

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeQuerier struct {
	lastSQL string
	result  *QueryResult
	err     error
}

func (f *fakeQuerier) Query(ctx context.Context, sql string) (*QueryResult, error) {
	f.lastSQL = sql
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &QueryResult{SQL: sql, Formatted: "1 row"}, nil
}

type fakeSchema struct {
	schema string
	err    error
}

func (f *fakeSchema) FetchSchema(ctx context.Context) (string, error) {
	return f.schema, f.err
}

func TestWarehouseToolsListTables(t *testing.T) {
	w := &WarehouseTools{Schema: &fakeSchema{schema: "work_orders: id, status, closed_at"}}

	out, err := w.Execute(context.Background(), ToolListTables, nil)
	require.NoError(t, err)
	require.Equal(t, "work_orders: id, status, closed_at", out)
}

func TestWarehouseToolsSampleRows(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]any
		wantSQL string
		wantErr bool
	}{
		{
			name:    "default limit",
			args:    map[string]any{"table": "invoices"},
			wantSQL: "SELECT * FROM invoices LIMIT 10",
		},
		{
			name:    "explicit limit",
			args:    map[string]any{"table": "invoices", "limit": float64(25)},
			wantSQL: "SELECT * FROM invoices LIMIT 25",
		},
		{
			name:    "limit capped",
			args:    map[string]any{"table": "invoices", "limit": float64(5000)},
			wantSQL: "SELECT * FROM invoices LIMIT 100",
		},
		{
			name:    "qualified table name",
			args:    map[string]any{"table": "analytics.work_orders"},
			wantSQL: "SELECT * FROM analytics.work_orders LIMIT 10",
		},
		{name: "missing table", args: map[string]any{}, wantErr: true},
		{name: "injection rejected", args: map[string]any{"table": "invoices; DROP TABLE x"}, wantErr: true},
		{name: "quoted name rejected", args: map[string]any{"table": `"invoices"`}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQuerier{}
			w := &WarehouseTools{Querier: q}
			_, err := w.Execute(context.Background(), ToolSampleRows, tt.args)
			if tt.wantErr {
				require.Error(t, err)
				require.Empty(t, q.lastSQL)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantSQL, q.lastSQL)
		})
	}
}

func TestWarehouseToolsExecuteSQL(t *testing.T) {
	q := &fakeQuerier{result: &QueryResult{Formatted: "count(): 42"}}
	w := &WarehouseTools{Querier: q}

	out, err := w.Execute(context.Background(), ToolExecuteSQL,
		map[string]any{"sql": "SELECT count() FROM work_orders"})
	require.NoError(t, err)
	require.Equal(t, "count(): 42", out)
	require.Equal(t, "SELECT count() FROM work_orders", q.lastSQL)

	_, err = w.Execute(context.Background(), ToolExecuteSQL, map[string]any{})
	require.Error(t, err)
}

func TestWarehouseToolsQueryError(t *testing.T) {
	q := &fakeQuerier{err: errors.New("table not found")}
	w := &WarehouseTools{Querier: q}

	_, err := w.Execute(context.Background(), ToolExecuteSQL, map[string]any{"sql": "SELECT 1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "table not found")
}

func TestWarehouseToolsUnknownTool(t *testing.T) {
	w := &WarehouseTools{}
	_, err := w.Execute(context.Background(), "drop_database", nil)
	require.Error(t, err)
}

func TestWarehouseToolsDefinitions(t *testing.T) {
	w := &WarehouseTools{}
	defs := w.Definitions()
	require.Len(t, defs, 3)

	names := make([]string, 0, len(defs))
	for _, d := range defs {
		require.NotNil(t, d.OfTool)
		names = append(names, d.OfTool.Name)
	}
	require.Equal(t, []string{ToolListTables, ToolSampleRows, ToolExecuteSQL}, names)
}
