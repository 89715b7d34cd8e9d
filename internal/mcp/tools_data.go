package mcpserver

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"

	"expensesync/internal/domain"
)

func (s *Server) registerDataTools() {
	s.mcp.AddTool(mcp.NewTool("query_table",
		mcp.WithDescription("Read rows from a synced table, optionally filtered by one column equal to a value"),
		mcp.WithString("table", mcp.Description("Table name of a configured source"), mcp.Required()),
		mcp.WithString("column", mcp.Description("Column to filter on (optional)")),
		mcp.WithString("value", mcp.Description("Value the column must equal")),
		mcp.WithNumber("limit", mcp.Description("Max rows to return (default 100)")),
	), s.handleQueryTable)
}

func (s *Server) handleQueryTable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	table := req.GetString("table", "")
	if table == "" {
		return nil, errors.New("table is required")
	}
	if !s.knownTable(table) {
		return nil, errors.Newf("table %q does not belong to a configured source", table)
	}

	cols, err := s.tables.Columns(ctx, table)
	if err != nil {
		return nil, err
	}

	var rows []domain.Record
	if column := req.GetString("column", ""); column != "" {
		if !contains(cols, column) {
			return nil, errors.Newf("unknown column %q (have %s)", column, strings.Join(cols, ", "))
		}
		rows, err = s.tables.QueryEqual(ctx, table, column, req.GetString("value", ""))
	} else {
		rows, err = s.tables.QueryData(ctx, table, "")
	}
	if err != nil {
		return nil, err
	}
	limit := intArg(args, "limit", 100)
	total := len(rows)
	if total > limit {
		rows = rows[:limit]
	}
	return jsonResult(map[string]any{
		"table":   table,
		"columns": cols,
		"rows":    rows,
		"total":   total,
	})
}

func (s *Server) knownTable(table string) bool {
	for _, src := range s.sync.Sources() {
		if src.TableName == table {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
