package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"expensesync/internal/domain"
	"expensesync/internal/service"
)

// TableReader reads synced tables.
type TableReader interface {
	Columns(ctx context.Context, table string) ([]string, error)
	QueryData(ctx context.Context, table, where string, args ...any) ([]domain.Record, error)
	QueryEqual(ctx context.Context, table, column string, value any) ([]domain.Record, error)
}

// Server exposes the sync service to MCP clients as tools and resources.
type Server struct {
	mcp    *server.MCPServer
	sync   *service.SyncService
	tables TableReader
	log    *zap.SugaredLogger
}

// Deps holds what the app layer injects.
type Deps struct {
	Sync   *service.SyncService
	Tables TableReader
	Log    *zap.SugaredLogger
}

// New creates and configures the MCP server.
func New(deps Deps, version string) *Server {
	log := deps.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		sync:   deps.Sync,
		tables: deps.Tables,
		log:    log,
	}

	s.mcp = server.NewMCPServer(
		"expensesync-mcp",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
	)

	s.registerSyncTools()
	s.registerDataTools()
	s.registerResources()
	return s
}

// ServeStdio serves MCP on stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	s.log.Infow("starting MCP stdio server")
	return server.ServeStdio(s.mcp)
}

// ── Helpers ────────────────────────────────────────────────

// textResult creates a simple text tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

// jsonResult serializes v to JSON and wraps it in a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal result")
	}
	return textResult(string(data)), nil
}

func boolPtr(v bool) *bool { return &v }

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func intArg(args map[string]any, key string, def int) int {
	if v, ok := args[key].(float64); ok && v > 0 {
		return int(v)
	}
	return def
}
