package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	sourcesURI  = "expensesync://sources"
	progressURI = "expensesync://progress"
)

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource(
		sourcesURI,
		"Configured Sources",
		mcp.WithMIMEType("application/json"),
	), s.handleSourcesResource)

	s.mcp.AddResource(mcp.NewResource(
		progressURI,
		"Sync Progress",
		mcp.WithMIMEType("application/json"),
	), s.handleProgressResource)
}

func (s *Server) handleSourcesResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(sourcesURI, s.sync.Sources())
}

func (s *Server) handleProgressResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(progressURI, s.sync.Progress())
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
