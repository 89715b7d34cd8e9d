package mcpserver

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"

	"expensesync/internal/service"
	"expensesync/internal/syncer"
)

func (s *Server) registerSyncTools() {
	s.mcp.AddTool(mcp.NewTool("list_sources",
		mcp.WithDescription("List the configured sync sources with their endpoints, tables and whether they are required"),
	), s.handleListSources)

	s.mcp.AddTool(mcp.NewTool("start_sync",
		mcp.WithDescription("Run a sync now. By default only required sources run and the first failure stops the run."),
		mcp.WithBoolean("force", mcp.Description("Sync every source, not only required ones")),
		mcp.WithBoolean("skipFailed", mcp.Description("Keep going after a source fails")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(false)}),
	), s.handleStartSync)

	s.mcp.AddTool(mcp.NewTool("stop_sync",
		mcp.WithDescription("Pause the active sync after the source in flight"),
	), s.handleStopSync)

	s.mcp.AddTool(mcp.NewTool("sync_progress",
		mcp.WithDescription("Current sync progress: totals, completed, failed, current source and status"),
	), s.handleSyncProgress)

	s.mcp.AddTool(mcp.NewTool("retry_failed",
		mcp.WithDescription("Re-run only the sources that failed in the most recent run"),
		mcp.WithBoolean("skipFailed", mcp.Description("Keep going after a source fails")),
	), s.handleRetryFailed)

	s.mcp.AddTool(mcp.NewTool("list_runs",
		mcp.WithDescription("List recent sync runs, or the per-source results of one run"),
		mcp.WithNumber("limit", mcp.Description("Max runs to return (default 20)")),
		mcp.WithString("runId", mcp.Description("Return the source results of this run instead")),
	), s.handleListRuns)
}

func (s *Server) handleListSources(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.sync.Sources())
}

func (s *Server) handleStartSync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	out, err := s.sync.RunSync(ctx, service.RunInput{
		Trigger:    service.TriggerMCP,
		ForceSync:  boolArg(args, "force"),
		SkipFailed: boolArg(args, "skipFailed"),
	})
	if errors.Is(err, syncer.ErrSyncInProgress) {
		return textResult("A sync is already running; use sync_progress to follow it"), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "start sync")
	}
	return jsonResult(out)
}

func (s *Server) handleStopSync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.sync.Running() {
		return textResult("no sync is running"), nil
	}
	s.sync.StopSync()
	return jsonResult(s.sync.Progress())
}

func (s *Server) handleSyncProgress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.sync.Progress())
}

func (s *Server) handleRetryFailed(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	out, err := s.sync.Retry(ctx, service.RunInput{
		Trigger:    service.TriggerRetry,
		SkipFailed: boolArg(args, "skipFailed"),
	})
	switch {
	case errors.Is(err, service.ErrNothingToRetry):
		return textResult("Nothing to retry: the last run had no failed sources"), nil
	case errors.Is(err, syncer.ErrSyncInProgress):
		return textResult("A sync is already running; use sync_progress to follow it"), nil
	case err != nil:
		return nil, errors.Wrap(err, "retry failed sources")
	}
	return jsonResult(out)
}

func (s *Server) handleListRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if runID := req.GetString("runId", ""); runID != "" {
		results, err := s.sync.RunResults(ctx, runID)
		if err != nil {
			return nil, err
		}
		return jsonResult(results)
	}
	runs, err := s.sync.ListRuns(ctx, intArg(req.GetArguments(), "limit", 20))
	if err != nil {
		return nil, err
	}
	return jsonResult(runs)
}
