package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"expensesync/internal/config"
	mcpserver "expensesync/internal/mcp"
	"expensesync/internal/service"
	"expensesync/internal/syncer"
)

// Serve keeps the process alive running scheduled syncs and reloading the
// config file on change, until ctx is cancelled.
func (a *App) Serve(ctx context.Context, runNow bool) error {
	events, unsubscribe := a.Events.Subscribe(64)
	defer unsubscribe()
	go logEvents(events, a.Log)

	in := service.RunInput{SkipFailed: a.Config.Sync.SkipFailed}
	if err := a.Sync.Schedule(ctx, a.Config.Sync.Schedule, in); err != nil {
		return err
	}
	defer a.Sync.Stop()

	if a.Config.File != "" {
		schedule := a.Config.Sync.Schedule
		err := config.Watch(ctx, a.Config.File, a.Log, func(c *config.Config) {
			a.Sync.SetSources(c.Sources)
			if c.Sync.Schedule != schedule {
				schedule = c.Sync.Schedule
				if err := a.Sync.Schedule(ctx, schedule, service.RunInput{SkipFailed: c.Sync.SkipFailed}); err != nil {
					a.Log.Warnw("reschedule failed", "schedule", schedule, "error", err)
				}
			}
		})
		if err != nil {
			a.Log.Warnw("config hot reload disabled", "error", err)
		}
	}

	if runNow {
		go a.Sync.RunScheduled(ctx, service.RunInput{Trigger: service.TriggerSchedule, SkipFailed: in.SkipFailed})
	}
	a.Log.Infow("serving", "schedule", a.Config.Sync.Schedule, "sources", len(a.Sync.Sources()))

	<-ctx.Done()
	a.Log.Infow("shutting down")
	if a.Sync.Running() {
		a.Sync.StopSync()
		waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.Sync.WaitRunning(waitCtx)
	}
	return nil
}

func logEvents(events <-chan service.Event, log *zap.SugaredLogger) {
	for ev := range events {
		switch ev.Name {
		case syncer.EventSourceComplete:
			log.Debugw("source complete", "result", ev.Data)
		case syncer.EventFinished:
			if out, ok := ev.Data.(*service.RunOutcome); ok {
				log.Infow("run finished", "run", out.RunID, "status", out.Progress.Status,
					"completed", out.Progress.Completed, "failed", out.Progress.Failed)
			}
		}
	}
}

// ServeMCP runs the MCP server on stdin/stdout. Logs go to stderr only.
func (a *App) ServeMCP(version string) error {
	srv := mcpserver.New(mcpserver.Deps{
		Sync:   a.Sync,
		Tables: a.DB,
		Log:    a.Log.Named("mcp"),
	}, version)
	return srv.ServeStdio()
}
