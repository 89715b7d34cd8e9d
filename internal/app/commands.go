package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"expensesync/internal/config"
	"expensesync/internal/domain"
	"expensesync/internal/logging"
	"expensesync/internal/secret"
	"expensesync/internal/service"
	"expensesync/internal/syncer"
)

// Version is set at build time.
var Version = "dev"

// ErrSourcesFailed is returned by sync commands when any source failed, so
// the process exits non-zero.
var ErrSourcesFailed = errors.New("one or more sources failed")

// cli carries what PersistentPreRunE loads for every subcommand.
type cli struct {
	configPath string
	logLevel   string

	cfg      *config.Config
	log      *zap.SugaredLogger
	flushLog func()
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCommand().ExecuteContext(ctx)
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "expensesync",
		Short:         "Sync expense reference data into a local database",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.flushLog != nil {
				c.flushLog()
			}
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default ~/.expensesync/expensesync.yaml)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(
		c.syncCmd(),
		c.retryCmd(),
		c.sourcesCmd(),
		c.queryCmd(),
		c.runsCmd(),
		c.serveCmd(),
		c.mcpCmd(),
		c.sessionCmd(),
		c.receiptCmd(),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	log, flush, err := logging.New(cfg.Log)
	if err != nil {
		return errors.Wrap(err, "init logging")
	}
	c.cfg, c.log, c.flushLog = cfg, log, flush
	return nil
}

// withApp opens the App for the duration of fn.
func (c *cli) withApp(fn func(a *App) error) error {
	a, err := New(c.cfg, c.log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			c.log.Warnw("close failed", "error", err)
		}
	}()
	return fn(a)
}

// ── sync / retry ───────────────────────────────────────────

func (c *cli) syncCmd() *cobra.Command {
	var in service.RunInput
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync configured sources (required ones unless --force)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Trigger = service.TriggerManual
			return c.withApp(func(a *App) error {
				return runWithProgress(cmd, a, func(ctx context.Context) (*service.RunOutcome, error) {
					return a.Sync.RunSync(ctx, in)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&in.ForceSync, "force", false, "sync every source, not only required ones")
	cmd.Flags().BoolVar(&in.SkipFailed, "skip-failed", false, "continue past failed sources")
	return cmd
}

func (c *cli) retryCmd() *cobra.Command {
	var in service.RunInput
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-run the sources that failed in the latest run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Trigger = service.TriggerRetry
			return c.withApp(func(a *App) error {
				err := runWithProgress(cmd, a, func(ctx context.Context) (*service.RunOutcome, error) {
					return a.Sync.Retry(ctx, in)
				})
				if errors.Is(err, service.ErrNothingToRetry) {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to retry")
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&in.SkipFailed, "skip-failed", true, "continue past sources that fail again")
	return cmd
}

// runWithProgress prints progress events while run executes, then the results.
func runWithProgress(cmd *cobra.Command, a *App, run func(context.Context) (*service.RunOutcome, error)) error {
	p := newPrinter(cmd.OutOrStdout())
	events, unsubscribe := a.Events.Subscribe(64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if ev.Name == syncer.EventProgress {
				if pr, ok := ev.Data.(domain.SyncProgress); ok {
					p.progress(pr)
				}
			}
		}
	}()

	out, err := run(cmd.Context())
	unsubscribe()
	<-done
	if out == nil {
		return err
	}

	p.results(out.Results)
	p.summary(out.Progress, out.RunID)
	if err != nil {
		return err
	}
	if len(domain.FailedResults(out.Results)) > 0 {
		return ErrSourcesFailed
	}
	return nil
}

// ── inspection ─────────────────────────────────────────────

func (c *cli) sourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List configured sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			newPrinter(cmd.OutOrStdout()).sources(c.cfg.Sources)
			return nil
		},
	}
}

func (c *cli) queryCmd() *cobra.Command {
	var column, value string
	var limit int
	cmd := &cobra.Command{
		Use:   "query <table>",
		Short: "Print rows of a synced table as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := args[0]
			if (column == "") != (value == "") {
				return errors.New("--column and --value must be used together")
			}
			return c.withApp(func(a *App) error {
				var rows []domain.Record
				var err error
				if column != "" {
					rows, err = a.DB.QueryEqual(cmd.Context(), table, column, value)
				} else {
					rows, err = a.DB.QueryData(cmd.Context(), table, "")
				}
				if err != nil {
					return err
				}
				if limit > 0 && len(rows) > limit {
					rows = rows[:limit]
				}
				return writeJSON(cmd.OutOrStdout(), rows)
			})
		},
	}
	cmd.Flags().StringVar(&column, "column", "", "filter column")
	cmd.Flags().StringVar(&value, "value", "", "filter value")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows to print")
	return cmd
}

func (c *cli) runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "Show sync run history, or the results of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *App) error {
				p := newPrinter(cmd.OutOrStdout())
				if len(args) == 1 {
					results, err := a.Sync.RunResults(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					p.results(results)
					return nil
				}
				runs, err := a.Sync.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				p.runs(runs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

// ── long-running ───────────────────────────────────────────

func (c *cli) serveCmd() *cobra.Command {
	var now bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled syncs and reload the config on change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.Sync.Schedule == "" && !now {
				return errors.WithHint(errors.New("nothing to serve"),
					"set sync.schedule in the config file or pass --now")
			}
			return c.withApp(func(a *App) error {
				return a.Serve(cmd.Context(), now)
			})
		},
	}
	cmd.Flags().BoolVar(&now, "now", false, "run a sync immediately on start")
	return cmd
}

func (c *cli) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP protocol over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(func(a *App) error {
				return a.ServeMCP(Version)
			})
		},
	}
}

// ── session ────────────────────────────────────────────────

func (c *cli) sessionCmd() *cobra.Command {
	tokens := func() secret.SessionTokens {
		return secret.SessionTokens{Store: newSecretStore(c.cfg.Session)}
	}

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the API session token",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set-token <token|->",
			Short: "Store the bearer token (- reads it from stdin)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				token := args[0]
				if token == "-" {
					b, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return errors.Wrap(err, "read token")
					}
					token = strings.TrimSpace(string(b))
				}
				if token == "" {
					return errors.New("token is empty")
				}
				if err := tokens().SetToken(token); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "session token stored")
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove the stored bearer token",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := tokens().SetToken(""); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "session token cleared")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Report whether a bearer token is stored",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				token, err := tokens().Token()
				if err != nil {
					return err
				}
				if token == "" {
					fmt.Fprintln(cmd.OutOrStdout(), "signed out")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "signed in")
				}
				return nil
			},
		},
	)
	return cmd
}

// ── receipt ────────────────────────────────────────────────

func (c *cli) receiptCmd() *cobra.Command {
	var mime string
	extract := &cobra.Command{
		Use:   "extract <file>",
		Short: "Extract receipt fields from an image via the remote service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrap(err, "read receipt")
			}
			return c.withApp(func(a *App) error {
				out, err := a.Receipts.Extract(cmd.Context(), image, mime)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	extract.Flags().StringVar(&mime, "mime", "", "content type (detected when empty)")

	cmd := &cobra.Command{Use: "receipt", Short: "Receipt tools"}
	cmd.AddCommand(extract)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
