package app

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"expensesync/internal/domain"
	"expensesync/internal/storage"
)

// Theme holds the colors used for terminal output.
type Theme struct {
	Accent  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

var defaultTheme = Theme{
	Accent:  lipgloss.Color("#5FAFD7"),
	Success: lipgloss.Color("#00D787"),
	Error:   lipgloss.Color("#FF005F"),
	Hint:    lipgloss.Color("#6C6C6C"),
}

func (t Theme) header() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Accent).Bold(true)
}

func (t Theme) ok() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success)
}

func (t Theme) fail() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hint() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// printer renders command output. Styling is stripped when w is not a
// terminal, lipgloss decides that from the default renderer.
type printer struct {
	w     io.Writer
	theme Theme
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, theme: defaultTheme}
}

func (p *printer) progress(pr domain.SyncProgress) {
	if pr.CurrentSource == "" {
		return
	}
	fmt.Fprintf(p.w, "%s %s %s\n",
		p.theme.hint().Render(fmt.Sprintf("[%d/%d]", pr.Completed+pr.Failed+1, pr.Total)),
		"syncing",
		p.theme.header().Render(pr.CurrentSource))
}

func (p *printer) results(results []domain.SyncResult) {
	if len(results) == 0 {
		fmt.Fprintln(p.w, p.theme.hint().Render("no sources synced"))
		return
	}
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		status := p.theme.ok().Render("ok")
		if !r.Success {
			status = p.theme.fail().Render("failed")
		}
		rows = append(rows, []string{r.SourceName, status, count(r.RecordCount), duration(r.DurationMs), r.Error})
	}
	p.table([]string{"SOURCE", "STATUS", "RECORDS", "DURATION", "ERROR"}, rows)
}

func (p *printer) summary(pr domain.SyncProgress, runID string) {
	style := p.theme.ok()
	if pr.Status != domain.StatusCompleted {
		style = p.theme.fail()
	}
	fmt.Fprintf(p.w, "\n%s  %d/%d completed, %d failed  %s\n",
		style.Render(string(pr.Status)), pr.Completed, pr.Total, pr.Failed,
		p.theme.hint().Render("run "+runID))
}

func (p *printer) sources(sources []domain.SourceDescriptor) {
	rows := make([][]string, 0, len(sources))
	for _, s := range sources {
		required := ""
		if s.IsRequired {
			required = "yes"
		}
		rows = append(rows, []string{s.Name, s.Label(), s.TableName, required, s.DataEndpoint, fmt.Sprint(s.MaxRetries)})
	}
	p.table([]string{"NAME", "LABEL", "TABLE", "REQUIRED", "ENDPOINT", "RETRIES"}, rows)
}

func (p *printer) runs(runs []storage.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(p.w, p.theme.hint().Render("no runs recorded"))
		return
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		finished := ""
		if !r.FinishedAt.IsZero() {
			finished = r.FinishedAt.Local().Format("2006-01-02 15:04:05")
		}
		rows = append(rows, []string{
			r.ID, r.Trigger, string(r.Status),
			fmt.Sprintf("%d/%d", r.Completed, r.Total), fmt.Sprint(r.Failed),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), finished,
		})
	}
	p.table([]string{"ID", "TRIGGER", "STATUS", "DONE", "FAILED", "STARTED", "FINISHED"}, rows)
}

// table prints left-aligned columns sized to their widest cell.
func (p *printer) table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	line := func(cells []string, style *lipgloss.Style) {
		parts := make([]string, len(cells))
		for i, c := range cells {
			col := lipgloss.NewStyle().Width(widths[i])
			if style != nil {
				col = col.Inherit(*style)
			}
			parts[i] = col.Render(c)
		}
		fmt.Fprintln(p.w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	h := p.theme.header()
	line(headers, &h)
	for _, row := range rows {
		line(row, nil)
	}
}

func count(n *int) string {
	if n == nil {
		return "-"
	}
	return fmt.Sprint(*n)
}

func duration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return fmt.Sprintf("%dms", *ms)
}
