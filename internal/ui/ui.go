// Package ui renders terminal output for the todosync CLI.
//
// Colors follow the terminal's capabilities. Init disables them when stdout
// is not a terminal, when NO_COLOR is set, or when the caller asks.
package ui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/mschirtzinger/todosync/internal/schema"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7571F9"}).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#027A48", Dark: "#32D583"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B54708", Dark: "#FDB022"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B42318", Dark: "#F97066"}).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#667085", Dark: "#98A2B3"})
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// Init picks the color profile for this process.
func Init(noColor bool) {
	if noColor || os.Getenv("NO_COLOR") != "" || !term.IsTerminal(int(os.Stdout.Fd())) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.EnvColorProfile())
}

// IsInteractive reports whether stdin and stdout are both terminals.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }

// RenderMode colors a storage mode name.
func RenderMode(m schema.Mode) string {
	switch m {
	case schema.ModeHybrid:
		return RenderPass(string(m))
	case schema.ModeRemote:
		return RenderAccent(string(m))
	default:
		return RenderWarn(string(m))
	}
}

// TodoTable renders todos in display order.
func TodoTable(todos []schema.Todo, now time.Time) string {
	rows := make([][]string, 0, len(todos))
	for _, t := range todos {
		rows = append(rows, []string{
			checkbox(t),
			t.ID,
			t.Title,
			priority(t.Priority),
			due(t, now),
			syncMark(t),
		})
	}
	return render([]string{"", "ID", "TITLE", "PRI", "DUE", "SYNC"}, rows)
}

// ConflictTable renders the open conflict set.
func ConflictTable(conflicts []schema.Conflict) string {
	rows := make([][]string, 0, len(conflicts))
	for _, c := range conflicts {
		rows = append(rows, []string{
			c.Local.ID,
			c.Remote.ID,
			c.Local.Title,
			strings.Join(schema.DiffFields(c.Local, c.Remote), ", "),
		})
	}
	return render([]string{"LOCAL", "REMOTE", "TITLE", "DIFFERS"}, rows)
}

// TodoDetail renders every field of one todo.
func TodoDetail(t schema.Todo, now time.Time) string {
	var b strings.Builder
	line := func(label, value string) {
		fmt.Fprintf(&b, "%-12s %s\n", RenderMuted(label), value)
	}
	fmt.Fprintf(&b, "%s %s\n\n", checkbox(t), RenderAccent(t.Title))
	line("ID", t.ID)
	if t.Description != "" {
		line("Description", t.Description)
	}
	line("Priority", priority(t.Priority))
	if t.EstimatedTime != nil {
		line("Estimate", (time.Duration(*t.EstimatedTime) * time.Minute).String())
	}
	line("Due", due(t, now))
	line("Order", fmt.Sprint(t.Order))
	line("Created", t.CreatedAt.Local().Format(time.DateTime))
	line("Updated", t.UpdatedAt.Local().Format(time.DateTime))
	if t.CompletedAt != nil {
		line("Completed", t.CompletedAt.Local().Format(time.DateTime))
	}
	line("Sync", syncMark(t))
	if t.SyncError != "" {
		line("Sync error", RenderFail(t.SyncError))
	}
	return b.String()
}

// StatsLine summarises collection stats on one line.
func StatsLine(s schema.TodoStats) string {
	parts := []string{
		fmt.Sprintf("%d total", s.Total),
		RenderPass(fmt.Sprintf("%d done", s.Completed)),
		fmt.Sprintf("%d active", s.Active),
	}
	if s.Overdue > 0 {
		parts = append(parts, RenderFail(fmt.Sprintf("%d overdue", s.Overdue)))
	}
	if s.HighPriority > 0 {
		parts = append(parts, RenderWarn(fmt.Sprintf("%d high priority", s.HighPriority)))
	}
	parts = append(parts, fmt.Sprintf("%.0f%% complete", s.CompletionRate*100))
	return strings.Join(parts, " · ")
}

func render(headers []string, rows [][]string) string {
	if len(rows) == 0 {
		return RenderMuted("(none)")
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}

func checkbox(t schema.Todo) string {
	if t.Completed {
		return RenderPass("[x]")
	}
	return "[ ]"
}

func priority(p *int) string {
	if p == nil {
		return RenderMuted("-")
	}
	s := fmt.Sprintf("P%d", *p)
	if *p >= 4 {
		return RenderWarn(s)
	}
	return s
}

func due(t schema.Todo, now time.Time) string {
	if t.DueDate == nil {
		return RenderMuted("-")
	}
	s := t.DueDate.Local().Format("2006-01-02 15:04")
	if !t.Completed && t.DueDate.Before(now) {
		return RenderFail(s)
	}
	return s
}

func syncMark(t schema.Todo) string {
	switch {
	case t.SyncError != "":
		return RenderFail("error")
	case t.Synced:
		return RenderPass("synced")
	default:
		return RenderMuted("pending")
	}
}
