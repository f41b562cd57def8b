package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/todosync/internal/schema"
)

func TestMain(m *testing.M) {
	Init(true)
	m.Run()
}

func TestRenderPlainWithoutColor(t *testing.T) {
	for _, fn := range []func(string) string{RenderAccent, RenderPass, RenderWarn, RenderFail, RenderMuted} {
		if got := fn("ok"); got != "ok" {
			t.Errorf("render = %q, want plain text", got)
		}
	}
}

func TestTodoTable(t *testing.T) {
	now := time.Date(2026, 7, 8, 12, 0, 0, 0, time.UTC)
	todos := []schema.Todo{
		{ID: "t-1", Title: "Write report", Priority: schema.IntPtr(5), Synced: true},
		{ID: "t-2", Title: "Call plumber", Completed: true, DueDate: schema.TimePtr(now.Add(-time.Hour))},
		{ID: "t-3", Title: "Pay rent", SyncError: "boom"},
	}

	out := TodoTable(todos, now)
	for _, want := range []string{"Write report", "Call plumber", "Pay rent", "P5", "[x]", "synced", "pending", "error", "TITLE"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestTodoTable_Empty(t *testing.T) {
	if got := TodoTable(nil, time.Now()); got != "(none)" {
		t.Errorf("empty table = %q", got)
	}
}

func TestConflictTable(t *testing.T) {
	p := 2
	c := schema.Conflict{
		Local:  schema.Todo{ID: "l-1", Title: "Shared", Priority: &p},
		Remote: schema.Todo{ID: "r-1", Title: "Shared", Completed: true},
	}
	out := ConflictTable([]schema.Conflict{c})
	for _, want := range []string{"l-1", "r-1", "Shared", "completed", "priority"} {
		if !strings.Contains(out, want) {
			t.Errorf("conflict table missing %q:\n%s", want, out)
		}
	}
}

func TestTodoDetail(t *testing.T) {
	now := time.Now()
	todo := schema.Todo{
		ID:            "t-1",
		Title:         "Write report",
		Description:   "quarterly numbers",
		EstimatedTime: schema.IntPtr(90),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	out := TodoDetail(todo, now)
	for _, want := range []string{"Write report", "quarterly numbers", "1h30m0s", "pending"} {
		if !strings.Contains(out, want) {
			t.Errorf("detail missing %q:\n%s", want, out)
		}
	}
}

func TestStatsLine(t *testing.T) {
	tests := []struct {
		name  string
		stats schema.TodoStats
		want  []string
		skip  []string
	}{
		{
			name:  "quiet",
			stats: schema.TodoStats{Total: 4, Completed: 1, Active: 3, CompletionRate: 0.25},
			want:  []string{"4 total", "1 done", "3 active", "25% complete"},
			skip:  []string{"overdue", "high priority"},
		},
		{
			name:  "attention",
			stats: schema.TodoStats{Total: 2, Active: 2, Overdue: 1, HighPriority: 2},
			want:  []string{"1 overdue", "2 high priority", "0% complete"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StatsLine(tt.stats)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("StatsLine = %q, missing %q", got, w)
				}
			}
			for _, s := range tt.skip {
				if strings.Contains(got, s) {
					t.Errorf("StatsLine = %q, should not mention %q", got, s)
				}
			}
		})
	}
}
