package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/todosync/internal/schema"
	"github.com/mschirtzinger/todosync/internal/storage"
	"github.com/mschirtzinger/todosync/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add <title>...",
	GroupID: "todos",
	Short:   "Add a todo",
	Long: `Add a todo. The words of the title may be given without quotes.

--due accepts a date (2026-07-08), a date and time (2026-07-08 17:00),
RFC 3339, or plain English such as "tomorrow 5pm" or "next friday".
--estimate takes a duration such as 45m or 1h30m.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dto := schema.CreateTodo{Title: strings.Join(args, " ")}
		dto.Description, _ = cmd.Flags().GetString("description")

		if cmd.Flags().Changed("priority") {
			p, _ := cmd.Flags().GetInt("priority")
			dto.Priority = &p
		}
		if s, _ := cmd.Flags().GetString("estimate"); s != "" {
			minutes, err := parseEstimate(s)
			if err != nil {
				fatal("%v", err)
			}
			dto.EstimatedTime = &minutes
		}
		if s, _ := cmd.Flags().GetString("due"); s != "" {
			due, err := parseDue(s, time.Now())
			if err != nil {
				fatal("%v", err)
			}
			dto.DueDate = &due
		}

		eng := openEngine(cmd)
		todo, err := eng.Service().CreateTodo(cmd.Context(), dto)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Added %s %s\n", ui.RenderPass("✓"), ui.RenderMuted(todo.ID), todo.Title)
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "todos",
	Short:   "List todos",
	Run: func(cmd *cobra.Command, args []string) {
		eng := openEngine(cmd)
		todos, err := eng.Service().GetTodos(cmd.Context())
		if err != nil {
			fatal("%v", err)
		}

		active, _ := cmd.Flags().GetBool("active")
		done, _ := cmd.Flags().GetBool("done")
		todos = filterTodos(todos, active, done)
		schema.SortByOrder(todos)

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			printJSON(todos)
			return
		}
		fmt.Println(ui.TodoTable(todos, time.Now()))
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "todos",
	Short:   "Show one todo",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng := openEngine(cmd)
		svc := eng.Service()
		id := mustResolveID(cmd.Context(), svc, args[0])
		todo, err := svc.GetTodo(cmd.Context(), id)
		if err != nil {
			fatal("%v", err)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			printJSON(todo)
			return
		}
		fmt.Print(ui.TodoDetail(todo, time.Now()))

		if orch := eng.Orchestrator(); orch != nil {
			if st, err := orch.RecordState(cmd.Context(), id); err == nil {
				fmt.Printf("%-12s %s\n", ui.RenderMuted("State"), string(st))
			}
		}
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	GroupID: "todos",
	Short:   "Change fields of a todo",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		patch, err := editPatch(cmd, time.Now())
		if err != nil {
			fatal("%v", err)
		}
		if patch.IsEmpty() {
			fatal("nothing to change; pass at least one field flag")
		}

		eng := openEngine(cmd)
		svc := eng.Service()
		id := mustResolveID(cmd.Context(), svc, args[0])
		todo, err := svc.UpdateTodo(cmd.Context(), id, patch)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Updated %s %s\n", ui.RenderPass("✓"), ui.RenderMuted(todo.ID), todo.Title)
	},
}

var doneCmd = &cobra.Command{
	Use:     "done <id>...",
	GroupID: "todos",
	Short:   "Mark todos completed",
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setCompleted(cmd, args, true)
	},
}

var undoneCmd = &cobra.Command{
	Use:     "undone <id>...",
	GroupID: "todos",
	Short:   "Mark todos not completed",
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		setCompleted(cmd, args, false)
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>...",
	Aliases: []string{"delete"},
	GroupID: "todos",
	Short:   "Delete todos",
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng := openEngine(cmd)
		svc := eng.Service()
		failed := false
		for _, arg := range args {
			id := mustResolveID(cmd.Context(), svc, arg)
			if err := svc.DeleteTodo(cmd.Context(), id); err != nil {
				fmt.Fprintf(os.Stderr, "Error deleting %s: %v\n", id, err)
				failed = true
				continue
			}
			fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), id)
		}
		if failed {
			runCleanups()
			os.Exit(1)
		}
	},
}

var reorderCmd = &cobra.Command{
	Use:     "reorder <id> <position>",
	Aliases: []string{"mv"},
	GroupID: "todos",
	Short:   "Move a todo to a new position",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		order, err := strconv.Atoi(args[1])
		if err != nil || order < 0 {
			fatal("position must be a non-negative integer, got %q", args[1])
		}

		eng := openEngine(cmd)
		svc := eng.Service()
		id := mustResolveID(cmd.Context(), svc, args[0])
		if _, err := svc.ReorderTodos(cmd.Context(), []schema.OrderUpdate{{ID: id, Order: order}}); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Moved %s to position %d\n", ui.RenderPass("✓"), id, order)
	},
}

var statsCmd = &cobra.Command{
	Use:     "stats",
	GroupID: "todos",
	Short:   "Show todo statistics",
	Run: func(cmd *cobra.Command, args []string) {
		eng := openEngine(cmd)
		stats, err := eng.Service().GetStats(cmd.Context())
		if err != nil {
			fatal("%v", err)
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			printJSON(stats)
			return
		}
		fmt.Println(ui.StatsLine(stats))
	},
}

func setCompleted(cmd *cobra.Command, args []string, completed bool) {
	eng := openEngine(cmd)
	svc := eng.Service()
	verb := "Completed"
	if !completed {
		verb = "Reopened"
	}
	for _, arg := range args {
		id := mustResolveID(cmd.Context(), svc, arg)
		todo, err := svc.UpdateTodo(cmd.Context(), id, schema.TodoPatch{Completed: &completed})
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s %s %s\n", ui.RenderPass("✓"), verb, todo.Title)
	}
}

// editPatch builds a patch from the edit flags that were given.
func editPatch(cmd *cobra.Command, now time.Time) (schema.TodoPatch, error) {
	var p schema.TodoPatch
	f := cmd.Flags()

	if f.Changed("title") {
		s, _ := f.GetString("title")
		p.Title = &s
	}
	if f.Changed("description") {
		s, _ := f.GetString("description")
		p.Description = &s
	}
	if f.Changed("priority") {
		v, _ := f.GetInt("priority")
		p.Priority = &v
	}
	if f.Changed("estimate") {
		s, _ := f.GetString("estimate")
		minutes, err := parseEstimate(s)
		if err != nil {
			return p, err
		}
		p.EstimatedTime = &minutes
	}
	if f.Changed("due") {
		s, _ := f.GetString("due")
		due, err := parseDue(s, now)
		if err != nil {
			return p, err
		}
		p.DueDate = &due
	}
	p.ClearPriority, _ = f.GetBool("clear-priority")
	p.ClearEstimatedTime, _ = f.GetBool("clear-estimate")
	p.ClearDueDate, _ = f.GetBool("clear-due")

	if p.ClearPriority && p.Priority != nil {
		return p, fmt.Errorf("--priority and --clear-priority are mutually exclusive")
	}
	if p.ClearEstimatedTime && p.EstimatedTime != nil {
		return p, fmt.Errorf("--estimate and --clear-estimate are mutually exclusive")
	}
	if p.ClearDueDate && p.DueDate != nil {
		return p, fmt.Errorf("--due and --clear-due are mutually exclusive")
	}
	return p, nil
}

// resolveID accepts a full id or a unique prefix of one.
func resolveID(todos []schema.Todo, arg string) (string, error) {
	var matches []string
	for _, t := range todos {
		if t.ID == arg {
			return t.ID, nil
		}
		if strings.HasPrefix(t.ID, arg) {
			matches = append(matches, t.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no todo with id %q", arg)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("id prefix %q is ambiguous (%d matches)", arg, len(matches))
	}
}

func mustResolveID(ctx context.Context, svc storage.TodoStorageService, arg string) string {
	todos, err := svc.GetTodos(ctx)
	if err != nil {
		fatal("%v", err)
	}
	id, err := resolveID(todos, arg)
	if err != nil {
		fatal("%v", err)
	}
	return id
}

func filterTodos(todos []schema.Todo, active, done bool) []schema.Todo {
	if active == done {
		return todos
	}
	out := todos[:0:0]
	for _, t := range todos {
		if t.Completed == done {
			out = append(out, t)
		}
	}
	return out
}

// parseEstimate converts a duration such as 1h30m to whole minutes.
func parseEstimate(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid estimate %q: use minutes or a duration like 1h30m", s)
	}
	return int(d.Round(time.Minute) / time.Minute), nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("failed to encode output: %v", err)
	}
}

func addEditFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("title", "t", "", "New title")
	f.StringP("description", "d", "", "New description")
	f.IntP("priority", "p", 0, "New priority (1-5)")
	f.StringP("estimate", "e", "", "New estimate")
	f.String("due", "", "New due date")
	f.Bool("clear-priority", false, "Remove the priority")
	f.Bool("clear-estimate", false, "Remove the estimate")
	f.Bool("clear-due", false, "Remove the due date")
}

func init() {
	addCmd.Flags().StringP("description", "d", "", "Longer description")
	addCmd.Flags().IntP("priority", "p", 0, "Priority from 1 (low) to 5 (high)")
	addCmd.Flags().StringP("estimate", "e", "", "Estimated effort, e.g. 45m")
	addCmd.Flags().String("due", "", "Due date")

	listCmd.Flags().Bool("active", false, "Only open todos")
	listCmd.Flags().Bool("done", false, "Only completed todos")
	listCmd.Flags().Bool("json", false, "Output JSON")

	showCmd.Flags().Bool("json", false, "Output JSON")
	statsCmd.Flags().Bool("json", false, "Output JSON")

	addEditFlags(editCmd)

	rootCmd.AddCommand(addCmd, listCmd, showCmd, editCmd, doneCmd, undoneCmd, rmCmd, reorderCmd, statsCmd)
}
