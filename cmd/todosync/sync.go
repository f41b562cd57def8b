package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/todosync/internal/engine"
	"github.com/mschirtzinger/todosync/internal/migrate"
	"github.com/mschirtzinger/todosync/internal/schema"
	"github.com/mschirtzinger/todosync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push queued changes to the remote",
	Long: `Push every queued change to the remote now.

With --reconcile, also compare both collections afterwards: records missing
on one side are copied over and records that differ on both sides are
reported as conflicts.`,
	Run: func(cmd *cobra.Command, args []string) {
		eng := openEngine(cmd)
		ctx := cmd.Context()

		if eng.Remote() != nil && !eng.Wake(ctx) {
			fmt.Printf("%s Remote not answering\n", ui.RenderWarn("⚠"))
		}

		start := time.Now()
		if !eng.SyncPendingOperations(ctx) {
			left := len(eng.PendingOperations())
			fmt.Printf("%s %d operations still queued (remote unreachable or offline mode)\n", ui.RenderWarn("⚠"), left)
		} else {
			fmt.Printf("%s Queue drained in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		}

		if reconcile, _ := cmd.Flags().GetBool("reconcile"); reconcile {
			result, err := eng.Reconcile(ctx, migrate.Options{})
			if err != nil {
				fatal("reconcile failed: %v", err)
			}
			printResult("Reconcile", result)
		}
	},
}

var migrateCmd = &cobra.Command{
	Use:       "migrate <to-cloud|to-local>",
	GroupID:   "sync",
	Short:     "Copy the whole collection to the other replica",
	ValidArgs: []string{string(engine.ToCloud), string(engine.ToLocal)},
	Long: `Copy every record from one replica to the other.

  to-cloud   local records are created or updated on the remote
  to-local   remote records are created or updated locally

Records with the same title on both sides are compared. Equal records are
aligned, differing ones become conflicts and are left untouched on both
sides until resolved (see 'todosync conflicts').`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dir, err := parseDirection(args[0])
		if err != nil {
			fatal("%v", err)
		}

		opts := migrate.Options{}
		opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
		opts.Backup, _ = cmd.Flags().GetBool("backup-first")
		opts.BatchSize, _ = cmd.Flags().GetInt("batch-size")
		if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
			opts.OnProgress = func(p migrate.Progress) {
				fmt.Fprintf(os.Stderr, "\r%s %3.0f%% (%d/%d) %-40.40s",
					ui.RenderAccent("→"), p.Percentage, p.Completed, p.Total, p.CurrentOperation)
			}
		}

		eng := openEngine(cmd)
		result, err := eng.Migrate(cmd.Context(), dir, opts)
		if opts.OnProgress != nil {
			fmt.Fprintln(os.Stderr)
		}
		if err != nil {
			fatal("migration failed: %v", err)
		}
		label := "Migration " + string(dir)
		if opts.DryRun {
			label += " (dry run)"
		}
		printResult(label, result)
		if !result.Success {
			runCleanups()
			os.Exit(1)
		}
	},
}

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "List and resolve sync conflicts",
	Long: `Conflicts are records with the same title on both replicas whose
content differs. They are detected by comparing the collections, so every
conflicts subcommand runs a dry-run reconcile first.`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open conflicts",
	Run: func(cmd *cobra.Command, args []string) {
		eng := openEngine(cmd)
		conflicts := detectConflicts(cmd.Context(), eng)
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			printJSON(conflicts)
			return
		}
		fmt.Println(ui.ConflictTable(conflicts))
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve [id]...",
	Short: "Resolve conflicts",
	Long: `Resolve conflicts by id (either side's id works).

  todosync conflicts resolve abc123 --use remote
  todosync conflicts resolve --all --use local
  todosync conflicts resolve --interactive`,
	Run: func(cmd *cobra.Command, args []string) {
		use, _ := cmd.Flags().GetString("use")
		all, _ := cmd.Flags().GetBool("all")
		interactive, _ := cmd.Flags().GetBool("interactive")

		eng := openEngine(cmd)
		conflicts := detectConflicts(cmd.Context(), eng)
		if len(conflicts) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return
		}

		var resolutions []schema.ConflictResolution
		switch {
		case interactive:
			var err error
			resolutions, err = promptResolutions(conflicts)
			if err != nil {
				fatal("%v", err)
			}
		default:
			choice, err := parseResolution(use)
			if err != nil {
				fatal("%v", err)
			}
			ids := args
			if all {
				ids = nil
				for _, c := range conflicts {
					ids = append(ids, c.Local.ID)
				}
			}
			if len(ids) == 0 {
				fatal("name conflicts to resolve, or pass --all or --interactive")
			}
			for _, id := range ids {
				resolutions = append(resolutions, schema.ConflictResolution{TodoID: id, Resolution: choice})
			}
		}
		if len(resolutions) == 0 {
			fmt.Println("Nothing to resolve")
			return
		}

		result, err := eng.Resolve(cmd.Context(), resolutions)
		if err != nil {
			fatal("%v", err)
		}
		printResult("Resolve", result)
		if !result.Success {
			runCleanups()
			os.Exit(1)
		}
	},
}

var modeCmd = &cobra.Command{
	Use:       "mode [local|hybrid|remote]",
	GroupID:   "sync",
	Short:     "Show or switch the storage mode",
	ValidArgs: []string{string(schema.ModeLocal), string(schema.ModeHybrid), string(schema.ModeRemote)},
	Long: `Show or switch which replica serves reads and writes.

  local    only the local store; writes are queued for later
  hybrid   local store first, mirrored to the remote in the background
  remote   every request goes straight to the remote

The choice is persisted and wins over the config file on later runs.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng := openEngine(cmd)
		if len(args) == 0 {
			fmt.Println(ui.RenderMode(eng.Mode()))
			return
		}
		mode, err := schema.ParseMode(args[0])
		if err != nil {
			fatal("%v", err)
		}
		if err := eng.SetMode(cmd.Context(), mode); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Storage mode is now %s\n", ui.RenderPass("✓"), ui.RenderMode(mode))
	},
}

var offlineCmd = &cobra.Command{
	Use:     "offline",
	GroupID: "sync",
	Short:   "Pause or resume remote sync",
}

var offlineEnterCmd = &cobra.Command{
	Use:   "enter",
	Short: "Stop talking to the remote; writes keep queueing",
	Run: func(cmd *cobra.Command, args []string) {
		eng := openEngine(cmd)
		if err := eng.EnterOfflineMode(cmd.Context()); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Offline mode on\n", ui.RenderWarn("⏸"))
	},
}

var offlineExitCmd = &cobra.Command{
	Use:   "exit",
	Short: "Resume sync and drain the queue",
	Run: func(cmd *cobra.Command, args []string) {
		eng := openEngine(cmd)
		if err := eng.ExitOfflineMode(cmd.Context()); err != nil {
			fatal("%v", err)
		}
		left := len(eng.PendingOperations())
		fmt.Printf("%s Offline mode off, %d operations queued\n", ui.RenderPass("▶"), left)
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show storage and sync status",
	Run: func(cmd *cobra.Command, args []string) {
		eng := openEngine(cmd)
		st := eng.Status()

		format, _ := cmd.Flags().GetString("output")
		switch format {
		case "json":
			printJSON(st)
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(st); err != nil {
				fatal("failed to encode output: %v", err)
			}
			_ = enc.Close()
		case "", "text":
			fmt.Print(statusText(st))
		default:
			fatal("unknown output format %q (text, json or yaml)", format)
		}
	},
}

func statusText(st engine.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s Sync Status\n\n", ui.RenderAccent("📊"))
	fmt.Fprintf(&b, "Mode:        %s\n", ui.RenderMode(st.StorageMode))
	fmt.Fprintf(&b, "Store:       %s\n", st.Store)
	if st.RemoteURL != "" {
		fmt.Fprintf(&b, "Remote:      %s\n", st.RemoteURL)
	} else {
		fmt.Fprintf(&b, "Remote:      %s\n", ui.RenderMuted("none (local only)"))
	}
	fmt.Fprintf(&b, "Auto sync:   %v every %s\n", st.AutoSync, st.SyncInterval)
	fmt.Fprintf(&b, "Conflicts:   %s policy\n", st.ConflictResolution)

	if s := st.Sync; s != nil {
		reach := ui.RenderPass("reachable")
		if !s.RemoteReachable {
			reach = ui.RenderFail("unreachable")
		}
		fmt.Fprintf(&b, "Remote:      %s\n", reach)
		if s.OfflineMode {
			fmt.Fprintf(&b, "Offline:     %s\n", ui.RenderWarn("on"))
		}
		pending := fmt.Sprint(s.PendingOperations)
		if s.PendingOperations > 0 {
			pending = ui.RenderWarn(pending)
		}
		fmt.Fprintf(&b, "Queued:      %s\n", pending)
		if s.LastSyncAttempt != nil {
			fmt.Fprintf(&b, "Last sync:   %s\n", s.LastSyncAttempt.Local().Format(time.DateTime))
		}
		if s.LastError != "" {
			fmt.Fprintf(&b, "Last error:  %s\n", ui.RenderFail(s.LastError))
		}
	}
	b.WriteString("\n")
	return b.String()
}

func printResult(label string, r migrate.Result) {
	mark := ui.RenderPass("✓")
	if !r.Success {
		mark = ui.RenderFail("✗")
	}
	fmt.Printf("%s %s finished in %v\n", mark, label, r.Duration.Round(time.Millisecond))
	fmt.Printf("   Created: %d\n", r.MigratedCount)
	fmt.Printf("   Updated: %d\n", r.UpdatedCount)
	if r.BackupLocation != "" {
		fmt.Printf("   Backup: %s\n", r.BackupLocation)
	}
	if r.ConflictCount > 0 {
		fmt.Printf("   Conflicts: %s\n", ui.RenderWarn(fmt.Sprint(r.ConflictCount)))
		fmt.Println(ui.ConflictTable(r.Conflicts))
		fmt.Println("   Run 'todosync conflicts resolve' to settle them")
	}
	for _, e := range r.Errors {
		fmt.Printf("   %s %s\n", ui.RenderFail("error:"), e)
	}
}

// detectConflicts fills the engine's conflict set from a dry-run reconcile.
func detectConflicts(ctx context.Context, eng *engine.Engine) []schema.Conflict {
	if _, err := eng.Reconcile(ctx, migrate.Options{DryRun: true}); err != nil {
		if errors.Is(err, engine.ErrNoRemote) {
			fatal("no remote configured")
		}
		fatal("failed to compare replicas: %v", err)
	}
	return eng.Conflicts()
}

func promptResolutions(conflicts []schema.Conflict) ([]schema.ConflictResolution, error) {
	if !ui.IsInteractive() {
		return nil, fmt.Errorf("--interactive needs a terminal")
	}
	var out []schema.ConflictResolution
	for _, c := range conflicts {
		choice := "skip"
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("%q differs (%s)", c.Local.Title, strings.Join(schema.DiffFields(c.Local, c.Remote), ", "))).
				Description(describeSides(c)).
				Options(
					huh.NewOption("Keep local", string(schema.ResolveLocal)),
					huh.NewOption("Keep remote", string(schema.ResolveRemote)),
					huh.NewOption("Skip", "skip"),
				).
				Value(&choice),
		))
		if err := form.Run(); err != nil {
			return nil, err
		}
		if choice == "skip" {
			continue
		}
		out = append(out, schema.ConflictResolution{TodoID: c.Local.ID, Resolution: schema.Resolution(choice)})
	}
	return out, nil
}

func describeSides(c schema.Conflict) string {
	var b strings.Builder
	for _, field := range schema.DiffFields(c.Local, c.Remote) {
		fmt.Fprintf(&b, "%s: local=%s remote=%s\n", field, fieldValue(c.Local, field), fieldValue(c.Remote, field))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func fieldValue(t schema.Todo, field string) string {
	switch field {
	case "completed":
		return fmt.Sprint(t.Completed)
	case "priority":
		if t.Priority == nil {
			return "-"
		}
		return fmt.Sprint(*t.Priority)
	case "estimatedTime":
		if t.EstimatedTime == nil {
			return "-"
		}
		return fmt.Sprintf("%dm", *t.EstimatedTime)
	case "description":
		return fmt.Sprintf("%q", t.Description)
	}
	return "?"
}

func parseDirection(s string) (engine.Direction, error) {
	switch d := engine.Direction(s); d {
	case engine.ToCloud, engine.ToLocal:
		return d, nil
	}
	return "", fmt.Errorf("unknown direction %q (to-cloud or to-local)", s)
}

func parseResolution(s string) (schema.Resolution, error) {
	switch r := schema.Resolution(s); r {
	case schema.ResolveLocal, schema.ResolveRemote:
		return r, nil
	}
	return "", fmt.Errorf("--use must be local or remote, got %q", s)
}

func init() {
	syncCmd.Flags().Bool("reconcile", false, "Also compare and align both collections")

	migrateCmd.Flags().Bool("dry-run", false, "Report what would change without writing")
	migrateCmd.Flags().Bool("backup-first", false, "Back up the target collection before writing")
	migrateCmd.Flags().Int("batch-size", 50, "Records per remote batch call (0 for one call)")
	migrateCmd.Flags().BoolP("quiet", "q", false, "Hide the progress line")

	conflictsListCmd.Flags().Bool("json", false, "Output JSON")
	conflictsResolveCmd.Flags().String("use", "", "Winning side: local or remote")
	conflictsResolveCmd.Flags().Bool("all", false, "Resolve every open conflict")
	conflictsResolveCmd.Flags().BoolP("interactive", "i", false, "Choose a side for each conflict")
	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)

	offlineCmd.AddCommand(offlineEnterCmd, offlineExitCmd)

	statusCmd.Flags().StringP("output", "o", "text", "Output format: text, json or yaml")

	rootCmd.AddCommand(syncCmd, migrateCmd, conflictsCmd, modeCmd, offlineCmd, statusCmd)
}
