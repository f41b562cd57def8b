// Command todosync manages a local-first todo list that syncs with a remote
// todo service.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mschirtzinger/todosync/internal/config"
	"github.com/mschirtzinger/todosync/internal/engine"
	"github.com/mschirtzinger/todosync/internal/ui"
)

var (
	configPath string
	verbose    bool
	noColor    bool

	loader   *config.Loader
	settings config.Settings
	logOut   io.Writer = io.Discard

	cleanupMu sync.Mutex
	cleanups  []func()
)

var rootCmd = &cobra.Command{
	Use:   "todosync",
	Short: "Local-first todo list with remote sync",
	Long: `todosync keeps a todo list on this machine and mirrors it to a remote
todo service.

Writes always land locally first. In hybrid mode they are queued and pushed
to the remote in the background; when the network or the service is down
the queue waits and drains once it comes back. Migrations copy whole
collections between the two replicas and report records that differ on
both sides as conflicts.

Configuration is read from ~/.todosync/config.yaml (or --config), then
TODOSYNC_* environment variables, then flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.Init(noColor)

		loader = config.NewLoader(configPath, log.New(os.Stderr, "[config] ", log.LstdFlags))
		if err := loader.BindFlags(cmd.Flags()); err != nil {
			fatal("%v", err)
		}
		s, err := loader.Load()
		if err != nil {
			fatal("%v", err)
		}
		settings = s
		logOut = logOutput(settings, verbose)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		runCleanups()
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "todos", Title: "Todos:"},
		&cobra.Group{ID: "sync", Title: "Sync & Migration:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default ~/.todosync/config.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Log sync activity to stderr")
	pf.BoolVar(&noColor, "no-color", false, "Disable colored output")
	pf.String("data-dir", "", "Directory for local data")
	pf.String("store", "", "Local store backend: file, sqlite or redis")
	pf.String("redis-url", "", "Redis URL for the redis store")
	pf.String("remote-url", "", "Remote todo service URL (empty for local only)")
	pf.String("auth-token", "", "Bearer token for the remote service")
	pf.String("log-file", "", "Write logs to a rotating file")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// logOutput picks where component logs go. A configured log file wins over
// --verbose.
func logOutput(s config.Settings, verbose bool) io.Writer {
	if s.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   s.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		onExit(func() { _ = lj.Close() })
		if verbose {
			return io.MultiWriter(os.Stderr, lj)
		}
		return lj
	}
	if verbose {
		return os.Stderr
	}
	return io.Discard
}

// openEngine builds and starts the engine for the current settings. It is
// disposed when the command finishes or exits through fatal.
func openEngine(cmd *cobra.Command) *engine.Engine {
	ctx := cmd.Context()
	eng, err := engine.New(ctx, settings, engine.WithLogOutput(logOut))
	if err != nil {
		fatal("%v", err)
	}
	if err := eng.Init(ctx); err != nil {
		eng.Dispose()
		fatal("failed to start: %v", err)
	}
	onExit(eng.Dispose)
	return eng
}

func onExit(fn func()) {
	cleanupMu.Lock()
	defer cleanupMu.Unlock()
	cleanups = append(cleanups, fn)
}

func runCleanups() {
	cleanupMu.Lock()
	fns := cleanups
	cleanups = nil
	cleanupMu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	runCleanups()
	os.Exit(1)
}
