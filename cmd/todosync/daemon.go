package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/todosync/internal/config"
	"github.com/mschirtzinger/todosync/internal/dashboard"
	"github.com/mschirtzinger/todosync/internal/hybrid"
	"github.com/mschirtzinger/todosync/internal/schema"
	"github.com/mschirtzinger/todosync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "advanced",
	Short:   "Run the sync engine in the foreground",
	Long: `Run the sync engine until interrupted.

The daemon keeps the queue draining, probes the remote, and reconciles both
replicas on the configured interval. On SIGCONT (resume after a stop or host
sleep) the remote is probed at once. Edits to the config file are applied
without a restart, except for store and remote connection settings.

With --dashboard, a WebSocket feed of sync activity is served on
--dashboard-port:

  ws://localhost:8090/ws       sync status, queue length, conflicts,
                               migration progress, dropped operations
  http://localhost:8090/health`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		eng := openEngine(cmd)
		logger := log.New(os.Stderr, "[daemon] ", log.LstdFlags)

		if loader.ConfigFile() != "" {
			loader.Watch(func(s config.Settings) {
				if err := eng.ApplySettings(ctx, s); err != nil {
					logger.Printf("Failed to apply config change: %v", err)
				}
			})
		}

		unsubMode := eng.SubscribeMode(func(m schema.Mode) {
			logger.Printf("Storage mode changed to %s", m)
		})
		defer unsubMode()
		unsubFail := eng.SubscribeFailures(func(f hybrid.DrainFailure) {
			logger.Printf("Dropped %s of %s after %d attempts: %v",
				f.Operation.Type, f.Operation.TodoID, f.Operation.RetryCount, f.Err)
		})
		defer unsubFail()

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Mode: %s\n", ui.RenderMode(eng.Mode()))
		if settings.RemoteURL != "" {
			fmt.Printf("   Remote: %s\n", settings.RemoteURL)
		}
		if cfg := loader.ConfigFile(); cfg != "" {
			fmt.Printf("   Config: %s (watching)\n", cfg)
		}

		if withDashboard, _ := cmd.Flags().GetBool("dashboard"); withDashboard {
			server := dashboard.NewServer(&dashboard.Config{
				Port:   settings.DashboardPort,
				Logger: log.New(logOut, "[dashboard] ", log.LstdFlags),
			})
			handler := dashboard.NewHandler(server, eng, log.New(logOut, "[dashboard] ", log.LstdFlags))
			handler.Attach()
			if err := server.Start(); err != nil {
				handler.Detach()
				fatal("failed to start dashboard: %v", err)
			}
			defer func() {
				handler.Detach()
				if err := server.Stop(); err != nil {
					fmt.Fprintf(os.Stderr, "Error during dashboard shutdown: %v\n", err)
				}
			}()
			fmt.Printf("   Dashboard: ws://%s/ws\n", server.GetAddr())
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		resume := make(chan os.Signal, 1)
		if sigs := resumeSignals(); len(sigs) > 0 {
			signal.Notify(resume, sigs...)
			defer signal.Stop(resume)
		}
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nShutting down...")
				return
			case <-resume:
				if settings.RemoteURL == "" {
					continue
				}
				logger.Printf("Resumed, probing remote (reachable: %v)", eng.Wake(ctx))
			}
		}
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the WebSocket dashboard")
	daemonCmd.Flags().Int("dashboard-port", 0, "Dashboard port (default from config, 8090)")
	rootCmd.AddCommand(daemonCmd)
}
