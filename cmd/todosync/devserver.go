package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/todosync/internal/migrate"
	"github.com/mschirtzinger/todosync/internal/remote/remotetest"
	"github.com/mschirtzinger/todosync/internal/ui"
)

var devserverCmd = &cobra.Command{
	Use:     "devserver",
	GroupID: "advanced",
	Short:   "Serve an in-memory todo REST service for development",
	Long: `Serve an in-memory implementation of the remote todo API.

Data lives only as long as the process. Point a client at it with
--remote-url http://localhost:8080 (the default remote URL).

  todosync devserver --seed todos.jsonl --token secret`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		token, _ := cmd.Flags().GetString("token")
		assignIDs, _ := cmd.Flags().GetBool("assign-ids")
		seed, _ := cmd.Flags().GetString("seed")

		srv := remotetest.New()
		srv.AssignIDs(assignIDs)
		if token != "" {
			srv.RequireToken(token)
		}
		if seed != "" {
			todos, err := migrate.ReadJSONL(seed)
			if err != nil {
				fatal("%v", err)
			}
			srv.Seed(todos...)
			fmt.Printf("   Seeded %d todos from %s\n", len(todos), seed)
		}

		httpServer := &http.Server{
			Addr:              addr,
			Handler:           corsHandler(srv.Handler()),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		fmt.Printf("%s Dev server listening on %s\n", ui.RenderAccent("🚀"), addr)
		fmt.Println("\nPress Ctrl+C to stop...")

		select {
		case err := <-errCh:
			if err != nil {
				fatal("%v", err)
			}
		case <-cmd.Context().Done():
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			fatal("shutdown: %v", err)
		}
		fmt.Println("Dev server stopped")
	},
}

func corsHandler(h http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}).Handler(h)
}

func init() {
	devserverCmd.Flags().String("addr", ":8080", "Listen address")
	devserverCmd.Flags().String("token", "", "Require this bearer token")
	devserverCmd.Flags().Bool("assign-ids", false, "Replace client-proposed ids with server ids")
	devserverCmd.Flags().String("seed", "", "JSONL file of todos to start with")
	rootCmd.AddCommand(devserverCmd)
}
