package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/dedup/internal/api"
	"github.com/steveyegge/dedup/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the admin API",
	Long: `Start the detection scheduler and the HTTP admin API.

The scheduler:
1. Takes the exclusive scheduler lock on the group store
2. Runs detection for every active config immediately, then every engine.interval
3. Notifies reviewers about new groups when their notification period is due
4. Enforces the event retention policy in the background
5. Continues until stopped with Ctrl+C

The API listens on http.listen (default 127.0.0.1:8089) and serves
/api/v1/..., /metrics and /healthz.`,
	Run: func(cmd *cobra.Command, args []string) {
		listen, _ := cmd.Flags().GetString("listen")
		noScheduler, _ := cmd.Flags().GetBool("no-scheduler")
		if listen == "" {
			listen = eng.settings.HTTP.Listen
		}

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if !noScheduler {
			lockPath, err := storage.AcquireExclusiveLock(eng.store.Path(), version)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer func() {
				if err := storage.ReleaseExclusiveLock(lockPath); err != nil {
					fmt.Fprintf(os.Stderr, "warning: failed to release scheduler lock: %v\n", err)
				}
			}()
			fmt.Fprintf(os.Stderr, "%s Acquired scheduler lock\n", green("✓"))

			if err := eng.orch.Start(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start scheduler: %v\n", err)
				os.Exit(1)
			}
		}

		server := api.New(eng.service, eng.logger, api.WithMetrics(eng.metrics))
		serverErr := make(chan error, 1)
		go func() {
			serverErr <- server.Start(listen)
		}()

		fmt.Printf("%s dedup started (version %s)\n", green("✓"), cyan(version))
		if noScheduler {
			fmt.Printf("  Scheduler: disabled\n")
		} else {
			fmt.Printf("  Running detection every %v\n", eng.settings.Engine.Interval)
		}
		fmt.Printf("  API: http://%s%s\n", listen, api.BasePath)
		fmt.Printf("  Press Ctrl+C to stop\n\n")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			fmt.Println("\n\nShutting down...")
		case err := <-serverErr:
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: API server failed: %v\n", err)
			}
		}

		// Fresh context for shutdown since the main one is being cancelled
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: API shutdown: %v\n", err)
		}
		if !noScheduler {
			if err := eng.orch.Stop(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: error during shutdown: %v\n", err)
			}
		}
		fmt.Printf("%s dedup stopped\n", green("✓"))
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "API listen address (overrides http.listen)")
	serveCmd.Flags().Bool("no-scheduler", false, "Serve the API only; do not schedule runs")
	rootCmd.AddCommand(serveCmd)
}
