package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/dedup/internal/events"
	"github.com/steveyegge/dedup/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show scheduler state and group statistics",
	Long:  `Display the scheduler lock holder, the last run and per-config group counts.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== dedup status ==="))

		fmt.Printf("%s\n", yellow("Scheduler:"))
		lock, err := storage.ReadExclusiveLock(eng.store.Path())
		switch {
		case err != nil:
			fmt.Printf("  %s %v\n", color.RedString("✗"), err)
		case lock == nil:
			fmt.Printf("  %s\n", gray("Not running (start it with 'dedup serve')"))
		case lock.IsStale():
			fmt.Printf("  %s Stale lock from PID %d on %s (process is gone)\n", yellow("⚠"), lock.PID, lock.Hostname)
		default:
			fmt.Printf("  %s Running\n", green("●"))
			fmt.Printf("    Host:    %s (PID %d)\n", lock.Hostname, lock.PID)
			fmt.Printf("    Started: %s (%v ago)\n", lock.StartedAt.Format("2006-01-02 15:04:05"),
				time.Since(lock.StartedAt).Round(time.Second))
			fmt.Printf("    Version: %s\n", lock.Version)
		}

		runs, err := eng.service.ListEvents(ctx, events.EventFilter{Type: events.EventTypeRunStarted, Limit: 1})
		if err == nil && len(runs) > 0 {
			fmt.Printf("  Last run: %s %s\n", runs[0].Timestamp.Format("2006-01-02 15:04:05"), gray(runs[0].RunID))
		}
		fmt.Println()

		st, err := eng.service.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to get statistics: %v\n", err)
			os.Exit(1)
		}
		stats := st.Statistics

		fmt.Printf("%s\n", yellow("Groups:"))
		fmt.Printf("  Configs: %d (%d active)\n", stats.TotalConfigs, stats.ActiveConfigs)
		fmt.Printf("  Groups:  %s covering %s records\n", formatNumber(stats.TotalGroups), formatNumber(stats.TotalRecords))
		fmt.Println()

		for _, c := range stats.Configs {
			icon := green("●")
			if !c.Active {
				icon = gray("○")
			}
			fmt.Printf("  %s %-24s %6s groups %7s records", icon, truncateString(c.Name, 24),
				formatNumber(c.Groups), formatNumber(c.Records))
			if c.Groups > 0 {
				fmt.Printf("  avg %.0f%%", c.AverageSimilarity*100)
			}
			if c.MasterlessGroups > 0 {
				fmt.Printf("  %s", yellow(fmt.Sprintf("%d without master", c.MasterlessGroups)))
			}
			fmt.Println()
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
