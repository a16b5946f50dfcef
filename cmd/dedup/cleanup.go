package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/dedup/internal/orchestrator"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Cleanup and maintenance commands",
	Long:  `Commands for cleaning up old data and performing database maintenance.`,
}

var cleanupEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Clean up old audit events",
	Long: `Delete old audit events according to the retention policy in the events
section of dedup.yaml.

Executes two cleanup strategies in sequence:
  1. Time-based: delete events older than the retention period
     (error and critical events are kept longer)
  2. Global: delete the oldest non-critical events above 95% of the global limit

Default retention: 30 days (regular), 90 days (critical), 100k events overall.

Examples:
  dedup cleanup events             # Run cleanup
  dedup cleanup events --vacuum    # Run cleanup and reclaim disk space
  dedup cleanup events --dry-run   # Show the policy and current counts only`,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		vacuum, _ := cmd.Flags().GetBool("vacuum")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		retentionCfg := eng.settings.Events
		if vacuum {
			retentionCfg.CleanupVacuum = true
		}

		fmt.Printf("Event Retention Configuration:\n")
		fmt.Printf("  Regular events: %d days\n", retentionCfg.RetentionDays)
		fmt.Printf("  Critical events: %d days\n", retentionCfg.RetentionCriticalDays)
		fmt.Printf("  Global limit: %s events\n", formatNumber(retentionCfg.GlobalLimitEvents))
		fmt.Printf("  Batch size: %d events/txn\n", retentionCfg.CleanupBatchSize)
		fmt.Println()

		before, err := eng.store.GetEventCounts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to get event counts: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Current state:\n")
		fmt.Printf("  Total events: %s\n", formatNumber(before.TotalEvents))
		severities := make([]string, 0, len(before.EventsBySeverity))
		for s := range before.EventsBySeverity {
			severities = append(severities, s)
		}
		sort.Strings(severities)
		for _, s := range severities {
			fmt.Printf("    %-9s %s\n", s, formatNumber(before.EventsBySeverity[s]))
		}
		fmt.Println()

		if dryRun {
			fmt.Printf("%s\n", color.YellowString("DRY RUN MODE - No events were deleted"))
			return
		}

		result, err := orchestrator.CleanupEvents(ctx, eng.store, retentionCfg, eng.logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Cleanup complete\n", green("✓"))
		fmt.Printf("  Time-based:   %s deleted\n", formatNumber(result.TimeBasedDeleted))
		fmt.Printf("  Global limit: %s deleted\n", formatNumber(result.GlobalLimitDeleted))
		fmt.Printf("  Events remaining: %s\n", formatNumber(result.EventsRemaining))
		fmt.Printf("  Time taken: %s\n", result.Duration.Round(time.Millisecond))
		if result.VacuumRan {
			fmt.Printf("%s VACUUM complete\n", green("✓"))
		} else if !vacuum {
			fmt.Printf("\nNote: Use --vacuum to reclaim disk space\n")
		}
	},
}

func init() {
	cleanupEventsCmd.Flags().Bool("dry-run", false, "Show the policy and current counts without deleting")
	cleanupEventsCmd.Flags().Bool("vacuum", false, "Run VACUUM after cleanup to reclaim disk space")

	cleanupCmd.AddCommand(cleanupEventsCmd)
	rootCmd.AddCommand(cleanupCmd)
}

// formatNumber formats a number with thousand separators
func formatNumber(n int) string {
	if n < 0 {
		return fmt.Sprintf("-%s", formatNumber(-n))
	}
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	if n < 1000000000 {
		return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d,%03d", n/1000000000, (n/1000000)%1000, (n/1000)%1000, n%1000)
}
