package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/dedup/internal/events"
)

// Note: displayActivityEvent and related helper functions are in event_display.go

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Show recent engine and reviewer events",
	Long: `Display the audit trail of the engine.

Shows events including:
- Runs started and completed, with per-config counts
- Groups created, replaced, merged and discarded
- Master choices and discarded records
- Failed merges and abandoned configs
- Reviewer notifications

Examples:
  dedup activity                       # Show last 20 events
  dedup activity -n 50                 # Show last 50 events
  dedup activity --config 3            # Events of one config
  dedup activity --group 42            # History of one group
  dedup activity --type merge_failed   # Only failed merges
  dedup activity --severity error      # Errors only`,
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		configID, _ := cmd.Flags().GetInt64("config")
		groupID, _ := cmd.Flags().GetInt64("group")
		runID, _ := cmd.Flags().GetString("run")
		eventType, _ := cmd.Flags().GetString("type")
		severity, _ := cmd.Flags().GetString("severity")

		filter := events.EventFilter{
			Limit:    limit,
			ConfigID: configID,
			GroupID:  groupID,
			RunID:    runID,
			Type:     events.EventType(eventType),
			Severity: events.EventSeverity(severity),
		}

		eventList, err := eng.service.ListEvents(context.Background(), filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error fetching events: %v\n", err)
			os.Exit(1)
		}

		if len(eventList) == 0 {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("\n%s No events found matching the criteria\n\n", yellow("✨"))
			return
		}

		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("\n%s Recent Activity (%d events):\n\n", cyan("📋"), len(eventList))

		// Newest last, so the feed reads top to bottom
		for i := len(eventList) - 1; i >= 0; i-- {
			displayActivityEvent(eventList[i])
		}
		fmt.Println()
	},
}

func init() {
	activityCmd.Flags().IntP("limit", "n", 20, "Number of recent events to show")
	activityCmd.Flags().Int64("config", 0, "Filter events by config ID")
	activityCmd.Flags().Int64("group", 0, "Filter events by group ID")
	activityCmd.Flags().String("run", "", "Filter events by run ID")
	activityCmd.Flags().StringP("type", "t", "", "Filter by event type (e.g., group_created, merge_failed)")
	activityCmd.Flags().StringP("severity", "s", "", "Filter by severity (info, warning, error, critical)")
	rootCmd.AddCommand(activityCmd)
}
