package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/steveyegge/dedup/internal/events"
)

// displayActivityEvent prints a single event in the two-line activity format
func displayActivityEvent(event *events.Event) {
	if shouldSkipEvent(event) {
		return
	}

	emoji := getEventEmoji(event)
	severityColor := getSeverityColor(event.Severity)
	timestamp := event.Timestamp.Format("01-02 15:04:05")

	scope := ""
	switch {
	case event.GroupID != 0:
		scope = color.GreenString("g%d", event.GroupID)
	case event.ConfigID != 0:
		scope = color.GreenString("c%d", event.ConfigID)
	}
	eventType := color.New(color.FgMagenta).Sprint(event.Type)

	// Line 1: emoji [timestamp] scope event_type: message
	message := truncateString(event.Message, 60-len(string(event.Type)))
	fmt.Printf("%s [%s] %s %s: %s\n", emoji, timestamp, scope, eventType, severityColor.Sprint(message))

	// Line 2: key metadata fields, pipe-separated
	if metadata := extractEventMetadata(event); metadata != "" {
		fmt.Printf("  %s\n", color.New(color.FgHiBlack).Sprint(metadata))
	} else {
		fmt.Println()
	}
}

// getEventEmoji returns the icon for an event type, falling back to severity
func getEventEmoji(event *events.Event) string {
	switch event.Type {
	case events.EventTypeRunStarted:
		return "🚀"
	case events.EventTypeRunCompleted:
		return "🏁"
	case events.EventTypeGroupCreated:
		return "🔀"
	case events.EventTypeGroupReplaced:
		return "♻️"
	case events.EventTypeGroupMerged:
		return "✅"
	case events.EventTypeGroupDiscarded, events.EventTypeRecordDiscarded:
		return "🗑️"
	case events.EventTypeMasterChanged:
		return "🎯"
	case events.EventTypeNotificationSent:
		return "📨"
	case events.EventTypeEventCleanupCompleted:
		return "🧹"
	}

	switch event.Severity {
	case events.SeverityInfo:
		return "ℹ️"
	case events.SeverityWarning:
		return "⚠️"
	case events.SeverityError:
		return "❌"
	case events.SeverityCritical:
		return "🔥"
	default:
		return "•"
	}
}

// getSeverityColor returns the color for a severity level
func getSeverityColor(severity events.EventSeverity) *color.Color {
	switch severity {
	case events.SeverityInfo:
		return color.New(color.FgCyan)
	case events.SeverityWarning:
		return color.New(color.FgYellow)
	case events.SeverityError:
		return color.New(color.FgRed)
	case events.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgWhite)
	}
}

// extractEventMetadata picks the few data fields worth showing for each event type
func extractEventMetadata(event *events.Event) string {
	var fields []string

	switch event.Type {
	case events.EventTypeRunCompleted:
		// config | created | replaced | merged | duration
		fields = append(fields,
			getStringField(event.Data, "config_name", ""),
			fmt.Sprintf("+%d", getIntField(event.Data, "created", 0)),
			fmt.Sprintf("%d replaced", getIntField(event.Data, "replaced", 0)),
			fmt.Sprintf("%d merged", getIntField(event.Data, "merged", 0)),
			formatDurationMs(getIntField(event.Data, "duration_ms", 0)))
		if errMsg := getStringField(event.Data, "error", ""); errMsg != "" {
			fields = append(fields, truncateString(errMsg, 30))
		}

	case events.EventTypeGroupCreated, events.EventTypeGroupReplaced:
		// members | similarity | master | replaces
		fields = append(fields,
			fmt.Sprintf("%s records", formatIDs(event.Data["members"], 5)),
			fmt.Sprintf("%.0f%%", getFloatField(event.Data, "similarity", 0)*100))
		if master := getIntField(event.Data, "master_id", 0); master != 0 {
			fields = append(fields, fmt.Sprintf("master %d", master))
		}
		if replaces := formatIDs(event.Data["replaces"], 3); replaces != "" {
			fields = append(fields, "replaces "+replaces)
		}

	case events.EventTypeGroupMerged, events.EventTypeMergeFailed:
		// master | losers | mode | automatic | error
		fields = append(fields,
			fmt.Sprintf("%s %d", getStringField(event.Data, "target_type", "record"), getIntField(event.Data, "master_id", 0)),
			"← "+formatIDs(event.Data["loser_ids"], 5),
			getStringField(event.Data, "removal_mode", ""))
		if getBoolField(event.Data, "automatic", false) {
			fields = append(fields, "auto")
		}
		if errMsg := getStringField(event.Data, "error", ""); errMsg != "" {
			fields = append(fields, truncateString(errMsg, 30))
		}
		if errMsg := getStringField(event.Data, "cleanup_error", ""); errMsg != "" {
			fields = append(fields, "group kept: "+truncateString(errMsg, 30))
		}

	case events.EventTypeMasterChanged, events.EventTypeRecordDiscarded:
		fields = append(fields, fmt.Sprintf("record %d", getIntField(event.Data, "target_id", 0)))

	case events.EventTypeGroupDiscarded:
		fields = append(fields, fmt.Sprintf("%s records", formatIDs(event.Data["members"], 5)))

	case events.EventTypeNotificationSent:
		// groups | recipients | failed
		fields = append(fields,
			fmt.Sprintf("%d groups", getIntField(event.Data, "group_count", 0)),
			formatStrings(event.Data["recipients"], 3))
		if failed := formatStrings(event.Data["failed"], 3); failed != "" {
			fields = append(fields, "failed: "+failed)
		}
	}

	if len(fields) == 0 {
		return ""
	}
	return truncateString(joinFields(fields), 70)
}

// shouldSkipEvent returns true for routine maintenance events that clutter the feed
func shouldSkipEvent(event *events.Event) bool {
	return event.Type == events.EventTypeEventCleanupCompleted && event.Severity == events.SeverityInfo
}

// Helper functions to safely extract typed fields from decoded event data
func getStringField(data map[string]interface{}, key, defaultValue string) string {
	if val, ok := data[key].(string); ok {
		return val
	}
	return defaultValue
}

func getIntField(data map[string]interface{}, key string, defaultValue int) int {
	switch val := data[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	}
	return defaultValue
}

func getFloatField(data map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := data[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	}
	return defaultValue
}

func getBoolField(data map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := data[key].(bool); ok {
		return val
	}
	return defaultValue
}

// formatIDs renders a decoded id list, showing at most limit ids
func formatIDs(v interface{}, limit int) string {
	var ids []string
	switch list := v.(type) {
	case []interface{}:
		for _, item := range list {
			if f, ok := item.(float64); ok {
				ids = append(ids, fmt.Sprintf("%d", int64(f)))
			}
		}
	case []int64:
		for _, id := range list {
			ids = append(ids, fmt.Sprintf("%d", id))
		}
	}
	return abbreviate(ids, limit)
}

func formatStrings(v interface{}, limit int) string {
	var out []string
	switch list := v.(type) {
	case []interface{}:
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = list
	}
	return abbreviate(out, limit)
}

func abbreviate(items []string, limit int) string {
	if len(items) == 0 {
		return ""
	}
	if len(items) > limit {
		return fmt.Sprintf("%s +%d", strings.Join(items[:limit], ","), len(items)-limit)
	}
	return strings.Join(items, ",")
}

// formatDurationMs formats milliseconds into a human-readable duration
func formatDurationMs(ms int) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.1fs", float64(ms)/1000)
	}
	return fmt.Sprintf("%.1fm", float64(ms)/60000)
}

// joinFields joins non-empty metadata fields with " | "
func joinFields(fields []string) string {
	nonEmpty := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			nonEmpty = append(nonEmpty, f)
		}
	}
	return strings.Join(nonEmpty, " | ")
}

// truncateString truncates a string to maxLen, adding "..." if needed
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
