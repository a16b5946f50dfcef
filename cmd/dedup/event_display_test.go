package main

import (
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/dedup/internal/events"
)

func TestExtractEventMetadata_RunCompleted(t *testing.T) {
	tests := []struct {
		name     string
		data     map[string]interface{}
		expected string
	}{
		{
			name: "all fields present",
			data: map[string]interface{}{
				"config_name": "contacts",
				"created":     float64(3),
				"replaced":    float64(1),
				"merged":      float64(0),
				"duration_ms": float64(1500),
			},
			expected: "contacts | +3 | 1 replaced | 0 merged | 1.5s",
		},
		{
			name:     "all fields missing",
			data:     map[string]interface{}{},
			expected: "+0 | 0 replaced | 0 merged | 0ms",
		},
		{
			name: "failed config",
			data: map[string]interface{}{
				"config_name": "partners",
				"duration_ms": 120,
				"error":       "store unavailable",
			},
			expected: "partners | +0 | 0 replaced | 0 merged | 120ms | store unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := &events.Event{
				Type:      events.EventTypeRunCompleted,
				Data:      tt.data,
				Timestamp: time.Now(),
			}
			result := extractEventMetadata(event)
			if result != tt.expected {
				t.Errorf("extractEventMetadata() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestExtractEventMetadata_GroupCreated(t *testing.T) {
	tests := []struct {
		name     string
		typ      events.EventType
		data     map[string]interface{}
		expected string
	}{
		{
			name: "with master",
			typ:  events.EventTypeGroupCreated,
			data: map[string]interface{}{
				"members":    []interface{}{float64(1), float64(2), float64(3)},
				"similarity": 0.75,
				"master_id":  float64(2),
			},
			expected: "1,2,3 records | 75% | master 2",
		},
		{
			name: "replacement with many members",
			typ:  events.EventTypeGroupReplaced,
			data: map[string]interface{}{
				"members":    []interface{}{float64(1), float64(2), float64(3), float64(4), float64(5), float64(6), float64(7)},
				"similarity": 1.0,
				"replaces":   []interface{}{float64(9)},
			},
			expected: "1,2,3,4,5 +2 records | 100% | replaces 9",
		},
		{
			name: "typed ids before encoding",
			typ:  events.EventTypeGroupCreated,
			data: map[string]interface{}{
				"members":    []int64{10, 11},
				"similarity": 0.5,
			},
			expected: "10,11 records | 50%",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := &events.Event{Type: tt.typ, Data: tt.data, Timestamp: time.Now()}
			result := extractEventMetadata(event)
			if result != tt.expected {
				t.Errorf("extractEventMetadata() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestExtractEventMetadata_GroupMerged(t *testing.T) {
	event := &events.Event{
		Type: events.EventTypeGroupMerged,
		Data: map[string]interface{}{
			"target_type":  "contact",
			"master_id":    float64(4),
			"loser_ids":    []interface{}{float64(5), float64(6)},
			"removal_mode": "archive",
			"automatic":    true,
		},
	}
	expected := "contact 4 | ← 5,6 | archive | auto"
	if result := extractEventMetadata(event); result != expected {
		t.Errorf("extractEventMetadata() = %q, want %q", result, expected)
	}
}

func TestExtractEventMetadata_NotificationSent(t *testing.T) {
	event := &events.Event{
		Type: events.EventTypeNotificationSent,
		Data: map[string]interface{}{
			"group_count": float64(4),
			"recipients":  []interface{}{"a@example.com", "b@example.com"},
			"failed":      []interface{}{"b@example.com"},
		},
	}
	expected := "4 groups | a@example.com,b@example.com | failed: b@example.com"
	if result := extractEventMetadata(event); result != expected {
		t.Errorf("extractEventMetadata() = %q, want %q", result, expected)
	}
}

func TestExtractEventMetadata_Truncated(t *testing.T) {
	event := &events.Event{
		Type: events.EventTypeRunCompleted,
		Data: map[string]interface{}{
			"config_name": strings.Repeat("x", 80),
		},
	}
	result := extractEventMetadata(event)
	if len(result) != 70 || !strings.HasSuffix(result, "...") {
		t.Errorf("extractEventMetadata() = %q, want 70 chars ending in ...", result)
	}
}

func TestExtractEventMetadata_NoMetadata(t *testing.T) {
	event := &events.Event{Type: events.EventTypeRunStarted}
	if result := extractEventMetadata(event); result != "" {
		t.Errorf("extractEventMetadata() = %q, want empty", result)
	}
}

func TestShouldSkipEvent(t *testing.T) {
	tests := []struct {
		typ      events.EventType
		severity events.EventSeverity
		skip     bool
	}{
		{events.EventTypeEventCleanupCompleted, events.SeverityInfo, true},
		{events.EventTypeEventCleanupCompleted, events.SeverityError, false},
		{events.EventTypeGroupCreated, events.SeverityInfo, false},
	}
	for _, tt := range tests {
		event := &events.Event{Type: tt.typ, Severity: tt.severity}
		if got := shouldSkipEvent(event); got != tt.skip {
			t.Errorf("shouldSkipEvent(%s/%s) = %v, want %v", tt.typ, tt.severity, got, tt.skip)
		}
	}
}

func TestGetEventEmoji_SeverityFallback(t *testing.T) {
	event := &events.Event{Type: events.EventTypeMergeFailed, Severity: events.SeverityError}
	if got := getEventEmoji(event); got != "❌" {
		t.Errorf("getEventEmoji() = %q, want ❌", got)
	}
	event = &events.Event{Type: events.EventTypeGroupMerged, Severity: events.SeverityInfo}
	if got := getEventEmoji(event); got != "✅" {
		t.Errorf("getEventEmoji() = %q, want ✅", got)
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abc", 2, "..."},
	}
	for _, tt := range tests {
		if got := truncateString(tt.input, tt.maxLen); got != tt.expected {
			t.Errorf("truncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.expected)
		}
	}
}

func TestFormatDurationMs(t *testing.T) {
	tests := []struct {
		ms       int
		expected string
	}{
		{0, "0ms"},
		{999, "999ms"},
		{1500, "1.5s"},
		{90000, "1.5m"},
	}
	for _, tt := range tests {
		if got := formatDurationMs(tt.ms); got != tt.expected {
			t.Errorf("formatDurationMs(%d) = %q, want %q", tt.ms, got, tt.expected)
		}
	}
}
