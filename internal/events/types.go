package events

import (
	"context"
	"time"
)

// EventType represents the type of event recorded by the engine.
type EventType string

const (
	// Run lifecycle
	// EventTypeRunStarted indicates an orchestrator run started
	EventTypeRunStarted EventType = "run_started"
	// EventTypeRunCompleted indicates an orchestrator run finished, with per-config counts
	EventTypeRunCompleted EventType = "run_completed"
	// EventTypeConfigRunFailed indicates a config's run was abandoned
	EventTypeConfigRunFailed EventType = "config_run_failed"

	// Group lifecycle
	// EventTypeGroupCreated indicates a duplicate group was materialized
	EventTypeGroupCreated EventType = "group_created"
	// EventTypeGroupReplaced indicates an active group was superseded by a larger one
	EventTypeGroupReplaced EventType = "group_replaced"
	// EventTypeGroupMerged indicates a group was merged and removed
	EventTypeGroupMerged EventType = "group_merged"
	// EventTypeMergeFailed indicates a merge was rejected or failed
	EventTypeMergeFailed EventType = "merge_failed"
	// EventTypeGroupDiscarded indicates an operator discarded a group
	EventTypeGroupDiscarded EventType = "group_discarded"

	// Operator decisions
	// EventTypeRecordDiscarded indicates a record was excluded from its group's merge
	EventTypeRecordDiscarded EventType = "record_discarded"
	// EventTypeMasterChanged indicates the master of a group was overridden
	EventTypeMasterChanged EventType = "master_changed"

	// EventTypeNotificationSent indicates reviewers were notified about new groups
	EventTypeNotificationSent EventType = "notification_sent"
	// EventTypeInvariantViolation indicates a stored group broke an invariant and was removed
	EventTypeInvariantViolation EventType = "invariant_violation"

	// EventTypeEventCleanupCompleted indicates event cleanup cycle completed
	EventTypeEventCleanupCompleted EventType = "event_cleanup_completed"
)

// EventSeverity represents the severity level of an event.
type EventSeverity string

const (
	// SeverityInfo is for informational events
	SeverityInfo EventSeverity = "info"
	// SeverityWarning is for warning events
	SeverityWarning EventSeverity = "warning"
	// SeverityError is for error events
	SeverityError EventSeverity = "error"
	// SeverityCritical is for critical events that need immediate attention
	SeverityCritical EventSeverity = "critical"
)

// Event is an audit record of something the engine or an operator did.
// Merged and discarded groups are deleted, so their history lives here.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Severity  EventSeverity          `json:"severity"`
	RunID     string                 `json:"run_id,omitempty"`
	ConfigID  int64                  `json:"config_id,omitempty"`
	GroupID   int64                  `json:"group_id,omitempty"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// RunCompletedData contains the outcome of one config within a run.
type RunCompletedData struct {
	ConfigName    string `json:"config_name"`
	Created       int    `json:"created"`
	Replaced      int    `json:"replaced"`
	Skipped       int    `json:"skipped"`
	Dropped       int    `json:"dropped"`
	Merged        int    `json:"merged"`
	MergeFailures int    `json:"merge_failures"`
	Pruned        int    `json:"pruned"`
	DurationMs    int64  `json:"duration_ms"`
	Cancelled     bool   `json:"cancelled,omitempty"`
	Error         string `json:"error,omitempty"`
}

// GroupData describes a group at the time of the event.
type GroupData struct {
	Members    []int64 `json:"members"`
	Similarity float64 `json:"similarity"`
	MasterID   int64   `json:"master_id,omitempty"`
	Replaces   []int64 `json:"replaces,omitempty"`
}

// MergeData contains the details of a merge attempt.
type MergeData struct {
	TargetType  string  `json:"target_type"`
	MasterID    int64   `json:"master_id"`
	LoserIDs    []int64 `json:"loser_ids"`
	RemovalMode string  `json:"removal_mode"`
	Automatic   bool    `json:"automatic"`
	Error       string  `json:"error,omitempty"`

	// CleanupError is set when the records were merged but the group was not deleted
	CleanupError string `json:"cleanup_error,omitempty"`
}

// NotificationSentData contains the details of a reviewer notification.
type NotificationSentData struct {
	Recipients []string `json:"recipients"`
	GroupCount int      `json:"group_count"`
	Failed     []string `json:"failed,omitempty"`
}

// EventCleanupCompletedData contains statistics from an event cleanup cycle.
type EventCleanupCompletedData struct {
	EventsDeleted      int    `json:"events_deleted"`
	TimeBasedDeleted   int    `json:"time_based_deleted"`
	GlobalLimitDeleted int    `json:"global_limit_deleted"`
	ProcessingTimeMs   int64  `json:"processing_time_ms"`
	VacuumRan          bool   `json:"vacuum_ran"`
	EventsRemaining    int    `json:"events_remaining"`
	Success            bool   `json:"success"`
	Error              string `json:"error,omitempty"`
}

// EventFilter specifies criteria for querying events.
type EventFilter struct {
	Type       EventType
	Severity   EventSeverity
	ConfigID   int64
	GroupID    int64
	RunID      string
	AfterTime  time.Time
	BeforeTime time.Time
	Limit      int
}

// EventStore defines the interface for persisting and querying events.
type EventStore interface {
	StoreEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
	GetRecentEvents(ctx context.Context, limit int) ([]*Event, error)
}
