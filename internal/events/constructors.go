package events

import (
	"time"

	"github.com/google/uuid"
)

// New creates an event with a fresh id and the current time.
func New(eventType EventType, severity EventSeverity, message string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Message:   message,
	}
}

// ForConfig scopes the event to a config.
func (e *Event) ForConfig(configID int64) *Event {
	e.ConfigID = configID
	return e
}

// ForGroup scopes the event to a group.
func (e *Event) ForGroup(groupID int64) *Event {
	e.GroupID = groupID
	return e
}

// InRun tags the event with the orchestrator run that produced it.
func (e *Event) InRun(runID string) *Event {
	e.RunID = runID
	return e
}

// NewRunID returns an identifier for an orchestrator run.
func NewRunID() string {
	return uuid.New().String()
}

// NewGroupCreatedEvent creates a group_created event with type-safe data.
func NewGroupCreatedEvent(configID, groupID int64, message string, data GroupData) (*Event, error) {
	event := New(EventTypeGroupCreated, SeverityInfo, message).ForConfig(configID).ForGroup(groupID)
	if err := event.SetData(data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewMergeEvent creates a group_merged or merge_failed event with type-safe data.
func NewMergeEvent(configID, groupID int64, message string, data MergeData) (*Event, error) {
	eventType, severity := EventTypeGroupMerged, SeverityInfo
	switch {
	case data.Error != "":
		eventType, severity = EventTypeMergeFailed, SeverityError
	case data.CleanupError != "":
		severity = SeverityWarning
	}
	event := New(eventType, severity, message).ForConfig(configID).ForGroup(groupID)
	if err := event.SetData(data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewRunCompletedEvent creates a run_completed event with type-safe data.
func NewRunCompletedEvent(runID string, configID int64, message string, data RunCompletedData) (*Event, error) {
	severity := SeverityInfo
	if data.Error != "" {
		severity = SeverityError
	}
	event := New(EventTypeRunCompleted, severity, message).ForConfig(configID).InRun(runID)
	if err := event.SetData(data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewNotificationSentEvent creates a notification_sent event with type-safe data.
func NewNotificationSentEvent(configID int64, message string, data NotificationSentData) (*Event, error) {
	severity := SeverityInfo
	if len(data.Failed) > 0 {
		severity = SeverityWarning
	}
	event := New(EventTypeNotificationSent, severity, message).ForConfig(configID)
	if err := event.SetData(data); err != nil {
		return nil, err
	}
	return event, nil
}
