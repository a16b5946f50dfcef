// Package notify delivers "new duplicates to review" notifications to reviewers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sink delivers a notification about groupCount new groups of a config to
// each recipient. Delivery semantics are the sink's concern.
type Sink interface {
	Name() string
	Notify(ctx context.Context, recipients []string, configName, targetLabel string, groupCount int) error
}

// Message is the rendered form of one notification
type Message struct {
	ConfigName  string
	TargetLabel string
	GroupCount  int
}

// Title returns a short subject line
func (m Message) Title() string {
	return fmt.Sprintf("Duplicates to review: %s", m.ConfigName)
}

// Body returns the notification text
func (m Message) Body() string {
	noun := "groups"
	if m.GroupCount == 1 {
		noun = "group"
	}
	label := m.TargetLabel
	if label == "" {
		label = "record"
	}
	return fmt.Sprintf("%d new duplicate %s of %s records found by %q.", m.GroupCount, noun, label, m.ConfigName)
}

// DeliveryError reports the recipients a notification could not reach
type DeliveryError struct {
	Failed []string
	Errs   []error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("notification failed for %d recipient(s) [%s]: %v",
		len(e.Failed), strings.Join(e.Failed, ", "), errors.Join(e.Errs...))
}

func (e *DeliveryError) Unwrap() []error {
	return e.Errs
}

// FailedRecipients returns the recipients err reports as undelivered, or nil
func FailedRecipients(err error) []string {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Failed
	}
	return nil
}
