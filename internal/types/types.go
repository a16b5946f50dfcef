package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DeduplicationConfig describes how duplicates are detected for one target record type
type DeduplicationConfig struct {
	ID               int64        `json:"id"`
	Name             string       `json:"name"`
	TargetType       string       `json:"target_type"`
	Domain           string       `json:"domain,omitempty"`
	RemovalMode      RemovalMode  `json:"removal_mode"`
	MergeMode        MergeMode    `json:"merge_mode"`
	CreateThreshold  int          `json:"create_threshold"`
	MergeThreshold   int          `json:"merge_threshold"`
	CrossPartition   bool         `json:"cross_partition"`
	NotifyFrequency  int          `json:"notify_frequency"`
	NotifyPeriod     NotifyPeriod `json:"notify_period"`
	NotifyRecipients []string     `json:"notify_recipients,omitempty"`
	LastNotification *time.Time   `json:"last_notification,omitempty"`
	Active           bool         `json:"active"`
	Rules            []Rule       `json:"rules"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// NewConfig returns a config with the defaults used when a field is omitted
func NewConfig(name, targetType string) *DeduplicationConfig {
	return &DeduplicationConfig{
		Name:            name,
		TargetType:      targetType,
		RemovalMode:     RemovalArchive,
		MergeMode:       MergeManual,
		MergeThreshold:  100,
		NotifyFrequency: 1,
		NotifyPeriod:    PeriodWeeks,
		Active:          true,
	}
}

// Validate checks if the config has valid field values.
// Whether rule fields exist on the target type is checked against the record store.
func (c *DeduplicationConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if len(c.Name) > 200 {
		return fmt.Errorf("name must be 200 characters or less (got %d)", len(c.Name))
	}
	if strings.TrimSpace(c.TargetType) == "" {
		return fmt.Errorf("target_type is required")
	}
	if !c.RemovalMode.IsValid() {
		return fmt.Errorf("invalid removal mode: %q", c.RemovalMode)
	}
	if !c.MergeMode.IsValid() {
		return fmt.Errorf("invalid merge mode: %q", c.MergeMode)
	}
	if c.CreateThreshold < 0 || c.CreateThreshold > 100 {
		return fmt.Errorf("create_threshold must be between 0 and 100 (got %d)", c.CreateThreshold)
	}
	if c.MergeThreshold < 0 || c.MergeThreshold > 100 {
		return fmt.Errorf("merge_threshold must be between 0 and 100 (got %d)", c.MergeThreshold)
	}
	if c.NotifyFrequency <= 0 {
		return fmt.Errorf("notify_frequency must be positive (got %d)", c.NotifyFrequency)
	}
	if !c.NotifyPeriod.IsValid() {
		return fmt.Errorf("invalid notify period: %q", c.NotifyPeriod)
	}
	if len(c.Rules) == 0 {
		return fmt.Errorf("at least one rule is required")
	}

	seen := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i+1, err)
		}
		key := r.Field + "\x00" + string(r.MatchMode)
		if seen[key] {
			return fmt.Errorf("rule %d: duplicate rule on field %q (%s)", i+1, r.Field, r.MatchMode)
		}
		seen[key] = true
	}

	for _, recipient := range c.NotifyRecipients {
		if strings.TrimSpace(recipient) == "" {
			return fmt.Errorf("notify_recipients cannot contain empty values")
		}
	}
	return nil
}

// RuleFields returns the distinct rule fields in rule order
func (c *DeduplicationConfig) RuleFields() []string {
	fields := make([]string, 0, len(c.Rules))
	seen := make(map[string]bool, len(c.Rules))
	for _, r := range c.SortedRules() {
		if !seen[r.Field] {
			seen[r.Field] = true
			fields = append(fields, r.Field)
		}
	}
	return fields
}

// SortedRules returns the rules ordered by ID, falling back to sequence for
// rules that have not been persisted yet
func (c *DeduplicationConfig) SortedRules() []Rule {
	rules := make([]Rule, len(c.Rules))
	copy(rules, c.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].ID != rules[j].ID {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].Sequence < rules[j].Sequence
	})
	return rules
}

// NotificationInterval returns the end of the notification window that starts at from
func (c *DeduplicationConfig) NotificationInterval(from time.Time) time.Time {
	n := c.NotifyFrequency
	switch c.NotifyPeriod {
	case PeriodDays:
		return from.AddDate(0, 0, n)
	case PeriodWeeks:
		return from.AddDate(0, 0, 7*n)
	case PeriodMonths:
		return from.AddDate(0, n, 0)
	}
	return from
}

// NotificationDue reports whether reviewers should be notified at now
func (c *DeduplicationConfig) NotificationDue(now time.Time) bool {
	if !c.Active || len(c.NotifyRecipients) == 0 {
		return false
	}
	if c.LastNotification == nil {
		return true
	}
	return !c.NotificationInterval(*c.LastNotification).After(now)
}

// Rule declares that records equal on Field under MatchMode are merge candidates
type Rule struct {
	ID        int64     `json:"id,omitempty"`
	ConfigID  int64     `json:"config_id,omitempty"`
	Field     string    `json:"field"`
	MatchMode MatchMode `json:"match_mode"`
	Sequence  int       `json:"sequence"`
}

// Validate checks if the rule has valid field values
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Field) == "" {
		return fmt.Errorf("field is required")
	}
	if !r.MatchMode.IsValid() {
		return fmt.Errorf("invalid match mode: %q", r.MatchMode)
	}
	return nil
}

// RemovalMode controls what happens to losers after a merge
type RemovalMode string

const (
	RemovalArchive RemovalMode = "archive"
	RemovalDelete  RemovalMode = "delete"
)

// IsValid checks if the removal mode value is valid
func (m RemovalMode) IsValid() bool {
	switch m {
	case RemovalArchive, RemovalDelete:
		return true
	}
	return false
}

// MergeMode controls whether groups above the merge threshold are merged automatically
type MergeMode string

const (
	MergeManual    MergeMode = "manual"
	MergeAutomatic MergeMode = "automatic"
)

// IsValid checks if the merge mode value is valid
func (m MergeMode) IsValid() bool {
	switch m {
	case MergeManual, MergeAutomatic:
		return true
	}
	return false
}

// MatchMode selects how field values are compared
type MatchMode string

const (
	MatchExact             MatchMode = "exact"
	MatchAccentInsensitive MatchMode = "accent_insensitive"
)

// IsValid checks if the match mode value is valid
func (m MatchMode) IsValid() bool {
	switch m {
	case MatchExact, MatchAccentInsensitive:
		return true
	}
	return false
}

// NotifyPeriod is the unit of DeduplicationConfig.NotifyFrequency
type NotifyPeriod string

const (
	PeriodDays   NotifyPeriod = "days"
	PeriodWeeks  NotifyPeriod = "weeks"
	PeriodMonths NotifyPeriod = "months"
)

// IsValid checks if the notify period value is valid
func (p NotifyPeriod) IsValid() bool {
	switch p {
	case PeriodDays, PeriodWeeks, PeriodMonths:
		return true
	}
	return false
}

// DuplicateGroup is a persisted cluster of target records believed to be duplicates
type DuplicateGroup struct {
	ID         int64             `json:"id"`
	ConfigID   int64             `json:"config_id"`
	Similarity float64           `json:"similarity"`
	MasterID   *int64            `json:"master_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	Records    []DuplicateRecord `json:"records"`
}

// Validate checks the group invariants that do not need the store
func (g *DuplicateGroup) Validate() error {
	if g.Similarity < 0 || g.Similarity > 1 {
		return fmt.Errorf("similarity must be between 0 and 1 (got %.4f)", g.Similarity)
	}
	ids := g.MemberIDs()
	if len(ids) < 2 {
		return fmt.Errorf("group must have at least 2 records (got %d)", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] {
			return fmt.Errorf("record %d appears more than once", ids[i])
		}
	}
	if g.MasterID != nil && !g.HasMember(*g.MasterID) {
		return fmt.Errorf("master %d is not a member of the group", *g.MasterID)
	}
	return nil
}

// MemberIDs returns all target ids in ascending order
func (g *DuplicateGroup) MemberIDs() []int64 {
	ids := make([]int64, 0, len(g.Records))
	for _, r := range g.Records {
		ids = append(ids, r.TargetID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HasMember reports whether targetID is attached to the group
func (g *DuplicateGroup) HasMember(targetID int64) bool {
	return g.Record(targetID) != nil
}

// Record returns the membership row for targetID, or nil
func (g *DuplicateGroup) Record(targetID int64) *DuplicateRecord {
	for i := range g.Records {
		if g.Records[i].TargetID == targetID {
			return &g.Records[i]
		}
	}
	return nil
}

// Losers returns the non-discarded members other than the master, ascending
func (g *DuplicateGroup) Losers() []int64 {
	var losers []int64
	for _, r := range g.Records {
		if r.IsDiscarded {
			continue
		}
		if g.MasterID != nil && r.TargetID == *g.MasterID {
			continue
		}
		losers = append(losers, r.TargetID)
	}
	sort.Slice(losers, func(i, j int) bool { return losers[i] < losers[j] })
	return losers
}

// Percent returns the similarity on the 0-100 scale used by thresholds
func (g *DuplicateGroup) Percent() float64 {
	return g.Similarity * 100
}

// DuplicateRecord links a target record to a group
type DuplicateRecord struct {
	ID          int64 `json:"id,omitempty"`
	GroupID     int64 `json:"group_id,omitempty"`
	TargetID    int64 `json:"target_id"`
	IsDiscarded bool  `json:"is_discarded"`
}

// GroupFilter selects a page of groups
type GroupFilter struct {
	ConfigID int64
	Limit    int
	Offset   int
}

// ConfigStatistics summarizes the groups of one config
type ConfigStatistics struct {
	ConfigID          int64   `json:"config_id"`
	Name              string  `json:"name"`
	Active            bool    `json:"active"`
	Groups            int     `json:"groups"`
	Records           int     `json:"records"`
	MasterlessGroups  int     `json:"masterless_groups"`
	AverageSimilarity float64 `json:"average_similarity"`
}

// Statistics provides aggregate metrics about the group store
type Statistics struct {
	TotalConfigs  int                `json:"total_configs"`
	ActiveConfigs int                `json:"active_configs"`
	TotalGroups   int                `json:"total_groups"`
	TotalRecords  int                `json:"total_records"`
	Configs       []ConfigStatistics `json:"configs"`
}
