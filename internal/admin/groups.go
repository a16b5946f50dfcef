package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/dedup/internal/events"
	"github.com/steveyegge/dedup/internal/merge"
	"github.com/steveyegge/dedup/internal/storage"
	"github.com/steveyegge/dedup/internal/types"
)

// Page size limits for ListGroups
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// GroupPage is one page of groups, highest similarity first
type GroupPage struct {
	Groups []*types.DuplicateGroup `json:"groups"`
	Total  int                     `json:"total"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// ListGroups returns a page of a config's groups. A zero configID lists the
// groups of every config.
func (s *Service) ListGroups(ctx context.Context, configID int64, limit, offset int) (*GroupPage, error) {
	if configID != 0 {
		if _, err := s.GetConfig(ctx, configID); err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		return nil, &InputError{Field: "limit", Message: fmt.Sprintf("must be at most %d", MaxPageSize)}
	}
	if offset < 0 {
		return nil, &InputError{Field: "offset", Message: "cannot be negative"}
	}

	groups, total, err := s.store.ListGroups(ctx, types.GroupFilter{ConfigID: configID, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	if groups == nil {
		groups = []*types.DuplicateGroup{}
	}
	return &GroupPage{Groups: groups, Total: total, Limit: limit, Offset: offset}, nil
}

// GetGroup returns a group or ErrNotFound
func (s *Service) GetGroup(ctx context.Context, id int64) (*types.DuplicateGroup, error) {
	g, err := s.store.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	return g, nil
}

// SetMaster makes targetID the record that survives the group's merge
func (s *Service) SetMaster(ctx context.Context, groupID, targetID int64) (*types.DuplicateGroup, error) {
	if err := s.store.SetGroupMaster(ctx, groupID, targetID); err != nil {
		return nil, s.groupError(err, "target_id")
	}
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	s.recordEvent(ctx, events.New(events.EventTypeMasterChanged, events.SeverityInfo,
		fmt.Sprintf("Master of group %d set to %d", groupID, targetID)).
		ForConfig(g.ConfigID).ForGroup(groupID), map[string]interface{}{"target_id": targetID})
	s.logger.Info("group master changed", "group_id", groupID, "target_id", targetID)
	return g, nil
}

// DiscardRecord keeps targetID attached to the group but out of its merge
func (s *Service) DiscardRecord(ctx context.Context, groupID, targetID int64) (*types.DuplicateGroup, error) {
	if err := s.store.SetRecordDiscarded(ctx, groupID, targetID, true); err != nil {
		return nil, s.groupError(err, "target_id")
	}
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	s.recordEvent(ctx, events.New(events.EventTypeRecordDiscarded, events.SeverityInfo,
		fmt.Sprintf("Record %d discarded from group %d", targetID, groupID)).
		ForConfig(g.ConfigID).ForGroup(groupID), map[string]interface{}{"target_id": targetID})
	s.logger.Info("record discarded", "group_id", groupID, "target_id", targetID)
	return g, nil
}

// MergeGroup merges the group's non-discarded records into its master
func (s *Service) MergeGroup(ctx context.Context, groupID int64) (*merge.Result, error) {
	result, err := s.merger.Merge(ctx, groupID)
	if err != nil {
		switch {
		case errors.Is(err, merge.ErrNoMaster), errors.Is(err, merge.ErrMasterDiscarded), errors.Is(err, merge.ErrNoLosers):
			return nil, &InputError{Message: err.Error(), Err: err}
		}
		return nil, notFound(err)
	}
	return result, nil
}

// DiscardGroup deletes a group without merging it. Its member set is
// remembered so that later runs do not group the same records again.
func (s *Service) DiscardGroup(ctx context.Context, groupID int64) error {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	members, err := s.store.DiscardGroup(ctx, groupID)
	if err != nil {
		return notFound(err)
	}
	s.recordEvent(ctx, events.New(events.EventTypeGroupDiscarded, events.SeverityInfo,
		fmt.Sprintf("Group %d discarded", groupID)).
		ForConfig(g.ConfigID).ForGroup(groupID), map[string]interface{}{"members": members})
	s.logger.Info("group discarded", "group_id", groupID, "config_id", g.ConfigID)
	return nil
}

// ForgetDiscarded clears the discarded sets of a config so the next run may
// group those records again. Returns the number of sets cleared.
func (s *Service) ForgetDiscarded(ctx context.Context, configID int64) (int, error) {
	cfg, err := s.GetConfig(ctx, configID)
	if err != nil {
		return 0, err
	}
	n, err := s.store.ClearDiscardedSets(ctx, cfg.ID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("discarded sets cleared", "config", cfg.Name, "config_id", cfg.ID, "sets", n)
	return n, nil
}

// ListEvents returns recent events matching filter
func (s *Service) ListEvents(ctx context.Context, filter events.EventFilter) ([]*events.Event, error) {
	return s.store.GetEvents(ctx, filter)
}

// groupError turns the store's membership errors into input errors
func (s *Service) groupError(err error, field string) error {
	switch {
	case errors.Is(err, storage.ErrNotMember),
		errors.Is(err, storage.ErrRecordDiscarded),
		errors.Is(err, storage.ErrMasterDiscard):
		return &InputError{Field: field, Message: err.Error(), Err: err}
	}
	return notFound(err)
}

func (s *Service) recordEvent(ctx context.Context, event *events.Event, data map[string]interface{}) {
	event.Data = data
	if err := s.store.StoreEvent(ctx, event); err != nil {
		s.logger.Warn("failed to store event", "type", event.Type, "error", err)
	}
}
