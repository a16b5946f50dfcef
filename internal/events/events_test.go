package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	e := New(EventTypeMasterChanged, SeverityInfo, "master set").ForConfig(3).ForGroup(9).InRun("run-1")
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, int64(3), e.ConfigID)
	assert.Equal(t, int64(9), e.GroupID)
	assert.Equal(t, "run-1", e.RunID)

	other := New(EventTypeMasterChanged, SeverityInfo, "again")
	assert.NotEqual(t, e.ID, other.ID)
}

func TestMergeEventSeverity(t *testing.T) {
	ok, err := NewMergeEvent(1, 2, "merged", MergeData{TargetType: "contact", MasterID: 1, LoserIDs: []int64{3}})
	require.NoError(t, err)
	assert.Equal(t, EventTypeGroupMerged, ok.Type)
	assert.Equal(t, SeverityInfo, ok.Severity)

	failed, err := NewMergeEvent(1, 2, "rejected", MergeData{MasterID: 1, Error: "locked"})
	require.NoError(t, err)
	assert.Equal(t, EventTypeMergeFailed, failed.Type)
	assert.Equal(t, SeverityError, failed.Severity)
}

func TestDataRoundTrip(t *testing.T) {
	e, err := NewGroupCreatedEvent(1, 7, "created", GroupData{Members: []int64{1, 3}, Similarity: 1, MasterID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1.0, e.Data["similarity"])

	data, err := DecodeData[GroupData](e)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, data.Members)
	assert.Equal(t, int64(1), data.MasterID)
}

func TestRunCompletedSeverity(t *testing.T) {
	e, err := NewRunCompletedEvent("r", 1, "failed", RunCompletedData{ConfigName: "c", Error: "store down"})
	require.NoError(t, err)
	assert.Equal(t, SeverityError, e.Severity)
	assert.Equal(t, "r", e.RunID)
}
