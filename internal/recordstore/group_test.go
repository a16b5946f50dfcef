package recordstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/dedup/internal/types"
)

func TestGroupRowsExact(t *testing.T) {
	rows := []Row{
		{ID: 1, Value: "a@x"},
		{ID: 2, Value: "A@X"},
		{ID: 3, Value: "a@x"},
		{ID: 4, Value: "b@y"},
		{ID: 5, Value: ""},
		{ID: 6, Value: nil},
		{ID: 7, Value: ""},
	}

	groups := GroupRows(rows, types.MatchExact, false)
	require.Len(t, groups, 1)
	assert.Equal(t, []int64{1, 3}, groups[0].IDs)
	assert.Equal(t, "a@x", groups[0].Value)
}

func TestGroupRowsAccentInsensitive(t *testing.T) {
	rows := []Row{
		{ID: 3, Value: "RENE@X"},
		{ID: 1, Value: "rené@x"},
		{ID: 2, Value: "rene@x"},
		{ID: 4, Value: "other@y"},
	}

	groups := GroupRows(rows, types.MatchAccentInsensitive, false)
	require.Len(t, groups, 1)
	assert.Equal(t, []int64{1, 2, 3}, groups[0].IDs)
}

func TestGroupRowsPartitioned(t *testing.T) {
	rows := []Row{
		{ID: 1, Value: "a@x", Partition: int64(10)},
		{ID: 2, Value: "a@x", Partition: int64(20)},
		{ID: 3, Value: "a@x", Partition: int64(10)},
		{ID: 4, Value: "a@x", Partition: int64(20)},
		{ID: 5, Value: "a@x"},
	}

	groups := GroupRows(rows, types.MatchExact, true)
	require.Len(t, groups, 2)
	assert.Equal(t, []int64{1, 3}, groups[0].IDs)
	assert.Equal(t, []int64{2, 4}, groups[1].IDs)

	all := GroupRows(rows, types.MatchExact, false)
	require.Len(t, all, 1)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, all[0].IDs)
}

func TestGroupRowsDuplicateRows(t *testing.T) {
	// A record repeated in the input (e.g. a join fan-out) still counts once.
	rows := []Row{{ID: 1, Value: "x"}, {ID: 1, Value: "x"}}
	assert.Empty(t, GroupRows(rows, types.MatchExact, false))
}

func TestErrors(t *testing.T) {
	err := Unavailable("list candidates", errors.New("connection refused"))
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "connection refused")

	var conflict error = &MergeConflictError{MasterID: 1, LoserIDs: []int64{3}, Reason: "locked"}
	wrapped := fmt.Errorf("merge group 9: %w", conflict)
	var mce *MergeConflictError
	require.True(t, errors.As(wrapped, &mce))
	assert.Equal(t, int64(1), mce.MasterID)
	assert.False(t, IsTransient(wrapped))

	schema := &TargetSchema{Name: "contact", Fields: map[string]Field{"email": {Name: "email", Kind: KindScalar}}}
	var ufe *UnknownFieldError
	require.True(t, errors.As(schema.CheckFields("email", "phone"), &ufe))
	assert.Equal(t, "phone", ufe.Field)
}
