package deduplication

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/dedup/internal/recordstore"
	"github.com/steveyegge/dedup/internal/recordstore/memory"
	"github.com/steveyegge/dedup/internal/types"
)

func contactStore(t *testing.T, records map[int64]map[string]any) (*memory.Store, *recordstore.TargetSchema) {
	t.Helper()
	s := memory.New()
	s.Define(recordstore.TargetSchema{
		Name:           "contact",
		Label:          "Contact",
		PartitionField: "company_id",
		Fields: map[string]recordstore.Field{
			"email":      {Kind: recordstore.KindScalar},
			"phone":      {Kind: recordstore.KindScalar},
			"is_company": {Kind: recordstore.KindScalar},
			"company_id": {Kind: recordstore.KindScalar},
		},
	}, "email")
	for id, vals := range records {
		s.Put("contact", id, vals)
	}
	schema, err := s.Describe(context.Background(), "contact")
	require.NoError(t, err)
	return s, schema
}

func TestEvaluatePartitioning(t *testing.T) {
	ctx := context.Background()
	store, schema := contactStore(t, map[int64]map[string]any{
		1: {"email": "a@x", "company_id": int64(1)},
		2: {"email": "a@x", "company_id": int64(2)},
		3: {"email": "a@x", "company_id": int64(1)},
	})
	ev := NewEvaluator(store)
	cfg := types.NewConfig("c", "contact")
	rule := types.Rule{ID: 1, Field: "email", MatchMode: types.MatchExact}

	sets, err := ev.Evaluate(ctx, cfg, rule, schema)
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{1, 3}}, sets)

	cfg.CrossPartition = true
	sets, err = ev.Evaluate(ctx, cfg, rule, schema)
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{1, 2, 3}}, sets)
}

func TestEvaluateUnknownField(t *testing.T) {
	store, schema := contactStore(t, nil)
	ev := NewEvaluator(store)
	_, err := ev.Evaluate(context.Background(), types.NewConfig("c", "contact"),
		types.Rule{Field: "fax", MatchMode: types.MatchExact}, schema)
	var ufe *recordstore.UnknownFieldError
	assert.ErrorAs(t, err, &ufe)
}

func TestCoalesce(t *testing.T) {
	tests := []struct {
		name string
		in   [][]int64
		want [][]int64
	}{
		{"empty", nil, [][]int64{}},
		{"disjoint", [][]int64{{4, 5}, {1, 2}}, [][]int64{{1, 2}, {4, 5}}},
		{"chain", [][]int64{{1, 2}, {2, 3}, {3, 7}}, [][]int64{{1, 2, 3, 7}}},
		{"two rules", [][]int64{{1, 2}, {2, 3}, {8, 9}}, [][]int64{{1, 2, 3}, {8, 9}}},
		{"late bridge", [][]int64{{1, 2}, {5, 6}, {2, 5}}, [][]int64{{1, 2, 5, 6}}},
		{"repeated ids", [][]int64{{3, 1, 3}}, [][]int64{{1, 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Coalesce(tt.in))
		})
	}
}

func TestPassThroughKeepsOverlaps(t *testing.T) {
	got := PassThrough([][]int64{{2, 3}, {2, 1}, {4}})
	assert.Equal(t, [][]int64{{1, 2}, {2, 3}}, got)
}

func TestRestrict(t *testing.T) {
	got := Restrict([][]int64{{1, 2, 3}, {4, 5}}, map[int64]bool{1: true, 3: true, 4: true})
	assert.Equal(t, [][]int64{{1, 3}}, got)
}

func TestScore(t *testing.T) {
	email := types.Rule{ID: 1, Field: "email", MatchMode: types.MatchExact}
	phone := types.Rule{ID: 2, Field: "phone", MatchMode: types.MatchExact}

	values := map[int64]map[string]any{
		1: {"email": "a@x", "phone": "111"},
		2: {"email": "a@x", "phone": "222"},
		3: {"email": "b@y", "phone": "222"},
	}
	got := Score([]types.Rule{phone, email}, []int64{1, 2, 3}, values)
	assert.InDelta(t, 1.0/3.0, got, 1e-9)

	full := map[int64]map[string]any{1: {"email": "a@x"}, 3: {"email": "a@x"}}
	assert.Equal(t, 1.0, Score([]types.Rule{email}, []int64{1, 3}, full))

	empties := map[int64]map[string]any{1: {"email": ""}, 2: {"email": ""}}
	assert.Equal(t, 0.0, Score([]types.Rule{email}, []int64{1, 2}, empties))

	assert.Equal(t, 0.0, Score(nil, []int64{1, 2}, values))
	assert.Equal(t, 0.0, Score([]types.Rule{email}, []int64{1}, values))

	accent := types.Rule{ID: 3, Field: "email", MatchMode: types.MatchAccentInsensitive}
	folded := map[int64]map[string]any{1: {"email": "rené@x"}, 2: {"email": "RENE@X"}}
	assert.Equal(t, 1.0, Score([]types.Rule{accent}, []int64{1, 2}, folded))

	// Rule order must not matter.
	a := Score([]types.Rule{email, phone}, []int64{1, 2, 3}, values)
	b := Score([]types.Rule{phone, email}, []int64{1, 2, 3}, values)
	assert.False(t, math.IsNaN(a))
	assert.Equal(t, a, b)
}

func TestFeatureElector(t *testing.T) {
	e := NewFeatureElector("is_company")
	values := map[int64]map[string]any{
		1: {"email": "a@x", "phone": ""},
		2: {"email": "a@x", "phone": "222"},
		3: {"email": "a@x", "phone": "222"},
		4: {"email": "", "is_company": true},
	}

	id, err := e.Elect(ElectionInput{IDs: []int64{1, 2, 3}, RuleFields: []string{"email", "phone"}, Values: values})
	require.NoError(t, err)
	assert.Equal(t, int64(2), id, "most filled fields, then lowest id")

	id, err = e.Elect(ElectionInput{IDs: []int64{1, 2, 3, 4}, RuleFields: []string{"email", "phone"}, Values: values})
	require.NoError(t, err)
	assert.Equal(t, int64(4), id, "flag fields win first")

	id, err = e.Elect(ElectionInput{IDs: []int64{3, 1}, RuleFields: []string{"email"}, Values: values})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	_, err = e.Elect(ElectionInput{})
	assert.Error(t, err)
}

func group(id int64, master *int64, members ...int64) *types.DuplicateGroup {
	g := &types.DuplicateGroup{ID: id, MasterID: master}
	for _, m := range members {
		g.Records = append(g.Records, types.DuplicateRecord{TargetID: m})
	}
	return g
}

func TestGroupIndexClassify(t *testing.T) {
	idx := NewGroupIndex([]*types.DuplicateGroup{
		group(10, nil, 1, 3),
		group(11, nil, 5, 6, 7),
	})

	d := idx.Classify([]int64{1, 3})
	assert.Equal(t, ActionSkip, d.Action, "equal set is skipped")
	assert.Equal(t, int64(10), d.Covering.ID)

	d = idx.Classify([]int64{5, 7})
	assert.Equal(t, ActionSkip, d.Action, "subset is skipped")

	d = idx.Classify([]int64{1, 2, 3})
	require.Equal(t, ActionCreate, d.Action)
	require.Len(t, d.Replaces, 1)
	assert.Equal(t, int64(10), d.Replaces[0].ID)

	d = idx.Classify([]int64{1, 3, 5, 6, 7})
	require.Equal(t, ActionCreate, d.Action)
	require.Len(t, d.Replaces, 2)

	d = idx.Classify([]int64{3, 5})
	assert.Equal(t, ActionCreate, d.Action, "overlap without containment creates")
	assert.Empty(t, d.Replaces)

	idx.Remove(10)
	idx.Add(group(12, nil, 1, 2, 3))
	assert.Equal(t, 2, idx.Len())
	assert.Equal(t, ActionSkip, idx.Classify([]int64{1, 3}).Action)
}

func TestGroupIndexPendingGroups(t *testing.T) {
	idx := NewGroupIndex(nil)
	pending := group(0, nil, 4, 5)
	idx.Add(pending)

	d := idx.Classify([]int64{4, 5, 6})
	require.Equal(t, ActionCreate, d.Action)
	require.Len(t, d.Replaces, 1)
	assert.Same(t, pending, d.Replaces[0])

	// The pending group may have been assigned an id by the time it is removed
	pending.ID = 42
	idx.RemoveGroup(pending)
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, ActionCreate, idx.Classify([]int64{4, 5}).Action)
}

func TestGroupIndexSuppress(t *testing.T) {
	idx := NewGroupIndex(nil)
	idx.Suppress([][]int64{{1, 3, 4}, {}})

	d := idx.Classify([]int64{1, 3})
	assert.Equal(t, ActionSkip, d.Action, "subset of a discarded set is skipped")
	assert.True(t, d.Suppressed)
	assert.Nil(t, d.Covering)

	d = idx.Classify([]int64{1, 3, 4})
	assert.True(t, d.Suppressed, "the discarded set itself is skipped")

	d = idx.Classify([]int64{1, 3, 4, 5})
	assert.Equal(t, ActionCreate, d.Action, "a new member makes the set worth another look")
	assert.False(t, d.Suppressed)

	d = idx.Classify([]int64{3, 7})
	assert.Equal(t, ActionCreate, d.Action)
}

func TestContained(t *testing.T) {
	a := group(1, nil, 1, 2, 3)
	b := group(2, nil, 2, 3)
	c := group(3, nil, 3, 4)
	d := group(4, nil, 3, 4)
	e := group(5, nil, 8, 9)

	got := Contained([]*types.DuplicateGroup{e, d, c, b, a})
	require.Len(t, got, 2)
	assert.Same(t, b, got[0], "strict subset of another group")
	assert.Same(t, d, got[1], "the higher id of two equal groups")

	assert.Empty(t, Contained([]*types.DuplicateGroup{a, c, e}))
	assert.Empty(t, Contained(nil))
}

func TestInherit(t *testing.T) {
	m1, m2 := int64(3), int64(9)
	old := group(10, &m1, 1, 3)
	old.Records[0].IsDiscarded = true
	gone := group(11, &m2, 8, 9)

	master, discarded := Inherit([]int64{1, 2, 3}, []*types.DuplicateGroup{old, gone})
	require.NotNil(t, master)
	assert.Equal(t, int64(3), *master)
	assert.Equal(t, map[int64]bool{1: true}, discarded)

	master, _ = Inherit([]int64{1, 2}, []*types.DuplicateGroup{gone})
	assert.Nil(t, master, "master outside the new set is not carried over")
}
