package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/dedup/internal/recordstore"
	"github.com/steveyegge/dedup/internal/types"
)

func newContactStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	s.Define(recordstore.TargetSchema{
		Name:  "company",
		Label: "Company",
		Fields: map[string]recordstore.Field{
			"name": {Kind: recordstore.KindScalar},
		},
	}, "name")
	s.Define(recordstore.TargetSchema{
		Name:           "contact",
		Label:          "Contact",
		PartitionField: "company_id",
		Fields: map[string]recordstore.Field{
			"email":      {Kind: recordstore.KindScalar},
			"is_company": {Kind: recordstore.KindScalar},
			"company_id": {Kind: recordstore.KindReference, References: "company"},
			"parent_id":  {Kind: recordstore.KindReference, References: "contact"},
		},
	}, "email")
	s.Define(recordstore.TargetSchema{
		Name: "invoice",
		Fields: map[string]recordstore.Field{
			"partner_id": {Kind: recordstore.KindReference, References: "contact"},
		},
	}, "")
	return s
}

func TestGroupByFieldReferenceUsesDisplayName(t *testing.T) {
	ctx := context.Background()
	s := newContactStore(t)
	s.Put("company", 1, map[string]any{"name": "Acme"})
	s.Put("company", 2, map[string]any{"name": "ACME"})
	s.Put("company", 3, map[string]any{"name": "Globex"})
	s.Put("contact", 10, map[string]any{"company_id": int64(1)})
	s.Put("contact", 11, map[string]any{"company_id": int64(2)})
	s.Put("contact", 12, map[string]any{"company_id": int64(3)})
	s.Put("contact", 13, map[string]any{})

	groups, err := s.GroupByField(ctx, recordstore.GroupQuery{
		TargetType: "contact",
		Field:      "company_id",
		MatchMode:  types.MatchAccentInsensitive,
	})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []int64{10, 11}, groups[0].IDs)
}

func TestGroupByFieldPartitionAndDomain(t *testing.T) {
	ctx := context.Background()
	s := newContactStore(t)
	s.Put("contact", 1, map[string]any{"email": "a@x", "company_id": int64(1)})
	s.Put("contact", 2, map[string]any{"email": "a@x", "company_id": int64(2)})
	s.Put("contact", 3, map[string]any{"email": "a@x", "company_id": int64(1)})
	s.Put("contact", 4, map[string]any{"email": "a@x", "company_id": int64(2), "is_company": true})

	q := recordstore.GroupQuery{TargetType: "contact", Field: "email", MatchMode: types.MatchExact, PartitionField: "company_id"}
	groups, err := s.GroupByField(ctx, q)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, []int64{1, 3}, groups[0].IDs)
	assert.Equal(t, []int64{2, 4}, groups[1].IDs)

	q.PartitionField = ""
	q.Domain = "company_id = 2"
	groups, err = s.GroupByField(ctx, q)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []int64{2, 4}, groups[0].IDs)

	s.RegisterDomain("people", func(r Record) bool { return r.Values["is_company"] != true })
	ids, err := s.ListCandidates(ctx, "contact", "people")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	_, err = s.ListCandidates(ctx, "contact", "bogus domain")
	assert.Error(t, err)
}

func TestUnknownFieldAndTarget(t *testing.T) {
	ctx := context.Background()
	s := newContactStore(t)

	_, err := s.GroupByField(ctx, recordstore.GroupQuery{TargetType: "contact", Field: "phone", MatchMode: types.MatchExact})
	var ufe *recordstore.UnknownFieldError
	require.True(t, errors.As(err, &ufe))

	_, err = s.Describe(ctx, "lead")
	assert.True(t, errors.Is(err, recordstore.ErrUnknownTarget))
}

func TestFailNext(t *testing.T) {
	ctx := context.Background()
	s := newContactStore(t)
	s.FailNext(OpListCandidates, 2)

	_, err := s.ListCandidates(ctx, "contact", "")
	assert.True(t, recordstore.IsTransient(err))
	_, err = s.ListCandidates(ctx, "contact", "")
	assert.True(t, recordstore.IsTransient(err))
	_, err = s.ListCandidates(ctx, "contact", "")
	assert.NoError(t, err)
	assert.Equal(t, 3, s.Calls(OpListCandidates))
}

func TestApplyMergeRewritesReferences(t *testing.T) {
	ctx := context.Background()
	s := newContactStore(t)
	s.Put("contact", 1, map[string]any{"email": "a@x"})
	s.Put("contact", 3, map[string]any{"email": "a@x"})
	s.Put("contact", 4, map[string]any{"email": "b@y", "parent_id": int64(3)})
	s.Put("invoice", 100, map[string]any{"partner_id": int64(3)})
	s.Put("invoice", 101, map[string]any{"partner_id": int64(4)})

	require.NoError(t, s.ApplyMerge(ctx, "contact", 1, []int64{3}, types.RemovalArchive))

	inv, _ := s.Get("invoice", 100)
	assert.Equal(t, int64(1), inv.Values["partner_id"])
	inv, _ = s.Get("invoice", 101)
	assert.Equal(t, int64(4), inv.Values["partner_id"])
	child, _ := s.Get("contact", 4)
	assert.Equal(t, int64(1), child.Values["parent_id"])

	loser, ok := s.Get("contact", 3)
	require.True(t, ok)
	assert.False(t, loser.Active)

	ids, err := s.ListCandidates(ctx, "contact", "")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4}, ids)
}

func TestApplyMergeDeleteAndConflicts(t *testing.T) {
	ctx := context.Background()
	s := newContactStore(t)
	s.Put("contact", 1, map[string]any{"email": "a@x"})
	s.Put("contact", 2, map[string]any{"email": "a@x"})

	var mce *recordstore.MergeConflictError
	err := s.ApplyMerge(ctx, "contact", 1, []int64{1}, types.RemovalDelete)
	require.True(t, errors.As(err, &mce))
	err = s.ApplyMerge(ctx, "contact", 9, []int64{2}, types.RemovalDelete)
	require.True(t, errors.As(err, &mce))

	s.SetMergeHook(func(string, int64, []int64) error {
		return &recordstore.MergeConflictError{MasterID: 1, Reason: "record locked"}
	})
	err = s.ApplyMerge(ctx, "contact", 1, []int64{2}, types.RemovalDelete)
	require.True(t, errors.As(err, &mce))
	_, ok := s.Get("contact", 2)
	assert.True(t, ok, "rejected merge must not change anything")

	s.SetMergeHook(nil)
	require.NoError(t, s.ApplyMerge(ctx, "contact", 1, []int64{2}, types.RemovalDelete))
	_, ok = s.Get("contact", 2)
	assert.False(t, ok)
}

func TestFetchFields(t *testing.T) {
	ctx := context.Background()
	s := newContactStore(t)
	s.Put("company", 1, map[string]any{"name": "Acme"})
	s.Put("contact", 1, map[string]any{"email": "a@x", "company_id": int64(1)})

	vals, err := s.FetchFields(ctx, "contact", []int64{1, 2}, []string{"email", "company_id"})
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, "a@x", vals[1]["email"])
	assert.Equal(t, "Acme", vals[1]["company_id"])
}
