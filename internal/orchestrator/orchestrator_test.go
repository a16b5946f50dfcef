package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/dedup/internal/config"
	"github.com/steveyegge/dedup/internal/events"
	"github.com/steveyegge/dedup/internal/logging"
	"github.com/steveyegge/dedup/internal/metrics"
	"github.com/steveyegge/dedup/internal/notify"
	"github.com/steveyegge/dedup/internal/recordstore"
	"github.com/steveyegge/dedup/internal/recordstore/memory"
	"github.com/steveyegge/dedup/internal/storage/sqlite"
	"github.com/steveyegge/dedup/internal/types"
)

type fixture struct {
	store   *sqlite.SQLiteStorage
	records *memory.Store
	metrics *metrics.EngineMetrics
	sink    *recordingSink
	orch    *Orchestrator
}

type recordingSink struct {
	mu    sync.Mutex
	calls []notifyCall
	fail  map[string]bool
}

type notifyCall struct {
	recipients []string
	config     string
	label      string
	count      int
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Notify(_ context.Context, recipients []string, configName, targetLabel string, groupCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, notifyCall{recipients, configName, targetLabel, groupCount})
	derr := &notify.DeliveryError{}
	for _, r := range recipients {
		if s.fail[r] {
			derr.Failed = append(derr.Failed, r)
			derr.Errs = append(derr.Errs, errors.New("unreachable"))
		}
	}
	if len(derr.Failed) > 0 {
		return derr
	}
	return nil
}

func (s *recordingSink) Calls() []notifyCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notifyCall(nil), s.calls...)
}

func newFixture(t *testing.T, adjust ...func(*Config)) *fixture {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "dedup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	records := memory.New()
	records.Define(recordstore.TargetSchema{
		Name:  "contact",
		Label: "Contact",
		Fields: map[string]recordstore.Field{
			"email": {Kind: recordstore.KindScalar},
			"phone": {Kind: recordstore.KindScalar},
			"name":  {Kind: recordstore.KindScalar},
			"kind":  {Kind: recordstore.KindScalar},
		},
	}, "name")
	records.Define(recordstore.TargetSchema{
		Name: "invoice",
		Fields: map[string]recordstore.Field{
			"partner": {Kind: recordstore.KindReference, References: "contact"},
		},
	}, "")

	m, err := metrics.NewEngineMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	sink := &recordingSink{fail: map[string]bool{}}
	cfg := DefaultConfig()
	cfg.Store = store
	cfg.Adapter = records
	cfg.Metrics = m
	cfg.Notifier = sink
	cfg.Logger = logging.Discard()
	cfg.Engine.InitialBackoff = time.Millisecond
	cfg.Engine.MaxBackoff = 5 * time.Millisecond
	for _, fn := range adjust {
		fn(&cfg)
	}

	orch, err := New(cfg)
	require.NoError(t, err)

	return &fixture{store: store, records: records, metrics: m, sink: sink, orch: orch}
}

func (f *fixture) putContacts(emails map[int64]string) {
	for id, email := range emails {
		f.records.Put("contact", id, map[string]any{"email": email, "kind": "person"})
	}
}

func (f *fixture) config(t *testing.T, name string, rules ...types.Rule) *types.DeduplicationConfig {
	t.Helper()
	cfg := types.NewConfig(name, "contact")
	cfg.Rules = rules
	return cfg
}

func (f *fixture) save(t *testing.T, cfg *types.DeduplicationConfig) *types.DeduplicationConfig {
	t.Helper()
	require.NoError(t, f.store.CreateConfig(context.Background(), cfg))
	return cfg
}

func (f *fixture) groups(t *testing.T, configID int64) []*types.DuplicateGroup {
	t.Helper()
	groups, err := f.store.ActiveGroups(context.Background(), configID)
	require.NoError(t, err)
	return groups
}

func emailRule(mode types.MatchMode) types.Rule {
	return types.Rule{Field: "email", MatchMode: mode}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Store = &sqlite.SQLiteStorage{}
	cfg.Adapter = memory.New()
	cfg.Engine.CommitEvery = 0
	_, err = New(cfg)
	assert.ErrorContains(t, err, "commit_every")
}

func TestExactMatchGrouping(t *testing.T) {
	f := newFixture(t)
	f.putContacts(map[int64]string{1: "a@x", 2: "A@X", 3: "a@x", 4: "b@y", 5: ""})
	cfg := f.save(t, f.config(t, "contacts", emailRule(types.MatchExact)))

	report, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, report.Status())
	require.Len(t, report.Configs, 1)
	assert.Equal(t, 1, report.Configs[0].Created)

	groups := f.groups(t, cfg.ID)
	require.Len(t, groups, 1)
	assert.Equal(t, []int64{1, 3}, groups[0].MemberIDs())
	assert.Equal(t, 1.0, groups[0].Similarity)
	require.NotNil(t, groups[0].MasterID)
	assert.Equal(t, int64(1), *groups[0].MasterID)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.GroupsTotal.WithLabelValues("contacts", metrics.OutcomeCreated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RunsTotal.WithLabelValues(TriggerManual, StatusSuccess)))

	created, err := f.store.GetEvents(context.Background(), events.EventFilter{Type: events.EventTypeGroupCreated, RunID: report.RunID})
	require.NoError(t, err)
	require.Len(t, created, 1)
	data, err := events.DecodeData[events.GroupData](created[0])
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, data.Members)
}

func TestAccentInsensitiveCoalescing(t *testing.T) {
	f := newFixture(t)
	f.putContacts(map[int64]string{1: "rené@x", 2: "rene@x", 3: "RENE@X", 4: "other@y"})
	cfg := f.save(t, f.config(t, "contacts", emailRule(types.MatchAccentInsensitive)))

	_, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)

	groups := f.groups(t, cfg.ID)
	require.Len(t, groups, 1)
	assert.Equal(t, []int64{1, 2, 3}, groups[0].MemberIDs())
	assert.Equal(t, 1.0, groups[0].Similarity)
}

func putMultiRule(f *fixture) {
	f.records.Put("contact", 1, map[string]any{"email": "a@x", "phone": "111"})
	f.records.Put("contact", 2, map[string]any{"email": "a@x", "phone": "222"})
	f.records.Put("contact", 3, map[string]any{"email": "b@y", "phone": "222"})
	f.records.Put("contact", 4, map[string]any{"email": "c@z", "phone": "333"})
}

func TestMultiRuleUnion(t *testing.T) {
	f := newFixture(t)
	putMultiRule(f)
	cfg := f.save(t, f.config(t, "contacts",
		emailRule(types.MatchExact),
		types.Rule{Field: "phone", MatchMode: types.MatchExact}))

	_, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)

	groups := f.groups(t, cfg.ID)
	require.Len(t, groups, 1)
	assert.Equal(t, []int64{1, 2, 3}, groups[0].MemberIDs())
	assert.InDelta(t, 1.0/3.0, groups[0].Similarity, 1e-9)
}

func TestMultiRuleWithoutCoalescing(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Engine.Coalesce = false })
	putMultiRule(f)
	cfg := f.save(t, f.config(t, "contacts",
		emailRule(types.MatchExact),
		types.Rule{Field: "phone", MatchMode: types.MatchExact}))

	_, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)

	groups := f.groups(t, cfg.ID)
	require.Len(t, groups, 2)
	assert.Equal(t, []int64{1, 2}, groups[0].MemberIDs())
	assert.Equal(t, []int64{2, 3}, groups[1].MemberIDs())
}

func TestThresholdGating(t *testing.T) {
	f := newFixture(t)
	putMultiRule(f)
	cfg := f.config(t, "contacts",
		emailRule(types.MatchExact),
		types.Rule{Field: "phone", MatchMode: types.MatchExact})
	cfg.CreateThreshold = 50
	f.save(t, cfg)

	report, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Configs[0].Created)
	assert.Equal(t, 1, report.Configs[0].Dropped)
	assert.Empty(t, f.groups(t, cfg.ID))
}

func TestAutoMerge(t *testing.T) {
	f := newFixture(t)
	f.putContacts(map[int64]string{1: "a@x", 2: "A@X", 3: "a@x", 4: "b@y", 5: ""})
	f.records.Put("invoice", 100, map[string]any{"partner": int64(3)})
	cfg := f.config(t, "contacts", emailRule(types.MatchExact))
	cfg.MergeMode = types.MergeAutomatic
	cfg.MergeThreshold = 90
	f.save(t, cfg)

	report, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Configs[0].Created)
	assert.Equal(t, 1, report.Configs[0].Merged)
	assert.Empty(t, f.groups(t, cfg.ID), "merged group should be gone")

	loser, ok := f.records.Get("contact", 3)
	require.True(t, ok)
	assert.False(t, loser.Active)
	master, _ := f.records.Get("contact", 1)
	assert.True(t, master.Active)
	invoice, _ := f.records.Get("invoice", 100)
	assert.Equal(t, int64(1), invoice.Values["partner"])

	// Nothing left to group on the next run
	report, err = f.orch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Configs[0].Created)
}

func TestAutoMergeBelowThresholdKeepsGroup(t *testing.T) {
	f := newFixture(t)
	putMultiRule(f)
	cfg := f.config(t, "contacts",
		emailRule(types.MatchExact),
		types.Rule{Field: "phone", MatchMode: types.MatchExact})
	cfg.MergeMode = types.MergeAutomatic
	cfg.MergeThreshold = 90
	f.save(t, cfg)

	report, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Configs[0].Merged)
	assert.Len(t, f.groups(t, cfg.ID), 1)
	assert.Equal(t, 0, f.records.Calls(memory.OpApplyMerge))
}

func TestIdempotentRerun(t *testing.T) {
	f := newFixture(t)
	f.putContacts(map[int64]string{1: "a@x", 2: "A@X", 3: "a@x", 4: "b@y", 5: ""})
	cfg := f.save(t, f.config(t, "contacts", emailRule(types.MatchExact)))

	_, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)
	first := f.groups(t, cfg.ID)

	report, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Configs[0].Created)
	assert.Equal(t, 1, report.Configs[0].Skipped)

	second := f.groups(t, cfg.ID)
	require.Len(t, second, 1)
	assert.Equal(t, []int64{1, 3}, second[0].MemberIDs())
	assert.Equal(t, first[0].ID, second[0].ID)
}

func TestSupersetReplacesGroupAndInheritsDecisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putContacts(map[int64]string{1: "a@x", 3: "a@x", 4: "a@x"})
	cfg := f.save(t, f.config(t, "contacts", emailRule(types.MatchExact)))

	_, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	old := f.groups(t, cfg.ID)
	require.Len(t, old, 1)
	require.NoError(t, f.store.SetGroupMaster(ctx, old[0].ID, 3))
	require.NoError(t, f.store.SetRecordDiscarded(ctx, old[0].ID, 4, true))

	f.putContacts(map[int64]string{2: "a@x"})
	report, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Configs[0].Created)
	assert.Equal(t, 1, report.Configs[0].Replaced)

	groups := f.groups(t, cfg.ID)
	require.Len(t, groups, 1)
	g := groups[0]
	assert.Equal(t, []int64{1, 2, 3, 4}, g.MemberIDs())
	require.NotNil(t, g.MasterID)
	assert.Equal(t, int64(3), *g.MasterID, "operator's master carries over")
	assert.True(t, g.Record(4).IsDiscarded, "discarded flag carries over")
	assert.False(t, g.Record(2).IsDiscarded)

	replaced, err := f.store.GetEvents(ctx, events.EventFilter{Type: events.EventTypeGroupReplaced, GroupID: old[0].ID})
	require.NoError(t, err)
	assert.Len(t, replaced, 1)
}

func TestPruneDetachesNonCandidates(t *testing.T) {
	f := newFixture(t)
	f.putContacts(map[int64]string{1: "a@x", 3: "a@x"})
	cfg := f.config(t, "people", emailRule(types.MatchExact))
	cfg.Domain = "kind=person"
	f.save(t, cfg)

	_, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, f.groups(t, cfg.ID), 1)

	f.records.Put("contact", 3, map[string]any{"email": "a@x", "kind": "company"})
	report, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Configs[0].Pruned)
	assert.Empty(t, f.groups(t, cfg.ID))
}

func TestPruneRemovesGroupsContainedInOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putContacts(map[int64]string{1: "a@x", 2: "a@x", 3: "a@x", 4: "z@z"})
	cfg := f.config(t, "people", emailRule(types.MatchExact))
	cfg.Domain = "kind=person"
	f.save(t, cfg)

	_, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, f.groups(t, cfg.ID), 1)

	// 1 moves away and 4 joins 2 and 3; [1 2 3] is left for an operator
	f.putContacts(map[int64]string{1: "q@q", 4: "a@x"})
	_, err = f.orch.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, f.groups(t, cfg.ID), 2)

	// 4 leaves the domain, shrinking [2 3 4] to [2 3]
	f.records.Put("contact", 4, map[string]any{"email": "a@x", "kind": "company"})
	report, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Configs[0].Pruned)
	assert.Equal(t, 1, report.Configs[0].InvariantViolations)

	groups := f.groups(t, cfg.ID)
	require.Len(t, groups, 1)
	assert.Equal(t, []int64{1, 2, 3}, groups[0].MemberIDs())

	violations, err := f.store.GetEvents(ctx, events.EventFilter{Type: events.EventTypeInvariantViolation, RunID: report.RunID})
	require.NoError(t, err)
	assert.Len(t, violations, 1)
}

func TestDiscardedGroupIsNotRecreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putContacts(map[int64]string{1: "a@x", 3: "a@x"})
	cfg := f.save(t, f.config(t, "contacts", emailRule(types.MatchExact)))

	_, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	groups := f.groups(t, cfg.ID)
	require.Len(t, groups, 1)
	_, err = f.store.DiscardGroup(ctx, groups[0].ID)
	require.NoError(t, err)

	report, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Configs[0].Created)
	assert.Equal(t, 1, report.Configs[0].Skipped)
	assert.Empty(t, f.groups(t, cfg.ID))

	// A new duplicate brings the records back for review
	f.putContacts(map[int64]string{2: "a@x"})
	report, err = f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Configs[0].Created)
	groups = f.groups(t, cfg.ID)
	require.Len(t, groups, 1)
	assert.Equal(t, []int64{1, 2, 3}, groups[0].MemberIDs())
}

func TestDiscardedGroupReturnsWhenNotRemembered(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Engine.RememberDiscards = false })
	ctx := context.Background()
	f.putContacts(map[int64]string{1: "a@x", 3: "a@x"})
	cfg := f.save(t, f.config(t, "contacts", emailRule(types.MatchExact)))

	_, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	groups := f.groups(t, cfg.ID)
	require.Len(t, groups, 1)
	_, err = f.store.DiscardGroup(ctx, groups[0].ID)
	require.NoError(t, err)

	report, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Configs[0].Created)
	assert.Len(t, f.groups(t, cfg.ID), 1)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	f := newFixture(t)
	f.putContacts(map[int64]string{1: "a@x", 3: "a@x"})
	cfg := f.save(t, f.config(t, "contacts", emailRule(types.MatchExact)))
	f.records.FailNext(memory.OpGroupByField, 2)

	report, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.NoError(t, report.Configs[0].Err)
	assert.Len(t, f.groups(t, cfg.ID), 1)
	assert.Equal(t, 3, f.records.Calls(memory.OpGroupByField))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.StoreRetries.WithLabelValues("group_by_field")))
}

func TestExhaustedRetriesAbandonOnlyThatConfig(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Engine.MaxRetries = 1 })
	ctx := context.Background()
	f.putContacts(map[int64]string{1: "a@x", 3: "a@x"})
	f.records.Put("contact", 5, map[string]any{"phone": "111"})
	f.records.Put("contact", 6, map[string]any{"phone": "111"})

	failing := f.save(t, f.config(t, "by-email", emailRule(types.MatchExact)))
	healthy := f.save(t, f.config(t, "by-phone", types.Rule{Field: "phone", MatchMode: types.MatchExact}))

	// Both attempts of the first config's only rule fail
	f.records.FailNext(memory.OpGroupByField, 2)

	report, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, report.Status())

	bad := report.Config(failing.ID)
	require.NotNil(t, bad)
	assert.ErrorIs(t, bad.Err, recordstore.ErrStoreUnavailable)
	good := report.Config(healthy.ID)
	require.NotNil(t, good)
	assert.NoError(t, good.Err)
	assert.Equal(t, 1, good.Created)

	failed, err := f.store.GetEvents(ctx, events.EventFilter{Type: events.EventTypeConfigRunFailed, ConfigID: failing.ID})
	require.NoError(t, err)
	assert.Len(t, failed, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConfigFailures.WithLabelValues("by-email")))
}

func TestUnknownRuleFieldAbandonsConfig(t *testing.T) {
	f := newFixture(t)
	f.putContacts(map[int64]string{1: "a@x", 3: "a@x"})
	cfg := f.save(t, f.config(t, "contacts", types.Rule{Field: "fax", MatchMode: types.MatchExact}))

	report, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)
	var unknown *recordstore.UnknownFieldError
	assert.True(t, errors.As(report.Config(cfg.ID).Err, &unknown))
	assert.Equal(t, 0, f.records.Calls(memory.OpGroupByField), "a config with an unknown field never reaches the store")
}

func TestCommitEveryChunksBatches(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Engine.CommitEvery = 1 })
	f.putContacts(map[int64]string{1: "a@x", 2: "a@x", 3: "b@y", 4: "b@y", 5: "c@z", 6: "c@z"})
	cfg := f.save(t, f.config(t, "contacts", emailRule(types.MatchExact)))

	report, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Configs[0].Created)
	assert.Len(t, f.groups(t, cfg.ID), 3)
}

func TestRunOnceRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t)
	f.orch.runMu.Lock()
	defer f.orch.runMu.Unlock()

	_, err := f.orch.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestRunOnceSelectedConfigs(t *testing.T) {
	f := newFixture(t)
	f.putContacts(map[int64]string{1: "a@x", 3: "a@x"})
	a := f.save(t, f.config(t, "a", emailRule(types.MatchExact)))
	b := f.save(t, f.config(t, "b", emailRule(types.MatchAccentInsensitive)))

	report, err := f.orch.RunOnce(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, report.Configs, 1)
	assert.Equal(t, b.ID, report.Configs[0].ConfigID)
	assert.Empty(t, f.groups(t, a.ID))

	_, err = f.orch.RunOnce(context.Background(), 9999)
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
}

// cancellingAdapter cancels the run as soon as the first rule is evaluated
type cancellingAdapter struct {
	*memory.Store
	cancel context.CancelFunc
}

func (a *cancellingAdapter) GroupByField(ctx context.Context, q recordstore.GroupQuery) ([]recordstore.ValueGroup, error) {
	groups, err := a.Store.GroupByField(ctx, q)
	a.cancel()
	return groups, err
}

func TestCancelledRunLeavesNoPartialGroups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var records *memory.Store
	f := newFixture(t, func(c *Config) {
		records = c.Adapter.(*memory.Store)
		c.Adapter = &cancellingAdapter{Store: records, cancel: cancel}
	})
	f.putContacts(map[int64]string{1: "a@x", 3: "a@x"})
	cfg := f.config(t, "contacts", emailRule(types.MatchExact))
	cfg.NotifyRecipients = []string{"alice"}
	f.save(t, cfg)

	report, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Equal(t, StatusCancelled, report.Status())
	assert.True(t, report.Configs[0].Cancelled)
	assert.Empty(t, f.groups(t, cfg.ID))
	assert.Empty(t, f.sink.Calls(), "cancelled runs do not notify")
}

// fetchCancellingAdapter cancels the run once the given FetchFields call returns
type fetchCancellingAdapter struct {
	*memory.Store
	cancel context.CancelFunc
	after  int

	mu    sync.Mutex
	calls int
}

func (a *fetchCancellingAdapter) FetchFields(ctx context.Context, targetType string, ids []int64, fields []string) (map[int64]map[string]any, error) {
	values, err := a.Store.FetchFields(ctx, targetType, ids, fields)
	a.mu.Lock()
	a.calls++
	if a.calls == a.after {
		a.cancel()
	}
	a.mu.Unlock()
	return values, err
}

func TestCancelledRunKeepsCommittedBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, func(c *Config) {
		c.Engine.CommitEvery = 1
		c.Adapter = &fetchCancellingAdapter{Store: c.Adapter.(*memory.Store), cancel: cancel, after: 2}
	})
	f.putContacts(map[int64]string{1: "a@x", 2: "a@x", 3: "b@y", 4: "b@y", 5: "c@z", 6: "c@z"})
	cfg := f.save(t, f.config(t, "contacts", emailRule(types.MatchExact)))

	report, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Equal(t, 1, report.Configs[0].Created, "only the first batch committed")
	assert.Len(t, f.groups(t, cfg.ID), 1)
}

func TestNotificationsAdvanceLastNotification(t *testing.T) {
	now := time.Now().Add(time.Minute)
	f := newFixture(t, func(c *Config) { c.Now = func() time.Time { return now } })
	ctx := context.Background()
	f.putContacts(map[int64]string{1: "a@x", 3: "a@x"})
	cfg := f.config(t, "contacts", emailRule(types.MatchExact))
	cfg.NotifyRecipients = []string{"alice", "bob"}
	f.save(t, cfg)

	_, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)

	calls := f.sink.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"alice", "bob"}, calls[0].recipients)
	assert.Equal(t, "contacts", calls[0].config)
	assert.Equal(t, "Contact", calls[0].label)
	assert.Equal(t, 1, calls[0].count)

	stored, err := f.store.GetConfig(ctx, cfg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastNotification)
	assert.WithinDuration(t, now, *stored.LastNotification, time.Second)

	// Not due again until a week has passed
	_, err = f.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, f.sink.Calls(), 1)
}

func TestNotificationSkippedWithoutNewGroups(t *testing.T) {
	f := newFixture(t)
	f.putContacts(map[int64]string{1: "a@x", 3: "b@y"})
	cfg := f.config(t, "contacts", emailRule(types.MatchExact))
	cfg.NotifyRecipients = []string{"alice"}
	f.save(t, cfg)

	_, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.sink.Calls())

	stored, err := f.store.GetConfig(context.Background(), cfg.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastNotification)
}

func TestFailedNotificationKeepsLastNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sink.fail["alice"] = true
	f.putContacts(map[int64]string{1: "a@x", 3: "a@x"})
	cfg := f.config(t, "contacts", emailRule(types.MatchExact))
	cfg.NotifyRecipients = []string{"alice"}
	f.save(t, cfg)

	report, err := f.orch.RunOnce(ctx)
	require.NoError(t, err)

	stored, err := f.store.GetConfig(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastNotification, "nobody was reached, so the next run tries again")

	sent, err := f.store.GetEvents(ctx, events.EventFilter{Type: events.EventTypeNotificationSent, RunID: report.RunID})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	data, err := events.DecodeData[events.NotificationSentData](sent[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, data.Failed)
}

func TestStartStop(t *testing.T) {
	retention := config.DefaultEventRetentionConfig()
	f := newFixture(t, func(c *Config) {
		c.Interval = time.Hour
		c.EventRetention = &retention
	})
	f.putContacts(map[int64]string{1: "a@x", 3: "a@x"})
	cfg := f.save(t, f.config(t, "contacts", emailRule(types.MatchExact)))

	ctx := context.Background()
	require.NoError(t, f.orch.Start(ctx))
	assert.Error(t, f.orch.Start(ctx), "second start must fail")
	assert.True(t, f.orch.IsRunning())

	require.Eventually(t, func() bool { return f.orch.LastReport() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, TriggerScheduled, f.orch.LastReport().Trigger)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Stop(stopCtx))
	assert.False(t, f.orch.IsRunning())
	assert.Error(t, f.orch.Stop(stopCtx))

	assert.Len(t, f.groups(t, cfg.ID), 1)
	cleanups, err := f.store.GetEvents(ctx, events.EventFilter{Type: events.EventTypeEventCleanupCompleted})
	require.NoError(t, err)
	assert.Len(t, cleanups, 1, "cleanup runs once on startup")
}

func TestCleanupEventsByAge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := events.New(events.EventTypeGroupMerged, events.SeverityInfo, "old merge")
	old.Timestamp = time.Now().AddDate(0, 0, -40)
	require.NoError(t, f.store.StoreEvent(ctx, old))
	require.NoError(t, f.store.StoreEvent(ctx, events.New(events.EventTypeGroupMerged, events.SeverityInfo, "recent merge")))

	result, err := CleanupEvents(ctx, f.store, config.DefaultEventRetentionConfig(), logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 1, result.TimeBasedDeleted)
	assert.Equal(t, 1, result.Deleted())

	merged, err := f.store.GetEvents(ctx, events.EventFilter{Type: events.EventTypeGroupMerged})
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, "recent merge", merged[0].Message)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	f := newFixture(t)
	calls := 0
	permanent := errors.New("bad query")
	err := f.orch.retryWithBackoff(context.Background(), "describe", func(context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryHonorsContextDuringBackoff(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Engine.InitialBackoff = time.Hour
		c.Engine.MaxBackoff = time.Hour
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := f.orch.retryWithBackoff(ctx, "list_candidates", func(context.Context) error {
		return recordstore.Unavailable("list_candidates", errors.New("down"))
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
