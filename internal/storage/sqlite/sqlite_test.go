package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/steveyegge/dedup/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "dedup.db"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func contactConfig(name string) *types.DeduplicationConfig {
	cfg := types.NewConfig(name, "contact")
	cfg.Rules = []types.Rule{
		{Field: "email", MatchMode: types.MatchExact},
		{Field: "name", MatchMode: types.MatchAccentInsensitive},
	}
	cfg.NotifyRecipients = []string{"alice", "bob"}
	return cfg
}

func TestCreateAndGetConfig(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg := contactConfig("contacts")
	if err := store.CreateConfig(ctx, cfg); err != nil {
		t.Fatalf("CreateConfig failed: %v", err)
	}
	if cfg.ID == 0 {
		t.Fatal("expected config id to be set")
	}
	for _, r := range cfg.Rules {
		if r.ID == 0 || r.ConfigID != cfg.ID {
			t.Errorf("rule not persisted: %+v", r)
		}
	}

	got, err := store.GetConfig(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected config, got nil")
	}
	if got.Name != "contacts" || got.TargetType != "contact" {
		t.Errorf("unexpected config: %+v", got)
	}
	if got.RemovalMode != types.RemovalArchive || got.MergeMode != types.MergeManual {
		t.Errorf("modes not round-tripped: %s %s", got.RemovalMode, got.MergeMode)
	}
	if len(got.Rules) != 2 || got.Rules[0].Field != "email" || got.Rules[1].MatchMode != types.MatchAccentInsensitive {
		t.Errorf("unexpected rules: %+v", got.Rules)
	}
	if len(got.NotifyRecipients) != 2 || got.NotifyRecipients[0] != "alice" {
		t.Errorf("unexpected recipients: %v", got.NotifyRecipients)
	}
	if got.LastNotification != nil {
		t.Errorf("expected nil last notification, got %v", got.LastNotification)
	}

	byName, err := store.GetConfigByName(ctx, "contacts")
	if err != nil || byName == nil || byName.ID != cfg.ID {
		t.Errorf("GetConfigByName = %v, %v", byName, err)
	}

	missing, err := store.GetConfig(ctx, 9999)
	if err != nil || missing != nil {
		t.Errorf("expected nil for missing config, got %v, %v", missing, err)
	}
}

func TestCreateConfigRejectsDuplicateName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateConfig(ctx, contactConfig("contacts")); err != nil {
		t.Fatalf("CreateConfig failed: %v", err)
	}
	err := store.CreateConfig(ctx, contactConfig("contacts"))
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestCreateConfigValidates(t *testing.T) {
	store := newTestStore(t)
	cfg := types.NewConfig("no-rules", "contact")
	if err := store.CreateConfig(context.Background(), cfg); err == nil {
		t.Fatal("expected validation error for config without rules")
	}
}

func TestUpdateConfigKeepsRuleIDs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg := contactConfig("contacts")
	if err := store.CreateConfig(ctx, cfg); err != nil {
		t.Fatalf("CreateConfig failed: %v", err)
	}
	emailRuleID := cfg.Rules[0].ID

	cfg.Rules = []types.Rule{
		{Field: "phone", MatchMode: types.MatchExact},
		{Field: "email", MatchMode: types.MatchExact},
	}
	cfg.NotifyRecipients = []string{"carol"}
	if _, err := store.UpdateConfig(ctx, cfg); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}

	got, err := store.GetConfig(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}
	if len(got.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %+v", got.Rules)
	}
	var email *types.Rule
	for i := range got.Rules {
		if got.Rules[i].Field == "email" {
			email = &got.Rules[i]
		}
		if got.Rules[i].Field == "name" {
			t.Error("removed rule is still stored")
		}
	}
	if email == nil || email.ID != emailRuleID || email.Sequence != 1 {
		t.Errorf("email rule not preserved: %+v", email)
	}
	if len(got.NotifyRecipients) != 1 || got.NotifyRecipients[0] != "carol" {
		t.Errorf("recipients not replaced: %v", got.NotifyRecipients)
	}

	missing := contactConfig("ghost")
	missing.ID = 4242
	if _, err := store.UpdateConfig(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateConfigCascades(t *testing.T) {
	ctx := context.Background()

	t.Run("Deactivate", func(t *testing.T) {
		store := newTestStore(t)
		cfg := contactConfig("contacts")
		if err := store.CreateConfig(ctx, cfg); err != nil {
			t.Fatalf("CreateConfig failed: %v", err)
		}
		createGroups(t, store, cfg.ID, 0.5, 1.0)

		cfg.Active = false
		deleted, err := store.UpdateConfig(ctx, cfg)
		if err != nil {
			t.Fatalf("UpdateConfig failed: %v", err)
		}
		if deleted != 2 {
			t.Errorf("expected 2 groups deleted, got %d", deleted)
		}
		groups, _ := store.ActiveGroups(ctx, cfg.ID)
		if len(groups) != 0 {
			t.Errorf("expected no groups after deactivation, got %d", len(groups))
		}
	})

	t.Run("RaiseThreshold", func(t *testing.T) {
		store := newTestStore(t)
		cfg := contactConfig("contacts")
		if err := store.CreateConfig(ctx, cfg); err != nil {
			t.Fatalf("CreateConfig failed: %v", err)
		}
		createGroups(t, store, cfg.ID, 0.4, 0.6, 0.9)

		cfg.CreateThreshold = 60
		deleted, err := store.UpdateConfig(ctx, cfg)
		if err != nil {
			t.Fatalf("UpdateConfig failed: %v", err)
		}
		if deleted != 1 {
			t.Errorf("expected only the group strictly below 60 to go, deleted %d", deleted)
		}
		groups, _ := store.ActiveGroups(ctx, cfg.ID)
		if len(groups) != 2 {
			t.Errorf("expected 2 remaining groups, got %d", len(groups))
		}
	})

	t.Run("LowerThresholdKeepsGroups", func(t *testing.T) {
		store := newTestStore(t)
		cfg := contactConfig("contacts")
		cfg.CreateThreshold = 30
		if err := store.CreateConfig(ctx, cfg); err != nil {
			t.Fatalf("CreateConfig failed: %v", err)
		}
		createGroups(t, store, cfg.ID, 0.4)

		cfg.CreateThreshold = 10
		deleted, err := store.UpdateConfig(ctx, cfg)
		if err != nil || deleted != 0 {
			t.Errorf("UpdateConfig = %d, %v", deleted, err)
		}
	})
}

func TestDeleteConfigCascadesGroups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg := contactConfig("contacts")
	if err := store.CreateConfig(ctx, cfg); err != nil {
		t.Fatalf("CreateConfig failed: %v", err)
	}
	ids := createGroups(t, store, cfg.ID, 1.0)

	if err := store.DeleteConfig(ctx, cfg.ID); err != nil {
		t.Fatalf("DeleteConfig failed: %v", err)
	}
	g, err := store.GetGroup(ctx, ids[0])
	if err != nil || g != nil {
		t.Errorf("expected group to cascade, got %v, %v", g, err)
	}
	if err := store.DeleteConfig(ctx, cfg.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestListConfigsActiveOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	active := contactConfig("active")
	inactive := contactConfig("inactive")
	inactive.Active = false
	for _, cfg := range []*types.DeduplicationConfig{active, inactive} {
		if err := store.CreateConfig(ctx, cfg); err != nil {
			t.Fatalf("CreateConfig failed: %v", err)
		}
	}

	all, err := store.ListConfigs(ctx, false)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListConfigs(false) = %d, %v", len(all), err)
	}
	onlyActive, err := store.ListConfigs(ctx, true)
	if err != nil || len(onlyActive) != 1 || onlyActive[0].Name != "active" {
		t.Fatalf("ListConfigs(true) = %v, %v", onlyActive, err)
	}
	if len(onlyActive[0].Rules) != 2 {
		t.Errorf("expected rules to be loaded, got %+v", onlyActive[0].Rules)
	}
}

func TestSetLastNotification(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg := contactConfig("contacts")
	if err := store.CreateConfig(ctx, cfg); err != nil {
		t.Fatalf("CreateConfig failed: %v", err)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.SetLastNotification(ctx, cfg.ID, at); err != nil {
		t.Fatalf("SetLastNotification failed: %v", err)
	}
	got, _ := store.GetConfig(ctx, cfg.ID)
	if got.LastNotification == nil || !got.LastNotification.Equal(at) {
		t.Errorf("last notification = %v, want %v", got.LastNotification, at)
	}

	if err := store.SetLastNotification(ctx, 777, at); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
