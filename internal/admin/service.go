// Package admin is the transport-neutral administrative surface of the engine:
// config management, group review decisions and on-demand runs. The HTTP API
// and the CLI are thin layers over it.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/steveyegge/dedup/internal/merge"
	"github.com/steveyegge/dedup/internal/orchestrator"
	"github.com/steveyegge/dedup/internal/recordstore"
	"github.com/steveyegge/dedup/internal/storage"
	"github.com/steveyegge/dedup/internal/types"
)

// Service implements the administrative operations
type Service struct {
	store   storage.Storage
	adapter recordstore.Adapter
	orch    *orchestrator.Orchestrator
	merger  *merge.Executor
	logger  *slog.Logger
}

// NewService creates a service. orch may be nil, in which case Run is
// unavailable and merges use a private executor.
func NewService(store storage.Storage, adapter recordstore.Adapter, orch *orchestrator.Orchestrator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:   store,
		adapter: adapter,
		orch:    orch,
		logger:  logger.With("component", "admin"),
	}
	if orch != nil {
		s.merger = orch.Merger()
	} else {
		s.merger = merge.NewExecutor(store, adapter, logger, nil)
	}
	return s
}

// CreateConfig validates and stores a new config
func (s *Service) CreateConfig(ctx context.Context, cfg *types.DeduplicationConfig) (*types.DeduplicationConfig, error) {
	if err := s.validateConfig(ctx, cfg); err != nil {
		return nil, err
	}
	cfg.ID = 0
	cfg.LastNotification = nil
	if err := s.store.CreateConfig(ctx, cfg); err != nil {
		return nil, err
	}
	s.logger.Info("config created", "config", cfg.Name, "config_id", cfg.ID, "target_type", cfg.TargetType)
	return cfg, nil
}

// UpdateConfig replaces a stored config. Deactivating it or changing its
// target type deletes its groups; raising create_threshold deletes the groups
// now below it. Returns the number of groups deleted.
func (s *Service) UpdateConfig(ctx context.Context, cfg *types.DeduplicationConfig) (int, error) {
	existing, err := s.GetConfig(ctx, cfg.ID)
	if err != nil {
		return 0, err
	}
	if err := s.validateConfig(ctx, cfg); err != nil {
		return 0, err
	}
	// The notification ledger is owned by the orchestrator
	cfg.LastNotification = existing.LastNotification

	deleted, err := s.store.UpdateConfig(ctx, cfg)
	if err != nil {
		return 0, notFound(err)
	}
	s.logger.Info("config updated", "config", cfg.Name, "config_id", cfg.ID, "groups_deleted", deleted)
	return deleted, nil
}

// DeleteConfig removes a config and all of its groups
func (s *Service) DeleteConfig(ctx context.Context, id int64) error {
	if err := s.store.DeleteConfig(ctx, id); err != nil {
		return notFound(err)
	}
	s.logger.Info("config deleted", "config_id", id)
	return nil
}

// GetConfig returns a config or ErrNotFound
func (s *Service) GetConfig(ctx context.Context, id int64) (*types.DeduplicationConfig, error) {
	cfg, err := s.store.GetConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("config %d: %w", id, ErrNotFound)
	}
	return cfg, nil
}

// GetConfigByName returns a config or ErrNotFound
func (s *Service) GetConfigByName(ctx context.Context, name string) (*types.DeduplicationConfig, error) {
	cfg, err := s.store.GetConfigByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("config %q: %w", name, ErrNotFound)
	}
	return cfg, nil
}

// ListConfigs returns the configs ordered by id
func (s *Service) ListConfigs(ctx context.Context, activeOnly bool) ([]*types.DeduplicationConfig, error) {
	return s.store.ListConfigs(ctx, activeOnly)
}

// Run starts a detection run now and waits for it
func (s *Service) Run(ctx context.Context, configIDs ...int64) (*orchestrator.RunReport, error) {
	if s.orch == nil {
		return nil, fmt.Errorf("runs are not available without an orchestrator")
	}
	report, err := s.orch.RunOnce(ctx, configIDs...)
	if err != nil {
		return nil, notFound(err)
	}
	return report, nil
}

// validateConfig checks field values and that every rule field is declared
// on the target type
func (s *Service) validateConfig(ctx context.Context, cfg *types.DeduplicationConfig) error {
	if cfg == nil {
		return &InputError{Message: "config is required"}
	}
	if err := cfg.Validate(); err != nil {
		return &InputError{Message: err.Error(), Err: err}
	}

	schema, err := s.adapter.Describe(ctx, cfg.TargetType)
	if errors.Is(err, recordstore.ErrUnknownTarget) {
		return &InputError{Field: "target_type", Message: fmt.Sprintf("unknown target type %q", cfg.TargetType), Err: err}
	}
	if err != nil {
		return fmt.Errorf("failed to describe %s: %w", cfg.TargetType, err)
	}

	for i, r := range cfg.Rules {
		if schema.HasField(r.Field) {
			continue
		}
		return &InputError{
			Field:      fmt.Sprintf("rules[%d].field", i),
			Message:    fmt.Sprintf("field %q is not declared on %s", r.Field, schema.DisplayLabel()),
			Suggestion: closest(r.Field, schema.FieldNames()),
			Err:        &recordstore.UnknownFieldError{TargetType: cfg.TargetType, Field: r.Field},
		}
	}
	return nil
}
