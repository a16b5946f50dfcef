package admin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/steveyegge/dedup/internal/types"
)

// Definitions is the YAML document accepted by ApplyDefinitions
type Definitions struct {
	Configs []yaml.Node `yaml:"configs"`
}

// Definition is one config as written in a definitions file. Omitted keys
// take the defaults of types.NewConfig.
type Definition struct {
	Name            string           `yaml:"name"`
	TargetType      string           `yaml:"target_type"`
	Domain          string           `yaml:"domain"`
	RemovalMode     string           `yaml:"removal_mode"`
	MergeMode       string           `yaml:"merge_mode"`
	CreateThreshold int              `yaml:"create_threshold"`
	MergeThreshold  int              `yaml:"merge_threshold"`
	CrossPartition  bool             `yaml:"cross_partition"`
	Active          bool             `yaml:"active"`
	Notify          NotifyDefinition `yaml:"notify"`
	Rules           []RuleDefinition `yaml:"rules"`
}

// NotifyDefinition holds the notification settings of a Definition
type NotifyDefinition struct {
	Frequency  int      `yaml:"frequency"`
	Period     string   `yaml:"period"`
	Recipients []string `yaml:"recipients"`
}

// RuleDefinition is one rule of a Definition
type RuleDefinition struct {
	Field     string `yaml:"field"`
	MatchMode string `yaml:"match_mode"`
}

// ApplyResult reports what ApplyDefinitions did with one config
type ApplyResult struct {
	Name          string `json:"name"`
	ConfigID      int64  `json:"config_id"`
	Action        string `json:"action"` // created or updated
	GroupsDeleted int    `json:"groups_deleted,omitempty"`
}

// ParseDefinitions decodes a definitions document into configs. Nothing is stored.
func ParseDefinitions(r io.Reader) ([]*types.DeduplicationConfig, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc Definitions
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &InputError{Message: "definitions document is empty"}
		}
		return nil, &InputError{Message: fmt.Sprintf("invalid definitions: %v", err), Err: err}
	}

	configs := make([]*types.DeduplicationConfig, 0, len(doc.Configs))
	seen := make(map[string]bool, len(doc.Configs))
	for i := range doc.Configs {
		base := types.NewConfig("", "")
		def := Definition{
			RemovalMode:    string(base.RemovalMode),
			MergeMode:      string(base.MergeMode),
			MergeThreshold: base.MergeThreshold,
			Active:         base.Active,
			Notify: NotifyDefinition{
				Frequency: base.NotifyFrequency,
				Period:    string(base.NotifyPeriod),
			},
		}
		if err := doc.Configs[i].Decode(&def); err != nil {
			return nil, &InputError{Field: fmt.Sprintf("configs[%d]", i), Message: err.Error(), Err: err}
		}
		if seen[def.Name] {
			return nil, &InputError{Field: fmt.Sprintf("configs[%d].name", i), Message: fmt.Sprintf("%q is defined twice", def.Name)}
		}
		seen[def.Name] = true
		configs = append(configs, def.toConfig())
	}
	return configs, nil
}

func (d Definition) toConfig() *types.DeduplicationConfig {
	cfg := types.NewConfig(d.Name, d.TargetType)
	cfg.Domain = d.Domain
	cfg.RemovalMode = types.RemovalMode(d.RemovalMode)
	cfg.MergeMode = types.MergeMode(d.MergeMode)
	cfg.CreateThreshold = d.CreateThreshold
	cfg.MergeThreshold = d.MergeThreshold
	cfg.CrossPartition = d.CrossPartition
	cfg.Active = d.Active
	cfg.NotifyFrequency = d.Notify.Frequency
	cfg.NotifyPeriod = types.NotifyPeriod(d.Notify.Period)
	cfg.NotifyRecipients = d.Notify.Recipients
	for i, r := range d.Rules {
		cfg.Rules = append(cfg.Rules, types.Rule{
			Field:     r.Field,
			MatchMode: types.MatchMode(r.MatchMode),
			Sequence:  i + 1,
		})
	}
	return cfg
}

// ApplyDefinitions creates or updates the configs of a definitions document,
// matching existing configs by name. Every config is validated before any is
// written.
func (s *Service) ApplyDefinitions(ctx context.Context, data []byte) ([]ApplyResult, error) {
	configs, err := ParseDefinitions(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	for _, cfg := range configs {
		if err := s.validateConfig(ctx, cfg); err != nil {
			var ie *InputError
			if errors.As(err, &ie) {
				if ie.Field == "" {
					ie.Field = cfg.Name
				} else {
					ie.Field = cfg.Name + "." + ie.Field
				}
			}
			return nil, err
		}
	}

	results := make([]ApplyResult, 0, len(configs))
	for _, cfg := range configs {
		existing, err := s.store.GetConfigByName(ctx, cfg.Name)
		if err != nil {
			return results, err
		}
		if existing == nil {
			created, err := s.CreateConfig(ctx, cfg)
			if err != nil {
				return results, fmt.Errorf("failed to create %q: %w", cfg.Name, err)
			}
			results = append(results, ApplyResult{Name: cfg.Name, ConfigID: created.ID, Action: "created"})
			continue
		}

		cfg.ID = existing.ID
		deleted, err := s.UpdateConfig(ctx, cfg)
		if err != nil {
			return results, fmt.Errorf("failed to update %q: %w", cfg.Name, err)
		}
		results = append(results, ApplyResult{Name: cfg.Name, ConfigID: cfg.ID, Action: "updated", GroupsDeleted: deleted})
	}
	return results, nil
}
