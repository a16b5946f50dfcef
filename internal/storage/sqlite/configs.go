package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steveyegge/dedup/internal/types"
)

const configColumns = `
	id, name, target_type, domain, removal_mode, merge_mode,
	create_threshold, merge_threshold, cross_partition,
	notify_frequency, notify_period, last_notification, active,
	created_at, updated_at
`

// CreateConfig validates and inserts cfg with its rules and recipients.
// cfg.ID, rule ids and timestamps are set on success.
func (s *SQLiteStorage) CreateConfig(ctx context.Context, cfg *types.DeduplicationConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	ts := now()
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		result, err := conn.ExecContext(ctx, `
			INSERT INTO dedup_configs (
				name, target_type, domain, removal_mode, merge_mode,
				create_threshold, merge_threshold, cross_partition,
				notify_frequency, notify_period, last_notification, active,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			cfg.Name, cfg.TargetType, cfg.Domain, cfg.RemovalMode, cfg.MergeMode,
			cfg.CreateThreshold, cfg.MergeThreshold, cfg.CrossPartition,
			cfg.NotifyFrequency, cfg.NotifyPeriod, nullTime(cfg.LastNotification), cfg.Active,
			ts, ts,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
			}
			return fmt.Errorf("failed to insert config: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get config id: %w", err)
		}
		cfg.ID = id

		for i := range cfg.Rules {
			if err := insertRule(ctx, conn, id, &cfg.Rules[i], i); err != nil {
				return err
			}
		}
		return replaceRecipients(ctx, conn, id, cfg.NotifyRecipients)
	})
	if err != nil {
		cfg.ID = 0
		return err
	}

	cfg.CreatedAt = ts
	cfg.UpdatedAt = ts
	return nil
}

// UpdateConfig replaces the stored config with cfg and applies the group cascades
// inside the same transaction: deactivating a config or changing its target type
// deletes all of its groups, and raising create_threshold deletes the groups
// scoring strictly below the new value. Rules that keep their (field, match_mode)
// keep their ids. Returns the number of groups deleted by the cascade.
func (s *SQLiteStorage) UpdateConfig(ctx context.Context, cfg *types.DeduplicationConfig) (int, error) {
	if cfg.ID == 0 {
		return 0, fmt.Errorf("config id is required")
	}
	if err := cfg.Validate(); err != nil {
		return 0, fmt.Errorf("validation failed: %w", err)
	}

	ts := now()
	deleted := 0
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		var (
			oldActive    bool
			oldTarget    string
			oldThreshold int
		)
		err := conn.QueryRowContext(ctx,
			`SELECT active, target_type, create_threshold FROM dedup_configs WHERE id = ?`, cfg.ID,
		).Scan(&oldActive, &oldTarget, &oldThreshold)
		if err == sql.ErrNoRows {
			return fmt.Errorf("config %d: %w", cfg.ID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load config %d: %w", cfg.ID, err)
		}

		_, err = conn.ExecContext(ctx, `
			UPDATE dedup_configs SET
				name = ?, target_type = ?, domain = ?, removal_mode = ?, merge_mode = ?,
				create_threshold = ?, merge_threshold = ?, cross_partition = ?,
				notify_frequency = ?, notify_period = ?, last_notification = ?, active = ?,
				updated_at = ?
			WHERE id = ?
		`,
			cfg.Name, cfg.TargetType, cfg.Domain, cfg.RemovalMode, cfg.MergeMode,
			cfg.CreateThreshold, cfg.MergeThreshold, cfg.CrossPartition,
			cfg.NotifyFrequency, cfg.NotifyPeriod, nullTime(cfg.LastNotification), cfg.Active,
			ts, cfg.ID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
			}
			return fmt.Errorf("failed to update config %d: %w", cfg.ID, err)
		}

		if err := syncRules(ctx, conn, cfg); err != nil {
			return err
		}
		if err := replaceRecipients(ctx, conn, cfg.ID, cfg.NotifyRecipients); err != nil {
			return err
		}

		var result sql.Result
		switch {
		case (oldActive && !cfg.Active) || oldTarget != cfg.TargetType:
			result, err = conn.ExecContext(ctx, `DELETE FROM duplicate_groups WHERE config_id = ?`, cfg.ID)
		case cfg.CreateThreshold > oldThreshold:
			result, err = conn.ExecContext(ctx,
				`DELETE FROM duplicate_groups WHERE config_id = ? AND similarity * 100 < ?`,
				cfg.ID, cfg.CreateThreshold)
		default:
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to cascade group deletion: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		deleted = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}

	cfg.UpdatedAt = ts
	return deleted, nil
}

// DeleteConfig removes a config; rules, recipients and groups cascade
func (s *SQLiteStorage) DeleteConfig(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dedup_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete config %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("config %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetConfig returns the config with id, or nil if it does not exist
func (s *SQLiteStorage) GetConfig(ctx context.Context, id int64) (*types.DeduplicationConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM dedup_configs WHERE id = ?`, id)
	cfg, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config %d: %w", id, err)
	}
	if err := s.loadConfigChildren(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetConfigByName returns the config named name, or nil if it does not exist
func (s *SQLiteStorage) GetConfigByName(ctx context.Context, name string) (*types.DeduplicationConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM dedup_configs WHERE name = ?`, name)
	cfg, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config %q: %w", name, err)
	}
	if err := s.loadConfigChildren(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListConfigs returns configs ordered by id, optionally only the active ones
func (s *SQLiteStorage) ListConfigs(ctx context.Context, activeOnly bool) ([]*types.DeduplicationConfig, error) {
	query := `SELECT ` + configColumns + ` FROM dedup_configs`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var configs []*types.DeduplicationConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating configs: %w", err)
	}
	_ = rows.Close()

	for _, cfg := range configs {
		if err := s.loadConfigChildren(ctx, cfg); err != nil {
			return nil, err
		}
	}
	return configs, nil
}

// SetLastNotification advances the notification ledger of a config
func (s *SQLiteStorage) SetLastNotification(ctx context.Context, id int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE dedup_configs SET last_notification = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set last notification for config %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("config %d: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*types.DeduplicationConfig, error) {
	var (
		cfg              types.DeduplicationConfig
		lastNotification sql.NullTime
	)
	err := row.Scan(
		&cfg.ID, &cfg.Name, &cfg.TargetType, &cfg.Domain, &cfg.RemovalMode, &cfg.MergeMode,
		&cfg.CreateThreshold, &cfg.MergeThreshold, &cfg.CrossPartition,
		&cfg.NotifyFrequency, &cfg.NotifyPeriod, &lastNotification, &cfg.Active,
		&cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastNotification.Valid {
		t := lastNotification.Time.UTC()
		cfg.LastNotification = &t
	}
	cfg.CreatedAt = cfg.CreatedAt.UTC()
	cfg.UpdatedAt = cfg.UpdatedAt.UTC()
	return &cfg, nil
}

func (s *SQLiteStorage) loadConfigChildren(ctx context.Context, cfg *types.DeduplicationConfig) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, config_id, field, match_mode, sequence
		FROM dedup_rules
		WHERE config_id = ?
		ORDER BY id
	`, cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to query rules for config %d: %w", cfg.ID, err)
	}
	defer func() { _ = rows.Close() }()

	cfg.Rules = nil
	for rows.Next() {
		var r types.Rule
		if err := rows.Scan(&r.ID, &r.ConfigID, &r.Field, &r.MatchMode, &r.Sequence); err != nil {
			return fmt.Errorf("failed to scan rule: %w", err)
		}
		cfg.Rules = append(cfg.Rules, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rules: %w", err)
	}

	recipients, err := s.db.QueryContext(ctx,
		`SELECT recipient FROM dedup_config_recipients WHERE config_id = ? ORDER BY recipient`, cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to query recipients for config %d: %w", cfg.ID, err)
	}
	defer func() { _ = recipients.Close() }()

	cfg.NotifyRecipients = nil
	for recipients.Next() {
		var r string
		if err := recipients.Scan(&r); err != nil {
			return fmt.Errorf("failed to scan recipient: %w", err)
		}
		cfg.NotifyRecipients = append(cfg.NotifyRecipients, r)
	}
	if err := recipients.Err(); err != nil {
		return fmt.Errorf("error iterating recipients: %w", err)
	}
	return nil
}

func insertRule(ctx context.Context, conn execer, configID int64, r *types.Rule, sequence int) error {
	result, err := conn.ExecContext(ctx,
		`INSERT INTO dedup_rules (config_id, field, match_mode, sequence) VALUES (?, ?, ?, ?)`,
		configID, r.Field, r.MatchMode, sequence)
	if err != nil {
		return fmt.Errorf("failed to insert rule on %q: %w", r.Field, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get rule id: %w", err)
	}
	r.ID = id
	r.ConfigID = configID
	r.Sequence = sequence
	return nil
}

// syncRules reconciles stored rules with cfg.Rules keyed by (field, match_mode)
func syncRules(ctx context.Context, conn execer, cfg *types.DeduplicationConfig) error {
	rows, err := conn.QueryContext(ctx,
		`SELECT id, field, match_mode FROM dedup_rules WHERE config_id = ?`, cfg.ID)
	if err != nil {
		return fmt.Errorf("failed to query rules: %w", err)
	}
	existing := make(map[string]int64)
	for rows.Next() {
		var (
			id    int64
			field string
			mode  string
		)
		if err := rows.Scan(&id, &field, &mode); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan rule: %w", err)
		}
		existing[field+"\x00"+mode] = id
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("error iterating rules: %w", err)
	}
	_ = rows.Close()

	keep := make(map[int64]bool)
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if id, ok := existing[r.Field+"\x00"+string(r.MatchMode)]; ok {
			if _, err := conn.ExecContext(ctx, `UPDATE dedup_rules SET sequence = ? WHERE id = ?`, i, id); err != nil {
				return fmt.Errorf("failed to update rule %d: %w", id, err)
			}
			r.ID, r.ConfigID, r.Sequence = id, cfg.ID, i
			keep[id] = true
			continue
		}
		if err := insertRule(ctx, conn, cfg.ID, r, i); err != nil {
			return err
		}
		keep[r.ID] = true
	}

	for _, id := range existing {
		if keep[id] {
			continue
		}
		if _, err := conn.ExecContext(ctx, `DELETE FROM dedup_rules WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete rule %d: %w", id, err)
		}
	}
	return nil
}

func replaceRecipients(ctx context.Context, conn execer, configID int64, recipients []string) error {
	if _, err := conn.ExecContext(ctx, `DELETE FROM dedup_config_recipients WHERE config_id = ?`, configID); err != nil {
		return fmt.Errorf("failed to clear recipients: %w", err)
	}
	for _, r := range recipients {
		_, err := conn.ExecContext(ctx,
			`INSERT OR IGNORE INTO dedup_config_recipients (config_id, recipient) VALUES (?, ?)`, configID, r)
		if err != nil {
			return fmt.Errorf("failed to insert recipient %q: %w", r, err)
		}
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
