package sqlite

import (
	"context"
	"fmt"
)

// EventCounts holds event count statistics for monitoring
type EventCounts struct {
	TotalEvents      int
	EventsByConfig   map[int64]int
	EventsBySeverity map[string]int
	EventsByType     map[string]int
}

// regularSeverities age out after the regular retention period; the rest are
// kept for the critical period and never count against the global limit
var (
	regularSeverities  = []string{"info", "warning"}
	criticalSeverities = []string{"error", "critical"}
)

// CleanupEventsByAge deletes events older than the retention period.
// Regular events go after retentionDays, error and critical events after
// criticalRetentionDays. Deletions run batchSize rows per statement.
func (s *SQLiteStorage) CleanupEventsByAge(ctx context.Context, retentionDays, criticalRetentionDays, batchSize int) (int, error) {
	if retentionDays < 0 || criticalRetentionDays < 0 {
		return 0, fmt.Errorf("retention days cannot be negative")
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	passes := []struct {
		name       string
		days       int
		severities []string
	}{
		{"regular", retentionDays, regularSeverities},
		{"critical", criticalRetentionDays, criticalSeverities},
	}

	total := 0
	for _, p := range passes {
		cutoff := now().AddDate(0, 0, -p.days)
		query := fmt.Sprintf(`
			DELETE FROM dedup_events
			WHERE id IN (
				SELECT id FROM dedup_events
				WHERE timestamp < ? AND severity IN (%s)
				ORDER BY timestamp ASC
				LIMIT ?
			)`, placeholders(len(p.severities)))
		args := []interface{}{cutoff}
		for _, sev := range p.severities {
			args = append(args, sev)
		}

		deleted, err := s.deleteInBatches(ctx, query, args, batchSize, -1)
		total += deleted
		if err != nil {
			return total, fmt.Errorf("failed to delete old %s events: %w", p.name, err)
		}
	}
	return total, nil
}

// CleanupEventsByGlobalLimit deletes the oldest regular events until at most
// globalLimit events remain, or only error and critical events are left
func (s *SQLiteStorage) CleanupEventsByGlobalLimit(ctx context.Context, globalLimit, batchSize int) (int, error) {
	if globalLimit < 1 {
		return 0, fmt.Errorf("global limit must be at least 1")
	}
	if batchSize < 1 {
		return 0, fmt.Errorf("batch size must be at least 1")
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dedup_events").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get event count: %w", err)
	}
	if count <= globalLimit {
		return 0, nil
	}

	query := fmt.Sprintf(`
		DELETE FROM dedup_events
		WHERE id IN (
			SELECT id FROM dedup_events
			WHERE severity NOT IN (%s)
			ORDER BY timestamp ASC
			LIMIT ?
		)`, placeholders(len(criticalSeverities)))
	args := make([]interface{}, 0, len(criticalSeverities))
	for _, sev := range criticalSeverities {
		args = append(args, sev)
	}
	return s.deleteInBatches(ctx, query, args, batchSize, count-globalLimit)
}

// deleteInBatches runs query (whose last parameter is the LIMIT) until a batch
// comes back short. A non-negative budget caps the total rows deleted.
func (s *SQLiteStorage) deleteInBatches(ctx context.Context, query string, args []interface{}, batchSize, budget int) (int, error) {
	deleted := 0
	for budget < 0 || deleted < budget {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		limit := batchSize
		if budget >= 0 && budget-deleted < limit {
			limit = budget - deleted
		}
		result, err := s.db.ExecContext(ctx, query, append(args, limit)...)
		if err != nil {
			return deleted, fmt.Errorf("failed to execute delete: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("failed to get rows affected: %w", err)
		}
		deleted += int(n)
		if n < int64(limit) {
			break
		}
	}
	return deleted, nil
}

// GetEventCounts returns event count statistics for monitoring
func (s *SQLiteStorage) GetEventCounts(ctx context.Context) (*EventCounts, error) {
	counts := &EventCounts{
		EventsByConfig:   make(map[int64]int),
		EventsBySeverity: make(map[string]int),
		EventsByType:     make(map[string]int),
	}

	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dedup_events").Scan(&counts.TotalEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to get total event count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT config_id, COUNT(*) FROM dedup_events GROUP BY config_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by config: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var configID int64
		var count int
		if err := rows.Scan(&configID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan config count: %w", err)
		}
		counts.EventsByConfig[configID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating config counts: %w", err)
	}

	for column, target := range map[string]map[string]int{
		"severity": counts.EventsBySeverity,
		"type":     counts.EventsByType,
	} {
		if err := s.countEventsBy(ctx, column, target); err != nil {
			return nil, err
		}
	}

	return counts, nil
}

func (s *SQLiteStorage) countEventsBy(ctx context.Context, column string, target map[string]int) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s, COUNT(*) FROM dedup_events GROUP BY %s`, column, column))
	if err != nil {
		return fmt.Errorf("failed to query events by %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		target[key] = count
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating %s counts: %w", column, err)
	}
	return nil
}

// VacuumDatabase runs the VACUUM command to reclaim disk space
// This can be slow and locks the database, so it should be run during maintenance windows
func (s *SQLiteStorage) VacuumDatabase(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}
