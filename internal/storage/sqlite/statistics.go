package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/steveyegge/dedup/internal/types"
)

// GetStatistics returns aggregate counts per config
func (s *SQLiteStorage) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.active,
		       COUNT(DISTINCT g.id),
		       (SELECT COUNT(*) FROM duplicate_records r
		        JOIN duplicate_groups g2 ON g2.id = r.group_id
		        WHERE g2.config_id = c.id),
		       COUNT(DISTINCT CASE WHEN g.master_id IS NULL THEN g.id END),
		       AVG(g.similarity)
		FROM dedup_configs c
		LEFT JOIN duplicate_groups g ON g.config_id = c.id
		GROUP BY c.id
		ORDER BY c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &types.Statistics{}
	for rows.Next() {
		var (
			cs  types.ConfigStatistics
			avg sql.NullFloat64
		)
		if err := rows.Scan(&cs.ConfigID, &cs.Name, &cs.Active, &cs.Groups, &cs.Records, &cs.MasterlessGroups, &avg); err != nil {
			return nil, fmt.Errorf("failed to scan statistics: %w", err)
		}
		cs.AverageSimilarity = avg.Float64

		stats.TotalConfigs++
		if cs.Active {
			stats.ActiveConfigs++
		}
		stats.TotalGroups += cs.Groups
		stats.TotalRecords += cs.Records
		stats.Configs = append(stats.Configs, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating statistics: %w", err)
	}
	return stats, nil
}
