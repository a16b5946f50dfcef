package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steveyegge/dedup/internal/types"
)

// ActiveGroups returns every stored group of a config with its records, by ascending id
func (s *SQLiteStorage) ActiveGroups(ctx context.Context, configID int64) ([]*types.DuplicateGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, config_id, similarity, master_id, created_at
		FROM duplicate_groups
		WHERE config_id = ?
		ORDER BY id
	`, configID)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups for config %d: %w", configID, err)
	}
	groups, err := scanGroups(rows)
	if err != nil {
		return nil, err
	}

	err = s.attachRecords(ctx, groups, `
		SELECT r.id, r.group_id, r.target_id, r.is_discarded
		FROM duplicate_records r
		JOIN duplicate_groups g ON g.id = r.group_id
		WHERE g.config_id = ?
		ORDER BY r.group_id, r.target_id
	`, configID)
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// GetGroup returns the group with id and its records, or nil if it does not exist
func (s *SQLiteStorage) GetGroup(ctx context.Context, id int64) (*types.DuplicateGroup, error) {
	return getGroup(ctx, s.db, id)
}

func getGroup(ctx context.Context, q execer, id int64) (*types.DuplicateGroup, error) {
	var (
		g      types.DuplicateGroup
		master sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, config_id, similarity, master_id, created_at
		FROM duplicate_groups WHERE id = ?
	`, id).Scan(&g.ID, &g.ConfigID, &g.Similarity, &master, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group %d: %w", id, err)
	}
	if master.Valid {
		m := master.Int64
		g.MasterID = &m
	}
	g.CreatedAt = g.CreatedAt.UTC()

	rows, err := q.QueryContext(ctx, `
		SELECT id, group_id, target_id, is_discarded
		FROM duplicate_records WHERE group_id = ?
		ORDER BY target_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query records for group %d: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var r types.DuplicateRecord
		if err := rows.Scan(&r.ID, &r.GroupID, &r.TargetID, &r.IsDiscarded); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		g.Records = append(g.Records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return &g, nil
}

// ListGroups returns a page of groups, most similar first, and the total count
// matching the filter. A zero ConfigID lists groups of every config.
func (s *SQLiteStorage) ListGroups(ctx context.Context, filter types.GroupFilter) ([]*types.DuplicateGroup, int, error) {
	where := ""
	args := []interface{}{}
	if filter.ConfigID != 0 {
		where = " WHERE config_id = ?"
		args = append(args, filter.ConfigID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM duplicate_groups`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count groups: %w", err)
	}

	query := `
		SELECT id, config_id, similarity, master_id, created_at
		FROM duplicate_groups` + where + `
		ORDER BY similarity DESC, id ASC
	`
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list groups: %w", err)
	}
	groups, err := scanGroups(rows)
	if err != nil {
		return nil, 0, err
	}
	if len(groups) == 0 {
		return groups, total, nil
	}

	ids := make([]int64, len(groups))
	for i, g := range groups {
		ids[i] = g.ID
	}
	err = s.attachRecords(ctx, groups, `
		SELECT id, group_id, target_id, is_discarded
		FROM duplicate_records
		WHERE group_id IN (`+placeholders(len(ids))+`)
		ORDER BY group_id, target_id
	`, int64Args(ids)...)
	if err != nil {
		return nil, 0, err
	}
	return groups, total, nil
}

// CountGroupsCreatedSince counts groups of a config created strictly after since.
// A nil since counts every group.
func (s *SQLiteStorage) CountGroupsCreatedSince(ctx context.Context, configID int64, since *time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM duplicate_groups WHERE config_id = ?`
	args := []interface{}{configID}
	if since != nil {
		query += ` AND created_at > ?`
		args = append(args, since.UTC())
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count groups for config %d: %w", configID, err)
	}
	return n, nil
}

// SetGroupMaster makes targetID the master of a group. The target must be a
// non-discarded member.
func (s *SQLiteStorage) SetGroupMaster(ctx context.Context, groupID, targetID int64) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		g, err := getGroup(ctx, conn, groupID)
		if err != nil {
			return err
		}
		if g == nil {
			return fmt.Errorf("group %d: %w", groupID, ErrGroupNotFound)
		}
		r := g.Record(targetID)
		if r == nil {
			return fmt.Errorf("record %d in group %d: %w", targetID, groupID, ErrNotMember)
		}
		if r.IsDiscarded {
			return fmt.Errorf("record %d in group %d: %w", targetID, groupID, ErrRecordDiscarded)
		}
		if _, err := conn.ExecContext(ctx, `UPDATE duplicate_groups SET master_id = ? WHERE id = ?`, targetID, groupID); err != nil {
			return fmt.Errorf("failed to set master of group %d: %w", groupID, err)
		}
		return nil
	})
}

// SetRecordDiscarded flags or unflags a member so that merges leave it alone.
// The master cannot be discarded.
func (s *SQLiteStorage) SetRecordDiscarded(ctx context.Context, groupID, targetID int64, discarded bool) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		g, err := getGroup(ctx, conn, groupID)
		if err != nil {
			return err
		}
		if g == nil {
			return fmt.Errorf("group %d: %w", groupID, ErrGroupNotFound)
		}
		if !g.HasMember(targetID) {
			return fmt.Errorf("record %d in group %d: %w", targetID, groupID, ErrNotMember)
		}
		if discarded && g.MasterID != nil && *g.MasterID == targetID {
			return fmt.Errorf("record %d in group %d: %w", targetID, groupID, ErrMasterDiscard)
		}
		_, err = conn.ExecContext(ctx,
			`UPDATE duplicate_records SET is_discarded = ? WHERE group_id = ? AND target_id = ?`,
			discarded, groupID, targetID)
		if err != nil {
			return fmt.Errorf("failed to update record %d in group %d: %w", targetID, groupID, err)
		}
		return nil
	})
}

// DeleteGroup removes a group and its records
func (s *SQLiteStorage) DeleteGroup(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM duplicate_groups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete group %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("group %d: %w", id, ErrGroupNotFound)
	}
	return nil
}

// PruneMembers detaches records of a config's groups that are no longer
// candidates. Groups left with fewer than two members are deleted, and a
// master that was detached is cleared. Returns the records and groups removed.
func (s *SQLiteStorage) PruneMembers(ctx context.Context, configID int64, candidates []int64) (int, int, error) {
	allowed := make(map[int64]bool, len(candidates))
	for _, id := range candidates {
		allowed[id] = true
	}

	var prunedRecords, prunedGroups int
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT r.id, r.target_id
			FROM duplicate_records r
			JOIN duplicate_groups g ON g.id = r.group_id
			WHERE g.config_id = ?
		`, configID)
		if err != nil {
			return fmt.Errorf("failed to query records for config %d: %w", configID, err)
		}
		var stale []int64
		for rows.Next() {
			var id, target int64
			if err := rows.Scan(&id, &target); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan record: %w", err)
			}
			if !allowed[target] {
				stale = append(stale, id)
			}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return fmt.Errorf("error iterating records: %w", err)
		}
		_ = rows.Close()

		if len(stale) == 0 {
			return nil
		}

		// SQLite limits host parameters per statement
		const chunk = 500
		for start := 0; start < len(stale); start += chunk {
			end := start + chunk
			if end > len(stale) {
				end = len(stale)
			}
			part := stale[start:end]
			result, err := conn.ExecContext(ctx,
				`DELETE FROM duplicate_records WHERE id IN (`+placeholders(len(part))+`)`, int64Args(part)...)
			if err != nil {
				return fmt.Errorf("failed to delete stale records: %w", err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}
			prunedRecords += int(n)
		}

		result, err := conn.ExecContext(ctx, `
			DELETE FROM duplicate_groups
			WHERE config_id = ?
			AND (SELECT COUNT(*) FROM duplicate_records r WHERE r.group_id = duplicate_groups.id) < 2
		`, configID)
		if err != nil {
			return fmt.Errorf("failed to delete undersized groups: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		prunedGroups = int(n)

		_, err = conn.ExecContext(ctx, `
			UPDATE duplicate_groups SET master_id = NULL
			WHERE config_id = ?
			AND master_id IS NOT NULL
			AND NOT EXISTS (
				SELECT 1 FROM duplicate_records r
				WHERE r.group_id = duplicate_groups.id AND r.target_id = duplicate_groups.master_id
			)
		`, configID)
		if err != nil {
			return fmt.Errorf("failed to clear detached masters: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return prunedRecords, prunedGroups, nil
}

func scanGroups(rows *sql.Rows) ([]*types.DuplicateGroup, error) {
	defer func() { _ = rows.Close() }()

	var groups []*types.DuplicateGroup
	for rows.Next() {
		var (
			g      types.DuplicateGroup
			master sql.NullInt64
		)
		if err := rows.Scan(&g.ID, &g.ConfigID, &g.Similarity, &master, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		if master.Valid {
			m := master.Int64
			g.MasterID = &m
		}
		g.CreatedAt = g.CreatedAt.UTC()
		groups = append(groups, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating groups: %w", err)
	}
	return groups, nil
}

func (s *SQLiteStorage) attachRecords(ctx context.Context, groups []*types.DuplicateGroup, query string, args ...interface{}) error {
	byID := make(map[int64]*types.DuplicateGroup, len(groups))
	for _, g := range groups {
		byID[g.ID] = g
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query group records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var r types.DuplicateRecord
		if err := rows.Scan(&r.ID, &r.GroupID, &r.TargetID, &r.IsDiscarded); err != nil {
			return fmt.Errorf("failed to scan record: %w", err)
		}
		if g, ok := byID[r.GroupID]; ok {
			g.Records = append(g.Records, r)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating group records: %w", err)
	}
	return nil
}
