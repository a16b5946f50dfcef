package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DiscardGroup deletes a group and remembers its member set, so that later
// runs can leave the operator's decision alone. It returns the members.
func (s *SQLiteStorage) DiscardGroup(ctx context.Context, id int64) ([]int64, error) {
	var members []int64
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		g, err := getGroup(ctx, conn, id)
		if err != nil {
			return err
		}
		if g == nil {
			return fmt.Errorf("group %d: %w", id, ErrGroupNotFound)
		}
		members = g.MemberIDs()

		encoded, err := json.Marshal(members)
		if err != nil {
			return fmt.Errorf("failed to encode members of group %d: %w", id, err)
		}
		_, err = conn.ExecContext(ctx, `
			INSERT INTO discarded_sets (config_id, group_id, members, discarded_at)
			VALUES (?, ?, ?, ?)
		`, g.ConfigID, id, string(encoded), now())
		if err != nil {
			return fmt.Errorf("failed to remember discarded group %d: %w", id, err)
		}

		if _, err := conn.ExecContext(ctx, `DELETE FROM duplicate_groups WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete group %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

// DiscardedSets returns the member sets of a config's discarded groups, oldest first
func (s *SQLiteStorage) DiscardedSets(ctx context.Context, configID int64) ([][]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT members FROM discarded_sets WHERE config_id = ? ORDER BY id`, configID)
	if err != nil {
		return nil, fmt.Errorf("failed to query discarded sets for config %d: %w", configID, err)
	}
	defer rows.Close()

	var sets [][]int64
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("failed to scan discarded set: %w", err)
		}
		var members []int64
		if err := json.Unmarshal([]byte(encoded), &members); err != nil {
			return nil, fmt.Errorf("failed to decode discarded set: %w", err)
		}
		sets = append(sets, members)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating discarded sets: %w", err)
	}
	return sets, nil
}

// ClearDiscardedSets forgets every discarded set of a config and returns how many there were
func (s *SQLiteStorage) ClearDiscardedSets(ctx context.Context, configID int64) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM discarded_sets WHERE config_id = ?`, configID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear discarded sets for config %d: %w", configID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}
