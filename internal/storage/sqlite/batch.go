package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/steveyegge/dedup/internal/events"
	"github.com/steveyegge/dedup/internal/types"
)

// GroupBatch is one write transaction of a detection run, covering at most
// commit_every groups. Each group is created under its own savepoint. The
// batch holds the database write lock until Commit or Rollback, so nothing
// else may write through the pool meanwhile.
type GroupBatch struct {
	conn    *sql.Conn
	open    bool
	created int
}

// BeginBatch starts a batch on a dedicated connection
func (s *SQLiteStorage) BeginBatch(ctx context.Context) (*GroupBatch, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to begin immediate transaction: %w", err)
	}
	return &GroupBatch{conn: conn, open: true}, nil
}

// CreateGroup inserts g and its records, first deleting the groups in replaces.
// On success g and its records carry their new ids and creation time. On
// failure nothing from this call is kept and the batch stays usable.
func (b *GroupBatch) CreateGroup(ctx context.Context, g *types.DuplicateGroup, replaces []int64) error {
	if !b.open {
		return fmt.Errorf("batch is closed")
	}
	if err := g.Validate(); err != nil {
		return fmt.Errorf("invalid group: %w", err)
	}

	if _, err := b.conn.ExecContext(ctx, "SAVEPOINT create_group"); err != nil {
		return fmt.Errorf("failed to open savepoint: %w", err)
	}
	released := false
	defer func() {
		if !released {
			_, _ = b.conn.ExecContext(context.Background(), "ROLLBACK TO create_group")
			_, _ = b.conn.ExecContext(context.Background(), "RELEASE create_group")
		}
	}()

	for _, id := range replaces {
		result, err := b.conn.ExecContext(ctx,
			`DELETE FROM duplicate_groups WHERE id = ? AND config_id = ?`, id, g.ConfigID)
		if err != nil {
			return fmt.Errorf("failed to delete replaced group %d: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("replaced group %d: %w", id, ErrGroupNotFound)
		}
	}

	ts := now()
	var master interface{}
	if g.MasterID != nil {
		master = *g.MasterID
	}
	result, err := b.conn.ExecContext(ctx, `
		INSERT INTO duplicate_groups (config_id, similarity, master_id, created_at)
		VALUES (?, ?, ?, ?)
	`, g.ConfigID, g.Similarity, master, ts)
	if err != nil {
		return fmt.Errorf("failed to insert group: %w", err)
	}
	groupID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get group id: %w", err)
	}

	recordIDs := make([]int64, len(g.Records))
	for i, r := range g.Records {
		result, err := b.conn.ExecContext(ctx, `
			INSERT INTO duplicate_records (group_id, target_id, is_discarded)
			VALUES (?, ?, ?)
		`, groupID, r.TargetID, r.IsDiscarded)
		if err != nil {
			return fmt.Errorf("failed to insert record %d: %w", r.TargetID, err)
		}
		if recordIDs[i], err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get record id: %w", err)
		}
	}

	if _, err := b.conn.ExecContext(ctx, "RELEASE create_group"); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	released = true

	g.ID = groupID
	g.CreatedAt = ts
	for i := range g.Records {
		g.Records[i].ID = recordIDs[i]
		g.Records[i].GroupID = groupID
	}
	b.created++
	return nil
}

// StoreEvent records an event inside the batch so it commits with the groups it describes
func (b *GroupBatch) StoreEvent(ctx context.Context, event *events.Event) error {
	if !b.open {
		return fmt.Errorf("batch is closed")
	}
	return insertEvent(ctx, b.conn, event)
}

// Created returns the number of groups created in the batch so far
func (b *GroupBatch) Created() int {
	return b.created
}

// Commit commits the batch and releases the connection
func (b *GroupBatch) Commit(ctx context.Context) error {
	if !b.open {
		return fmt.Errorf("batch is closed")
	}
	if _, err := b.conn.ExecContext(ctx, "COMMIT"); err != nil {
		_ = b.Rollback()
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	b.close()
	return nil
}

// Rollback discards the batch and releases the connection.
// It is safe to call after Commit.
func (b *GroupBatch) Rollback() error {
	if !b.open {
		return nil
	}
	_, err := b.conn.ExecContext(context.Background(), "ROLLBACK")
	b.created = 0
	b.close()
	if err != nil {
		return fmt.Errorf("failed to roll back batch: %w", err)
	}
	return nil
}

func (b *GroupBatch) close() {
	b.open = false
	_ = b.conn.Close()
}

// insertEvent is shared by the pool and batch paths
func insertEvent(ctx context.Context, q execer, event *events.Event) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if event.Data == nil {
		dataJSON = []byte("{}")
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO dedup_events (
			id, type, timestamp, severity, run_id, config_id, group_id, message, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.Type,
		event.Timestamp.UTC(),
		event.Severity,
		event.RunID,
		event.ConfigID,
		event.GroupID,
		event.Message,
		string(dataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to store event (type=%s, config=%d): %w", event.Type, event.ConfigID, err)
	}
	return nil
}
