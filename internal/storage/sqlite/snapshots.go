package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mmynk/ledgersync/internal/storage"
)

// GetSnapshot retrieves the base snapshot for a group, or nil if none exists.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, groupID string) (*storage.Snapshot, error) {
	snap := &storage.Snapshot{}
	err := s.db.QueryRowContext(ctx,
		"SELECT group_id, data, version_tag, updated_at FROM snapshots WHERE group_id = ?",
		groupID,
	).Scan(&snap.GroupID, &snap.Data, &snap.VersionTag, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

// ReplaceSnapshot stores a new base snapshot and drops the group's diff chain.
func (s *SQLiteStore) ReplaceSnapshot(ctx context.Context, snap *storage.Snapshot) error {
	if snap.UpdatedAt == 0 {
		snap.UpdatedAt = time.Now().UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (group_id, data, version_tag, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(group_id) DO UPDATE SET data = excluded.data,
		     version_tag = excluded.version_tag, updated_at = excluded.updated_at`,
		snap.GroupID, snap.Data, snap.VersionTag, snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM incremental_updates WHERE group_id = ?", snap.GroupID)
	if err != nil {
		return fmt.Errorf("failed to delete incremental updates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AppendIncremental adds a diff to the end of the group's chain.
func (s *SQLiteStore) AppendIncremental(ctx context.Context, groupID string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO incremental_updates (group_id, data, created_at) VALUES (?, ?, ?)",
		groupID, data, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert incremental update: %w", err)
	}
	return nil
}

// ListIncrementals returns the group's diff chain in insertion order.
func (s *SQLiteStore) ListIncrementals(ctx context.Context, groupID string) ([]storage.IncrementalUpdate, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, group_id, data, created_at FROM incremental_updates WHERE group_id = ? ORDER BY seq",
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list incremental updates: %w", err)
	}
	defer rows.Close()

	var updates []storage.IncrementalUpdate
	for rows.Next() {
		var u storage.IncrementalUpdate
		if err := rows.Scan(&u.Seq, &u.GroupID, &u.Data, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan incremental update: %w", err)
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate incremental updates: %w", err)
	}
	return updates, nil
}

// CountIncrementals returns the length of the group's diff chain.
func (s *SQLiteStore) CountIncrementals(ctx context.Context, groupID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM incremental_updates WHERE group_id = ?", groupID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count incremental updates: %w", err)
	}
	return n, nil
}
