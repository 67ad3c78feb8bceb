package sqlite

import (
	"context"
	"fmt"

	"github.com/mmynk/ledgersync/internal/models"
)

// Enqueue persists an offline operation and sets its Seq.
func (s *SQLiteStore) Enqueue(ctx context.Context, op *models.OfflineOperation) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_queue (group_id, timestamp, actor_id, update_data, version)
		 VALUES (?, ?, ?, ?, ?)`,
		op.GroupID, op.Timestamp, op.ActorID, op.UpdateData, op.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue offline operation: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read queue position: %w", err)
	}
	op.Seq = seq
	return nil
}

// ListQueued returns every queued operation, oldest first.
func (s *SQLiteStore) ListQueued(ctx context.Context) ([]*models.OfflineOperation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, group_id, timestamp, actor_id, update_data, version
		 FROM offline_queue ORDER BY seq`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list offline queue: %w", err)
	}
	defer rows.Close()

	var ops []*models.OfflineOperation
	for rows.Next() {
		op := &models.OfflineOperation{}
		if err := rows.Scan(&op.Seq, &op.GroupID, &op.Timestamp, &op.ActorID, &op.UpdateData, &op.Version); err != nil {
			return nil, fmt.Errorf("failed to scan offline operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate offline queue: %w", err)
	}
	return ops, nil
}

// RemoveQueued deletes a queued operation.
func (s *SQLiteStore) RemoveQueued(ctx context.Context, seq int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM offline_queue WHERE seq = ?", seq)
	if err != nil {
		return fmt.Errorf("failed to remove offline operation: %w", err)
	}
	return nil
}

// QueueLength returns the number of queued operations.
func (s *SQLiteStore) QueueLength(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM offline_queue").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count offline queue: %w", err)
	}
	return n, nil
}

// GetCursor returns the group's last synced timestamp, 0 if unknown.
func (s *SQLiteStore) GetCursor(ctx context.Context, groupID string) (int64, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(last_sync_timestamp), 0) FROM sync_cursors WHERE group_id = ?", groupID,
	).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return ts, nil
}

// SetCursor advances the group's cursor; it never moves backwards.
func (s *SQLiteStore) SetCursor(ctx context.Context, groupID string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_cursors (group_id, last_sync_timestamp) VALUES (?, ?)
		 ON CONFLICT(group_id) DO UPDATE SET last_sync_timestamp =
		     MAX(sync_cursors.last_sync_timestamp, excluded.last_sync_timestamp)`,
		groupID, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to set sync cursor: %w", err)
	}
	return nil
}
