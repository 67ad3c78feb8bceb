package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mmynk/ledgersync/internal/models"
)

// AppendRecord persists an update record on the relay. The record's
// timestamp is raised if needed so that timestamps stay strictly increasing
// within a group, which keeps "strictly after cursor" fetches lossless.
func (s *SQLiteStore) AppendRecord(ctx context.Context, rec *models.UpdateRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(timestamp), 0) FROM update_records WHERE group_id = ?",
		rec.GroupID,
	).Scan(&last)
	if err != nil {
		return fmt.Errorf("failed to read last timestamp: %w", err)
	}
	if rec.Timestamp <= last {
		rec.Timestamp = last + 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO update_records (id, group_id, timestamp, actor_id, update_data, version)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.GroupID, rec.Timestamp, rec.ActorID, rec.UpdateData, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert update record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListRecordsSince returns up to limit records newer than since, ascending.
func (s *SQLiteStore) ListRecordsSince(ctx context.Context, groupID string, since int64, limit int) ([]*models.UpdateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_id, timestamp, actor_id, update_data, version
		 FROM update_records WHERE group_id = ? AND timestamp > ?
		 ORDER BY timestamp, seq LIMIT ?`,
		groupID, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list update records: %w", err)
	}
	defer rows.Close()

	var records []*models.UpdateRecord
	for rows.Next() {
		rec := &models.UpdateRecord{}
		if err := rows.Scan(&rec.ID, &rec.GroupID, &rec.Timestamp, &rec.ActorID, &rec.UpdateData, &rec.Version); err != nil {
			return nil, fmt.Errorf("failed to scan update record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate update records: %w", err)
	}
	return records, nil
}
