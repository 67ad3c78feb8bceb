package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mmynk/ledgersync/pkg/sentinel"
)

// PutGroupKey stores key material for a group key version. Writing an
// existing version replaces it.
func (s *SQLiteStore) PutGroupKey(ctx context.Context, groupID string, version int, key []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_keys (group_id, version, key, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(group_id, version) DO UPDATE SET key = excluded.key`,
		groupID, version, key, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store group key: %w", err)
	}
	return nil
}

// GetGroupKey retrieves the key material for a group key version.
func (s *SQLiteStore) GetGroupKey(ctx context.Context, groupID string, version int) ([]byte, error) {
	var key []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT key FROM group_keys WHERE group_id = ? AND version = ?",
		groupID, version,
	).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("group key %s v%d: %w", groupID, version, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get group key: %w", err)
	}
	return key, nil
}

// LatestKeyVersion returns the highest stored key version for a group.
func (s *SQLiteStore) LatestKeyVersion(ctx context.Context, groupID string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM group_keys WHERE group_id = ?", groupID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest key version: %w", err)
	}
	return version, nil
}
