package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mmynk/ledgersync/pkg/sentinel"
)

// CreateActor stores a new relay actor with its hashed device secret.
func (s *SQLiteStore) CreateActor(ctx context.Context, actorID, secretHash string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO actors (id, secret_hash, created_at) VALUES (?, ?, ?)",
		actorID, secretHash, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert actor: %w", err)
	}
	return nil
}

// GetActorSecretHash returns the stored hash for an actor.
func (s *SQLiteStore) GetActorSecretHash(ctx context.Context, actorID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		"SELECT secret_hash FROM actors WHERE id = ?", actorID,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("actor %s: %w", actorID, sentinel.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get actor: %w", err)
	}
	return hash, nil
}
