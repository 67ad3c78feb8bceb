// Package storage provides abstractions for persistent data storage.
package storage

import (
	"context"

	"github.com/mmynk/ledgersync/internal/models"
)

// Snapshot is a persisted full document export for one group.
type Snapshot struct {
	GroupID string
	Data    []byte
	// VersionTag is an optional rendering of the document version the
	// snapshot was taken at.
	VersionTag string
	UpdatedAt  int64
}

// IncrementalUpdate is one persisted diff in a group's unconsolidated chain.
type IncrementalUpdate struct {
	Seq       int64
	GroupID   string
	Data      []byte
	CreatedAt int64
}

// SnapshotStore persists the base snapshot and diff chain per group.
type SnapshotStore interface {
	// GetSnapshot returns the base snapshot, or nil if none was saved.
	GetSnapshot(ctx context.Context, groupID string) (*Snapshot, error)

	// ReplaceSnapshot stores snap as the new base and deletes every
	// incremental update of the group in the same transaction.
	ReplaceSnapshot(ctx context.Context, snap *Snapshot) error

	// AppendIncremental adds a diff to the end of the group's chain.
	AppendIncremental(ctx context.Context, groupID string, data []byte) error

	// ListIncrementals returns the chain in insertion order.
	ListIncrementals(ctx context.Context, groupID string) ([]IncrementalUpdate, error)

	// CountIncrementals returns the chain length.
	CountIncrementals(ctx context.Context, groupID string) (int, error)
}

// OfflineQueue persists pushes that could not reach the relay.
type OfflineQueue interface {
	Enqueue(ctx context.Context, op *models.OfflineOperation) error

	// ListQueued returns queued operations oldest first.
	ListQueued(ctx context.Context) ([]*models.OfflineOperation, error)

	// RemoveQueued deletes an operation after it was pushed.
	RemoveQueued(ctx context.Context, seq int64) error

	QueueLength(ctx context.Context) (int, error)
}

// CursorStore persists the per-group sync cursor.
type CursorStore interface {
	// GetCursor returns the last synced timestamp, 0 if the group never synced.
	GetCursor(ctx context.Context, groupID string) (int64, error)

	// SetCursor stores ts if it is greater than the stored value.
	SetCursor(ctx context.Context, groupID string, ts int64) error
}

// KeyStore persists every retained key version per group.
type KeyStore interface {
	// PutGroupKey stores raw key material for a version.
	PutGroupKey(ctx context.Context, groupID string, version int, key []byte) error

	// GetGroupKey returns the key for a version or an error wrapping
	// sentinel.ErrNotFound.
	GetGroupKey(ctx context.Context, groupID string, version int) ([]byte, error)

	// LatestKeyVersion returns the highest stored version, 0 if none.
	LatestKeyVersion(ctx context.Context, groupID string) (int, error)
}

// LocalStore is everything a device persists between sessions.
// This abstraction allows swapping storage backends without changing the
// replication engine.
type LocalStore interface {
	SnapshotStore
	OfflineQueue
	CursorStore
	KeyStore

	// Close releases any resources held by the store.
	Close() error
}

// RelayStore persists update records on the relay server.
type RelayStore interface {
	// AppendRecord stores rec, assigning its ID and a timestamp strictly
	// greater than every earlier record of the group. The caller's
	// timestamp is kept when it is already larger.
	AppendRecord(ctx context.Context, rec *models.UpdateRecord) error

	// ListRecordsSince returns up to limit records of the group with a
	// timestamp strictly greater than since, ascending.
	ListRecordsSince(ctx context.Context, groupID string, since int64, limit int) ([]*models.UpdateRecord, error)

	Close() error
}
