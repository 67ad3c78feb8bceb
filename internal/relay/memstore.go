package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/mmynk/ledgersync/internal/models"
	"github.com/mmynk/ledgersync/internal/storage"
)

var _ storage.RelayStore = (*MemoryStore)(nil)

// MemoryStore is a RelayStore held in memory, used by the Hub.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]*models.UpdateRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]*models.UpdateRecord)}
}

func (m *MemoryStore) AppendRecord(_ context.Context, rec *models.UpdateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	group := m.records[rec.GroupID]
	if n := len(group); n > 0 && rec.Timestamp <= group[n-1].Timestamp {
		rec.Timestamp = group[n-1].Timestamp + 1
	}
	m.records[rec.GroupID] = append(group, copyRecord(rec))
	return nil
}

func (m *MemoryStore) ListRecordsSince(_ context.Context, groupID string, since int64, limit int) ([]*models.UpdateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.UpdateRecord
	for _, rec := range m.records[groupID] {
		if rec.Timestamp <= since {
			continue
		}
		out = append(out, copyRecord(rec))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
