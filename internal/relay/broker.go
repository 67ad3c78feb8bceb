package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mmynk/ledgersync/internal/models"
)

// Broker fans stored records out to live subscribers.
type Broker interface {
	Publish(ctx context.Context, rec *models.UpdateRecord) error

	// Subscribe returns a channel of records for the given groups and a
	// cancel func that closes it. The feed also ends when ctx is done.
	Subscribe(ctx context.Context, groupIDs []string) (<-chan *models.UpdateRecord, func(), error)
}

const subscriberBuffer = 64

type memorySubscriber struct {
	groups map[string]bool
	ch     chan *models.UpdateRecord
}

// MemoryBroker is a Broker for a single relay process.
type MemoryBroker struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]*memorySubscriber
}

func NewMemoryBroker(logger *slog.Logger) *MemoryBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBroker{logger: logger, subs: make(map[int]*memorySubscriber)}
}

// Publish never blocks; a subscriber whose buffer is full misses the record.
func (b *MemoryBroker) Publish(_ context.Context, rec *models.UpdateRecord) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subs {
		if !sub.groups[rec.GroupID] {
			continue
		}
		select {
		case sub.ch <- copyRecord(rec):
		default:
			b.logger.Warn("Subscriber buffer full, dropping record",
				"subscriber", id,
				"group_id", rec.GroupID,
				"record_id", rec.ID,
			)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, groupIDs []string) (<-chan *models.UpdateRecord, func(), error) {
	sub := &memorySubscriber{
		groups: make(map[string]bool, len(groupIDs)),
		ch:     make(chan *models.UpdateRecord, subscriberBuffer),
	}
	for _, g := range groupIDs {
		sub.groups[g] = true
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			b.mu.Lock()
			delete(b.subs, id)
			close(sub.ch)
			b.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return sub.ch, cancel, nil
}

// Subscribers returns the number of open feeds.
func (b *MemoryBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
