package syncer

import (
	"context"
	"sync"

	"github.com/mmynk/ledgersync/internal/models"
)

// inbox buffers records delivered by subscription callbacks until the
// loop drains them. It is unbounded so a callback never blocks the
// transport's stream goroutine.
type inbox struct {
	mu      sync.Mutex
	pending []delivery
	signal  chan struct{} // buffered, size 1; coalesces wakeups
}

type delivery struct {
	rec *models.UpdateRecord

	// live is done once the subscription that delivered rec was closed.
	live context.Context
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (b *inbox) push(live context.Context, rec *models.UpdateRecord) {
	b.mu.Lock()
	b.pending = append(b.pending, delivery{rec: rec, live: live})
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

// drain takes every pending delivery in arrival order.
func (b *inbox) drain() []delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}
