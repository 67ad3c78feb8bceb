package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mmynk/ledgersync/internal/models"
	"github.com/mmynk/ledgersync/pkg/sentinel"
)

var _ Transport = (*Hub)(nil)

// Hub is an in-process relay. Devices sharing a Hub behave as if they
// shared a relay server; SetDown simulates an outage.
type Hub struct {
	svc  *Service
	down atomic.Bool
}

// NewHub creates a hub backed by a MemoryStore and a MemoryBroker.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{svc: NewService(NewMemoryStore(), NewMemoryBroker(logger), WithLogger(logger))}
}

// SetDown makes every call fail with sentinel.ErrTransport while down is true.
// Open subscriptions stay open but receive nothing.
func (h *Hub) SetDown(down bool) {
	h.down.Store(down)
}

func (h *Hub) check() error {
	if h.down.Load() {
		return fmt.Errorf("%w: relay unreachable", sentinel.ErrTransport)
	}
	return nil
}

func (h *Hub) Push(ctx context.Context, rec *models.UpdateRecord) (*models.UpdateRecord, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	stored, err := h.svc.Push(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sentinel.ErrTransport, err)
	}
	return stored, nil
}

func (h *Hub) FetchSince(ctx context.Context, groupID string, since int64, limit int) ([]*models.UpdateRecord, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	return h.svc.FetchSince(ctx, groupID, since, limit)
}

func (h *Hub) FetchAll(ctx context.Context, groupID string) ([]*models.UpdateRecord, error) {
	return fetchAll(ctx, h, groupID)
}

func (h *Hub) Subscribe(ctx context.Context, groupID string, onCreate func(*models.UpdateRecord)) (Subscription, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	ch, cancel, err := h.svc.Subscribe(ctx, []string{groupID})
	if err != nil {
		return nil, err
	}

	sub := &hubSubscription{cancel: cancel}
	go func() {
		for rec := range ch {
			if h.down.Load() {
				continue
			}
			onCreate(rec)
		}
	}()
	return sub, nil
}

type hubSubscription struct {
	cancel func()
	once   sync.Once
}

// Close stops delivery. It does not wait for an in-flight callback, so it
// is safe to call from inside one.
func (s *hubSubscription) Close() {
	s.once.Do(s.cancel)
}
