package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmynk/ledgersync/internal/metrics"
	"github.com/mmynk/ledgersync/internal/models"
	"github.com/mmynk/ledgersync/internal/storage"
)

// ErrInvalidRecord is returned for pushes missing required fields or
// carrying update data that is not base64.
var ErrInvalidRecord = errors.New("invalid update record")

// Service is the relay's record log and fan-out, independent of transport.
type Service struct {
	store   storage.RelayStore
	broker  Broker
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

func NewService(store storage.RelayStore, broker Broker, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		broker: broker,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validateRecord(rec *models.UpdateRecord) error {
	switch {
	case rec.GroupID == "":
		return fmt.Errorf("%w: group id is required", ErrInvalidRecord)
	case rec.ActorID == "":
		return fmt.Errorf("%w: actor id is required", ErrInvalidRecord)
	case rec.UpdateData == "":
		return fmt.Errorf("%w: update data is required", ErrInvalidRecord)
	}
	if _, err := base64.StdEncoding.DecodeString(rec.UpdateData); err != nil {
		return fmt.Errorf("%w: update data is not base64", ErrInvalidRecord)
	}
	return nil
}

// Push stores rec and publishes it to subscribers of its group. The stored
// timestamp may be raised to keep the group's timestamps strictly
// increasing. A publish failure is logged, not returned: the record is
// durable and reachable through FetchSince.
func (s *Service) Push(ctx context.Context, rec *models.UpdateRecord) (*models.UpdateRecord, error) {
	if err := validateRecord(rec); err != nil {
		return nil, err
	}
	stored := copyRecord(rec)
	stored.ID = ""
	if stored.Timestamp <= 0 {
		stored.Timestamp = s.now().UnixMilli()
	}

	if err := s.store.AppendRecord(ctx, stored); err != nil {
		return nil, fmt.Errorf("failed to store update record: %w", err)
	}
	s.metrics.IncRelayRecord()

	if err := s.broker.Publish(ctx, stored); err != nil {
		s.logger.Warn("Failed to publish update record",
			"group_id", stored.GroupID,
			"record_id", stored.ID,
			"error", err,
		)
	}

	s.logger.Debug("Update record stored",
		"group_id", stored.GroupID,
		"record_id", stored.ID,
		"actor_id", stored.ActorID,
		"timestamp", stored.Timestamp,
	)
	return stored, nil
}

// FetchSince lists records after since. limit is clamped to [1, PageSize].
func (s *Service) FetchSince(ctx context.Context, groupID string, since int64, limit int) ([]*models.UpdateRecord, error) {
	if groupID == "" {
		return nil, fmt.Errorf("%w: group id is required", ErrInvalidRecord)
	}
	if limit <= 0 || limit > PageSize {
		limit = PageSize
	}
	return s.store.ListRecordsSince(ctx, groupID, since, limit)
}

// Subscribe opens a broker feed for the given groups.
func (s *Service) Subscribe(ctx context.Context, groupIDs []string) (<-chan *models.UpdateRecord, func(), error) {
	if len(groupIDs) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one group id is required", ErrInvalidRecord)
	}
	return s.broker.Subscribe(ctx, groupIDs)
}
