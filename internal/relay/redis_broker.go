package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/mmynk/ledgersync/internal/models"
)

const redisChannelPrefix = "ledgersync:group:"

// NewRedisClient connects to url and verifies the connection with a ping.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisBroker fans records out over Redis pub/sub, one channel per group,
// so several relay processes can share subscribers.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisBroker(client *redis.Client, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{client: client, logger: logger}
}

func redisChannel(groupID string) string {
	return redisChannelPrefix + groupID
}

func (b *RedisBroker) Publish(ctx context.Context, rec *models.UpdateRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := b.client.Publish(ctx, redisChannel(rec.GroupID), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, groupIDs []string) (<-chan *models.UpdateRecord, func(), error) {
	channels := make([]string, len(groupIDs))
	for i, g := range groupIDs {
		channels[i] = redisChannel(g)
	}

	ps := b.client.Subscribe(ctx, channels...)
	// wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan *models.UpdateRecord, subscriberBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			ps.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var rec models.UpdateRecord
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					b.logger.Warn("Dropping malformed record from redis", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- &rec:
				case <-done:
					return
				}
			}
		}
	}()
	return out, cancel, nil
}
