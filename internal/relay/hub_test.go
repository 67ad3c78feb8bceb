package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/ledgersync/internal/models"
	"github.com/mmynk/ledgersync/pkg/sentinel"
)

func record(groupID, actorID string, ts int64) *models.UpdateRecord {
	return &models.UpdateRecord{
		GroupID:    groupID,
		ActorID:    actorID,
		Timestamp:  ts,
		UpdateData: base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s-%d", actorID, ts))),
	}
}

// collector gathers records delivered to a subscription.
type collector struct {
	mu      sync.Mutex
	records []*models.UpdateRecord
}

func (c *collector) add(rec *models.UpdateRecord) {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *collector) get(i int) *models.UpdateRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records[i]
}

func TestHubTimestampsStrictlyIncrease(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()

	a, err := hub.Push(ctx, record("g1", "a", 1000))
	require.NoError(t, err)
	b, err := hub.Push(ctx, record("g1", "b", 1000))
	require.NoError(t, err)
	c, err := hub.Push(ctx, record("g1", "c", 5))
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, int64(1000), a.Timestamp)
	assert.Equal(t, int64(1001), b.Timestamp)
	assert.Equal(t, int64(1002), c.Timestamp)

	since, err := hub.FetchSince(ctx, "g1", a.Timestamp, 10)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, b.ID, since[0].ID)
}

func TestHubRejectsInvalidRecords(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()

	_, err := hub.Push(ctx, &models.UpdateRecord{GroupID: "g1", ActorID: "a", UpdateData: "not base64!"})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = hub.Push(ctx, &models.UpdateRecord{ActorID: "a", UpdateData: "AA=="})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestFetchAllPages(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()

	total := PageSize + 7
	for i := 0; i < total; i++ {
		_, err := hub.Push(ctx, record("g1", "a", int64(i+1)))
		require.NoError(t, err)
	}

	all, err := hub.FetchAll(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, all, total)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Timestamp, all[i].Timestamp)
	}
}

func TestHubSubscribe(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()

	var got collector
	sub, err := hub.Subscribe(ctx, "g1", got.add)
	require.NoError(t, err)

	_, err = hub.Push(ctx, record("g2", "a", 1))
	require.NoError(t, err)
	pushed, err := hub.Push(ctx, record("g1", "a", 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, pushed.ID, got.get(0).ID)

	sub.Close()
	_, err = hub.Push(ctx, record("g1", "a", 2))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, got.len())
}

func TestHubDown(t *testing.T) {
	hub := NewHub(nil)
	ctx := context.Background()
	hub.SetDown(true)

	_, err := hub.Push(ctx, record("g1", "a", 1))
	assert.ErrorIs(t, err, sentinel.ErrTransport)
	_, err = hub.FetchAll(ctx, "g1")
	assert.ErrorIs(t, err, sentinel.ErrTransport)
	_, err = hub.Subscribe(ctx, "g1", func(*models.UpdateRecord) {})
	assert.ErrorIs(t, err, sentinel.ErrTransport)

	hub.SetDown(false)
	_, err = hub.Push(ctx, record("g1", "a", 1))
	assert.NoError(t, err)
}

func TestMemoryBrokerCancel(t *testing.T) {
	b := NewMemoryBroker(nil)
	ctx, cancel := context.WithCancel(context.Background())

	ch, _, err := b.Subscribe(ctx, []string{"g1"})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers())

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Equal(t, 0, b.Subscribers())
}
