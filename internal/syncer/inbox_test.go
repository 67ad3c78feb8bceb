package syncer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/ledgersync/internal/models"
)

func TestInboxNeverBlocksAndKeepsOrder(t *testing.T) {
	b := newInbox()
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		b.push(ctx, &models.UpdateRecord{Timestamp: int64(i)})
	}

	select {
	case <-b.signal:
	default:
		t.Fatal("expected a wakeup")
	}
	got := b.drain()
	require.Len(t, got, 1000)
	for i, d := range got {
		assert.Equal(t, int64(i), d.rec.Timestamp)
	}
	assert.Empty(t, b.drain())
}
