// Package relay moves opaque update records between devices. It holds the
// transport contract the sync engine consumes, an in-process Hub, the
// Connect client and server, and the subscription brokers behind the server.
package relay

import (
	"context"

	"github.com/mmynk/ledgersync/internal/models"
)

// PageSize is the number of records requested per FetchAll page and the
// largest page the server returns.
const PageSize = 500

// Transport is what a device needs from the relay.
type Transport interface {
	// Push stores a record and returns it with its relay-assigned ID and
	// timestamp.
	Push(ctx context.Context, rec *models.UpdateRecord) (*models.UpdateRecord, error)

	// FetchSince returns up to limit records of the group with a timestamp
	// strictly after since, ascending.
	FetchSince(ctx context.Context, groupID string, since int64, limit int) ([]*models.UpdateRecord, error)

	// FetchAll returns the group's whole history, fetched PageSize at a time.
	FetchAll(ctx context.Context, groupID string) ([]*models.UpdateRecord, error)

	// Subscribe calls onCreate for every record pushed to the group after
	// the subscription is established, until the subscription is closed.
	// Delivery is best effort.
	Subscribe(ctx context.Context, groupID string, onCreate func(*models.UpdateRecord)) (Subscription, error)
}

// Subscription is a live feed opened by Transport.Subscribe.
type Subscription interface {
	Close()
}

type fetcher interface {
	FetchSince(ctx context.Context, groupID string, since int64, limit int) ([]*models.UpdateRecord, error)
}

// fetchAll pages through a group by timestamp cursor until a short page.
func fetchAll(ctx context.Context, f fetcher, groupID string) ([]*models.UpdateRecord, error) {
	var all []*models.UpdateRecord
	var since int64
	for {
		page, err := f.FetchSince(ctx, groupID, since, PageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < PageSize {
			return all, nil
		}
		since = page[len(page)-1].Timestamp
	}
}

func copyRecord(rec *models.UpdateRecord) *models.UpdateRecord {
	cp := *rec
	return &cp
}
