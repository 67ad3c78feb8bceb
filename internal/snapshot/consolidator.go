// Package snapshot persists a group's document as a base snapshot plus a
// capped chain of incremental diffs.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mmynk/ledgersync/internal/document"
	"github.com/mmynk/ledgersync/internal/metrics"
	"github.com/mmynk/ledgersync/internal/storage"
)

// DefaultThreshold is the diff chain length that triggers consolidation.
const DefaultThreshold = 50

// Consolidator writes document state to a SnapshotStore.
type Consolidator struct {
	store     storage.SnapshotStore
	threshold int
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu sync.Mutex
	// saved is the document version last written per group.
	saved map[string]document.Version
	// groups serializes export and persist per group, so a consolidation
	// can never drop a diff appended after its export.
	groups map[string]*sync.Mutex
}

// Option configures a Consolidator.
type Option func(*Consolidator)

// WithThreshold overrides DefaultThreshold. Values below 1 are ignored.
func WithThreshold(n int) Option {
	return func(c *Consolidator) {
		if n > 0 {
			c.threshold = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Consolidator) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consolidator) { c.metrics = m }
}

func New(store storage.SnapshotStore, opts ...Option) *Consolidator {
	c := &Consolidator{
		store:     store,
		threshold: DefaultThreshold,
		logger:    slog.Default(),
		saved:     make(map[string]document.Version),
		groups:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Consolidator) lock(groupID string) func() {
	c.mu.Lock()
	m, ok := c.groups[groupID]
	if !ok {
		m = &sync.Mutex{}
		c.groups[groupID] = m
	}
	c.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (c *Consolidator) marker(groupID string) document.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saved[groupID].Clone()
}

func (c *Consolidator) mark(groupID string, v document.Version) {
	c.mu.Lock()
	c.saved[groupID] = v
	c.mu.Unlock()
}

// SaveIncremental persists everything written to doc since the last save
// and returns the diff, which is also what should be pushed to the relay.
// Nothing new means nothing is written and nil is returned.
func (c *Consolidator) SaveIncremental(ctx context.Context, groupID string, doc *document.Document) ([]byte, error) {
	defer c.lock(groupID)()

	// The version is read before exporting: ops committed in between are
	// exported twice at worst, never skipped.
	v := doc.Version()
	diff := doc.ExportIncremental(c.marker(groupID))
	if len(diff) == 0 {
		return nil, nil
	}

	if err := c.store.AppendIncremental(ctx, groupID, diff); err != nil {
		return nil, fmt.Errorf("failed to save incremental update: %w", err)
	}
	c.mark(groupID, v)

	if err := c.consolidateIfNeeded(ctx, groupID, doc); err != nil {
		return nil, err
	}
	return diff, nil
}

// SaveImported persists an update that was imported from another device.
// The bytes are appended to the chain as received and the saved marker only
// moves for remote peers, so local writes made meanwhile are still picked
// up by the next SaveIncremental.
func (c *Consolidator) SaveImported(ctx context.Context, groupID string, doc *document.Document, update []byte) error {
	if len(update) == 0 {
		return nil
	}
	defer c.lock(groupID)()

	if err := c.store.AppendIncremental(ctx, groupID, update); err != nil {
		return fmt.Errorf("failed to save imported update: %w", err)
	}

	current := doc.Version()
	c.mu.Lock()
	marker := c.saved[groupID].Clone()
	for peer, counter := range current {
		if peer != doc.PeerID() && counter > marker[peer] {
			marker[peer] = counter
		}
	}
	c.saved[groupID] = marker
	c.mu.Unlock()

	return c.consolidateIfNeeded(ctx, groupID, doc)
}

func (c *Consolidator) consolidateIfNeeded(ctx context.Context, groupID string, doc *document.Document) error {
	n, err := c.store.CountIncrementals(ctx, groupID)
	if err != nil {
		return err
	}
	if n < c.threshold {
		return nil
	}
	c.logger.Info("Incremental chain reached threshold", "group_id", groupID, "count", n, "threshold", c.threshold)
	return c.consolidateLocked(ctx, groupID, doc)
}

// Consolidate replaces the base snapshot with a full export of doc and
// drops the diff chain.
func (c *Consolidator) Consolidate(ctx context.Context, groupID string, doc *document.Document) error {
	defer c.lock(groupID)()
	return c.consolidateLocked(ctx, groupID, doc)
}

func (c *Consolidator) consolidateLocked(ctx context.Context, groupID string, doc *document.Document) error {
	v := doc.Version()
	snap := &storage.Snapshot{
		GroupID:    groupID,
		Data:       doc.ExportSnapshot(),
		VersionTag: v.String(),
	}
	if err := c.store.ReplaceSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("failed to consolidate snapshot: %w", err)
	}
	c.mark(groupID, v)
	c.metrics.IncConsolidation()
	c.logger.Debug("Snapshot consolidated", "group_id", groupID, "bytes", len(snap.Data), "version", snap.VersionTag)
	return nil
}

// Load imports the base snapshot and every stored diff into doc. When any
// diff was replayed the result is consolidated right away.
func (c *Consolidator) Load(ctx context.Context, groupID string, doc *document.Document) error {
	defer c.lock(groupID)()

	snap, err := c.store.GetSnapshot(ctx, groupID)
	if err != nil {
		return err
	}
	if snap != nil {
		if _, err := doc.Import(snap.Data); err != nil {
			return fmt.Errorf("failed to import snapshot for %s: %w", groupID, err)
		}
	}

	diffs, err := c.store.ListIncrementals(ctx, groupID)
	if err != nil {
		return err
	}
	for _, d := range diffs {
		if _, err := doc.Import(d.Data); err != nil {
			return fmt.Errorf("failed to replay incremental update %d for %s: %w", d.Seq, groupID, err)
		}
	}

	c.logger.Info("Document loaded",
		"group_id", groupID,
		"has_snapshot", snap != nil,
		"incrementals", len(diffs),
	)

	if len(diffs) > 0 {
		return c.consolidateLocked(ctx, groupID, doc)
	}
	c.mark(groupID, doc.Version())
	return nil
}
