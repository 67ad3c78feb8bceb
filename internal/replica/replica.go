// Package replica assembles one device: a document per group, the entry,
// member and settlement views over it, local persistence, the keyring and
// the sync orchestrator.
package replica

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mmynk/ledgersync/internal/document"
	"github.com/mmynk/ledgersync/internal/entries"
	"github.com/mmynk/ledgersync/internal/keyring"
	"github.com/mmynk/ledgersync/internal/members"
	"github.com/mmynk/ledgersync/internal/metrics"
	"github.com/mmynk/ledgersync/internal/relay"
	"github.com/mmynk/ledgersync/internal/settlement"
	"github.com/mmynk/ledgersync/internal/snapshot"
	"github.com/mmynk/ledgersync/internal/storage"
	"github.com/mmynk/ledgersync/internal/syncer"
	"github.com/mmynk/ledgersync/pkg/sentinel"
)

// Config identifies the device and tunes its background work.
type Config struct {
	// PeerID names this device in document version vectors. It must be
	// stable across restarts and unique per device.
	PeerID string

	// ActorID is the member this device writes as.
	ActorID string

	ConsolidationThreshold int

	// HealthInterval is zero for the default and negative to disable
	// periodic health checks.
	HealthInterval time.Duration

	// StartOffline starts the orchestrator in the offline state.
	StartOffline bool
}

// Group is an open group on this device.
type Group struct {
	ID          string
	Doc         *document.Document
	Entries     *entries.Store
	Members     *members.Log
	Preferences *settlement.Preferences
}

// Replica is one device's view of its groups.
type Replica struct {
	cfg     Config
	store   storage.LocalStore
	keys    *keyring.Keyring
	snaps   *snapshot.Consolidator
	orch    *syncer.Orchestrator
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	groups map[string]*Group

	onChange func(groupID string)
}

// Option configures a Replica.
type Option func(*Replica)

func WithLogger(l *slog.Logger) Option {
	return func(r *Replica) { r.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Replica) { r.metrics = m }
}

// WithOnDataChanged is called after remote updates changed a group.
func WithOnDataChanged(fn func(groupID string)) Option {
	return func(r *Replica) { r.onChange = fn }
}

// New wires a replica. Call Run to start synchronization.
func New(store storage.LocalStore, transport relay.Transport, cfg Config, opts ...Option) (*Replica, error) {
	if cfg.PeerID == "" || cfg.ActorID == "" {
		return nil, fmt.Errorf("replica needs a peer id and an actor id")
	}

	r := &Replica{
		cfg:    cfg,
		store:  store,
		logger: slog.Default(),
		groups: make(map[string]*Group),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.keys = keyring.New(store, r.logger)
	r.snaps = snapshot.New(store,
		snapshot.WithThreshold(cfg.ConsolidationThreshold),
		snapshot.WithLogger(r.logger),
		snapshot.WithMetrics(r.metrics),
	)

	health := cfg.HealthInterval
	switch {
	case health == 0:
		health = syncer.DefaultHealthInterval
	case health < 0:
		health = 0
	}
	r.orch = syncer.New(transport, r, r.snaps, store,
		syncer.WithLogger(r.logger),
		syncer.WithMetrics(r.metrics),
		syncer.WithHealthInterval(health),
		syncer.WithOnline(!cfg.StartOffline),
		syncer.WithOnDataChanged(r.dataChanged),
	)
	return r, nil
}

// Run drives synchronization until ctx is done.
func (r *Replica) Run(ctx context.Context) error {
	return r.orch.Run(ctx)
}

// Sync exposes the orchestrator for connectivity changes and status.
func (r *Replica) Sync() *syncer.Orchestrator {
	return r.orch
}

// Keys exposes the keyring, e.g. to import a key received out of band.
func (r *Replica) Keys() *keyring.Keyring {
	return r.keys
}

func (r *Replica) ActorID() string {
	return r.cfg.ActorID
}

func (r *Replica) dataChanged(groupID string) {
	if r.onChange != nil {
		r.onChange(groupID)
	}
}

// Open loads a group from local storage, creating it if it was never seen.
// Opening an open group returns it unchanged.
func (r *Replica) Open(ctx context.Context, groupID string) (*Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.groups[groupID]; ok {
		return g, nil
	}

	doc := document.New(r.cfg.PeerID)
	if err := r.snaps.Load(ctx, groupID, doc); err != nil {
		return nil, fmt.Errorf("failed to load group %s: %w", groupID, err)
	}

	g := &Group{
		ID:          groupID,
		Doc:         doc,
		Entries:     entries.NewStore(doc, r.keys, entries.WithLogger(r.logger), entries.WithMetrics(r.metrics)),
		Members:     members.NewLog(doc, r.logger, members.WithKeys(groupID, r.keys)),
		Preferences: settlement.NewPreferences(doc, r.logger),
	}
	r.groups[groupID] = g
	r.logger.Info("Group opened", "group_id", groupID, "ops", doc.OpCount())
	return g, nil
}

// Document returns the document of an open group.
func (r *Replica) Document(groupID string) (*document.Document, error) {
	g, err := r.group(groupID)
	if err != nil {
		return nil, err
	}
	return g.Doc, nil
}

func (r *Replica) group(groupID string) (*Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s is not open: %w", groupID, sentinel.ErrNotFound)
	}
	return g, nil
}

// Create starts a new group on this device with a fresh key and
// subscribes to it.
func (r *Replica) Create(ctx context.Context, groupID string) (*Group, error) {
	g, err := r.Open(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if _, _, err := r.keys.Ensure(ctx, groupID); err != nil {
		return nil, err
	}
	if err := r.orch.SubscribeToGroup(ctx, groupID, r.cfg.ActorID); err != nil {
		r.logger.Warn("Subscribe after create failed", "group_id", groupID, "error", err)
	}
	return g, nil
}

// Join opens a group whose key was already added to the keyring, fetches
// its history and subscribes to it.
func (r *Replica) Join(ctx context.Context, groupID string) (*Group, error) {
	g, err := r.Open(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if err := r.orch.InitialSync(ctx, groupID, r.cfg.ActorID); err != nil {
		return nil, err
	}
	if err := r.orch.SubscribeToGroup(ctx, groupID, r.cfg.ActorID); err != nil {
		r.logger.Warn("Subscribe after join failed", "group_id", groupID, "error", err)
	}
	return g, nil
}

// Commit persists the group's pending local writes and pushes them. A
// failed push is queued by the orchestrator and also returned.
func (r *Replica) Commit(ctx context.Context, groupID string) error {
	g, err := r.group(groupID)
	if err != nil {
		return err
	}
	diff, err := r.snaps.SaveIncremental(ctx, groupID, g.Doc)
	if err != nil {
		return err
	}
	if len(diff) == 0 {
		return nil
	}
	return r.orch.PushUpdate(ctx, groupID, r.cfg.ActorID, diff, g.Doc.Version().String())
}

// RotateKey introduces a new key version for the group. Entries sealed
// under older versions stay readable; the key cache is cleared.
func (r *Replica) RotateKey(ctx context.Context, groupID string) (int, error) {
	_, version, err := r.keys.Rotate(ctx, groupID)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// Close flushes every open group to a single snapshot.
func (r *Replica) Close(ctx context.Context) error {
	r.mu.Lock()
	groups := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	r.mu.Unlock()

	for _, g := range groups {
		if err := r.snaps.Consolidate(ctx, g.ID, g.Doc); err != nil {
			return err
		}
	}
	return nil
}
