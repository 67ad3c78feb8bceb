// Package syncer drives synchronization between a device's documents and
// the relay: initial and incremental fetches, pushes with an offline
// queue, live subscriptions and periodic health checks.
//
// All sync state is owned by the goroutine running Orchestrator.Run.
// Public methods talk to it through a command channel and transport
// callbacks through an inbox, so no state is touched from callback
// goroutines.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mmynk/ledgersync/internal/document"
	"github.com/mmynk/ledgersync/internal/metrics"
	"github.com/mmynk/ledgersync/internal/relay"
	"github.com/mmynk/ledgersync/internal/storage"
)

const (
	// DefaultHealthInterval is how often subscribed groups are re-synced.
	DefaultHealthInterval = 30 * time.Second

	defaultAppliedCapacity = 4096
)

// ErrStopped is returned by calls made after Run has returned.
var ErrStopped = errors.New("sync orchestrator stopped")

// Documents resolves the local document of a group.
type Documents interface {
	Document(groupID string) (*document.Document, error)
}

// Persister saves imported updates and checkpoints documents.
type Persister interface {
	SaveImported(ctx context.Context, groupID string, doc *document.Document, update []byte) error
	Consolidate(ctx context.Context, groupID string, doc *document.Document) error
}

// Store is the durable sync state: offline queue and cursors.
type Store interface {
	storage.OfflineQueue
	storage.CursorStore
}

// Orchestrator synchronizes documents with a relay.
type Orchestrator struct {
	transport relay.Transport
	docs      Documents
	persister Persister
	store     Store

	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	now            func() time.Time
	healthInterval time.Duration
	onDataChanged  func(groupID string)

	state *SyncState
	cmds  chan command
	inbox *inbox
	done  chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithHealthInterval sets the health check period. Zero or less disables it.
func WithHealthInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.healthInterval = d }
}

// WithOnDataChanged registers a callback run on the loop goroutine after a
// remote update changed a group's document.
func WithOnDataChanged(fn func(groupID string)) Option {
	return func(o *Orchestrator) { o.onDataChanged = fn }
}

// WithOnline sets the initial connectivity. The default is online.
func WithOnline(online bool) Option {
	return func(o *Orchestrator) { o.state.Online = online; o.state.State = stateFor(online) }
}

func stateFor(online bool) State {
	if online {
		return StateIdle
	}
	return StateOffline
}

func New(transport relay.Transport, docs Documents, persister Persister, store Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		transport:      transport,
		docs:           docs,
		persister:      persister,
		store:          store,
		logger:         slog.Default(),
		tracer:         otel.Tracer("github.com/mmynk/ledgersync/internal/syncer"),
		now:            time.Now,
		healthInterval: DefaultHealthInterval,
		state:          newSyncState(true, defaultAppliedCapacity),
		cmds:           make(chan command, 64),
		inbox:          newInbox(),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run drives the orchestrator until ctx is done. It must run exactly once.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)
	defer o.closeLive()

	var ticker *time.Ticker
	if o.healthInterval > 0 {
		ticker = time.NewTicker(o.healthInterval)
		defer ticker.Stop()
	}

	o.logger.Info("Sync orchestrator started",
		"online", o.state.Online,
		"health_interval", o.healthInterval,
	)
	for {
		var tick <-chan time.Time
		if ticker != nil && o.state.Online && len(o.state.subscribed) > 0 {
			tick = ticker.C
		}

		select {
		case <-ctx.Done():
			o.logger.Info("Sync orchestrator stopped")
			return ctx.Err()
		case cmd := <-o.cmds:
			cmd.run(ctx, o)
		case <-o.inbox.signal:
			o.applyDeliveries(ctx)
		case <-tick:
			o.healthCheck(ctx)
		}
	}
}

// command is a unit of work executed on the loop goroutine.
type command interface {
	run(loopCtx context.Context, o *Orchestrator)
}

// do hands cmd to the loop and waits for its reply.
func do[T any](ctx context.Context, o *Orchestrator, cmd command, reply <-chan T) (T, error) {
	var zero T
	select {
	case o.cmds <- cmd:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-o.done:
		return zero, ErrStopped
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-o.done:
		return zero, ErrStopped
	}
}

// call runs fn on the loop and returns its error.
func (o *Orchestrator) call(ctx context.Context, fn func(loopCtx context.Context) error) error {
	reply := make(chan error, 1)
	err, sendErr := do[error](ctx, o, funcCommand{ctx: ctx, fn: fn, reply: reply}, reply)
	if sendErr != nil {
		return sendErr
	}
	return err
}

type funcCommand struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan<- error
}

func (c funcCommand) run(_ context.Context, _ *Orchestrator) {
	c.reply <- c.fn(c.ctx)
}

// applyDeliveries imports records that arrived on live subscriptions.
// Records from subscriptions closed in the meantime are dropped.
func (o *Orchestrator) applyDeliveries(ctx context.Context) {
	for _, d := range o.inbox.drain() {
		if d.live.Err() != nil {
			continue
		}
		if _, err := o.applyRemote(ctx, d.rec, "subscription"); err != nil {
			o.recordError("subscription", err)
		}
	}
}

// InitialSync fetches a group's whole history. It fails with
// sentinel.ErrOffline while offline and propagates fetch errors.
func (o *Orchestrator) InitialSync(ctx context.Context, groupID, actorID string) error {
	return o.call(ctx, func(ctx context.Context) error {
		return o.initialSync(ctx, groupID, actorID)
	})
}

// IncrementalSync fetches records after the group's cursor. Failures are
// recorded in Status rather than returned.
func (o *Orchestrator) IncrementalSync(ctx context.Context, groupID, actorID string) error {
	return o.call(ctx, func(ctx context.Context) error {
		o.incrementalSync(ctx, groupID, actorID)
		return nil
	})
}

// PushUpdate sends a diff to the relay. Offline, it is queued and nil is
// returned. Online, a failed push is queued for retry and the error is
// returned as well.
func (o *Orchestrator) PushUpdate(ctx context.Context, groupID, actorID string, update []byte, version string) error {
	return o.call(ctx, func(ctx context.Context) error {
		return o.push(ctx, groupID, actorID, update, version)
	})
}

// SubscribeToGroup opens the live feed of a group, replacing any earlier
// one. The intent survives going offline.
func (o *Orchestrator) SubscribeToGroup(ctx context.Context, groupID, actorID string) error {
	return o.call(ctx, func(ctx context.Context) error {
		o.state.subscribed[groupID] = actorID
		if !o.state.Online {
			return nil
		}
		return o.subscribe(ctx, groupID, actorID)
	})
}

// UnsubscribeFromGroup closes the feed and forgets the intent.
func (o *Orchestrator) UnsubscribeFromGroup(ctx context.Context, groupID string) error {
	return o.call(ctx, func(ctx context.Context) error {
		delete(o.state.subscribed, groupID)
		o.closeSubscription(groupID)
		return nil
	})
}

// SetOnline reports a connectivity change. Going offline closes feeds;
// coming online replays the offline queue, then catches up and resubscribes
// every subscribed group.
func (o *Orchestrator) SetOnline(ctx context.Context, online bool) error {
	return o.call(ctx, func(ctx context.Context) error {
		o.setOnline(ctx, online)
		return nil
	})
}

// CheckHealth runs a health check now instead of waiting for the ticker.
func (o *Orchestrator) CheckHealth(ctx context.Context) error {
	return o.call(ctx, func(ctx context.Context) error {
		if o.state.Online {
			o.healthCheck(ctx)
		}
		return nil
	})
}

// Status returns a copy of the current state.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	return do[Status](ctx, o, statusCommand{reply: reply}, reply)
}

type statusCommand struct {
	reply chan<- Status
}

func (c statusCommand) run(_ context.Context, o *Orchestrator) {
	c.reply <- o.state.snapshot()
}

// QueueLength returns the number of queued offline operations.
func (o *Orchestrator) QueueLength(ctx context.Context) (int, error) {
	return o.store.QueueLength(ctx)
}
