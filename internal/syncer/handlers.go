package syncer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mmynk/ledgersync/internal/models"
	"github.com/mmynk/ledgersync/internal/relay"
	"github.com/mmynk/ledgersync/pkg/sentinel"
)

// Everything in this file runs on the loop goroutine.

func (o *Orchestrator) startSpan(ctx context.Context, name, groupID string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("group_id", groupID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (o *Orchestrator) recordError(kind string, err error) {
	o.state.LastError = err
	if o.state.Online {
		o.state.State = StateError
	}
	o.metrics.IncSyncError(kind)
	o.logger.Warn("Sync step failed", "kind", kind, "error", err)
}

func (o *Orchestrator) finishSync(kind string, start time.Time) {
	o.state.LastError = nil
	o.state.LastSyncAt = o.now()
	o.state.State = stateFor(o.state.Online)
	o.metrics.ObserveSync(kind, time.Since(start).Seconds())
}

func (o *Orchestrator) initialSync(ctx context.Context, groupID, actorID string) (err error) {
	ctx, span := o.startSpan(ctx, "syncer.InitialSync", groupID)
	defer func() { endSpan(span, err) }()

	if !o.state.Online {
		return fmt.Errorf("initial sync of %s: %w", groupID, sentinel.ErrOffline)
	}
	start := time.Now()
	o.state.State = StateSyncing
	o.logger.Info("Initial sync started", "group_id", groupID, "actor_id", actorID)

	records, err := o.transport.FetchAll(ctx, groupID)
	if err != nil {
		o.recordError("initial", err)
		return fmt.Errorf("failed to fetch history of %s: %w", groupID, err)
	}

	applied := 0
	for _, rec := range records {
		n, err := o.applyRemote(ctx, rec, "initial")
		if err != nil {
			o.recordError("initial", err)
			return err
		}
		applied += n
		if err := o.store.SetCursor(ctx, groupID, rec.Timestamp); err != nil {
			o.recordError("initial", err)
			return err
		}
	}

	doc, err := o.docs.Document(groupID)
	if err != nil {
		o.recordError("initial", err)
		return err
	}
	if err := o.persister.Consolidate(ctx, groupID, doc); err != nil {
		o.recordError("initial", err)
		return err
	}

	o.finishSync("initial", start)
	o.logger.Info("Initial sync completed",
		"group_id", groupID,
		"records", len(records),
		"ops_applied", applied,
	)
	return nil
}

// incrementalSync never returns an error; failures land in state.
func (o *Orchestrator) incrementalSync(ctx context.Context, groupID, actorID string) {
	var err error
	ctx, span := o.startSpan(ctx, "syncer.IncrementalSync", groupID)
	defer func() { endSpan(span, err) }()

	if !o.state.Online {
		err = fmt.Errorf("incremental sync of %s: %w", groupID, sentinel.ErrOffline)
		o.state.LastError = err
		return
	}
	start := time.Now()
	o.state.State = StateSyncing

	var fetched int
	fetched, err = o.fetchAfterCursor(ctx, groupID)
	if err != nil {
		o.recordError("incremental", err)
		return
	}

	o.finishSync("incremental", start)
	o.logger.Debug("Incremental sync completed",
		"group_id", groupID,
		"actor_id", actorID,
		"records", fetched,
	)
}

func (o *Orchestrator) fetchAfterCursor(ctx context.Context, groupID string) (int, error) {
	cursor, err := o.store.GetCursor(ctx, groupID)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		page, err := o.transport.FetchSince(ctx, groupID, cursor, relay.PageSize)
		if err != nil {
			return total, err
		}
		for _, rec := range page {
			if _, err := o.applyRemote(ctx, rec, "incremental"); err != nil {
				return total, err
			}
			if rec.Timestamp > cursor {
				cursor = rec.Timestamp
				if err := o.store.SetCursor(ctx, groupID, cursor); err != nil {
					return total, err
				}
			}
		}
		total += len(page)
		if len(page) < relay.PageSize {
			return total, nil
		}
	}
}

// applyRemote imports and persists one record and returns the number of
// new document operations. Malformed records are skipped. It never moves
// the cursor: only the fetch paths do, after the record is persisted, so a
// record the live feed missed is still fetched on the next sync.
func (o *Orchestrator) applyRemote(ctx context.Context, rec *models.UpdateRecord, source string) (int, error) {
	if o.state.applied.contains(rec.ID) {
		if source == "subscription" {
			o.metrics.IncDuplicate()
		}
		o.logger.Debug("Update already applied", "record_id", rec.ID, "group_id", rec.GroupID, "source", source)
		return 0, nil
	}

	data, err := base64.StdEncoding.DecodeString(rec.UpdateData)
	if err != nil {
		o.logger.Warn("Skipping record with invalid encoding", "record_id", rec.ID, "group_id", rec.GroupID, "error", err)
		return 0, nil
	}

	doc, err := o.docs.Document(rec.GroupID)
	if err != nil {
		return 0, err
	}
	n, err := doc.Import(data)
	if err != nil {
		o.logger.Warn("Skipping record that does not decode as an update", "record_id", rec.ID, "group_id", rec.GroupID, "error", err)
		return 0, nil
	}

	if n > 0 {
		if err := o.persister.SaveImported(ctx, rec.GroupID, doc, data); err != nil {
			return n, err
		}
	}
	o.state.applied.add(rec.ID)
	if n == 0 {
		return 0, nil
	}

	o.metrics.IncApplied(source)
	if o.onDataChanged != nil {
		o.onDataChanged(rec.GroupID)
	}
	return n, nil
}

func (o *Orchestrator) push(ctx context.Context, groupID, actorID string, update []byte, version string) (err error) {
	if len(update) == 0 {
		return nil
	}
	ctx, span := o.startSpan(ctx, "syncer.PushUpdate", groupID)
	defer func() { endSpan(span, err) }()

	op := &models.OfflineOperation{
		GroupID:    groupID,
		Timestamp:  o.now().UnixMilli(),
		ActorID:    actorID,
		UpdateData: base64.StdEncoding.EncodeToString(update),
		Version:    version,
	}

	if !o.state.Online {
		return o.enqueue(ctx, op)
	}

	_, err = o.transport.Push(ctx, recordFromOperation(op))
	if err != nil {
		o.metrics.IncPushed("error")
		if qerr := o.enqueue(ctx, op); qerr != nil {
			return errors.Join(err, qerr)
		}
		o.state.LastError = err
		return fmt.Errorf("failed to push update for %s: %w", groupID, err)
	}
	o.metrics.IncPushed("ok")
	return nil
}

func (o *Orchestrator) enqueue(ctx context.Context, op *models.OfflineOperation) error {
	if err := o.store.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("failed to queue update: %w", err)
	}
	o.metrics.IncQueued()
	if n, err := o.store.QueueLength(ctx); err == nil {
		o.metrics.SetQueueDepth(n)
	}
	o.logger.Info("Update queued", "group_id", op.GroupID, "bytes", len(op.UpdateData))
	return nil
}

func recordFromOperation(op *models.OfflineOperation) *models.UpdateRecord {
	return &models.UpdateRecord{
		GroupID:    op.GroupID,
		Timestamp:  op.Timestamp,
		ActorID:    op.ActorID,
		UpdateData: op.UpdateData,
		Version:    op.Version,
	}
}

// replayQueue pushes queued operations oldest first and stops at the
// first failure so order is kept.
func (o *Orchestrator) replayQueue(ctx context.Context) error {
	ops, err := o.store.ListQueued(ctx)
	if err != nil {
		return err
	}
	for i, op := range ops {
		if _, err := o.transport.Push(ctx, recordFromOperation(op)); err != nil {
			o.metrics.IncPushed("error")
			return fmt.Errorf("failed to replay queued update %d (%d left): %w", op.Seq, len(ops)-i, err)
		}
		o.metrics.IncPushed("ok")
		if err := o.store.RemoveQueued(ctx, op.Seq); err != nil {
			return err
		}
	}
	o.metrics.SetQueueDepth(0)
	if len(ops) > 0 {
		o.logger.Info("Offline queue replayed", "count", len(ops))
	}
	return nil
}

func (o *Orchestrator) subscribe(ctx context.Context, groupID, actorID string) error {
	o.closeSubscription(groupID)

	subCtx, cancel := context.WithCancel(context.Background())
	onCreate := func(rec *models.UpdateRecord) {
		if rec.ActorID == actorID {
			return
		}
		o.inbox.push(subCtx, rec)
	}

	sub, err := o.transport.Subscribe(ctx, groupID, onCreate)
	if err != nil {
		cancel()
		o.recordError("subscribe", err)
		return fmt.Errorf("failed to subscribe to %s: %w", groupID, err)
	}
	o.state.live[groupID] = &liveSubscription{sub: sub, cancel: cancel}
	o.logger.Info("Subscribed to group", "group_id", groupID, "actor_id", actorID)
	return nil
}

func (o *Orchestrator) closeSubscription(groupID string) {
	live, ok := o.state.live[groupID]
	if !ok {
		return
	}
	// cancel first so deliveries still in the inbox are dropped
	live.cancel()
	live.sub.Close()
	delete(o.state.live, groupID)
}

func (o *Orchestrator) closeLive() {
	for g := range o.state.live {
		o.closeSubscription(g)
	}
}

func (o *Orchestrator) setOnline(ctx context.Context, online bool) {
	if online == o.state.Online {
		return
	}
	o.state.Online = online

	if !online {
		o.closeLive()
		o.state.State = StateOffline
		o.logger.Info("Went offline", "subscribed_groups", len(o.state.subscribed))
		return
	}

	o.state.State = StateIdle
	o.logger.Info("Back online", "subscribed_groups", len(o.state.subscribed))
	if err := o.replayQueue(ctx); err != nil {
		o.recordError("replay", err)
	}
	// catch up before live-tailing so no live record overtakes the backlog
	for _, g := range o.state.subscribedGroups() {
		actorID := o.state.subscribed[g]
		o.incrementalSync(ctx, g, actorID)
		if err := o.subscribe(ctx, g, actorID); err != nil {
			o.logger.Warn("Resubscribe failed", "group_id", g, "error", err)
		}
	}
}

// healthCheck re-syncs every subscribed group and reopens feeds that
// failed to open earlier.
func (o *Orchestrator) healthCheck(ctx context.Context) {
	o.logger.Debug("Health check", "groups", len(o.state.subscribed))
	for _, g := range o.state.subscribedGroups() {
		actorID := o.state.subscribed[g]
		o.incrementalSync(ctx, g, actorID)
		if _, ok := o.state.live[g]; !ok {
			if err := o.subscribe(ctx, g, actorID); err != nil {
				o.logger.Warn("Resubscribe failed", "group_id", g, "error", err)
			}
		}
	}
}
