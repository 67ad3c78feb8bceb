// Package members records member lifecycle events in the shared document
// and derives member state and canonical identities from them.
//
// Events are appended, never edited. Derived state is cached and the cache
// is keyed by container sizes and the document's operation count, so
// checking validity is a comparison rather than a content hash. Contact and
// payment metadata is sealed with the group key before it is stored.
package members

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/ledgersync/internal/cryptobox"
	"github.com/mmynk/ledgersync/internal/document"
	"github.com/mmynk/ledgersync/internal/models"
)

// legacyMember is the pre-event-log member record kept in the members container.
type legacyMember struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsVirtual bool   `json:"isVirtual,omitempty"`
	IsRetired bool   `json:"isRetired,omitempty"`
}

// storedEvent is the document form of a MemberEvent.
type storedEvent struct {
	models.MemberEvent
	SealedMetadata *cryptobox.Sealed `json:"sealedMetadata,omitempty"`
}

// KeyResolver returns the key for a group key version.
type KeyResolver interface {
	Key(ctx context.Context, groupID string, version int) (cryptobox.Key, error)
}

// stamp identifies the document contents derived caches were built from.
// ops catches overwrites of existing keys, which leave the sizes unchanged.
type stamp struct {
	events  int
	aliases int
	members int
	ops     int
}

// Log is the member event log of one document.
type Log struct {
	doc     *document.Document
	logger  *slog.Logger
	now     func() time.Time
	groupID string
	keys    KeyResolver

	mu        sync.Mutex
	built     stamp
	valid     bool
	states    map[string]*models.MemberState
	canonical map[string]string
}

// Option configures a Log.
type Option func(*Log)

// WithKeys lets the log open metadata sealed with any key version of groupID.
// Without it, metadata is never shown.
func WithKeys(groupID string, keys KeyResolver) Option {
	return func(l *Log) {
		l.groupID = groupID
		l.keys = keys
	}
}

// NewLog creates a member event log over doc.
func NewLog(doc *document.Document, logger *slog.Logger, opts ...Option) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{doc: doc, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AddEvent appends an event in its own document transaction. ID and
// Timestamp are filled in when empty. Events carrying metadata must go
// through UpdateMetadata, which seals it.
func (l *Log) AddEvent(ctx context.Context, event *models.MemberEvent) error {
	if event.Metadata != nil {
		return fmt.Errorf("member event %s carries unsealed metadata", event.Type)
	}
	return l.appendEvent(ctx, event, nil)
}

func (l *Log) appendEvent(ctx context.Context, event *models.MemberEvent, sealed *cryptobox.Sealed) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.MemberID == "" {
		return fmt.Errorf("member event without member id")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}

	data, err := json.Marshal(storedEvent{MemberEvent: *event, SealedMetadata: sealed})
	if err != nil {
		return fmt.Errorf("failed to marshal member event: %w", err)
	}
	if err := l.doc.Transact(func(tx *document.Txn) error {
		return tx.Set(document.MemberEvents, event.ID, data)
	}); err != nil {
		return err
	}

	l.invalidate()
	l.logger.Debug("Member event appended",
		"event_id", event.ID,
		"member_id", event.MemberID,
		"type", event.Type,
	)
	return nil
}

func (l *Log) invalidate() {
	l.mu.Lock()
	l.valid = false
	l.mu.Unlock()
}

func (l *Log) currentStamp() stamp {
	return stamp{
		events:  l.doc.MustMap(document.MemberEvents).Len(),
		aliases: l.doc.MustMap(document.MemberAliases).Len(),
		members: l.doc.MustMap(document.Members).Len(),
		ops:     l.doc.OpCount(),
	}
}

// Events returns every event in timestamp order.
func (l *Log) Events() []*models.MemberEvent {
	var events []*models.MemberEvent
	l.doc.MustMap(document.MemberEvents).Range(func(key string, value []byte) bool {
		var se storedEvent
		if err := json.Unmarshal(value, &se); err != nil {
			l.logger.Warn("Skipping malformed member event", "event_id", key, "error", err)
			return true
		}
		e := se.MemberEvent
		if se.SealedMetadata != nil {
			e.Metadata = l.openMetadata(&se)
		}
		events = append(events, &e)
		return true
	})
	sortEvents(events)
	return events
}

// openMetadata decrypts an event's metadata, or returns nil when its key
// version is not available on this device.
func (l *Log) openMetadata(se *storedEvent) *models.MemberMetadata {
	if l.keys == nil {
		return nil
	}
	key, err := l.keys.Key(context.Background(), l.groupID, se.KeyVersion)
	if err != nil {
		l.logger.Debug("Key version unavailable for member metadata",
			"event_id", se.ID, "key_version", se.KeyVersion, "error", err)
		return nil
	}
	var m models.MemberMetadata
	if err := cryptobox.DecryptJSON(*se.SealedMetadata, key, &m); err != nil {
		l.logger.Warn("Failed to decrypt member metadata", "event_id", se.ID, "key_version", se.KeyVersion)
		return nil
	}
	return &m
}

// EventsFor returns one member's events in timestamp order.
func (l *Log) EventsFor(memberID string) []*models.MemberEvent {
	var out []*models.MemberEvent
	for _, e := range l.Events() {
		if e.MemberID == memberID {
			out = append(out, e)
		}
	}
	return out
}

func sortEvents(events []*models.MemberEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
}

// rebuildLocked refreshes the caches if the document changed since they were built.
// Callers hold l.mu.
func (l *Log) rebuildLocked() {
	st := l.currentStamp()
	if l.valid && st == l.built {
		return
	}

	events := l.Events()
	l.states = foldStates(l.legacyMembers(), events)
	l.canonical = resolveAll(l.aliasEdges(events))
	l.built = st
	l.valid = true
}

func (l *Log) legacyMembers() map[string]legacyMember {
	out := make(map[string]legacyMember)
	l.doc.MustMap(document.Members).Range(func(key string, value []byte) bool {
		var m legacyMember
		if err := json.Unmarshal(value, &m); err != nil {
			l.logger.Warn("Skipping malformed legacy member", "member_id", key, "error", err)
			return true
		}
		if m.ID == "" {
			m.ID = key
		}
		out[m.ID] = m
		return true
	})
	return out
}

// aliasEdges merges replace events with the legacy alias table. Event edges
// win; the legacy table only fills in members without a replace event.
func (l *Log) aliasEdges(events []*models.MemberEvent) map[string]string {
	edges := make(map[string]string)
	l.doc.MustMap(document.MemberAliases).Range(func(alias string, value []byte) bool {
		var canonical string
		if err := json.Unmarshal(value, &canonical); err != nil {
			canonical = string(value)
		}
		if canonical != "" {
			edges[alias] = canonical
		}
		return true
	})
	for _, e := range events {
		if e.Type == models.MemberReplaced && e.ReplacedByID != "" {
			edges[e.MemberID] = e.ReplacedByID
		}
	}
	return edges
}

func foldStates(legacy map[string]legacyMember, events []*models.MemberEvent) map[string]*models.MemberState {
	states := make(map[string]*models.MemberState)
	for id, m := range legacy {
		states[id] = &models.MemberState{
			ID:        id,
			Name:      m.Name,
			IsVirtual: m.IsVirtual,
			IsRetired: m.IsRetired,
		}
	}

	for _, e := range events {
		s, ok := states[e.MemberID]
		if !ok {
			if e.Type != models.MemberCreated {
				// events for a member we never saw created are ignored
				// until the creation arrives
				continue
			}
			s = &models.MemberState{ID: e.MemberID}
			states[e.MemberID] = s
		}
		apply(s, e)
	}
	return states
}

func apply(s *models.MemberState, e *models.MemberEvent) {
	switch e.Type {
	case models.MemberCreated:
		s.Name = e.Name
		s.IsVirtual = e.IsVirtual
		s.PublicKey = e.PublicKey
		s.CreatedAt = e.Timestamp
		s.CreatedBy = e.ActorID
	case models.MemberRenamed:
		s.Name = e.NewName
	case models.MemberRetired:
		s.IsRetired = true
		ts := e.Timestamp
		s.RetiredAt = &ts
	case models.MemberUnretired:
		s.IsRetired = false
		s.RetiredAt = nil
	case models.MemberReplaced:
		s.ReplacedByID = e.ReplacedByID
	case models.MemberMetadataUpdated:
		s.Metadata = e.Metadata
	}
}

// resolveAll computes the canonical ID of every member with an alias edge.
// Each walk is bounded by the number of edges; a walk that revisits a
// member is a cycle and resolves to the member itself.
func resolveAll(edges map[string]string) map[string]string {
	out := make(map[string]string, len(edges))
	for start := range edges {
		out[start] = walk(edges, start)
	}
	return out
}

func walk(edges map[string]string, start string) string {
	visited := map[string]bool{start: true}
	cur := start
	for hops := 0; hops <= len(edges); hops++ {
		next, ok := edges[cur]
		if !ok {
			return cur
		}
		if visited[next] {
			return start
		}
		visited[next] = true
		cur = next
	}
	return start
}

// ComputeState returns a member's current state, or nil if the member is unknown.
func (l *Log) ComputeState(memberID string) *models.MemberState {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rebuildLocked()

	s, ok := l.states[memberID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// ComputeAllStates returns the state of every known member.
func (l *Log) ComputeAllStates() map[string]*models.MemberState {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rebuildLocked()

	out := make(map[string]*models.MemberState, len(l.states))
	for id, s := range l.states {
		cp := *s
		out[id] = &cp
	}
	return out
}

// GetActiveMembers returns members that are neither retired nor replaced,
// sorted by name.
func (l *Log) GetActiveMembers() []*models.MemberState {
	var active []*models.MemberState
	for _, s := range l.ComputeAllStates() {
		if !s.IsRetired && !s.IsReplaced() {
			active = append(active, s)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Name != active[j].Name {
			return active[i].Name < active[j].Name
		}
		return active[i].ID < active[j].ID
	})
	return active
}

// ResolveCanonicalID follows replace edges from memberID to the terminal
// identity. Members without edges, and members on a cycle, resolve to
// themselves.
func (l *Log) ResolveCanonicalID(memberID string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rebuildLocked()

	if c, ok := l.canonical[memberID]; ok {
		return c
	}
	return memberID
}

// CanonicalIDMap returns a copy of alias → canonical for every aliased member.
func (l *Log) CanonicalIDMap() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rebuildLocked()

	out := make(map[string]string, len(l.canonical))
	for k, v := range l.canonical {
		out[k] = v
	}
	return out
}

// GetAllCanonicalIDs returns the distinct canonical IDs of all known
// members, sorted.
func (l *Log) GetAllCanonicalIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rebuildLocked()

	seen := make(map[string]bool, len(l.states))
	ids := make([]string, 0, len(l.states))
	for id := range l.states {
		c := id
		if r, ok := l.canonical[id]; ok {
			c = r
		}
		if !seen[c] {
			seen[c] = true
			ids = append(ids, c)
		}
	}
	sort.Strings(ids)
	return ids
}

// IsMemberKnown reports whether any event or legacy record names memberID.
// It stops at the first match and never folds state.
func (l *Log) IsMemberKnown(memberID string) bool {
	if l.doc.MustMap(document.Members).Has(memberID) {
		return true
	}

	found := false
	l.doc.MustMap(document.MemberEvents).Range(func(_ string, value []byte) bool {
		var head struct {
			MemberID string `json:"memberId"`
		}
		if json.Unmarshal(value, &head) == nil && head.MemberID == memberID {
			found = true
			return false
		}
		return true
	})
	return found
}
