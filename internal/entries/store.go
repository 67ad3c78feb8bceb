// Package entries maps ledger entries onto the shared document.
//
// Each entry version is one key in the document's entries container. The
// stored value splits the entry into routing metadata, which is always
// legible, and a payload sealed with the group key version named in the
// metadata. Entries are never edited in place: modify, delete and undelete
// all write a new version whose PreviousVersionID points at the old one.
package entries

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mmynk/ledgersync/internal/calculator"
	"github.com/mmynk/ledgersync/internal/cryptobox"
	"github.com/mmynk/ledgersync/internal/document"
	"github.com/mmynk/ledgersync/internal/metrics"
	"github.com/mmynk/ledgersync/internal/models"
	"github.com/mmynk/ledgersync/pkg/sentinel"
)

// decryptConcurrency bounds parallel payload decryption in bulk reads.
const decryptConcurrency = 8

var (
	ErrNotFound     = sentinel.ErrNotFound
	ErrInvalidState = sentinel.ErrInvalidState
	ErrInvalidEntry = errors.New("invalid entry")
)

// KeyResolver returns the key for a group key version.
type KeyResolver interface {
	Key(ctx context.Context, groupID string, version int) (cryptobox.Key, error)
}

// record is the stored form of an entry version.
type record struct {
	ID                string             `json:"id"`
	GroupID           string             `json:"groupId"`
	Type              models.EntryType   `json:"type"`
	Version           int                `json:"version"`
	PreviousVersionID string             `json:"previousVersionId,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	CreatedBy         string             `json:"createdBy"`
	ModifiedAt        *time.Time         `json:"modifiedAt,omitempty"`
	ModifiedBy        string             `json:"modifiedBy,omitempty"`
	DeletedAt         *time.Time         `json:"deletedAt,omitempty"`
	DeletedBy         string             `json:"deletedBy,omitempty"`
	Status            models.EntryStatus `json:"status"`
	KeyVersion        int                `json:"keyVersion"`
	Payload           cryptobox.Sealed   `json:"payload"`
}

// payload is the plaintext sealed into record.Payload.
type payload struct {
	Expense       *models.ExpensePayload  `json:"expense,omitempty"`
	Transfer      *models.TransferPayload `json:"transfer,omitempty"`
	DeletedReason string                  `json:"deletedReason,omitempty"`
}

// Store reads and writes encrypted entries in a document.
type Store struct {
	doc     *document.Document
	keys    KeyResolver
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an entry store over doc. keys may be nil, in which case
// only the key passed to each call is tried.
func NewStore(doc *document.Document, keys KeyResolver, opts ...Option) *Store {
	s := &Store{
		doc:    doc,
		keys:   keys,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateEntry seals entry's payload with key and writes the new version in
// one document transaction. Missing ID, version, creation stamps and status
// are filled in on entry.
func (s *Store) CreateEntry(ctx context.Context, entry *models.Entry, key cryptobox.Key, actorID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Version == 0 {
		entry.Version = 1
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	if entry.CreatedBy == "" {
		entry.CreatedBy = actorID
	}
	if entry.Status == "" {
		entry.Status = models.EntryStatusActive
	}
	if err := validate(entry); err != nil {
		return err
	}

	sealed, err := cryptobox.EncryptJSON(payload{
		Expense:       entry.Expense,
		Transfer:      entry.Transfer,
		DeletedReason: entry.DeletedReason,
	}, key)
	if err != nil {
		return fmt.Errorf("failed to seal entry payload: %w", err)
	}

	rec := record{
		ID:                entry.ID,
		GroupID:           entry.GroupID,
		Type:              entry.Type,
		Version:           entry.Version,
		PreviousVersionID: entry.PreviousVersionID,
		CreatedAt:         entry.CreatedAt,
		CreatedBy:         entry.CreatedBy,
		ModifiedAt:        entry.ModifiedAt,
		ModifiedBy:        entry.ModifiedBy,
		DeletedAt:         entry.DeletedAt,
		DeletedBy:         entry.DeletedBy,
		Status:            entry.Status,
		KeyVersion:        entry.KeyVersion,
		Payload:           sealed,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	err = s.doc.Transact(func(tx *document.Txn) error {
		if _, exists := tx.Get(document.Entries, entry.ID); exists {
			return fmt.Errorf("%w: entry %s already exists", ErrInvalidState, entry.ID)
		}
		return tx.Set(document.Entries, entry.ID, data)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Entry written",
		"entry_id", entry.ID,
		"group_id", entry.GroupID,
		"type", entry.Type,
		"version", entry.Version,
		"key_version", entry.KeyVersion,
	)
	return nil
}

func validate(e *models.Entry) error {
	if e.GroupID == "" {
		return fmt.Errorf("%w: group id required", ErrInvalidEntry)
	}
	if e.KeyVersion <= 0 {
		return fmt.Errorf("%w: key version required", ErrInvalidEntry)
	}
	switch e.Type {
	case models.EntryTypeExpense:
		if e.Expense == nil || e.Transfer != nil {
			return fmt.Errorf("%w: expense entry needs an expense payload", ErrInvalidEntry)
		}
		if err := calculator.ValidateExpense(e.Expense); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEntry, err)
		}
	case models.EntryTypeTransfer:
		if e.Transfer == nil || e.Expense != nil {
			return fmt.Errorf("%w: transfer entry needs a transfer payload", ErrInvalidEntry)
		}
		if err := calculator.ValidateTransfer(e.Transfer); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEntry, err)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, e.Type)
	}
	return nil
}

// ModifyEntry writes updated as the successor of originalID. The original
// stays in the document; it just stops being current.
func (s *Store) ModifyEntry(ctx context.Context, originalID string, updated *models.Entry, key cryptobox.Key, actorID string) error {
	orig, err := s.metadata(originalID)
	if err != nil {
		return err
	}
	if updated.Type != "" && updated.Type != orig.Type {
		return fmt.Errorf("%w: entry type cannot change from %s to %s", ErrInvalidState, orig.Type, updated.Type)
	}

	now := s.now().UTC()
	if updated.ID == "" || updated.ID == originalID {
		updated.ID = uuid.New().String()
	}
	updated.Type = orig.Type
	updated.GroupID = orig.GroupID
	updated.Version = orig.Version + 1
	updated.PreviousVersionID = originalID
	updated.CreatedAt = orig.CreatedAt
	updated.CreatedBy = orig.CreatedBy
	updated.ModifiedAt = &now
	updated.ModifiedBy = actorID

	return s.CreateEntry(ctx, updated, key, actorID)
}

// DeleteEntry writes a deleted successor of entryID sealed under the
// current key version and returns its ID.
func (s *Store) DeleteEntry(ctx context.Context, entryID, actorID string, key cryptobox.Key, currentKeyVersion int, reason string) (string, error) {
	current, err := s.mustGetEntry(ctx, entryID, key)
	if err != nil {
		return "", err
	}
	if current.Status == models.EntryStatusDeleted {
		return "", fmt.Errorf("%w: entry %s is already deleted", ErrInvalidState, entryID)
	}

	now := s.now().UTC()
	next := successor(current, entryID, currentKeyVersion)
	next.Status = models.EntryStatusDeleted
	next.DeletedAt = &now
	next.DeletedBy = actorID
	next.DeletedReason = reason

	if err := s.CreateEntry(ctx, next, key, actorID); err != nil {
		return "", err
	}
	s.logger.Info("Entry deleted", "entry_id", entryID, "new_id", next.ID, "actor_id", actorID)
	return next.ID, nil
}

// UndeleteEntry writes an active successor of a deleted entry and returns
// its ID.
func (s *Store) UndeleteEntry(ctx context.Context, entryID, actorID string, key cryptobox.Key, currentKeyVersion int) (string, error) {
	current, err := s.mustGetEntry(ctx, entryID, key)
	if err != nil {
		return "", err
	}
	if current.Status != models.EntryStatusDeleted {
		return "", fmt.Errorf("%w: entry %s is not deleted", ErrInvalidState, entryID)
	}

	now := s.now().UTC()
	next := successor(current, entryID, currentKeyVersion)
	next.Status = models.EntryStatusActive
	next.ModifiedAt = &now
	next.ModifiedBy = actorID

	if err := s.CreateEntry(ctx, next, key, actorID); err != nil {
		return "", err
	}
	s.logger.Info("Entry restored", "entry_id", entryID, "new_id", next.ID, "actor_id", actorID)
	return next.ID, nil
}

// successor copies cur into a fresh version linked to prevID.
func successor(cur *models.Entry, prevID string, keyVersion int) *models.Entry {
	next := *cur
	next.ID = uuid.New().String()
	next.Version = cur.Version + 1
	next.PreviousVersionID = prevID
	next.KeyVersion = keyVersion
	next.DeletedAt = nil
	next.DeletedBy = ""
	next.DeletedReason = ""
	return &next
}

// mustGetEntry distinguishes a missing entry from one we cannot open.
func (s *Store) mustGetEntry(ctx context.Context, entryID string, key cryptobox.Key) (*models.Entry, error) {
	rec, err := s.metadata(entryID)
	if err != nil {
		return nil, err
	}
	entry, ok := s.open(ctx, rec, key)
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", entryID, sentinel.ErrDecryption)
	}
	return entry, nil
}

// metadata reads the stored record without decrypting it.
func (s *Store) metadata(entryID string) (*record, error) {
	data, ok := s.doc.MustMap(document.Entries).Get(entryID)
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", entryID, ErrNotFound)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode entry %s: %w", entryID, err)
	}
	return &rec, nil
}

// GetEntry returns the entry, or nil if it does not exist or no held key
// opens it. Undecryptable entries are logged, never returned as errors.
func (s *Store) GetEntry(ctx context.Context, entryID string, key cryptobox.Key) (*models.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.metadata(entryID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("Skipping unreadable entry", "entry_id", entryID, "error", err)
		}
		return nil, nil
	}
	entry, _ := s.open(ctx, rec, key)
	return entry, nil
}

// open decrypts rec, trying the supplied key first and then the key for
// the record's own key version.
func (s *Store) open(ctx context.Context, rec *record, key cryptobox.Key) (*models.Entry, bool) {
	var p payload
	if !key.IsZero() && cryptobox.DecryptJSON(rec.Payload, key, &p) == nil {
		return rec.toEntry(p), true
	}

	if s.keys != nil {
		versioned, err := s.keys.Key(ctx, rec.GroupID, rec.KeyVersion)
		if err == nil && !versioned.Equal(key) {
			if cryptobox.DecryptJSON(rec.Payload, versioned, &p) == nil {
				return rec.toEntry(p), true
			}
		}
		if err != nil {
			s.logger.Debug("Key version unavailable",
				"entry_id", rec.ID, "group_id", rec.GroupID, "key_version", rec.KeyVersion, "error", err)
		}
	}

	s.metrics.IncDecryptFailure()
	s.logger.Warn("Failed to decrypt entry",
		"entry_id", rec.ID,
		"group_id", rec.GroupID,
		"key_version", rec.KeyVersion,
	)
	return nil, false
}

func (r *record) toEntry(p payload) *models.Entry {
	return &models.Entry{
		ID:                r.ID,
		GroupID:           r.GroupID,
		Type:              r.Type,
		Version:           r.Version,
		PreviousVersionID: r.PreviousVersionID,
		CreatedAt:         r.CreatedAt,
		CreatedBy:         r.CreatedBy,
		ModifiedAt:        r.ModifiedAt,
		ModifiedBy:        r.ModifiedBy,
		DeletedAt:         r.DeletedAt,
		DeletedBy:         r.DeletedBy,
		DeletedReason:     p.DeletedReason,
		Status:            r.Status,
		KeyVersion:        r.KeyVersion,
		Expense:           p.Expense,
		Transfer:          p.Transfer,
	}
}

// groupRecords returns the metadata of every entry version in a group.
func (s *Store) groupRecords(groupID string) []*record {
	var recs []*record
	s.doc.MustMap(document.Entries).Range(func(key string, value []byte) bool {
		var rec record
		if err := json.Unmarshal(value, &rec); err != nil {
			s.logger.Warn("Skipping malformed entry", "entry_id", key, "error", err)
			return true
		}
		if rec.GroupID == groupID {
			recs = append(recs, &rec)
		}
		return true
	})
	return recs
}

// decryptAll opens recs in parallel and drops the ones no key opens.
func (s *Store) decryptAll(ctx context.Context, recs []*record, key cryptobox.Key) ([]*models.Entry, error) {
	results := make([]*models.Entry, len(recs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(decryptConcurrency)
	for i, rec := range recs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if entry, ok := s.open(gctx, rec, key); ok {
				results[i] = entry
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make([]*models.Entry, 0, len(results))
	for _, e := range results {
		if e != nil {
			entries = append(entries, e)
		}
	}
	sortEntries(entries)
	return entries, nil
}

func sortEntries(entries []*models.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		if entries[i].Version != entries[j].Version {
			return entries[i].Version < entries[j].Version
		}
		return entries[i].ID < entries[j].ID
	})
}

// GetAllEntries returns every readable entry version of a group, superseded
// ones included.
func (s *Store) GetAllEntries(ctx context.Context, groupID string, key cryptobox.Key) ([]*models.Entry, error) {
	return s.decryptAll(ctx, s.groupRecords(groupID), key)
}

// GetCurrentEntries returns the readable versions of a group that no other
// version supersedes.
func (s *Store) GetCurrentEntries(ctx context.Context, groupID string, key cryptobox.Key) ([]*models.Entry, error) {
	recs := s.groupRecords(groupID)

	superseded := make(map[string]bool, len(recs))
	for _, r := range recs {
		if r.PreviousVersionID != "" {
			superseded[r.PreviousVersionID] = true
		}
	}

	current := recs[:0]
	for _, r := range recs {
		if !superseded[r.ID] {
			current = append(current, r)
		}
	}
	return s.decryptAll(ctx, current, key)
}

// GetActiveEntries returns the current entries that are not deleted.
func (s *Store) GetActiveEntries(ctx context.Context, groupID string, key cryptobox.Key) ([]*models.Entry, error) {
	current, err := s.GetCurrentEntries(ctx, groupID, key)
	if err != nil {
		return nil, err
	}
	active := current[:0]
	for _, e := range current {
		if e.IsActive() {
			active = append(active, e)
		}
	}
	return active, nil
}

// GetEntryHistory returns the version chain ending at entryID, newest
// first. Versions that cannot be read end the walk.
func (s *Store) GetEntryHistory(ctx context.Context, entryID string, key cryptobox.Key) ([]*models.Entry, error) {
	var history []*models.Entry
	seen := make(map[string]bool)
	for id := entryID; id != "" && !seen[id]; {
		seen[id] = true
		entry, err := s.GetEntry(ctx, id, key)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			break
		}
		history = append(history, entry)
		id = entry.PreviousVersionID
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("entry %s: %w", entryID, ErrNotFound)
	}
	return history, nil
}
