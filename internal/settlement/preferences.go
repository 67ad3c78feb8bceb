// Package settlement stores each member's preferred settlement recipients
// in the shared document.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mmynk/ledgersync/internal/document"
	"github.com/mmynk/ledgersync/internal/models"
)

// Preferences is the settlementPreferences container of one document.
type Preferences struct {
	doc    *document.Document
	logger *slog.Logger
	now    func() time.Time
}

func NewPreferences(doc *document.Document, logger *slog.Logger) *Preferences {
	if logger == nil {
		logger = slog.Default()
	}
	return &Preferences{doc: doc, logger: logger, now: time.Now}
}

// Set overwrites userID's preference. An empty recipient list deletes it.
func (p *Preferences) Set(ctx context.Context, userID string, recipients []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if userID == "" {
		return fmt.Errorf("settlement preference without user id")
	}

	if len(recipients) == 0 {
		err := p.doc.Transact(func(tx *document.Txn) error {
			return tx.Delete(document.SettlementPreferences, userID)
		})
		if err != nil {
			return fmt.Errorf("failed to clear settlement preference: %w", err)
		}
		p.logger.Debug("Settlement preference cleared", "user_id", userID)
		return nil
	}

	pref := models.SettlementPreference{
		UserID:              userID,
		PreferredRecipients: append([]string(nil), recipients...),
		UpdatedAt:           p.now().UTC(),
	}
	data, err := json.Marshal(pref)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement preference: %w", err)
	}
	if err := p.doc.Transact(func(tx *document.Txn) error {
		return tx.Set(document.SettlementPreferences, userID, data)
	}); err != nil {
		return fmt.Errorf("failed to save settlement preference: %w", err)
	}
	p.logger.Debug("Settlement preference saved", "user_id", userID, "recipients", len(recipients))
	return nil
}

// Get returns userID's preference, or nil if none is set.
func (p *Preferences) Get(userID string) (*models.SettlementPreference, error) {
	data, ok := p.doc.MustMap(document.SettlementPreferences).Get(userID)
	if !ok {
		return nil, nil
	}
	var pref models.SettlementPreference
	if err := json.Unmarshal(data, &pref); err != nil {
		return nil, fmt.Errorf("failed to decode settlement preference %s: %w", userID, err)
	}
	return &pref, nil
}

// List returns every stored preference ordered by user ID. Malformed rows
// are skipped.
func (p *Preferences) List() []*models.SettlementPreference {
	var prefs []*models.SettlementPreference
	p.doc.MustMap(document.SettlementPreferences).Range(func(key string, value []byte) bool {
		var pref models.SettlementPreference
		if err := json.Unmarshal(value, &pref); err != nil {
			p.logger.Warn("Skipping malformed settlement preference", "user_id", key, "error", err)
			return true
		}
		prefs = append(prefs, &pref)
		return true
	})
	sort.Slice(prefs, func(i, j int) bool { return prefs[i].UserID < prefs[j].UserID })
	return prefs
}
