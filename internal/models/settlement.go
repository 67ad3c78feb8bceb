package models

import "time"

// SettlementPreference is a user's ordered list of preferred settlement
// recipients. It is overwritten wholesale on every update; writing an empty
// list removes it.
type SettlementPreference struct {
	// UserID is the member whose preference this is.
	UserID string `json:"userId"`

	// PreferredRecipients lists member IDs, most preferred first.
	PreferredRecipients []string `json:"preferredRecipients"`

	// UpdatedAt is when the preference was last written.
	UpdatedAt time.Time `json:"updatedAt"`
}
