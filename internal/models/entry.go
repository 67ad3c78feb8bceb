package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryType distinguishes expenses from transfers. It never changes across
// an entry's versions.
type EntryType string

const (
	EntryTypeExpense  EntryType = "expense"
	EntryTypeTransfer EntryType = "transfer"
)

// EntryStatus marks whether an entry version is live or a deletion marker.
type EntryStatus string

const (
	EntryStatusActive  EntryStatus = "active"
	EntryStatusDeleted EntryStatus = "deleted"
)

// SplitType says how a beneficiary's share of an expense is computed.
type SplitType string

const (
	SplitTypeEqual      SplitType = "equal"
	SplitTypeShares     SplitType = "shares"
	SplitTypeExact      SplitType = "exact"
	SplitTypePercentage SplitType = "percentage"
)

// Entry is one version of an expense or transfer.
type Entry struct {
	// ID is the unique identifier of this version (UUID format).
	ID string `json:"id"`

	// GroupID is the group whose ledger holds the entry.
	GroupID string `json:"groupId"`

	// Type is expense or transfer.
	Type EntryType `json:"type"`

	// Version starts at 1 and increases by one with every successor.
	Version int `json:"version"`

	// PreviousVersionID links to the version this one supersedes.
	// Empty for the first version.
	PreviousVersionID string `json:"previousVersionId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy"`

	ModifiedAt *time.Time `json:"modifiedAt,omitempty"`
	ModifiedBy string     `json:"modifiedBy,omitempty"`

	DeletedAt     *time.Time `json:"deletedAt,omitempty"`
	DeletedBy     string     `json:"deletedBy,omitempty"`
	DeletedReason string     `json:"deletedReason,omitempty"`

	Status EntryStatus `json:"status"`

	// KeyVersion identifies the group key version the payload was sealed with.
	KeyVersion int `json:"keyVersion"`

	// Exactly one of Expense or Transfer is set, matching Type.
	Expense  *ExpensePayload  `json:"expense,omitempty"`
	Transfer *TransferPayload `json:"transfer,omitempty"`
}

// IsActive reports whether the entry is a live (not deleted) version.
func (e *Entry) IsActive() bool {
	return e.Status == EntryStatusActive
}

// Payer is a member who paid part of an expense.
type Payer struct {
	MemberID string          `json:"memberId"`
	Amount   decimal.Decimal `json:"amount"`
}

// Beneficiary is a member who owes part of an expense.
// Which of Shares, Amount or Percentage applies depends on SplitType.
type Beneficiary struct {
	MemberID   string          `json:"memberId"`
	SplitType  SplitType       `json:"splitType"`
	Shares     int             `json:"shares,omitempty"`
	Amount     decimal.Decimal `json:"amount,omitempty"`
	Percentage decimal.Decimal `json:"percentage,omitempty"`
}

// ExpensePayload is the encrypted part of an expense.
type ExpensePayload struct {
	Description string          `json:"description"`
	Category    string          `json:"category,omitempty"`
	Location    string          `json:"location,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Date        time.Time       `json:"date"`

	// DefaultCurrencyAmount and ExchangeRate are set when Currency differs
	// from the group's default currency.
	DefaultCurrencyAmount *decimal.Decimal `json:"defaultCurrencyAmount,omitempty"`
	ExchangeRate          *decimal.Decimal `json:"exchangeRate,omitempty"`

	Payers        []Payer       `json:"payers"`
	Beneficiaries []Beneficiary `json:"beneficiaries"`
}

// TransferPayload is the encrypted part of a transfer between two members.
type TransferPayload struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Date     time.Time       `json:"date"`
	Notes    string          `json:"notes,omitempty"`

	DefaultCurrencyAmount *decimal.Decimal `json:"defaultCurrencyAmount,omitempty"`
	ExchangeRate          *decimal.Decimal `json:"exchangeRate,omitempty"`
}
