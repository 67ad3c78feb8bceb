package calculator

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmynk/ledgersync/internal/models"
)

// centPlaces is the precision split amounts are rounded to.
const centPlaces = 2

var (
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrMissingCurrency    = errors.New("currency is required")
	ErrNoPayers           = errors.New("expense must have at least one payer")
	ErrNoBeneficiaries    = errors.New("expense must have at least one beneficiary")
	ErrPayersMismatch     = errors.New("payer amounts must add up to the expense amount")
	ErrSplitExceedsAmount = errors.New("fixed splits exceed the expense amount")
	ErrSplitIncomplete    = errors.New("splits do not cover the expense amount")
	ErrInvalidSplit       = errors.New("invalid beneficiary split")
)

var hundred = decimal.NewFromInt(100)

// ResolveSplits computes how much each beneficiary owes for an expense.
//
// Exact amounts are taken as-is, percentages are applied to the total, and
// whatever remains is divided among equal and shares beneficiaries by
// weight (equal counts as one share). Amounts are rounded down to cents and
// leftover cents go one at a time to weighted beneficiaries in order, so the
// result always sums to the expense amount.
func ResolveSplits(amount decimal.Decimal, beneficiaries []models.Beneficiary) (map[string]decimal.Decimal, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if len(beneficiaries) == 0 {
		return nil, ErrNoBeneficiaries
	}

	splits := make(map[string]decimal.Decimal, len(beneficiaries))
	fixed := decimal.Zero
	totalWeight := int64(0)

	// First pass: fixed portions and weights
	for _, b := range beneficiaries {
		if b.MemberID == "" {
			return nil, fmt.Errorf("%w: missing member", ErrInvalidSplit)
		}
		switch b.SplitType {
		case models.SplitTypeExact:
			if b.Amount.IsNegative() {
				return nil, fmt.Errorf("%w: negative amount for %s", ErrInvalidSplit, b.MemberID)
			}
			splits[b.MemberID] = splits[b.MemberID].Add(b.Amount)
			fixed = fixed.Add(b.Amount)
		case models.SplitTypePercentage:
			if b.Percentage.IsNegative() || b.Percentage.GreaterThan(hundred) {
				return nil, fmt.Errorf("%w: percentage for %s", ErrInvalidSplit, b.MemberID)
			}
			share := amount.Mul(b.Percentage).Div(hundred).RoundDown(centPlaces)
			splits[b.MemberID] = splits[b.MemberID].Add(share)
			fixed = fixed.Add(share)
		case models.SplitTypeShares:
			if b.Shares <= 0 {
				return nil, fmt.Errorf("%w: shares for %s must be positive", ErrInvalidSplit, b.MemberID)
			}
			totalWeight += int64(b.Shares)
		case models.SplitTypeEqual, "":
			totalWeight++
		default:
			return nil, fmt.Errorf("%w: unknown split type %q", ErrInvalidSplit, b.SplitType)
		}
	}

	if fixed.GreaterThan(amount) {
		return nil, ErrSplitExceedsAmount
	}
	remaining := amount.Sub(fixed)

	if totalWeight == 0 {
		if !remaining.IsZero() {
			return nil, ErrSplitIncomplete
		}
		return splits, nil
	}

	// Second pass: divide the remainder by weight
	weighted := make([]string, 0, len(beneficiaries))
	distributed := decimal.Zero
	for _, b := range beneficiaries {
		weight := weightOf(b)
		if weight == 0 {
			continue
		}
		share := remaining.Mul(decimal.NewFromInt(weight)).
			Div(decimal.NewFromInt(totalWeight)).
			RoundDown(centPlaces)
		splits[b.MemberID] = splits[b.MemberID].Add(share)
		distributed = distributed.Add(share)
		weighted = append(weighted, b.MemberID)
	}

	cent := decimal.New(1, -centPlaces)
	leftover := remaining.Sub(distributed)
	for i := 0; leftover.GreaterThanOrEqual(cent); i++ {
		id := weighted[i%len(weighted)]
		splits[id] = splits[id].Add(cent)
		leftover = leftover.Sub(cent)
	}
	// sub-cent dust from amounts with more than two decimals
	if !leftover.IsZero() {
		id := weighted[len(weighted)-1]
		splits[id] = splits[id].Add(leftover)
	}

	return splits, nil
}

func weightOf(b models.Beneficiary) int64 {
	switch b.SplitType {
	case models.SplitTypeShares:
		return int64(b.Shares)
	case models.SplitTypeEqual, "":
		return 1
	default:
		return 0
	}
}

// ValidateExpense checks that an expense payload is internally consistent:
// a positive amount and a currency, payers that add up to the amount, and
// beneficiaries whose splits resolve.
func ValidateExpense(e *models.ExpensePayload) error {
	if e == nil {
		return ErrInvalidAmount
	}
	if !e.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if e.Currency == "" {
		return ErrMissingCurrency
	}
	if len(e.Payers) == 0 {
		return ErrNoPayers
	}

	paid := decimal.Zero
	for _, p := range e.Payers {
		if p.MemberID == "" || p.Amount.IsNegative() {
			return fmt.Errorf("%w: invalid payer", ErrPayersMismatch)
		}
		paid = paid.Add(p.Amount)
	}
	if !paid.Equal(e.Amount) {
		return fmt.Errorf("%w: paid %s of %s", ErrPayersMismatch, paid, e.Amount)
	}

	if _, err := ResolveSplits(e.Amount, e.Beneficiaries); err != nil {
		return err
	}
	return nil
}

// ValidateTransfer checks a transfer payload.
func ValidateTransfer(t *models.TransferPayload) error {
	if t == nil || !t.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if t.Currency == "" {
		return ErrMissingCurrency
	}
	if t.From == "" || t.To == "" || t.From == t.To {
		return fmt.Errorf("%w: transfer needs two distinct members", ErrInvalidSplit)
	}
	return nil
}
