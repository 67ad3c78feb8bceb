package calculator

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mmynk/ledgersync/internal/models"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestResolveSplits(t *testing.T) {
	tests := []struct {
		name          string
		amount        decimal.Decimal
		beneficiaries []models.Beneficiary
		wantErr       error
		want          map[string]string
	}{
		{
			name:   "two equal shares",
			amount: d("100"),
			beneficiaries: []models.Beneficiary{
				{MemberID: "m1", SplitType: models.SplitTypeShares, Shares: 1},
				{MemberID: "m2", SplitType: models.SplitTypeShares, Shares: 1},
			},
			want: map[string]string{"m1": "50", "m2": "50"},
		},
		{
			name:   "uneven shares",
			amount: d("90"),
			beneficiaries: []models.Beneficiary{
				{MemberID: "m1", SplitType: models.SplitTypeShares, Shares: 2},
				{MemberID: "m2", SplitType: models.SplitTypeShares, Shares: 1},
			},
			want: map[string]string{"m1": "60", "m2": "30"},
		},
		{
			name:   "equal split with leftover cents",
			amount: d("10"),
			beneficiaries: []models.Beneficiary{
				{MemberID: "m1", SplitType: models.SplitTypeEqual},
				{MemberID: "m2", SplitType: models.SplitTypeEqual},
				{MemberID: "m3", SplitType: models.SplitTypeEqual},
			},
			// 3.33 each, one leftover cent goes to the first
			want: map[string]string{"m1": "3.34", "m2": "3.33", "m3": "3.33"},
		},
		{
			name:   "exact plus equal remainder",
			amount: d("100"),
			beneficiaries: []models.Beneficiary{
				{MemberID: "m1", SplitType: models.SplitTypeExact, Amount: d("40")},
				{MemberID: "m2", SplitType: models.SplitTypeEqual},
				{MemberID: "m3", SplitType: models.SplitTypeEqual},
			},
			want: map[string]string{"m1": "40", "m2": "30", "m3": "30"},
		},
		{
			name:   "percentages covering the total",
			amount: d("200"),
			beneficiaries: []models.Beneficiary{
				{MemberID: "m1", SplitType: models.SplitTypePercentage, Percentage: d("25")},
				{MemberID: "m2", SplitType: models.SplitTypePercentage, Percentage: d("75")},
			},
			want: map[string]string{"m1": "50", "m2": "150"},
		},
		{
			name:   "exact amounts short of total",
			amount: d("100"),
			beneficiaries: []models.Beneficiary{
				{MemberID: "m1", SplitType: models.SplitTypeExact, Amount: d("40")},
			},
			wantErr: ErrSplitIncomplete,
		},
		{
			name:   "exact amounts over total",
			amount: d("10"),
			beneficiaries: []models.Beneficiary{
				{MemberID: "m1", SplitType: models.SplitTypeExact, Amount: d("11")},
				{MemberID: "m2", SplitType: models.SplitTypeEqual},
			},
			wantErr: ErrSplitExceedsAmount,
		},
		{
			name:          "no beneficiaries",
			amount:        d("10"),
			beneficiaries: nil,
			wantErr:       ErrNoBeneficiaries,
		},
		{
			name:   "zero amount",
			amount: decimal.Zero,
			beneficiaries: []models.Beneficiary{
				{MemberID: "m1", SplitType: models.SplitTypeEqual},
			},
			wantErr: ErrInvalidAmount,
		},
		{
			name:   "zero shares",
			amount: d("10"),
			beneficiaries: []models.Beneficiary{
				{MemberID: "m1", SplitType: models.SplitTypeShares, Shares: 0},
			},
			wantErr: ErrInvalidSplit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			splits, err := ResolveSplits(tt.amount, tt.beneficiaries)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ResolveSplits() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveSplits() unexpected error: %v", err)
			}

			sum := decimal.Zero
			for member, want := range tt.want {
				got := splits[member]
				if !got.Equal(d(want)) {
					t.Errorf("%s owes %s, want %s", member, got, want)
				}
				sum = sum.Add(got)
			}
			if !sum.Equal(tt.amount) {
				t.Errorf("splits sum to %s, want %s", sum, tt.amount)
			}
		})
	}
}

func TestValidateExpense(t *testing.T) {
	valid := func() *models.ExpensePayload {
		return &models.ExpensePayload{
			Description: "Groceries",
			Amount:      d("100"),
			Currency:    "USD",
			Payers:      []models.Payer{{MemberID: "m1", Amount: d("100")}},
			Beneficiaries: []models.Beneficiary{
				{MemberID: "m1", SplitType: models.SplitTypeShares, Shares: 1},
				{MemberID: "m2", SplitType: models.SplitTypeShares, Shares: 1},
			},
		}
	}

	if err := ValidateExpense(valid()); err != nil {
		t.Fatalf("valid expense rejected: %v", err)
	}

	e := valid()
	e.Payers[0].Amount = d("90")
	if err := ValidateExpense(e); !errors.Is(err, ErrPayersMismatch) {
		t.Errorf("payer mismatch: got %v", err)
	}

	e = valid()
	e.Currency = ""
	if err := ValidateExpense(e); !errors.Is(err, ErrMissingCurrency) {
		t.Errorf("missing currency: got %v", err)
	}

	e = valid()
	e.Payers = nil
	if err := ValidateExpense(e); !errors.Is(err, ErrNoPayers) {
		t.Errorf("no payers: got %v", err)
	}
}

func TestValidateTransfer(t *testing.T) {
	ok := &models.TransferPayload{From: "m1", To: "m2", Amount: d("5"), Currency: "EUR"}
	if err := ValidateTransfer(ok); err != nil {
		t.Fatalf("valid transfer rejected: %v", err)
	}

	self := &models.TransferPayload{From: "m1", To: "m1", Amount: d("5"), Currency: "EUR"}
	if err := ValidateTransfer(self); !errors.Is(err, ErrInvalidSplit) {
		t.Errorf("self transfer: got %v", err)
	}
}
