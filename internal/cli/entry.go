package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/mmynk/ledgersync/internal/calculator"
	"github.com/mmynk/ledgersync/internal/models"
)

// ExpenseOptions holds flags for entry add.
type ExpenseOptions struct {
	Description string
	Amount      string
	Currency    string
	Category    string
	PaidBy      string
	Split       []string
	Date        string
}

// NewEntryCommand creates the entry command tree.
func NewEntryCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entry",
		Short: "Record and inspect expenses and transfers",
	}
	cmd.AddCommand(newEntryAddCommand(opts))
	cmd.AddCommand(newEntryTransferCommand(opts))
	cmd.AddCommand(newEntryListCommand(opts))
	cmd.AddCommand(newEntryHistoryCommand(opts))

	var reason string
	del := &cobra.Command{
		Use:   "delete <group-id> <entry-id>",
		Short: "Delete an entry, keeping its history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withSession(ctx, opts, func(s *session) error {
				if _, err := s.group(ctx, args[0]); err != nil {
					return err
				}
				id, err := s.replica.DeleteEntry(ctx, args[0], args[1], reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted as %s\n", id)
				return nil
			})
		},
	}
	del.Flags().StringVar(&reason, "reason", "", "why the entry was deleted")
	cmd.AddCommand(del)

	cmd.AddCommand(&cobra.Command{
		Use:   "restore <group-id> <entry-id>",
		Short: "Undo the deletion of an entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withSession(ctx, opts, func(s *session) error {
				if _, err := s.group(ctx, args[0]); err != nil {
					return err
				}
				id, err := s.replica.UndeleteEntry(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored as %s\n", id)
				return nil
			})
		},
	})

	return cmd
}

func newEntryAddCommand(opts *RootOptions) *cobra.Command {
	eo := &ExpenseOptions{}

	cmd := &cobra.Command{
		Use:   "add <group-id>",
		Short: "Record an expense split equally",
		Long: `Record an expense split equally between members.

Without --split the expense is shared by every active member.

Example:
  ledgerctl entry add trip-2026 --description dinner --amount 84.50 --split alice,bob`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			groupID := args[0]
			amount, err := decimal.NewFromString(eo.Amount)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", eo.Amount, err)
			}
			date, err := parseDate(eo.Date)
			if err != nil {
				return err
			}

			return withSession(ctx, opts, func(s *session) error {
				g, err := s.group(ctx, groupID)
				if err != nil {
					return err
				}
				payer := eo.PaidBy
				if payer == "" {
					payer = s.replica.ActorID()
				}
				split := eo.Split
				if len(split) == 0 {
					for _, m := range g.Members.GetActiveMembers() {
						split = append(split, m.ID)
					}
				}
				if len(split) == 0 {
					return fmt.Errorf("group %s has no active members to split with", groupID)
				}

				entry := &models.Entry{
					Type: models.EntryTypeExpense,
					Expense: &models.ExpensePayload{
						Description: eo.Description,
						Category:    eo.Category,
						Amount:      amount,
						Currency:    strings.ToUpper(eo.Currency),
						Date:        date,
						Payers:      []models.Payer{{MemberID: payer, Amount: amount}},
					},
				}
				for _, id := range split {
					entry.Expense.Beneficiaries = append(entry.Expense.Beneficiaries, models.Beneficiary{
						MemberID:  g.Members.ResolveCanonicalID(id),
						SplitType: models.SplitTypeEqual,
					})
				}
				if err := calculator.ValidateExpense(entry.Expense); err != nil {
					return err
				}
				if err := s.replica.CreateEntry(ctx, groupID, entry); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recorded %s\n", entry.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&eo.Description, "description", "", "what the money was spent on")
	cmd.Flags().StringVar(&eo.Amount, "amount", "", "total amount")
	cmd.Flags().StringVar(&eo.Currency, "currency", "USD", "ISO currency code")
	cmd.Flags().StringVar(&eo.Category, "category", "", "optional category")
	cmd.Flags().StringVar(&eo.PaidBy, "paid-by", "", "member who paid (default: this device's actor)")
	cmd.Flags().StringSliceVar(&eo.Split, "split", nil, "members sharing the expense")
	cmd.Flags().StringVar(&eo.Date, "date", "", "date as YYYY-MM-DD (default: today)")
	_ = cmd.MarkFlagRequired("description")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func newEntryTransferCommand(opts *RootOptions) *cobra.Command {
	var from, to, amountStr, currency, notes string

	cmd := &cobra.Command{
		Use:   "transfer <group-id>",
		Short: "Record money moving between two members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			groupID := args[0]
			amount, err := decimal.NewFromString(amountStr)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", amountStr, err)
			}
			return withSession(ctx, opts, func(s *session) error {
				g, err := s.group(ctx, groupID)
				if err != nil {
					return err
				}
				entry := &models.Entry{
					Type: models.EntryTypeTransfer,
					Transfer: &models.TransferPayload{
						From:     g.Members.ResolveCanonicalID(from),
						To:       g.Members.ResolveCanonicalID(to),
						Amount:   amount,
						Currency: strings.ToUpper(currency),
						Date:     time.Now().UTC(),
						Notes:    notes,
					},
				}
				if err := s.replica.CreateEntry(ctx, groupID, entry); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recorded %s\n", entry.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "paying member")
	cmd.Flags().StringVar(&to, "to", "", "receiving member")
	cmd.Flags().StringVar(&amountStr, "amount", "", "amount transferred")
	cmd.Flags().StringVar(&currency, "currency", "USD", "ISO currency code")
	cmd.Flags().StringVar(&notes, "notes", "", "optional notes")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func newEntryListCommand(opts *RootOptions) *cobra.Command {
	var splits bool

	cmd := &cobra.Command{
		Use:   "list <group-id>",
		Short: "List active entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withSession(ctx, opts, func(s *session) error {
				if _, err := s.group(ctx, args[0]); err != nil {
					return err
				}
				list, err := s.replica.ActiveEntries(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), list, func(w io.Writer) {
					writeEntries(w, list, splits)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&splits, "splits", false, "show what each member owes")
	return cmd
}

func newEntryHistoryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <group-id> <entry-id>",
		Short: "Show every version of an entry, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withSession(ctx, opts, func(s *session) error {
				if _, err := s.group(ctx, args[0]); err != nil {
					return err
				}
				history, err := s.replica.EntryHistory(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return opts.emit(cmd.OutOrStdout(), history, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "VERSION\tID\tSTATUS\tKEY\tBY\tAT")
					for _, e := range history {
						by, at := e.CreatedBy, e.CreatedAt
						switch {
						case e.DeletedAt != nil:
							by, at = e.DeletedBy, *e.DeletedAt
						case e.ModifiedAt != nil:
							by, at = e.ModifiedBy, *e.ModifiedAt
						}
						fmt.Fprintf(tw, "%d\t%s\t%s\tv%d\t%s\t%s\n", e.Version, e.ID, e.Status, e.KeyVersion, by, at.Format(time.RFC3339))
					}
					tw.Flush()
				})
			})
		},
	}
}

func writeEntries(w io.Writer, list []*models.Entry, splits bool) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tDESCRIPTION\tAMOUNT\tBY")
	for _, e := range list {
		switch {
		case e.Expense != nil:
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\t%s\n", e.ID, e.Type, e.Expense.Description, e.Expense.Amount.StringFixed(2), e.Expense.Currency, e.CreatedBy)
			if !splits {
				continue
			}
			shares, err := calculator.ResolveSplits(e.Expense.Amount, e.Expense.Beneficiaries)
			if err != nil {
				fmt.Fprintf(tw, "\t\t  invalid split: %v\t\t\n", err)
				continue
			}
			for _, b := range e.Expense.Beneficiaries {
				fmt.Fprintf(tw, "\t\t  %s\t%s\t\n", b.MemberID, shares[b.MemberID].StringFixed(2))
			}
		case e.Transfer != nil:
			desc := fmt.Sprintf("%s -> %s", e.Transfer.From, e.Transfer.To)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\t%s\n", e.ID, e.Type, desc, e.Transfer.Amount.StringFixed(2), e.Transfer.Currency, e.CreatedBy)
		}
	}
	tw.Flush()
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return d, nil
}
