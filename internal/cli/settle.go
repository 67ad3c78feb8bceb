package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

// NewSettleCommand creates the settle command tree.
func NewSettleCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Settlement preferences",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "prefer <group-id> <member-id> [recipient-id...]",
		Short: "Set who a member prefers to pay, most preferred first",
		Long: `Set who a member prefers to pay, most preferred first.

Passing no recipients clears the preference.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withSession(ctx, opts, func(s *session) error {
				if _, err := s.group(ctx, args[0]); err != nil {
					return err
				}
				return s.replica.SetSettlementPreference(ctx, args[0], args[1], args[2:])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list <group-id>",
		Short: "List settlement preferences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withSession(ctx, opts, func(s *session) error {
				g, err := s.group(ctx, args[0])
				if err != nil {
					return err
				}
				prefs := g.Preferences.List()
				return opts.emit(cmd.OutOrStdout(), prefs, func(w io.Writer) {
					for _, p := range prefs {
						fmt.Fprintf(w, "%s: %s\n", p.UserID, strings.Join(p.PreferredRecipients, ", "))
					}
				})
			})
		},
	})

	return cmd
}
