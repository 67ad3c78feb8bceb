package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mmynk/ledgersync/internal/members"
	"github.com/mmynk/ledgersync/internal/models"
)

// NewMemberCommand creates the member command tree.
func NewMemberCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage group members",
	}

	var virtual bool
	add := &cobra.Command{
		Use:   "add <group-id> <member-id> <name>",
		Short: "Add a member",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return memberOp(cmd, opts, args[0], func(s *session) (*models.MemberEvent, *members.ValidationError, error) {
				return s.replica.AddMember(cmd.Context(), args[0], args[1], args[2], virtual)
			})
		},
	}
	add.Flags().BoolVar(&virtual, "virtual", false, "member without a device of their own")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "rename <group-id> <member-id> <name>",
		Short: "Rename a member",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return memberOp(cmd, opts, args[0], func(s *session) (*models.MemberEvent, *members.ValidationError, error) {
				return s.replica.RenameMember(cmd.Context(), args[0], args[1], args[2])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retire <group-id> <member-id>",
		Short: "Retire a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return memberOp(cmd, opts, args[0], func(s *session) (*models.MemberEvent, *members.ValidationError, error) {
				return s.replica.RetireMember(cmd.Context(), args[0], args[1])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "unretire <group-id> <member-id>",
		Short: "Bring a retired member back",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return memberOp(cmd, opts, args[0], func(s *session) (*models.MemberEvent, *members.ValidationError, error) {
				return s.replica.UnretireMember(cmd.Context(), args[0], args[1])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "replace <group-id> <member-id> <replaced-by-id>",
		Short: "Merge a member into another identity",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return memberOp(cmd, opts, args[0], func(s *session) (*models.MemberEvent, *members.ValidationError, error) {
				return s.replica.ReplaceMember(cmd.Context(), args[0], args[1], args[2])
			})
		},
	})

	var all bool
	list := &cobra.Command{
		Use:   "list <group-id>",
		Short: "List members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withSession(ctx, opts, func(s *session) error {
				g, err := s.group(ctx, args[0])
				if err != nil {
					return err
				}
				var states []*models.MemberState
				if all {
					for _, st := range g.Members.ComputeAllStates() {
						states = append(states, st)
					}
					sortStates(states)
				} else {
					states = g.Members.GetActiveMembers()
				}
				return opts.emit(cmd.OutOrStdout(), states, func(w io.Writer) {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tCANONICAL")
					for _, st := range states {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.ID, st.Name, memberStatus(st), g.Members.ResolveCanonicalID(st.ID))
					}
					tw.Flush()
				})
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include retired and replaced members")
	cmd.AddCommand(list)

	return cmd
}

func memberOp(cmd *cobra.Command, opts *RootOptions, groupID string, op func(*session) (*models.MemberEvent, *members.ValidationError, error)) error {
	ctx := cmd.Context()
	return withSession(ctx, opts, func(s *session) error {
		if _, err := s.group(ctx, groupID); err != nil {
			return err
		}
		ev, verr, err := op(s)
		if err != nil {
			return err
		}
		if verr != nil {
			return verr
		}
		return opts.emit(cmd.OutOrStdout(), ev, func(w io.Writer) {
			fmt.Fprintf(w, "%s %s\n", ev.Type, ev.MemberID)
		})
	})
}

func memberStatus(st *models.MemberState) string {
	switch {
	case st.IsReplaced():
		return "replaced"
	case st.IsRetired:
		return "retired"
	case st.IsVirtual:
		return "virtual"
	default:
		return "active"
	}
}

func sortStates(states []*models.MemberState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].Name != states[j].Name {
			return states[i].Name < states[j].Name
		}
		return states[i].ID < states[j].ID
	})
}
