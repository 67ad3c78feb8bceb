package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmynk/ledgersync/internal/replica"
)

type statusOutput struct {
	State       string    `json:"state"`
	Online      bool      `json:"online"`
	LastError   string    `json:"lastError,omitempty"`
	LastSyncAt  time.Time `json:"lastSyncAt,omitempty"`
	QueueLength int       `json:"queueLength"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [group-id...]",
		Short: "Show sync state and pending local writes",
		Long: `Show sync state and pending local writes.

Named groups are synchronized first, which also pushes writes queued
while the relay was unreachable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withSession(ctx, opts, func(s *session) error {
				for _, groupID := range args {
					if _, err := s.group(ctx, groupID); err != nil {
						return err
					}
				}
				st, err := s.replica.Sync().Status(ctx)
				if err != nil {
					return err
				}
				n, err := s.replica.Sync().QueueLength(ctx)
				if err != nil {
					return err
				}
				out := statusOutput{
					State:       string(st.State),
					Online:      st.Online,
					LastSyncAt:  st.LastSyncAt,
					QueueLength: n,
				}
				if st.LastError != nil {
					out.LastError = st.LastError.Error()
				}
				return opts.emit(cmd.OutOrStdout(), out, func(w io.Writer) {
					fmt.Fprintf(w, "state:   %s\n", out.State)
					fmt.Fprintf(w, "online:  %t\n", out.Online)
					fmt.Fprintf(w, "queued:  %d\n", out.QueueLength)
					if !out.LastSyncAt.IsZero() {
						fmt.Fprintf(w, "synced:  %s\n", out.LastSyncAt.Format(time.RFC3339))
					}
					if out.LastError != "" {
						fmt.Fprintf(w, "error:   %s\n", out.LastError)
					}
				})
			})
		},
	}
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <group-id...>",
		Short: "Stay connected and report remote changes until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out := cmd.OutOrStdout()
			s, err := openSession(ctx, opts, replica.WithOnDataChanged(func(groupID string) {
				fmt.Fprintf(out, "%s  %s changed\n", time.Now().Format(time.TimeOnly), groupID)
			}))
			if err != nil {
				return err
			}
			// ctx is cancelled by now; flushing needs its own
			defer s.Close(cmd.Context())

			if err := requireOnline(s, "watching"); err != nil {
				return err
			}
			for _, groupID := range args {
				if _, err := s.replica.Join(ctx, groupID); err != nil {
					return err
				}
			}
			fmt.Fprintf(out, "watching %s\n", strings.Join(args, ", "))
			<-ctx.Done()
			return nil
		},
	}
}
