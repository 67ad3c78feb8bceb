package cli

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/mmynk/ledgersync/internal/cryptobox"
	"github.com/mmynk/ledgersync/internal/relay"
)

// NewRegisterCommand creates the register command.
func NewRegisterCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register this device's actor with the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if err := cfg.ValidateDevice(); err != nil {
				return err
			}
			if cfg.Device.Secret == "" {
				return fmt.Errorf("device secret is required (LEDGERSYNC_SECRET)")
			}
			client := relay.NewClient(http.DefaultClient, cfg.Device.RelayURL, opts.logger)
			defer client.Close()
			if _, err := client.Register(cmd.Context(), cfg.Device.ActorID, cfg.Device.Secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", cfg.Device.ActorID)
			return nil
		},
	}
}

// NewGroupCommand creates the group command tree.
func NewGroupCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Create and join groups",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <group-id>",
		Short: "Create a group and its first key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withSession(ctx, opts, func(s *session) error {
				if _, err := s.replica.Create(ctx, args[0]); err != nil {
					return err
				}
				return printKey(cmd, opts, s, args[0])
			})
		},
	})

	var keyVersion int
	join := &cobra.Command{
		Use:   "join <group-id> <key>",
		Short: "Join a group with a key shared by a member",
		Long: `Join a group with a key shared by a member.

The key is the base64 value printed by "group create" or "key export".

Example:
  ledgerctl group join trip-2026 3q2+7w...== --key-version 2`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			groupID := args[0]
			key, err := decodeKey(args[1])
			if err != nil {
				return err
			}
			return withSession(ctx, opts, func(s *session) error {
				if err := requireOnline(s, "joining a group"); err != nil {
					return err
				}
				if err := s.replica.Keys().Add(ctx, groupID, keyVersion, key); err != nil {
					return err
				}
				g, err := s.replica.Join(ctx, groupID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "joined %s (%d operations)\n", groupID, g.Doc.OpCount())
				return nil
			})
		},
	}
	join.Flags().IntVar(&keyVersion, "key-version", 1, "version of the shared key")
	cmd.AddCommand(join)

	return cmd
}

// NewKeyCommand creates the key command tree.
func NewKeyCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage group keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "export <group-id>",
		Short: "Print the group's current key for sharing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withSession(ctx, opts, func(s *session) error {
				return printKey(cmd, opts, s, args[0])
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate <group-id>",
		Short: "Start sealing new entry versions under a fresh key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withSession(ctx, opts, func(s *session) error {
				if _, err := s.group(ctx, args[0]); err != nil {
					return err
				}
				if _, err := s.replica.RotateKey(ctx, args[0]); err != nil {
					return err
				}
				return printKey(cmd, opts, s, args[0])
			})
		},
	})

	return cmd
}

type keyOutput struct {
	GroupID string `json:"groupId"`
	Version int    `json:"version"`
	Key     string `json:"key"`
}

func printKey(cmd *cobra.Command, opts *RootOptions, s *session, groupID string) error {
	key, version, err := s.replica.Keys().Current(cmd.Context(), groupID)
	if err != nil {
		return err
	}
	out := keyOutput{
		GroupID: groupID,
		Version: version,
		Key:     base64.StdEncoding.EncodeToString(cryptobox.ExportKey(key)),
	}
	return opts.emit(cmd.OutOrStdout(), out, func(w io.Writer) {
		fmt.Fprintf(w, "group %s key v%d: %s\n", out.GroupID, out.Version, out.Key)
	})
}

func decodeKey(s string) (cryptobox.Key, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return cryptobox.Key{}, fmt.Errorf("key is not base64: %w", err)
	}
	return cryptobox.ImportKey(raw)
}
