package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jacentio/lattice/manager"
)

func newLinkCmd(a *app) *cobra.Command {
	var meta []string
	cmd := &cobra.Command{
		Use:     "link <relationship> <owner> <member>",
		Short:   "Associate two entities",
		Example: "  lattice link player_registrations 'player#1' 'registration#7' --meta source=cli",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := parseRefs(args[1:])
			if err != nil {
				return err
			}
			var opts []manager.LinkOption
			for _, kv := range meta {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("expected key=value, got %q", kv)
				}
				opts = append(opts, manager.WithMeta(k, v))
			}
			m, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			view, err := m.Link(cmd.Context(), args[0], refs[0], refs[1], opts...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ownerOutput(refs[0], view))
		},
	}
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "edge metadata as key=value (repeatable)")
	return cmd
}

func newUnlinkCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <relationship> <owner> <member>",
		Short: "Remove an association",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := parseRefs(args[1:])
			if err != nil {
				return err
			}
			m, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			view, err := m.Unlink(cmd.Context(), args[0], refs[0], refs[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ownerOutput(refs[0], view))
		},
	}
}

func newReplaceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "replace <relationship> <owner> [member...]",
		Short: "Set the exact member set of an owner",
		Long:  "Set the exact member set of an owner. With no members every association is removed.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := parseRefs(args[1:])
			if err != nil {
				return err
			}
			m, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			view, err := m.ReplaceAll(cmd.Context(), args[0], refs[0], refs[1:])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ownerOutput(refs[0], view))
		},
	}
}
