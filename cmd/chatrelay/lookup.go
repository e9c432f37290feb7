// Copyright 2024-2026 Aiku AI

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aiku/chatrelay/pkg/config"
	"github.com/aiku/chatrelay/pkg/relay"
	"github.com/aiku/chatrelay/pkg/relaydb"
)

func newLookupCmd() *cobra.Command {
	var identity relay.ChatIdentity
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Print the origin and relays of a message from the correlation store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path, false)
			if err != nil {
				return err
			}
			store, err := relaydb.Open(cmd.Context(), cfg.Database, zerolog.Nop())
			if err != nil {
				return err
			}
			defer store.Close()
			return lookup(cmd.Context(), store, identity, asJSON, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&identity.Service, "service", "", "service of the message")
	cmd.Flags().StringVar(&identity.ServerID, "server", "", "server, team or guild of the message, if any")
	cmd.Flags().StringVar(&identity.RoomID, "room", "", "room of the message")
	cmd.Flags().StringVar(&identity.MessageID, "message", "", "message ID")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("room")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

type lookupResult struct {
	Identity relay.ChatIdentity   `json:"identity"`
	Origin   *relay.ChatIdentity  `json:"origin"`
	Relays   []relay.ChatIdentity `json:"relays"`
}

func lookup(ctx context.Context, store relay.CorrelationStore, identity relay.ChatIdentity, asJSON bool, out io.Writer) error {
	origin, err := store.OriginOf(ctx, identity)
	if err != nil {
		return fmt.Errorf("failed to look up origin: %w", err)
	}
	source := identity
	if origin != nil {
		source = *origin
	}
	relays, err := store.RelaysOf(ctx, source)
	if err != nil {
		return fmt.Errorf("failed to look up relays: %w", err)
	}

	if asJSON {
		if relays == nil {
			relays = []relay.ChatIdentity{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(lookupResult{Identity: identity, Origin: origin, Relays: relays})
	}

	if origin != nil {
		fmt.Fprintf(out, "origin: %s\n", origin)
	} else {
		fmt.Fprintf(out, "origin: %s (this message)\n", identity)
	}
	if len(relays) == 0 {
		fmt.Fprintln(out, "relays: none")
		return nil
	}
	fmt.Fprintln(out, "relays:")
	for _, target := range relays {
		fmt.Fprintf(out, "  %s\n", target)
	}
	return nil
}
