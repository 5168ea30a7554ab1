package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/signalclient"
	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/ui"
)

type connFlags struct {
	url     string
	origin  string
	timeout time.Duration
}

func (f *connFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", defaultServerURL(), "signaling server URL (http, https, ws or wss; env "+envPublicURL+")")
	cmd.Flags().StringVar(&f.origin, "origin", "", "Origin header to send")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 5*time.Second, "connect and response timeout")
}

func (f *connFlags) dial(ctx context.Context) (*signalclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return signalclient.Dial(dialCtx, f.url, signalclient.Options{Origin: f.origin})
}

func newRoomsCmd() *cobra.Command {
	var (
		conn   connFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List active rooms on a running relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conn.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.ListRooms(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), conn.timeout)
			defer cancel()
			ev, err := c.Await(ctx, "room-list")
			if err != nil {
				return fmt.Errorf("waiting for room list: %w", err)
			}
			var list signalclient.RoomList
			if err := ev.Decode(&list); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list.Rooms)
			}
			fmt.Fprintln(out, ui.RoomsView(list.Rooms))
			return nil
		},
	}
	conn.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON instead of a table")
	return cmd
}
