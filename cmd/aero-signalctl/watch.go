package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/signalclient"
	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/ui"
)

func newWatchCmd() *cobra.Command {
	var (
		conn connFlags
		room string
		peer string
		name string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a room and print every event until interrupted",
		Long: `Join a room as an observer peer and print every event the relay sends.

Examples:
  aero-signalctl watch --room lobby
  aero-signalctl watch --url wss://signal.example.com --room lobby --peer ops --name Operator`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if room == "" {
				return errors.New("--room is required")
			}
			if peer == "" {
				peer = "signalctl-" + uuid.NewString()[:8]
			}
			c, err := conn.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Join(room, peer, name); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s as %s\n", ui.TitleStyle.Render("watching"), room, peer)
			return watchEvents(cmd.Context(), c, out)
		},
	}
	conn.register(cmd)
	cmd.Flags().StringVar(&room, "room", "", "room ID to join")
	cmd.Flags().StringVar(&peer, "peer", "", "peer ID to join as (default: random)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

type eventSource interface {
	Next(ctx context.Context) (signalclient.Event, error)
}

// watchEvents prints events until ctx is done or the connection closes.
func watchEvents(ctx context.Context, src eventSource, out io.Writer) error {
	for {
		ev, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, signalclient.ErrClosed) {
				return nil
			}
			return err
		}
		fmt.Fprintf(out, "%s %s %s\n",
			ui.MutedStyle.Render(time.Now().Format("15:04:05")),
			ui.TitleStyle.Render(ev.Type),
			describeEvent(ev),
		)
	}
}

func describeEvent(ev signalclient.Event) string {
	switch ev.Type {
	case "room-peers":
		var rp signalclient.RoomPeers
		if ev.Decode(&rp) == nil {
			return "\n" + ui.PeersView(rp.Peers)
		}
	case "peer-joined", "peer-left", "peer-mute-status":
		var pe signalclient.PeerEvent
		if ev.Decode(&pe) == nil {
			s := pe.PeerID
			if pe.DisplayName != "" {
				s += " (" + pe.DisplayName + ")"
			}
			if ev.Type == "peer-mute-status" {
				s += fmt.Sprintf(" muted=%t", pe.IsMuted)
			}
			return s
		}
	case "turn-credentials":
		var tc signalclient.TURNCredentials
		if ev.Decode(&tc) == nil {
			return fmt.Sprintf("username=%s ttl=%ds", tc.Username, tc.TTL)
		}
	case "room-list", "room-list-update":
		var rl signalclient.RoomList
		if ev.Decode(&rl) == nil {
			return fmt.Sprintf("%d room(s)", len(rl.Rooms))
		}
	case "offer", "answer", "ice-candidate":
		var r signalclient.Relay
		if ev.Decode(&r) == nil {
			return fmt.Sprintf("from=%s %d byte payload", r.From, len(r.Payload))
		}
	case "error":
		var se signalclient.ServerError
		if ev.Decode(&se) == nil {
			return ui.ErrorStyle.Render(se.Code) + " " + se.Message
		}
	}
	return string(ev.Raw)
}
