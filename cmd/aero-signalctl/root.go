package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const (
	envSharedSecret = "TURN_REST_SHARED_SECRET"
	envPublicURL    = "AERO_ROOM_SIGNALING_PUBLIC_BASE_URL"

	fallbackServerURL = "http://127.0.0.1:3000"
)

// defaultServerURL is the relay's advertised public base URL when set, so the
// CLI reaches the same server the relay was configured for.
func defaultServerURL() string {
	if v := strings.TrimSpace(os.Getenv(envPublicURL)); v != "" {
		return v
	}
	return fallbackServerURL
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aero-signalctl",
		Short: "Operator tool for the room signaling relay",
		Long: `aero-signalctl issues and checks TURN REST credentials offline and
inspects a running signaling relay over its WebSocket endpoint.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(
		newCredentialsCmd(),
		newVerifyCmd(),
		newRoomsCmd(),
		newWatchCmd(),
	)
	return root
}
