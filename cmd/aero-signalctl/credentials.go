package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/turnrest"
	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/ui"
)

func newCredentialsCmd() *cobra.Command {
	var (
		secret string
		label  string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Issue a TURN REST credential",
		Long: `Issue a TURN REST credential with the given shared secret.

Examples:
  aero-signalctl credentials --secret s3cret --label alice
  TURN_REST_SHARED_SECRET=s3cret aero-signalctl credentials --label alice --ttl 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if label == "" {
				return errors.New("--label is required")
			}
			iss, err := turnrest.NewIssuer(turnrest.IssuerConfig{Secret: resolveSecret(secret), TTL: ttl})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if iss.UsesDefaultSecret() {
				fmt.Fprintln(cmd.ErrOrStderr(), ui.WarningStyle.Render("warning: no shared secret given; using the insecure default"))
			}
			cred := iss.Issue(label)
			fmt.Fprint(out, ui.KeyValues(
				[2]string{"username", cred.Username},
				[2]string{"secret", cred.Secret},
				[2]string{"expires", cred.ExpiresAt.Format(time.RFC3339)},
				[2]string{"ttl", strconv.FormatInt(int64(cred.TTL/time.Second), 10)},
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "TURN REST shared secret (env "+envSharedSecret+")")
	cmd.Flags().StringVar(&label, "label", "", "credential label, usually the peer ID")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "credential lifetime")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var (
		secret     string
		username   string
		credential string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a TURN REST credential the way the TURN server would",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" || credential == "" {
				return errors.New("--username and --credential are required")
			}
			if err := turnrest.Verify([]byte(resolveSecret(secret)), time.Now(), username, credential); err != nil {
				return err
			}
			ui.PrintSuccess(cmd.OutOrStdout(), "credential is valid")
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "TURN REST shared secret (env "+envSharedSecret+")")
	cmd.Flags().StringVar(&username, "username", "", "credential username (<expiry>:<label>)")
	cmd.Flags().StringVar(&credential, "credential", "", "base64 credential")
	return cmd
}

func resolveSecret(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(envSharedSecret); v != "" {
		return v
	}
	return turnrest.DefaultSecret
}
