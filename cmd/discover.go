package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/gridauth/internal/auth"
)

var discoverTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Fetch the OIDC discovery document for auth.discovery_url",
	Long: `Fetches the discovery document the token verifier will use, checks that it
advertises the expected issuer, and prints the relevant endpoints.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if discoverTimeout > 0 {
			var cancel func()
			ctx, cancel = context.WithTimeout(ctx, discoverTimeout)
			defer cancel()
		}

		meta, err := auth.Discover(ctx, auth.SettingsFromConfig(cfg), nil)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return fmt.Errorf("encode discovery metadata: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 10*time.Second, "Discovery request timeout")
	rootCmd.AddCommand(discoverCmd)
}
