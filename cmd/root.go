package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/terraconstructs/gridauth/internal/config"
)

var (
	cfg        *config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "gridauth",
	Short: "Request-boundary authentication for applications behind a proxy",
	Long: `gridauth verifies bearer tokens in front of an upstream application.
It promotes access tokens forwarded by trusted proxies into the Authorization
header, guards against spoofed forwarded credentials, and builds the OIDC token
verifier lazily on first use.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.ReadFile(configPath); err != nil {
			return err
		}
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ./gridauth.yaml or /etc/gridauth/gridauth.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (env: GRIDAUTH_LOG_LEVEL)")
	rootCmd.PersistentFlags().String("addr", "", "Server bind address (env: GRIDAUTH_SERVER_ADDR)")
	rootCmd.PersistentFlags().String("upstream", "", "Upstream application URL (env: GRIDAUTH_SERVER_UPSTREAM_URL)")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("server.addr", rootCmd.PersistentFlags().Lookup("addr"))
	_ = viper.BindPFlag("server.upstream_url", rootCmd.PersistentFlags().Lookup("upstream"))
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
