package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

// newRootCmd builds the client-secret command tree.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "client-secret",
		Short: "Sign Apple client secrets and verify identity tokens",
		Long: `client-secret signs the ES256 client secret Apple expects on its token
and revoke endpoints, and verifies Sign in with Apple identity tokens
against Apple's published keys.`,
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.SetVersionTemplate(`{{printf "client-secret version %s\n" .Version}}`)

	rootCmd.AddCommand(newSignCmd())
	rootCmd.AddCommand(newVerifyCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
