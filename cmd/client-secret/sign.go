package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/providentiaww/appleauth/internal/oauth"
)

type signOptions struct {
	teamID     string
	clientID   string
	keyID      string
	keyFile    string
	ttlMinutes int
}

func newSignCmd() *cobra.Command {
	opts := signOptions{}

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print a signed client secret",
		Long: `Sign a client secret JWT with the .p8 key. The key is read from --key-file,
or from APPLE_PRIVATE_KEY / APPLE_PRIVATE_KEY_PATH when no file is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.teamID, "team-id", os.Getenv("APPLE_TEAM_ID"), "Apple team ID")
	cmd.Flags().StringVar(&opts.clientID, "client-id", os.Getenv("APPLE_CLIENT_ID"), "Services ID")
	cmd.Flags().StringVar(&opts.keyID, "key-id", os.Getenv("APPLE_KEY_ID"), "ID of the .p8 key")
	cmd.Flags().StringVar(&opts.keyFile, "key-file", "", "path to the .p8 key")
	cmd.Flags().IntVar(&opts.ttlMinutes, "ttl-minutes", 5, "secret lifetime in minutes (minimum 5)")

	return cmd
}

func runSign(cmd *cobra.Command, opts signOptions) error {
	rawKey, err := readKey(opts.keyFile)
	if err != nil {
		return err
	}

	signer := oauth.Signer{
		TeamID:            opts.teamID,
		ClientID:          opts.clientID,
		KeyID:             opts.keyID,
		ExpirationMinutes: opts.ttlMinutes,
		Now:               time.Now,
	}
	secret, err := signer.Sign(rawKey)
	if err != nil {
		return fmt.Errorf("failed to sign client secret: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), secret)
	return nil
}

func readKey(path string) (string, error) {
	if path == "" {
		return oauth.LoadPrivateKeyFromEnv()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read key file: %w", err)
	}
	return string(data), nil
}
