package main

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/providentiaww/appleauth/internal/oauth"
)

type verifyOptions struct {
	clientID string
	baseURL  string
	timeout  time.Duration
}

func newVerifyCmd() *cobra.Command {
	opts := verifyOptions{}

	cmd := &cobra.Command{
		Use:   "verify <id_token>",
		Short: "Verify an identity token and print the user information",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, opts, args[0])
		},
	}

	baseURL := os.Getenv("APPLE_BASE_URL")
	if baseURL == "" {
		baseURL = oauth.DefaultBaseURL
	}
	cmd.Flags().StringVar(&opts.clientID, "client-id", os.Getenv("APPLE_CLIENT_ID"), "expected audience")
	cmd.Flags().StringVar(&opts.baseURL, "base-url", baseURL, "Apple base URL")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "HTTP timeout")

	return cmd
}

func runVerify(cmd *cobra.Command, opts verifyOptions, idToken string) error {
	client := &http.Client{Timeout: opts.timeout}
	verifier := oauth.NewVerifier(oauth.NewRemoteKeySource(opts.baseURL, client, nil), nil, nil)

	claims, err := verifier.Verify(cmd.Context(), idToken, opts.clientID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(oauth.ExtractUserInformation(claims))
}
