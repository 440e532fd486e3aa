package oauth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ExchangeRequest describes a call to the token endpoint. Code is used for
// the authorization_code grant, RefreshToken for refresh_token.
type ExchangeRequest struct {
	GrantType    string
	Code         string
	RefreshToken string
	ClientID     string
	RedirectURL  string
	ClientSecret string
}

// RevokeRequest describes a call to the revoke endpoint.
type RevokeRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
}

// ExchangeClient talks to Apple's token and revoke endpoints.
type ExchangeClient struct {
	baseURL string
	http    Doer
	logger  *slog.Logger
}

// NewExchangeClient creates a client rooted at baseURL.
func NewExchangeClient(baseURL string, doer Doer, logger *slog.Logger) *ExchangeClient {
	if doer == nil {
		doer = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExchangeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    doer,
		logger:  logger,
	}
}

// BuildTokenForm returns the form body for a token request.
func BuildTokenForm(req ExchangeRequest) url.Values {
	form := url.Values{}
	form.Set("client_id", req.ClientID)
	form.Set("client_secret", req.ClientSecret)
	form.Set("grant_type", req.GrantType)
	form.Set("redirect_uri", req.RedirectURL)
	if req.GrantType == GrantRefreshToken {
		form.Set("refresh_token", req.RefreshToken)
	} else {
		form.Set("code", req.Code)
	}
	return form
}

// BuildRevokeForm returns the form body for a revoke request.
func BuildRevokeForm(req RevokeRequest) url.Values {
	form := url.Values{}
	form.Set("client_id", req.ClientID)
	form.Set("client_secret", req.ClientSecret)
	form.Set("token", req.Token)
	if req.TokenTypeHint != "" {
		form.Set("token_type_hint", req.TokenTypeHint)
	}
	return form
}

// Token posts to /auth/token and returns the raw response body.
func (c *ExchangeClient) Token(ctx context.Context, req ExchangeRequest) ([]byte, error) {
	c.logger.Debug("Requesting Apple token", "grant_type", req.GrantType)
	return c.post(ctx, TokenPath, BuildTokenForm(req))
}

// Revoke posts to /auth/revoke.
func (c *ExchangeClient) Revoke(ctx context.Context, req RevokeRequest) error {
	c.logger.Debug("Revoking Apple token", "token_type_hint", req.TokenTypeHint)
	_, err := c.post(ctx, RevokePath, BuildRevokeForm(req))
	return err
}

func (c *ExchangeClient) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("Apple request failed", "path", path, "status", resp.StatusCode)
		return nil, &RemoteRequestError{StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}

// maxResponseBytes bounds any body read from Apple.
const maxResponseBytes = 1 << 20

func readBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", maxResponseBytes)
	}
	return body, nil
}
