package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Provider runs the Sign in with Apple server-side flows: code exchange,
// refresh and revoke. It is safe for concurrent use; the configuration and
// HTTP transport are shared read-only between calls.
type Provider struct {
	cfg      Config
	signer   Signer
	exchange *ExchangeClient
	verifier *Verifier
	logger   *slog.Logger
}

type providerOptions struct {
	httpClient Doer
	logger     *slog.Logger
	baseURL    string
	keys       KeySource
	now        func() time.Time
}

// Option configures a Provider.
type Option func(*providerOptions)

// WithHTTPClient sets the transport shared by all calls. Timeouts and
// proxies are configured on it; the provider adds none of its own.
func WithHTTPClient(client Doer) Option {
	return func(o *providerOptions) {
		o.httpClient = client
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *providerOptions) {
		o.logger = logger
	}
}

// WithBaseURL overrides Config.BaseURL.
func WithBaseURL(baseURL string) Option {
	return func(o *providerOptions) {
		o.baseURL = baseURL
	}
}

// WithKeySource replaces the default key source, which fetches Apple's
// keys on every verification.
func WithKeySource(keys KeySource) Option {
	return func(o *providerOptions) {
		o.keys = keys
	}
}

// WithClock sets the time source used for signing and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *providerOptions) {
		o.now = now
	}
}

// NewProvider validates cfg and builds a Provider.
func NewProvider(cfg Config, opts ...Option) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := providerOptions{
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		baseURL:    cfg.BaseURL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.baseURL == "" {
		o.baseURL = DefaultBaseURL
	}
	cfg.BaseURL = o.baseURL
	if o.keys == nil {
		o.keys = NewRemoteKeySource(o.baseURL, o.httpClient, o.logger)
	}

	return &Provider{
		cfg: cfg,
		signer: Signer{
			TeamID:            cfg.TeamID,
			ClientID:          cfg.ClientID,
			KeyID:             cfg.KeyID,
			ExpirationMinutes: cfg.ExpirationMinutes,
			Now:               o.now,
		},
		exchange: NewExchangeClient(o.baseURL, o.httpClient, o.logger),
		verifier: NewVerifier(o.keys, o.now, o.logger),
		logger:   o.logger,
	}, nil
}

// Config returns a copy of the provider configuration.
func (p *Provider) Config() Config {
	return p.cfg
}

// ExchangeAuthorizationCode trades the code Apple sent to the redirect URL
// for tokens, verifies the returned id_token and attaches the user's details.
// privateKey is the content of the .p8 file.
func (p *Provider) ExchangeAuthorizationCode(ctx context.Context, code, privateKey string) (*TokenResponse, error) {
	if code == "" || privateKey == "" {
		return nil, fmt.Errorf("%w: authorization code and private key are required", ErrInvalidParameter)
	}

	resp, err := p.requestToken(ctx, ExchangeRequest{
		GrantType: GrantAuthorizationCode,
		Code:      code,
	}, privateKey)
	if err != nil {
		return nil, err
	}

	if resp.IDToken == "" {
		return nil, fmt.Errorf("%w: token response has no id_token", ErrMalformedToken)
	}
	claims, err := p.verifier.Verify(ctx, resp.IDToken, p.cfg.ClientID)
	if err != nil {
		return nil, err
	}
	resp.UserInformation = ExtractUserInformation(claims)

	p.logger.Info("Apple authorization code exchanged", "user_id", resp.UserInformation.UserID)
	return resp, nil
}

// Refresh validates a refresh token with Apple. The response carries a new
// access token; no id_token is verified.
func (p *Provider) Refresh(ctx context.Context, refreshToken, privateKey string) (*TokenResponse, error) {
	if refreshToken == "" || privateKey == "" {
		return nil, fmt.Errorf("%w: refresh token and private key are required", ErrInvalidParameter)
	}

	return p.requestToken(ctx, ExchangeRequest{
		GrantType:    GrantRefreshToken,
		RefreshToken: refreshToken,
	}, privateKey)
}

// Revoke invalidates an access or refresh token. tokenTypeHint is optional.
func (p *Provider) Revoke(ctx context.Context, token, privateKey, tokenTypeHint string) error {
	if token == "" || privateKey == "" {
		return fmt.Errorf("%w: token and private key are required", ErrInvalidParameter)
	}

	secret, err := p.signer.Sign(privateKey)
	if err != nil {
		return err
	}

	return p.exchange.Revoke(ctx, RevokeRequest{
		Token:         token,
		TokenTypeHint: tokenTypeHint,
		ClientID:      p.cfg.ClientID,
		ClientSecret:  secret,
	})
}

// VerifyIdentityToken verifies an id_token issued for this client, such as
// the one Apple posts alongside the authorization code.
func (p *Provider) VerifyIdentityToken(ctx context.Context, idToken string) (*UserInformation, error) {
	claims, err := p.verifier.Verify(ctx, idToken, p.cfg.ClientID)
	if err != nil {
		return nil, err
	}
	return ExtractUserInformation(claims), nil
}

// ButtonHref returns the href for the "Sign in with Apple" button.
func (p *Provider) ButtonHref() string {
	return ButtonHref(p.cfg.BaseURL, p.cfg.ClientID, p.cfg.RedirectURL, p.cfg.State)
}

// AndroidRedirect returns the deep link that forwards form to the Android app.
func (p *Provider) AndroidRedirect(form map[string]string) string {
	return AndroidRedirect(p.cfg.AndroidPackage, form)
}

func (p *Provider) requestToken(ctx context.Context, req ExchangeRequest, privateKey string) (*TokenResponse, error) {
	secret, err := p.signer.Sign(privateKey)
	if err != nil {
		return nil, err
	}

	req.ClientID = p.cfg.ClientID
	req.RedirectURL = p.cfg.RedirectURL
	req.ClientSecret = secret

	body, err := p.exchange.Token(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp TokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	return &resp, nil
}
