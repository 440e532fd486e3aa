package oauth

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config holds the Sign in with Apple settings for one service ID.
// It is treated as immutable once a Provider has been built from it.
type Config struct {
	// ClientID is the Services ID configured for Sign in with Apple.
	ClientID string
	// TeamID is the 10-character team identifier.
	TeamID string
	// KeyID identifies the .p8 key used to sign client secrets.
	KeyID string
	// RedirectURL must be a verified domain; IPs and localhost are rejected by Apple.
	RedirectURL string
	// State is echoed back by Apple on the redirect.
	State string
	// ExpirationMinutes is the client secret lifetime, raised to at least 5.
	ExpirationMinutes int
	// BaseURL hosts /auth/token, /auth/revoke and /auth/keys.
	BaseURL string
	// AndroidPackage is the package used in Android deep links.
	AndroidPackage string
}

// configEnv holds raw env values before validation.
type configEnv struct {
	ClientID          string `env:"APPLE_CLIENT_ID"`
	TeamID            string `env:"APPLE_TEAM_ID"`
	KeyID             string `env:"APPLE_KEY_ID"`
	RedirectURL       string `env:"APPLE_REDIRECT_URL"`
	State             string `env:"APPLE_STATE"`
	ExpirationMinutes int    `env:"APPLE_CLIENT_SECRET_TTL_MINUTES" envDefault:"5"`
	BaseURL           string `env:"APPLE_BASE_URL" envDefault:"https://appleid.apple.com"`
	AndroidPackage    string `env:"APPLE_ANDROID_PACKAGE"`
}

// LoadConfigFromEnv loads the provider config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	var raw configEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse apple env: %w", err)
	}

	cfg := Config{
		ClientID:          strings.TrimSpace(raw.ClientID),
		TeamID:            strings.TrimSpace(raw.TeamID),
		KeyID:             strings.TrimSpace(raw.KeyID),
		RedirectURL:       strings.TrimSpace(raw.RedirectURL),
		State:             strings.TrimSpace(raw.State),
		ExpirationMinutes: raw.ExpirationMinutes,
		BaseURL:           strings.TrimRight(strings.TrimSpace(raw.BaseURL), "/"),
		AndroidPackage:    strings.TrimSpace(raw.AndroidPackage),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first missing required field.
func (c Config) Validate() error {
	switch {
	case c.ClientID == "":
		return fmt.Errorf("%w: APPLE_CLIENT_ID is required", ErrInvalidParameter)
	case c.TeamID == "":
		return fmt.Errorf("%w: APPLE_TEAM_ID is required", ErrInvalidParameter)
	case c.KeyID == "":
		return fmt.Errorf("%w: APPLE_KEY_ID is required", ErrInvalidParameter)
	case c.RedirectURL == "":
		return fmt.Errorf("%w: APPLE_REDIRECT_URL is required", ErrInvalidParameter)
	case c.ExpirationMinutes > MaxClientSecretMinutes:
		return fmt.Errorf("%w: APPLE_CLIENT_SECRET_TTL_MINUTES must be at most %d", ErrInvalidParameter, MaxClientSecretMinutes)
	}
	return nil
}
