package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setAppleEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APPLE_CLIENT_ID", " "+testClientID+" ")
	t.Setenv("APPLE_TEAM_ID", testTeamID)
	t.Setenv("APPLE_KEY_ID", testKeyID)
	t.Setenv("APPLE_REDIRECT_URL", testRedirectURL)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		setAppleEnv(t)

		cfg, err := LoadConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, testClientID, cfg.ClientID)
		assert.Equal(t, 5, cfg.ExpirationMinutes)
		assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	})

	t.Run("overrides", func(t *testing.T) {
		setAppleEnv(t)
		t.Setenv("APPLE_CLIENT_SECRET_TTL_MINUTES", "30")
		t.Setenv("APPLE_BASE_URL", "https://apple.test/")
		t.Setenv("APPLE_ANDROID_PACKAGE", "com.example.app")

		cfg, err := LoadConfigFromEnv()
		require.NoError(t, err)
		assert.Equal(t, 30, cfg.ExpirationMinutes)
		assert.Equal(t, "https://apple.test", cfg.BaseURL)
		assert.Equal(t, "com.example.app", cfg.AndroidPackage)
	})

	t.Run("missing client id", func(t *testing.T) {
		setAppleEnv(t)
		t.Setenv("APPLE_CLIENT_ID", "")

		_, err := LoadConfigFromEnv()
		assert.ErrorIs(t, err, ErrInvalidParameter)
		assert.Contains(t, err.Error(), "APPLE_CLIENT_ID")
	})

	t.Run("bad ttl", func(t *testing.T) {
		setAppleEnv(t)
		t.Setenv("APPLE_CLIENT_SECRET_TTL_MINUTES", "soon")

		_, err := LoadConfigFromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse apple env")
	})

	t.Run("ttl above apple maximum", func(t *testing.T) {
		setAppleEnv(t)
		t.Setenv("APPLE_CLIENT_SECRET_TTL_MINUTES", "262951")

		_, err := LoadConfigFromEnv()
		assert.ErrorIs(t, err, ErrInvalidParameter)
		assert.Contains(t, err.Error(), "APPLE_CLIENT_SECRET_TTL_MINUTES")
	})
}
