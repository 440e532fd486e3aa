package oauth

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNonce(t *testing.T) {
	a, err := NewNonce(16)
	require.NoError(t, err)
	b, err := NewNonce(16)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, 16)
}

func TestTokenFingerprint(t *testing.T) {
	fp := TokenFingerprint("r1.refresh")
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, TokenFingerprint("r1.refresh"))
	assert.NotEqual(t, fp, TokenFingerprint("r2.refresh"))
	assert.NotContains(t, fp, "r1")
}
