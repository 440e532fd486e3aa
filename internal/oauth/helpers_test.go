package oauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testClientID    = "com.example.service"
	testTeamID      = "TEAM123456"
	testKeyID       = "KEY1234567"
	testRedirectURL = "https://example.com/cb"
)

// newTestKey returns a P-256 key and its .p8 (PKCS8 PEM) text.
func newTestKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func ecJWK(kid string, pub *ecdsa.PublicKey) JWK {
	return JWK{
		Kid: kid,
		Kty: "EC",
		Alg: "ES256",
		Use: "sig",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, 32))),
		Y:   base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, 32))),
	}
}

func rsaJWK(kid string, pub *rsa.PublicKey) JWK {
	return JWK{
		Kid: kid,
		Kty: "RSA",
		Alg: "RS256",
		Use: "sig",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func validIdentityClaims(now time.Time) IdentityTokenClaims {
	return IdentityTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   "001234.abcdef.0987",
			Audience:  jwt.ClaimStrings{testClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		},
		Email:         "user@privaterelay.appleid.com",
		EmailVerified: "true",
		AuthTime:      now.Unix(),
		Nonce:         "n-0S6_WzA2Mj",
	}
}

func signIdentityToken(t *testing.T, method jwt.SigningMethod, key interface{}, kid string, claims IdentityTokenClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

// fakeApple serves /auth/token, /auth/revoke and /auth/keys.
type fakeApple struct {
	server *httptest.Server

	mu           sync.Mutex
	keys         JWKS
	cacheControl string
	tokenStatus  int
	tokenBody    string
	revokeStatus int
	revokeBody   string
	forms        map[string]url.Values
	contentTypes map[string]string

	keyFetches atomic.Int32
}

func newFakeApple(t *testing.T) *fakeApple {
	t.Helper()
	f := &fakeApple{
		tokenStatus:  http.StatusOK,
		revokeStatus: http.StatusOK,
		forms:        make(map[string]url.Values),
		contentTypes: make(map[string]string),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeApple) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case KeysPath:
		f.keyFetches.Add(1)
		if f.cacheControl != "" {
			w.Header().Set("Cache-Control", f.cacheControl)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.keys)
	case TokenPath, RevokePath:
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		_ = r.ParseForm()
		f.forms[r.URL.Path] = r.PostForm
		f.contentTypes[r.URL.Path] = r.Header.Get("Content-Type")
		status, body := f.tokenStatus, f.tokenBody
		if r.URL.Path == RevokePath {
			status, body = f.revokeStatus, f.revokeBody
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeApple) setKeys(keys ...JWK) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = JWKS{Keys: keys}
}

func (f *fakeApple) setTokenResponse(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenStatus = status
	f.tokenBody = body
}

func (f *fakeApple) setRevokeResponse(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeStatus = status
	f.revokeBody = body
}

func (f *fakeApple) form(path string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forms[path]
}

func (f *fakeApple) contentType(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contentTypes[path]
}

func tokenResponseJSON(t *testing.T, idToken string) string {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"access_token":  "a1b2c3",
		"expires_in":    3600,
		"id_token":      idToken,
		"refresh_token": "r1.refresh",
		"token_type":    "Bearer",
	})
	require.NoError(t, err)
	return string(data)
}
