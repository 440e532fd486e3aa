package oauth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/providentiaww/appleauth/internal/cache"
)

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK is a public JSON Web Key. Apple publishes RSA keys; EC P-256 keys are
// accepted as well.
type JWK struct {
	Kid string `json:"kid,omitempty"`
	Kty string `json:"kty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

// Find returns the first key whose kid matches.
func (s *JWKS) Find(kid string) (JWK, bool) {
	if s == nil {
		return JWK{}, false
	}
	for _, key := range s.Keys {
		if key.Kid == kid {
			return key, true
		}
	}
	return JWK{}, false
}

// PublicKey converts the JWK into a crypto public key and the JWS algorithm
// it verifies.
func (k JWK) PublicKey() (crypto.PublicKey, string, error) {
	switch k.Kty {
	case "EC":
		if k.Crv != "P-256" {
			return nil, "", fmt.Errorf("unsupported curve %q", k.Crv)
		}
		if k.Alg != "" && k.Alg != "ES256" {
			return nil, "", fmt.Errorf("unsupported algorithm %q for EC key", k.Alg)
		}
		x, err := decodeBigInt(k.X)
		if err != nil {
			return nil, "", fmt.Errorf("decode x: %w", err)
		}
		y, err := decodeBigInt(k.Y)
		if err != nil {
			return nil, "", fmt.Errorf("decode y: %w", err)
		}
		curve := elliptic.P256()
		if !curve.IsOnCurve(x, y) {
			return nil, "", fmt.Errorf("point is not on curve P-256")
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, "ES256", nil
	case "RSA":
		alg := k.Alg
		if alg == "" {
			alg = "RS256"
		}
		if alg != "RS256" && alg != "RS384" && alg != "RS512" {
			return nil, "", fmt.Errorf("unsupported algorithm %q for RSA key", k.Alg)
		}
		n, err := decodeBigInt(k.N)
		if err != nil {
			return nil, "", fmt.Errorf("decode n: %w", err)
		}
		e, err := decodeBigInt(k.E)
		if err != nil {
			return nil, "", fmt.Errorf("decode e: %w", err)
		}
		if !e.IsInt64() || e.Int64() < 2 || e.Int64() > 1<<31-1 {
			return nil, "", fmt.Errorf("invalid RSA exponent")
		}
		return &rsa.PublicKey{N: n, E: int(e.Int64())}, alg, nil
	default:
		return nil, "", fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func decodeBigInt(value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("empty value")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

// KeySource supplies Apple's public key set.
type KeySource interface {
	Keys(ctx context.Context) (*JWKS, error)
}

// Invalidator is implemented by key sources that hold a cached key set.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// RemoteKeySource fetches the key set from {base}/auth/keys on every call.
type RemoteKeySource struct {
	url    string
	http   Doer
	logger *slog.Logger
}

// NewRemoteKeySource creates a key source rooted at baseURL.
func NewRemoteKeySource(baseURL string, doer Doer, logger *slog.Logger) *RemoteKeySource {
	if doer == nil {
		doer = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteKeySource{
		url:    strings.TrimRight(baseURL, "/") + KeysPath,
		http:   doer,
		logger: logger,
	}
}

// Keys fetches and decodes the key set.
func (s *RemoteKeySource) Keys(ctx context.Context) (*JWKS, error) {
	body, _, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	return decodeJWKS(body)
}

// fetch returns the raw key set and the max-age advertised by Cache-Control.
func (s *RemoteKeySource) fetch(ctx context.Context) ([]byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read JWKS body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, &RemoteRequestError{StatusCode: resp.StatusCode, Body: body}
	}

	maxAge := parseMaxAge(resp.Header.Get("Cache-Control"))
	s.logger.Debug("Fetched Apple JWKS", "url", s.url, "max_age", maxAge)
	return body, maxAge, nil
}

func decodeJWKS(body []byte) (*JWKS, error) {
	var set JWKS
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}
	return &set, nil
}

// parseMaxAge extracts max-age from a Cache-Control header. Zero means absent.
func parseMaxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		value, ok := strings.CutPrefix(directive, "max-age=")
		if !ok {
			continue
		}
		seconds, err := strconv.Atoi(value)
		if err != nil || seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}

const jwksCacheKey = "appleauth:jwks"

// DefaultKeySetTTL is used when no cache TTL is configured.
const DefaultKeySetTTL = 15 * time.Minute

// keySetFetchTimeout bounds a shared fetch, which outlives any single caller.
const keySetFetchTimeout = 30 * time.Second

// CachingKeySource keeps the key set in a cache.Store for up to TTL, or for
// the provider's max-age when that is shorter.
type CachingKeySource struct {
	remote *RemoteKeySource
	store  cache.Store
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewCachingKeySource wraps remote with store.
func NewCachingKeySource(remote *RemoteKeySource, store cache.Store, ttl time.Duration, logger *slog.Logger) *CachingKeySource {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultKeySetTTL
	}
	return &CachingKeySource{
		remote: remote,
		store:  store,
		ttl:    ttl,
		logger: logger,
	}
}

// Keys returns the cached key set, fetching it when missing, expired or
// unreadable. Concurrent misses share one fetch; each caller stops waiting
// when its own ctx is done without cancelling the fetch for the others.
func (s *CachingKeySource) Keys(ctx context.Context) (*JWKS, error) {
	body, ok, err := s.store.Get(ctx, jwksCacheKey)
	if err != nil {
		s.logger.Warn("JWKS cache read failed", "error", err)
	}
	if ok {
		set, err := decodeJWKS(body)
		if err == nil {
			return set, nil
		}
		s.logger.Warn("Cached JWKS unreadable, refetching", "error", err)
		if err := s.store.Delete(ctx, jwksCacheKey); err != nil {
			s.logger.Warn("JWKS cache delete failed", "error", err)
		}
	}

	ch := s.group.DoChan(jwksCacheKey, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), keySetFetchTimeout)
		defer cancel()
		return s.refresh(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*JWKS), nil
	}
}

func (s *CachingKeySource) refresh(ctx context.Context) (*JWKS, error) {
	body, maxAge, err := s.remote.fetch(ctx)
	if err != nil {
		return nil, err
	}
	set, err := decodeJWKS(body)
	if err != nil {
		return nil, err
	}
	ttl := s.ttl
	if maxAge > 0 && maxAge < ttl {
		ttl = maxAge
	}
	if err := s.store.Set(ctx, jwksCacheKey, body, ttl); err != nil {
		s.logger.Warn("JWKS cache write failed", "error", err)
	}
	return set, nil
}

// Invalidate drops the cached key set so the next call refetches it.
func (s *CachingKeySource) Invalidate(ctx context.Context) error {
	return s.store.Delete(ctx, jwksCacheKey)
}
