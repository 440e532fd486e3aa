package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks Apple identity tokens against Apple's published keys.
// A claim set is only returned when every check has passed.
type Verifier struct {
	keys   KeySource
	now    func() time.Time
	logger *slog.Logger
}

// NewVerifier creates a verifier. A nil now defaults to time.Now.
func NewVerifier(keys KeySource, now func() time.Time, logger *slog.Logger) *Verifier {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		keys:   keys,
		now:    now,
		logger: logger,
	}
}

// Verify validates idToken and returns its claims.
func (v *Verifier) Verify(ctx context.Context, idToken, expectedClientID string) (*IdentityTokenClaims, error) {
	if idToken == "" || expectedClientID == "" {
		return nil, fmt.Errorf("%w: identity token and client id are required", ErrInvalidParameter)
	}

	var unverified IdentityTokenClaims
	token, _, err := jwt.NewParser().ParseUnverified(idToken, &unverified)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	kid, _ := token.Header["kid"].(string)

	if unverified.ExpiresAt == nil || !unverified.ExpiresAt.Time.After(v.now().UTC()) {
		return nil, ErrExpiredToken
	}

	jwk, err := v.selectKey(ctx, kid)
	if err != nil {
		return nil, err
	}

	publicKey, alg, err := jwk.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: unusable key %s: %v", ErrSignature, kid, err)
	}

	var claims IdentityTokenClaims
	_, err = jwt.ParseWithClaims(idToken, &claims, func(*jwt.Token) (interface{}, error) {
		return publicKey, nil
	},
		jwt.WithValidMethods([]string{alg}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		v.logger.Warn("Identity token signature rejected", "kid", kid, "alg", alg)
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	if claims.Issuer != Issuer {
		return nil, fmt.Errorf("%w: issuer %q", ErrClaimValidation, claims.Issuer)
	}
	if !audienceContains(claims.Audience, expectedClientID) {
		return nil, fmt.Errorf("%w: audience does not contain %q", ErrClaimValidation, expectedClientID)
	}

	return &claims, nil
}

// selectKey finds the key for kid. When the source caches, a miss drops the
// cache and retries once so rotated keys are picked up.
func (v *Verifier) selectKey(ctx context.Context, kid string) (JWK, error) {
	if kid == "" {
		return JWK{}, fmt.Errorf("%w: token header has no kid", ErrKeyNotFound)
	}

	set, err := v.keys.Keys(ctx)
	if err != nil {
		return JWK{}, fmt.Errorf("failed to fetch apple public keys: %w", err)
	}
	if key, ok := set.Find(kid); ok {
		return key, nil
	}

	invalidator, ok := v.keys.(Invalidator)
	if !ok {
		return JWK{}, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}

	v.logger.Info("Unknown kid, refreshing cached key set", "kid", kid)
	if err := invalidator.Invalidate(ctx); err != nil {
		v.logger.Warn("Failed to invalidate key set", "error", err)
	}
	set, err = v.keys.Keys(ctx)
	if err != nil {
		return JWK{}, fmt.Errorf("failed to fetch apple public keys: %w", err)
	}
	if key, ok := set.Find(kid); ok {
		return key, nil
	}
	return JWK{}, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
}

func audienceContains(values jwt.ClaimStrings, target string) bool {
	for _, val := range values {
		if val == target {
			return true
		}
	}
	return false
}
