package oauth

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinClientSecretTTL is the shortest lifetime given to a client secret.
// Smaller requests are raised to it.
const MinClientSecretTTL = 5 * time.Minute

// MaxClientSecretTTL is the longest lifetime Apple accepts (15777000 seconds).
const MaxClientSecretTTL = 15777000 * time.Second

// MaxClientSecretMinutes is MaxClientSecretTTL in whole minutes.
const MaxClientSecretMinutes = int(MaxClientSecretTTL / time.Minute)

// ClientSecretClaims is the payload of the client secret JWT. Apple expects
// aud as a plain string, so jwt.RegisteredClaims is not used here.
type ClientSecretClaims struct {
	Issuer    string           `json:"iss"`
	IssuedAt  *jwt.NumericDate `json:"iat"`
	ExpiresAt *jwt.NumericDate `json:"exp"`
	Audience  string           `json:"aud"`
	Subject   string           `json:"sub"`
}

func (c ClientSecretClaims) GetExpirationTime() (*jwt.NumericDate, error) { return c.ExpiresAt, nil }
func (c ClientSecretClaims) GetIssuedAt() (*jwt.NumericDate, error)       { return c.IssuedAt, nil }
func (c ClientSecretClaims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (c ClientSecretClaims) GetIssuer() (string, error)                   { return c.Issuer, nil }
func (c ClientSecretClaims) GetSubject() (string, error)                  { return c.Subject, nil }
func (c ClientSecretClaims) GetAudience() (jwt.ClaimStrings, error) {
	return jwt.ClaimStrings{c.Audience}, nil
}

// clientSecretTTL applies the minimum window to a requested lifetime in minutes.
// Values above MaxClientSecretMinutes are capped.
func clientSecretTTL(expirationMinutes int) time.Duration {
	if expirationMinutes > MaxClientSecretMinutes {
		return time.Duration(MaxClientSecretMinutes) * time.Minute
	}
	ttl := time.Duration(expirationMinutes) * time.Minute
	if ttl < MinClientSecretTTL {
		return MinClientSecretTTL
	}
	return ttl
}

// NewClientSecretClaims builds the claims for a client secret issued at now.
func NewClientSecretClaims(teamID, clientID string, expirationMinutes int, now time.Time) ClientSecretClaims {
	now = now.UTC()
	return ClientSecretClaims{
		Issuer:    teamID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(clientSecretTTL(expirationMinutes))),
		Audience:  Issuer,
		Subject:   clientID,
	}
}

// SignClientSecret returns an ES256 JWT usable as client_secret.
func SignClientSecret(key *ecdsa.PrivateKey, teamID, clientID, keyID string, expirationMinutes int, now time.Time) (string, error) {
	if key == nil || teamID == "" || clientID == "" || keyID == "" {
		return "", fmt.Errorf("%w: key, team id, client id and key id are required", ErrInvalidParameter)
	}
	if expirationMinutes > MaxClientSecretMinutes {
		return "", fmt.Errorf("%w: client secret lifetime of %d minutes exceeds %d", ErrInvalidParameter, expirationMinutes, MaxClientSecretMinutes)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, NewClientSecretClaims(teamID, clientID, expirationMinutes, now))
	token.Header["kid"] = keyID

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign client secret: %w", err)
	}
	return signed, nil
}

// Signer issues client secrets for one team/client/key combination.
type Signer struct {
	TeamID            string
	ClientID          string
	KeyID             string
	ExpirationMinutes int
	Now               func() time.Time
}

// Sign parses rawKey and signs a fresh client secret.
func (s Signer) Sign(rawKey string) (string, error) {
	if rawKey == "" {
		return "", fmt.Errorf("%w: private key is required", ErrInvalidParameter)
	}
	key, err := ParsePrivateKey(rawKey)
	if err != nil {
		return "", err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return SignClientSecret(key, s.TeamID, s.ClientID, s.KeyID, s.ExpirationMinutes, now())
}
