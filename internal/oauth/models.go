package oauth

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Issuer is the iss claim of Apple identity tokens and the aud of client secrets.
	Issuer = "https://appleid.apple.com"

	// DefaultBaseURL hosts the token, revoke and keys endpoints.
	DefaultBaseURL = "https://appleid.apple.com"

	AuthorizePath = "/auth/authorize"
	TokenPath     = "/auth/token"
	RevokePath    = "/auth/revoke"
	KeysPath      = "/auth/keys"
)

// Grant types sent as grant_type.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// Token type hints accepted by the revoke endpoint.
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// TokenResponse is Apple's reply to a token request.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`

	// UserInformation is set only after the id_token has been verified.
	UserInformation *UserInformation `json:"user_information,omitempty"`
}

// UserInformation describes the signed-in user.
type UserInformation struct {
	UserID               string    `json:"user_id"`
	Email                string    `json:"email"`
	EmailVerified        string    `json:"email_verified"`
	TimeOfAuthentication time.Time `json:"time_of_authentication"`
	Nonce                string    `json:"nonce,omitempty"`
}

// InitialTokenResponse maps the form Apple posts to the redirect URL.
// User is only sent the first time a user signs in.
type InitialTokenResponse struct {
	State   string `json:"state"`
	Code    string `json:"code"`
	IDToken string `json:"id_token"`
	User    string `json:"user,omitempty"`
}

// UserName is the name the user chose to share.
type UserName struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// UserDetails is the JSON object carried in InitialTokenResponse.User.
type UserDetails struct {
	Name  UserName `json:"name"`
	Email string   `json:"email"`
}

// UserDetails decodes the user field. It returns nil when Apple sent none.
func (r InitialTokenResponse) UserDetails() (*UserDetails, error) {
	if r.User == "" {
		return nil, nil
	}
	var details UserDetails
	if err := json.Unmarshal([]byte(r.User), &details); err != nil {
		return nil, fmt.Errorf("%w: user: %v", ErrInvalidParameter, err)
	}
	return &details, nil
}

// IdentityTokenClaims are the claims carried by an Apple id_token.
type IdentityTokenClaims struct {
	jwt.RegisteredClaims
	Email          string     `json:"email,omitempty"`
	EmailVerified  FlexString `json:"email_verified,omitempty"`
	IsPrivateEmail FlexString `json:"is_private_email,omitempty"`
	AuthTime       int64      `json:"auth_time,omitempty"`
	Nonce          string     `json:"nonce,omitempty"`
	NonceSupported bool       `json:"nonce_supported,omitempty"`
	RealUserStatus int        `json:"real_user_status,omitempty"`
}

// FlexString accepts either a JSON string or a JSON bool. Apple has sent
// email_verified in both forms.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	*f = FlexString(strconv.FormatBool(b))
	return nil
}
