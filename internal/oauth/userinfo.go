package oauth

import "time"

// ExtractUserInformation maps verified identity token claims to the user
// record attached to a TokenResponse.
func ExtractUserInformation(claims *IdentityTokenClaims) *UserInformation {
	if claims == nil {
		return nil
	}

	emailVerified := string(claims.EmailVerified)
	if emailVerified == "" {
		emailVerified = "False"
	}

	var authenticatedAt time.Time
	if claims.AuthTime > 0 {
		authenticatedAt = time.Unix(claims.AuthTime, 0).UTC()
	}

	return &UserInformation{
		UserID:               claims.Subject,
		Email:                claims.Email,
		EmailVerified:        emailVerified,
		TimeOfAuthentication: authenticatedAt,
		Nonce:                claims.Nonce,
	}
}
