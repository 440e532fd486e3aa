package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error kinds returned by the provider. Callers match them with errors.Is.
var (
	ErrInvalidParameter = errors.New("one or more parameters is empty")
	ErrKeyFormat        = errors.New("invalid private key")
	ErrMalformedToken   = errors.New("malformed identity token")
	ErrExpiredToken     = errors.New("identity token expired")
	ErrKeyNotFound      = errors.New("no public key matches token kid")
	ErrSignature        = errors.New("identity token signature invalid")
	ErrClaimValidation  = errors.New("identity token claim mismatch")
)

// RemoteRequestError is returned when Apple answers with a non-2xx status.
// Body holds the raw response, typically {"error":"invalid_grant"}.
type RemoteRequestError struct {
	StatusCode int
	Body       []byte
}

func (e *RemoteRequestError) Error() string {
	return fmt.Sprintf("apple request failed with status %d: %s", e.StatusCode, string(e.Body))
}

// ErrorCode extracts the "error" field from the response body, if any.
func (e *RemoteRequestError) ErrorCode() string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(e.Body, &payload); err != nil {
		return ""
	}
	return payload.Error
}
