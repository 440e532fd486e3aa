package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/providentiaww/appleauth/internal/events"
	"github.com/providentiaww/appleauth/internal/oauth"
)

// Provider is the part of *oauth.Provider the HTTP layer uses.
type Provider interface {
	Config() oauth.Config
	ButtonHref() string
	AndroidRedirect(form map[string]string) string
	ExchangeAuthorizationCode(ctx context.Context, code, privateKey string) (*oauth.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken, privateKey string) (*oauth.TokenResponse, error)
	Revoke(ctx context.Context, token, privateKey, tokenTypeHint string) error
	VerifyIdentityToken(ctx context.Context, idToken string) (*oauth.UserInformation, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// maxBodyBytes bounds request bodies; Apple's form_post and the JSON
// payloads are a few kilobytes at most.
const maxBodyBytes = 64 << 10

// Server exposes the Sign in with Apple endpoints.
type Server struct {
	provider   Provider
	privateKey string
	publisher  events.Publisher
	logger     *slog.Logger
	checks     map[string]HealthCheck
}

// NewServer creates a new server. privateKey is the .p8 content used to sign
// client secrets.
func NewServer(provider Provider, privateKey string, publisher events.Publisher, logger *slog.Logger) *Server {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		provider:   provider,
		privateKey: privateKey,
		publisher:  publisher,
		logger:     logger,
		checks:     make(map[string]HealthCheck),
	}
}

// AddHealthCheck registers a check reported by /health.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// Routes registers all endpoints on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/auth/apple/login", s.HandleLogin)
	mux.HandleFunc("/auth/apple/callback", s.HandleCallback)
	mux.HandleFunc("/auth/apple/android", s.HandleAndroid)
	mux.HandleFunc("/auth/apple/refresh", s.HandleRefresh)
	mux.HandleFunc("/auth/apple/revoke", s.HandleRevoke)
	return mux
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	failed := make(map[string]string)
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			s.logger.Warn("Health check failed", "check", name, "error", err)
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"checks": failed,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// HandleLogin redirects the browser to Apple's authorization page.
func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	http.Redirect(w, r, s.provider.ButtonHref(), http.StatusFound)
}

type callbackResponse struct {
	*oauth.TokenResponse
	User *oauth.UserDetails `json:"user,omitempty"`
}

// HandleCallback receives Apple's form_post, exchanges the code and returns
// the verified token response.
func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form body", http.StatusBadRequest)
		return
	}

	initial := oauth.InitialTokenResponse{
		State:   r.PostFormValue("state"),
		Code:    r.PostFormValue("code"),
		IDToken: r.PostFormValue("id_token"),
		User:    r.PostFormValue("user"),
	}

	if expected := s.provider.Config().State; expected != "" && initial.State != expected {
		s.logger.Warn("Apple callback state mismatch")
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return
	}
	if initial.Code == "" {
		http.Error(w, "Missing code", http.StatusBadRequest)
		return
	}

	user, err := initial.UserDetails()
	if err != nil {
		s.writeError(w, err)
		return
	}

	// The id_token posted with the code must be valid and name the same user
	// as the one returned by the exchange.
	var posted *oauth.UserInformation
	if initial.IDToken != "" {
		if posted, err = s.provider.VerifyIdentityToken(r.Context(), initial.IDToken); err != nil {
			s.writeError(w, err)
			return
		}
	}

	resp, err := s.provider.ExchangeAuthorizationCode(r.Context(), initial.Code, s.privateKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if posted != nil && resp.UserInformation != nil && posted.UserID != resp.UserInformation.UserID {
		s.writeError(w, fmt.Errorf("%w: posted id_token subject does not match exchanged token", oauth.ErrClaimValidation))
		return
	}

	event := events.NewEvent(events.TypeUserSignedIn)
	if resp.UserInformation != nil {
		event.UserID = resp.UserInformation.UserID
		event.Email = resp.UserInformation.Email
	}
	s.publish(r.Context(), event)

	writeJSON(w, http.StatusOK, callbackResponse{TokenResponse: resp, User: user})
}

// HandleAndroid forwards Apple's form_post to the Android app.
func (s *Server) HandleAndroid(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.provider.Config().AndroidPackage == "" {
		http.Error(w, "Android redirect not configured", http.StatusNotFound)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form body", http.StatusBadRequest)
		return
	}

	form := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		form[key] = r.PostForm.Get(key)
	}
	http.Redirect(w, r, s.provider.AndroidRedirect(form), http.StatusTemporaryRedirect)
}

// HandleRefresh validates a refresh token with Apple.
func (s *Server) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}

	resp, err := s.provider.Refresh(r.Context(), payload.RefreshToken, s.privateKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRevoke revokes an access or refresh token.
func (s *Server) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		Token         string `json:"token"`
		TokenTypeHint string `json:"token_type_hint"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	switch payload.TokenTypeHint {
	case "", oauth.TokenTypeHintAccessToken, oauth.TokenTypeHintRefreshToken:
	default:
		http.Error(w, "Unsupported token_type_hint", http.StatusBadRequest)
		return
	}

	if err := s.provider.Revoke(r.Context(), payload.Token, s.privateKey, payload.TokenTypeHint); err != nil {
		s.writeError(w, err)
		return
	}

	event := events.NewEvent(events.TypeUserRevoked)
	event.TokenFingerprint = oauth.TokenFingerprint(payload.Token)
	s.publish(r.Context(), event)

	w.WriteHeader(http.StatusNoContent)
}

// publish never fails the request; sign-in has already succeeded.
func (s *Server) publish(ctx context.Context, event events.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish event", "type", event.Type, "error", err)
	}
}

// writeError maps provider errors to HTTP responses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var remote *oauth.RemoteRequestError
	switch {
	case errors.As(err, &remote):
		s.logger.Warn("Apple rejected request", "status", remote.StatusCode, "error_code", remote.ErrorCode())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write(remote.Body)
	case errors.Is(err, oauth.ErrInvalidParameter):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, oauth.ErrMalformedToken),
		errors.Is(err, oauth.ErrExpiredToken),
		errors.Is(err, oauth.ErrKeyNotFound),
		errors.Is(err, oauth.ErrSignature),
		errors.Is(err, oauth.ErrClaimValidation):
		s.logger.Warn("Identity token rejected", "error", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("Apple request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
