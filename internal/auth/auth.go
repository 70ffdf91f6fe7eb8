// Package auth verifies callers and supplies their session. A session
// carries the caller's calendar identity and the access token handed to
// the calendar provider on their behalf. Absence of a session
// short-circuits a chat request before any background work starts.
package auth

import (
	"context"
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"

	"github.com/almanac-ai/almanac/internal/config"
)

// Session is an authenticated caller.
type Session struct {
	// Email is the caller's calendar identity, used as the organizer
	// and self-attendee when scheduling with other attendees.
	Email string
	// AccessToken is presented to the calendar provider.
	AccessToken string
}

// Authenticator resolves a presented credential to a session. A nil
// session means the caller is not authenticated.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) *Session
}

// Static authenticates against a single configured API key, either in
// the clear or as a bcrypt hash, and maps it to the configured user.
type Static struct {
	apiKey     string
	apiKeyHash string
	session    Session
}

// NewStatic builds an authenticator from configuration.
func NewStatic(cfg config.AuthConfig) *Static {
	return &Static{
		apiKey:     cfg.APIKey,
		apiKeyHash: cfg.APIKeyHash,
		session: Session{
			Email:       cfg.UserEmail,
			AccessToken: cfg.CalendarToken,
		},
	}
}

// Authenticate checks the presented credential. The bcrypt hash takes
// precedence when configured; otherwise a constant-time comparison
// against the clear key applies. With neither configured, every caller
// is rejected.
func (a *Static) Authenticate(_ context.Context, credential string) *Session {
	if credential == "" {
		return nil
	}

	if a.apiKeyHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(a.apiKeyHash), []byte(credential)) != nil {
			return nil
		}
		s := a.session
		return &s
	}

	if a.apiKey == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(a.apiKey), []byte(credential)) != 1 {
		return nil
	}
	s := a.session
	return &s
}
