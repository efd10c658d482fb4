// Package auth resolves the user behind a request. Session issuance lives
// elsewhere; this package only validates tokens already in the store.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"Marketplace-Realtime/internal/store"
)

var ErrUnauthenticated = errors.New("unauthenticated")

const SessionCookie = "session_token"

// Authenticator returns the user id for r or ErrUnauthenticated.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

type sessionLookup interface {
	SessionUser(ctx context.Context, token string) (string, error)
}

// SessionAuthenticator accepts a bearer token or the session cookie.
type SessionAuthenticator struct {
	sessions sessionLookup
}

func NewSessionAuthenticator(sessions sessionLookup) *SessionAuthenticator {
	return &SessionAuthenticator{sessions: sessions}
}

func (a *SessionAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		if c, err := r.Cookie(SessionCookie); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		return "", ErrUnauthenticated
	}
	userID, err := a.sessions.SessionUser(r.Context(), token)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrUnauthenticated
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}
