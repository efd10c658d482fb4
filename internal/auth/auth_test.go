package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"Marketplace-Realtime/internal/store"
)

type fakeSessions map[string]string

func (f fakeSessions) SessionUser(_ context.Context, token string) (string, error) {
	if token == "broken" {
		return "", errors.New("db down")
	}
	if u, ok := f[token]; ok {
		return u, nil
	}
	return "", store.ErrNotFound
}

func TestSessionAuthenticator(t *testing.T) {
	a := NewSessionAuthenticator(fakeSessions{"tok": "u1"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok")
	if user, err := a.Authenticate(req); err != nil || user != "u1" {
		t.Fatalf("bearer: %q, %v", user, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "tok"})
	if user, err := a.Authenticate(req); err != nil || user != "u1" {
		t.Fatalf("cookie: %q, %v", user, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := a.Authenticate(req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("anonymous: expected ErrUnauthenticated, got %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer unknown")
	if _, err := a.Authenticate(req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("unknown token: expected ErrUnauthenticated, got %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer broken")
	if _, err := a.Authenticate(req); err == nil || errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("store failure should surface, got %v", err)
	}
}
