package marketapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"Marketplace-Realtime/internal/auth"
	"Marketplace-Realtime/internal/marketplace"
	"Marketplace-Realtime/internal/realtime"
	"Marketplace-Realtime/internal/store"
)

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, realtime.Envelope) error { return nil }

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	for token, user := range map[string]string{"tok-employer": "employer", "tok-freelancer": "freelancer"} {
		if err := st.CreateSession(context.Background(), token, user, time.Hour); err != nil {
			t.Fatalf("session: %v", err)
		}
	}
	s := NewServer(marketplace.NewManager(st, discardPublisher{}, nil, false), auth.NewSessionAuthenticator(st), nil)
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func do(mux *http.ServeMux, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestProposalFlow(t *testing.T) {
	mux := newTestMux(t)

	rec := do(mux, http.MethodPost, "/api/proposals", "tok-freelancer", `{"jobId":"job-7","employerId":"employer","amountCents":1200}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit failed: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Proposal store.Proposal `json:"proposal"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id := created.Proposal.ID

	rec = do(mux, http.MethodPost, "/api/proposals", "tok-freelancer", `{"jobId":"job-7","employerId":"employer"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate submit: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(mux, http.MethodGet, "/api/proposals/"+id, "tok-employer", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(mux, http.MethodPost, "/api/proposals/"+id+"/status", "tok-freelancer", `{"status":"accepted"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("freelancer accept: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(mux, http.MethodPost, "/api/proposals/"+id+"/status", "tok-employer", `{"status":"accepted"}`)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"accepted"`)) {
		t.Fatalf("accept failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(mux, http.MethodGet, "/api/notifications?limit=5", "tok-freelancer", "")
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"proposal_status"`)) {
		t.Fatalf("freelancer inbox: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMessageFlow(t *testing.T) {
	mux := newTestMux(t)

	rec := do(mux, http.MethodPost, "/api/messages", "tok-employer", `{"recipientId":"freelancer","body":"hi"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("send failed: %d %s", rec.Code, rec.Body.String())
	}
	var sent struct {
		Message store.Message `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sent); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = do(mux, http.MethodPost, "/api/messages/"+sent.Message.ID+"/read", "tok-employer", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("sender read: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(mux, http.MethodPost, "/api/messages/"+sent.Message.ID+"/read", "tok-freelancer", "")
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"read"`)) {
		t.Fatalf("read failed: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(mux, http.MethodPost, "/api/messages/missing/read", "tok-freelancer", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing message: %d %s", rec.Code, rec.Body.String())
	}
}

func TestRequiresSession(t *testing.T) {
	mux := newTestMux(t)

	if rec := do(mux, http.MethodGet, "/api/notifications", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := do(mux, http.MethodGet, "/api/notifications", "bogus", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", rec.Code)
	}
	if rec := do(mux, http.MethodGet, "/api/proposals", "tok-employer", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
