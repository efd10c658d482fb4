package marketapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"Marketplace-Realtime/internal/auth"
	"Marketplace-Realtime/internal/marketplace"
)

type Server struct {
	market *marketplace.Manager
	auth   auth.Authenticator
	logger *zap.Logger
}

func NewServer(m *marketplace.Manager, authn auth.Authenticator, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{market: m, auth: authn, logger: logger}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/proposals", s.withUser(s.handleProposals))
	mux.HandleFunc("/api/proposals/", s.withUser(s.handleProposal))
	mux.HandleFunc("/api/messages", s.withUser(s.handleMessages))
	mux.HandleFunc("/api/messages/", s.withUser(s.handleMessage))
	mux.HandleFunc("/api/notifications", s.withUser(s.handleNotifications))
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

func (s *Server) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.market == nil {
			writeError(w, http.StatusServiceUnavailable, "marketplace service unavailable")
			return
		}
		userID, err := s.auth.Authenticate(r)
		if errors.Is(err, auth.ErrUnauthenticated) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if err != nil {
			s.logger.Error("authenticate request", zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "authentication unavailable")
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req marketplace.ProposalInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	p, err := s.market.SubmitProposal(r.Context(), userID, req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"proposal": p})
}

func (s *Server) handleProposal(w http.ResponseWriter, r *http.Request, userID string) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/api/proposals/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "proposal id missing")
		return
	}
	proposalID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		p, err := s.market.GetProposal(r.Context(), userID, proposalID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"proposal": p})
	case action == "status" && r.Method == http.MethodPost:
		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		p, err := s.market.UpdateProposalStatus(r.Context(), userID, proposalID, req.Status)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"proposal": p})
	default:
		writeError(w, http.StatusNotFound, "route not found")
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		RecipientID string `json:"recipientId"`
		Body        string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	msg, err := s.market.SendMessage(r.Context(), userID, req.RecipientID, req.Body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request, userID string) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "read" {
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	msg, err := s.market.MarkMessageRead(r.Context(), userID, parts[0])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	items, err := s.market.Notifications(r.Context(), userID, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, marketplace.ErrInvalidInput), errors.Is(err, marketplace.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, marketplace.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, marketplace.ErrProposalNotFound), errors.Is(err, marketplace.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, marketplace.ErrProposalClosed), errors.Is(err, marketplace.ErrProposalExists):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("marketplace request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
