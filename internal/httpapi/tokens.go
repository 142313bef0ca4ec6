package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/rtrelay/internal/token"
)

type issueTokenRequest struct {
	SessionID  string `json:"session_id"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type issueTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type validateTokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = s.cfg.TokenDefaultTTL
	}

	tok, err := s.tokens.Issue(r.Context(), req.SessionID, ttl)
	if err != nil {
		s.metrics.StoreErrors.WithLabelValues(s.tokens.Backend(), "issue").Inc()
		s.logger.Error().Err(err).Str("session_id", req.SessionID).Msg("issue token failed")
		respondError(w, http.StatusInternalServerError, "token_issue_failed", "could not issue token")
		return
	}
	respondJSON(w, http.StatusOK, issueTokenResponse{Token: tok.Value, ExpiresAt: tok.ExpiresAt})
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var req validateTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sessionID, err := s.tokens.Validate(r.Context(), strings.TrimSpace(req.Token))
	if err != nil {
		if errors.Is(err, token.ErrInvalid) {
			respondError(w, http.StatusUnauthorized, "invalid_token", err.Error())
			return
		}
		s.metrics.StoreErrors.WithLabelValues(s.tokens.Backend(), "validate").Inc()
		respondError(w, http.StatusInternalServerError, "token_validate_failed", "could not validate token")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "valid": true})
}
