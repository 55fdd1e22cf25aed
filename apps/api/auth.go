package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mahaj/mingle-realtime/pkg/model"
)

type LoginRequest struct {
	UserID string `json:"userId"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type TokenResponse struct {
	UserID       string `json:"userId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// login is a development login: any non-empty user id gets a token pair.
func (s *server) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		s.writeError(w, r, fmt.Errorf("%w: userId is required", model.ErrValidation))
		return
	}
	s.issuePair(w, r, userID)
}

func (s *server) refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	userID, err := s.tokens.VerifyRefresh(req.RefreshToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.issuePair(w, r, userID)
}

func (s *server) issuePair(w http.ResponseWriter, r *http.Request, userID string) {
	access, err := s.tokens.IssueAccess(userID)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("issue access token: %w", err))
		return
	}
	refresh, err := s.tokens.IssueRefresh(userID)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("issue refresh token: %w", err))
		return
	}
	s.logger.Info("user logged in", "user_id", userID)
	writeJSON(w, http.StatusOK, TokenResponse{UserID: userID, AccessToken: access, RefreshToken: refresh})
}
