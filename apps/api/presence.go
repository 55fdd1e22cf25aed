package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mahaj/mingle-realtime/pkg/model"
)

const maxPresenceQuery = 200

// presenceQuery answers GET /presence?users=a,b with a user -> online map.
func (s *server) presenceQuery(w http.ResponseWriter, r *http.Request) {
	raw := strings.Split(r.URL.Query().Get("users"), ",")
	for i := range raw {
		raw[i] = strings.TrimSpace(raw[i])
	}
	users := model.UniqueIDs(raw...)
	if len(users) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: users is required", model.ErrValidation))
		return
	}
	if len(users) > maxPresenceQuery {
		s.writeError(w, r, fmt.Errorf("%w: at most %d users per query", model.ErrValidation, maxPresenceQuery))
		return
	}

	online, err := s.presence.OnlineUsers(r.Context(), users)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("presence lookup: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, online)
}
