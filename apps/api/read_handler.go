package main

import (
	"net/http"

	"github.com/mahaj/mingle-realtime/pkg/model"
)

type ReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

type ReadResponse struct {
	Added int `json:"added"`
}

func (s *server) markRead(w http.ResponseWriter, r *http.Request) {
	var req ReadRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cmd := model.MarkRead{ChatID: r.PathValue("chatId"), MessageIDs: req.MessageIDs}
	added, err := s.dispatcher.MarkRead(r.Context(), currentUser(r), "", cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReadResponse{Added: added})
}
