package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mahaj/mingle-realtime/pkg/model"
)

// listMessages returns a chat's history oldest first.
func (s *server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.dispatcher.ListMessages(r.Context(), currentUser(r), r.PathValue("chatId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// sendMessage persists a message and fans it out exactly like the socket's
// message:send.
func (s *server) sendMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := model.ValidateBody(model.EventMessageSend, body); err != nil {
		s.writeError(w, r, err)
		return
	}
	var cmd model.SendMessage
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&cmd); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: request body: %v", model.ErrValidation, err))
		return
	}

	msg, err := s.dispatcher.SendMessage(r.Context(), currentUser(r), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
