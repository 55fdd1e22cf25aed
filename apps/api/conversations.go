package main

import (
	"net/http"

	"github.com/mahaj/mingle-realtime/pkg/model"
)

// listChats returns the caller's chats, most recent activity first.
func (s *server) listChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.dispatcher.ListChats(r.Context(), currentUser(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if chats == nil {
		chats = []*model.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

// createChat answers 201 for a new chat and 200 when an existing direct chat
// between the same two users is returned.
func (s *server) createChat(w http.ResponseWriter, r *http.Request) {
	var cmd model.CreateChat
	if err := decodeBody(w, r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	chat, created, err := s.dispatcher.CreateChat(r.Context(), currentUser(r), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, chat)
}

func (s *server) addMembers(w http.ResponseWriter, r *http.Request) {
	var cmd model.AddMembers
	if err := decodeBody(w, r, &cmd); err != nil {
		s.writeError(w, r, err)
		return
	}
	chat, err := s.dispatcher.AddMembers(r.Context(), currentUser(r), r.PathValue("chatId"), cmd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}
