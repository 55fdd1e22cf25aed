package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

type EventType string

// Client to server.
const (
	EventChatJoin    EventType = "chat:join"
	EventChatLeave   EventType = "chat:leave"
	EventMessageSend EventType = "message:send"
)

// Both directions.
const (
	EventTyping      EventType = "typing"
	EventStopTyping  EventType = "stop_typing"
	EventMessageRead EventType = "message:read"
)

// Server to client.
const (
	EventPresenceChanged EventType = "presence:changed"
	EventMessageNew      EventType = "message:new"
	EventChatNew         EventType = "chat:new"
	EventChatUpdated     EventType = "chat:updated"
	EventError           EventType = "error"
	// EventChatJoined acknowledges a chat:join and echoes its frame id.
	EventChatJoined EventType = "chat:joined"
)

const (
	MaxTextLength   = 5000
	MaxReadBatch    = 500
	MinGroupNameLen = 2
	MaxGroupNameLen = 80
)

// Envelope is the frame exchanged over the socket in both directions.
type Envelope struct {
	Type    EventType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into a frame of the given type.
func NewEnvelope(t EventType, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrValidation, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrValidation, e.Type, err)
	}
	return nil
}

// ChatRef is the payload of chat:join, chat:leave, typing and stop_typing
// as sent by clients.
type ChatRef struct {
	ChatID string `json:"chatId"`
}

func (c ChatRef) Validate() error {
	if strings.TrimSpace(c.ChatID) == "" {
		return fmt.Errorf("%w: chatId is required", ErrValidation)
	}
	return nil
}

type SendMessage struct {
	ChatID   string `json:"chatId"`
	Text     string `json:"text"`
	ImageURL string `json:"imageUrl"`
}

func (s SendMessage) Validate() error {
	if strings.TrimSpace(s.ChatID) == "" {
		return fmt.Errorf("%w: chatId is required", ErrValidation)
	}
	if strings.TrimSpace(s.Text) == "" && strings.TrimSpace(s.ImageURL) == "" {
		return fmt.Errorf("%w: text or imageUrl is required", ErrValidation)
	}
	if utf8.RuneCountInString(s.Text) > MaxTextLength {
		return fmt.Errorf("%w: text exceeds %d characters", ErrValidation, MaxTextLength)
	}
	return nil
}

type MarkRead struct {
	ChatID     string   `json:"chatId"`
	MessageIDs []string `json:"messageIds"`
}

func (m MarkRead) Validate() error {
	if strings.TrimSpace(m.ChatID) == "" {
		return fmt.Errorf("%w: chatId is required", ErrValidation)
	}
	ids := UniqueIDs(m.MessageIDs...)
	if len(ids) == 0 {
		return fmt.Errorf("%w: messageIds must not be empty", ErrValidation)
	}
	if len(ids) > MaxReadBatch {
		return fmt.Errorf("%w: at most %d messageIds per call", ErrValidation, MaxReadBatch)
	}
	return nil
}

type CreateChat struct {
	IsGroup   bool     `json:"isGroup"`
	Name      string   `json:"name"`
	MemberIDs []string `json:"memberIds"`
}

func (c CreateChat) Validate() error {
	if len(UniqueIDs(c.MemberIDs...)) == 0 {
		return fmt.Errorf("%w: memberIds must not be empty", ErrValidation)
	}
	if !c.IsGroup {
		if c.Name != "" {
			return fmt.Errorf("%w: direct chats have no name", ErrValidation)
		}
		return nil
	}
	n := utf8.RuneCountInString(strings.TrimSpace(c.Name))
	if n < MinGroupNameLen || n > MaxGroupNameLen {
		return fmt.Errorf("%w: group name must be %d-%d characters", ErrValidation, MinGroupNameLen, MaxGroupNameLen)
	}
	return nil
}

type AddMembers struct {
	MemberIDs []string `json:"memberIds"`
}

func (a AddMembers) Validate() error {
	if len(UniqueIDs(a.MemberIDs...)) == 0 {
		return fmt.Errorf("%w: memberIds must not be empty", ErrValidation)
	}
	return nil
}

type PresenceChanged struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// TypingSignal is the server-side typing / stop_typing payload.
type TypingSignal struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type MessageNew struct {
	Message *Message `json:"message"`
}

type MessageReadEvent struct {
	ChatID     string   `json:"chatId"`
	UserID     string   `json:"userId"`
	MessageIDs []string `json:"messageIds"`
}

type ChatNew struct {
	Chat *Chat `json:"chat"`
}

// ChatUpdated carries either the full chat (membership change) or the chat
// id with its new last message (message activity).
type ChatUpdated struct {
	Chat        *Chat    `json:"chat,omitempty"`
	ChatID      string   `json:"chatId,omitempty"`
	LastMessage *Message `json:"lastMessage,omitempty"`
}

type ErrorEvent struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Event   EventType `json:"event,omitempty"`
	ID      string    `json:"id,omitempty"`
}
