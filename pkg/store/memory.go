package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mahaj/mingle-realtime/pkg/model"
)

// Memory is an in-process ChatStore and MessageStore. Records are cloned on
// the way in and out so callers never share state with the store.
type Memory struct {
	mu       sync.RWMutex
	chats    map[string]*model.Chat
	direct   map[string]string // model.DirectKey -> chat id
	messages map[string]*model.Message
	byChat   map[string][]string // chat id -> message ids in insertion order
}

func NewMemory() *Memory {
	return &Memory{
		chats:    make(map[string]*model.Chat),
		direct:   make(map[string]string),
		messages: make(map[string]*model.Message),
		byChat:   make(map[string][]string),
	}
}

func (s *Memory) FindChat(_ context.Context, chatID string) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", chatID, model.ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *Memory) FindDirectChat(_ context.Context, a, b string) (*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.direct[model.DirectKey(a, b)]
	if !ok {
		return nil, fmt.Errorf("direct chat %s/%s: %w", a, b, model.ErrNotFound)
	}
	return s.chats[id].Clone(), nil
}

func (s *Memory) ListChats(_ context.Context, userID string) ([]*model.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Chat
	for _, c := range s.chats {
		if c.IsMember(userID) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Memory) CreateChat(_ context.Context, chat *model.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chat.ID]; ok {
		return fmt.Errorf("chat %s: %w", chat.ID, model.ErrConflict)
	}
	if !chat.IsGroup && len(chat.Members) == 2 {
		key := model.DirectKey(chat.Members[0], chat.Members[1])
		if _, ok := s.direct[key]; ok {
			return fmt.Errorf("direct chat %s: %w", key, model.ErrConflict)
		}
		s.direct[key] = chat.ID
	}
	s.chats[chat.ID] = chat.Clone()
	return nil
}

func (s *Memory) AddMembers(_ context.Context, chatID string, memberIDs []string, at time.Time) (*model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", chatID, model.ErrNotFound)
	}
	c.Members = model.UniqueIDs(append(slices.Clone(c.Members), memberIDs...)...)
	c.UpdatedAt = at
	return c.Clone(), nil
}

func (s *Memory) SetLastMessage(_ context.Context, chatID string, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("chat %s: %w", chatID, model.ErrNotFound)
	}
	c.LastMessage = msg.Clone()
	c.UpdatedAt = msg.CreatedAt
	return nil
}

func (s *Memory) CreateMessage(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.ID]; ok {
		return fmt.Errorf("message %s already exists", msg.ID)
	}
	s.messages[msg.ID] = msg.Clone()
	s.byChat[msg.ChatID] = append(s.byChat[msg.ChatID], msg.ID)
	return nil
}

func (s *Memory) ListMessages(_ context.Context, chatID string) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byChat[chatID]
	out := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.messages[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *Memory) MarkRead(_ context.Context, chatID, userID string, messageIDs []string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := model.UniqueIDs(messageIDs...)
	for _, id := range ids {
		m, ok := s.messages[id]
		if !ok || m.ChatID != chatID {
			return 0, fmt.Errorf("message %s in chat %s: %w", id, chatID, model.ErrNotFound)
		}
	}

	added := 0
	for _, id := range ids {
		if s.messages[id].MarkRead(userID, at) {
			added++
		}
	}
	return added, nil
}

// Message returns a copy of a stored message; used by tests and tooling.
func (s *Memory) Message(id string) (*model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	return m.Clone(), ok
}
