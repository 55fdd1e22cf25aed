package reconcile

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mahaj/mingle-realtime/pkg/model"
)

// State is everything a client renders. It is safe for concurrent use: the
// socket reader applies events while the UI reads.
type State struct {
	mu     sync.RWMutex
	self   string
	now    func() time.Time
	views  map[string]*View
	unread map[string]int
	active string
	typing map[string]map[string]struct{}
	online map[string]bool
	chats  map[string]*model.Chat
}

func NewState(selfID string) *State {
	return &State{
		self:   selfID,
		now:    time.Now,
		views:  make(map[string]*View),
		unread: make(map[string]int),
		typing: make(map[string]map[string]struct{}),
		online: make(map[string]bool),
		chats:  make(map[string]*model.Chat),
	}
}

func (s *State) view(chatID string) *View {
	v, ok := s.views[chatID]
	if !ok {
		v = NewView()
		s.views[chatID] = v
	}
	return v
}

// Apply merges one server event. Unknown event types are ignored.
func (s *State) Apply(env model.Envelope) error {
	switch env.Type {
	case model.EventMessageNew:
		var ev model.MessageNew
		if err := env.Decode(&ev); err != nil {
			return err
		}
		if ev.Message == nil {
			return fmt.Errorf("%w: message:new without message", model.ErrValidation)
		}
		s.addMessage(ev.Message)

	case model.EventMessageRead:
		var ev model.MessageReadEvent
		if err := env.Decode(&ev); err != nil {
			return err
		}
		s.mu.Lock()
		s.view(ev.ChatID).MarkRead(ev.UserID, ev.MessageIDs, s.now())
		s.mu.Unlock()

	case model.EventTyping, model.EventStopTyping:
		var ev model.TypingSignal
		if err := env.Decode(&ev); err != nil {
			return err
		}
		s.setTyping(ev.ChatID, ev.UserID, env.Type == model.EventTyping)

	case model.EventPresenceChanged:
		var ev model.PresenceChanged
		if err := env.Decode(&ev); err != nil {
			return err
		}
		s.SetOnline(ev.UserID, ev.Online)

	case model.EventChatNew:
		var ev model.ChatNew
		if err := env.Decode(&ev); err != nil {
			return err
		}
		if ev.Chat != nil {
			s.upsertChat(ev.Chat)
		}

	case model.EventChatUpdated:
		var ev model.ChatUpdated
		if err := env.Decode(&ev); err != nil {
			return err
		}
		switch {
		case ev.Chat != nil:
			s.upsertChat(ev.Chat)
		case ev.LastMessage != nil:
			// The personal room carries this for every chat, joined or not,
			// so it feeds the view and unread count like message:new.
			msg := ev.LastMessage
			if msg.ChatID == "" {
				msg = msg.Clone()
				msg.ChatID = ev.ChatID
			}
			s.addMessage(msg)
		}
	}
	return nil
}

// addMessage inserts a live message. Unread grows by one per distinct
// message for chats other than the active one.
func (s *State) addMessage(msg *model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.view(msg.ChatID).Insert(msg) {
		return false
	}
	if msg.ChatID != s.active {
		s.unread[msg.ChatID]++
	}
	s.bumpLastMessage(msg.ChatID, msg)
	return true
}

// ApplySnapshot merges a REST history fetch. Snapshot messages never count
// as unread.
func (s *State) ApplySnapshot(chatID string, msgs []*model.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.view(chatID)
	added := v.ApplySnapshot(msgs)
	if last := v.Last(); last != nil {
		s.bumpLastMessage(chatID, last)
	}
	return added
}

// SetChats replaces the sidebar with a REST chat list.
func (s *State) SetChats(chats []*model.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chats = make(map[string]*model.Chat, len(chats))
	for _, c := range chats {
		s.chats[c.ID] = c.Clone()
	}
}

func (s *State) upsertChat(c *model.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := c.Clone()
	if prev, ok := s.chats[c.ID]; ok && next.LastMessage == nil {
		next.LastMessage = prev.LastMessage
	}
	s.chats[c.ID] = next
}

// bumpLastMessage moves the sidebar entry forward, never backward.
func (s *State) bumpLastMessage(chatID string, msg *model.Message) {
	c, ok := s.chats[chatID]
	if !ok {
		c = &model.Chat{ID: chatID}
		s.chats[chatID] = c
	}
	if c.LastMessage != nil && !c.LastMessage.Before(msg) {
		return
	}
	c.LastMessage = msg.Clone()
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
}

// SetActiveChat selects the chat the user is looking at and clears its
// unread count.
func (s *State) SetActiveChat(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = chatID
	s.unread[chatID] = 0
}

func (s *State) ActiveChat() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *State) Unread(chatID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread[chatID]
}

func (s *State) Messages(chatID string) []*model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[chatID]
	if !ok {
		return nil
	}
	return v.Messages()
}

// Unseen returns ids of messages in chatID not sent by, and not yet read by,
// the local user.
func (s *State) Unseen(chatID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[chatID]
	if !ok {
		return nil
	}
	var ids []string
	for _, m := range v.ordered {
		if m.SenderID != s.self && !m.ReadByUser(s.self) {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func (s *State) setTyping(chatID, userID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.typing[chatID]
	if on {
		if set == nil {
			set = make(map[string]struct{})
			s.typing[chatID] = set
		}
		set[userID] = struct{}{}
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(s.typing, chatID)
	}
}

// Typing returns the users typing in chatID, sorted.
func (s *State) Typing(chatID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]string, 0, len(s.typing[chatID]))
	for u := range s.typing[chatID] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (s *State) SetOnline(userID string, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if online {
		s.online[userID] = true
	} else {
		delete(s.online, userID)
	}
}

func (s *State) Online(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online[userID]
}

// Chats returns the sidebar, most recent activity first.
func (s *State) Chats() []*model.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
