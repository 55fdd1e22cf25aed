package model

import "time"

// ReadReceipt records that a user has read a message.
type ReadReceipt struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

type Message struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chatId"`
	SenderID  string        `json:"senderId"`
	Text      string        `json:"text"`
	ImageURL  string        `json:"imageUrl,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	ReadBy    []ReadReceipt `json:"readBy"`
}

// ReadByUser reports whether userID already has a receipt on the message.
func (m *Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// MarkRead appends a receipt for userID unless one exists. It returns true
// when the receipt was added.
func (m *Message) MarkRead(userID string, at time.Time) bool {
	if m.ReadByUser(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: userID, At: at})
	return true
}

// Clone returns a deep copy so callers can hand messages across goroutines.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.ReadBy != nil {
		c.ReadBy = make([]ReadReceipt, len(m.ReadBy))
		copy(c.ReadBy, m.ReadBy)
	}
	return &c
}

// Before orders messages by creation time, ties broken by id.
func (m *Message) Before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	if len(m.ID) != len(o.ID) {
		return len(m.ID) < len(o.ID)
	}
	return m.ID < o.ID
}
