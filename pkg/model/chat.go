package model

import (
	"slices"
	"time"
)

type Chat struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	IsGroup     bool      `json:"isGroup"`
	Members     []string  `json:"members"`
	Admins      []string  `json:"admins"`
	LastMessage *Message  `json:"lastMessage,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (c *Chat) IsMember(userID string) bool {
	return slices.Contains(c.Members, userID)
}

func (c *Chat) IsAdmin(userID string) bool {
	return slices.Contains(c.Admins, userID)
}

// Clone returns a deep copy of the chat record.
func (c *Chat) Clone() *Chat {
	if c == nil {
		return nil
	}
	out := *c
	out.Members = slices.Clone(c.Members)
	out.Admins = slices.Clone(c.Admins)
	out.LastMessage = c.LastMessage.Clone()
	return &out
}

// UniqueIDs returns ids with duplicates and empty strings removed, keeping
// first-seen order.
func UniqueIDs(ids ...string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// DirectKey identifies the direct chat between two users independent of
// argument order.
func DirectKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}
