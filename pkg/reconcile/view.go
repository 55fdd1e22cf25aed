// Package reconcile merges the REST snapshot and the live event stream into
// one consistent client-side picture of chats, messages, unread counts,
// typing indicators and presence.
package reconcile

import (
	"sort"
	"time"

	"github.com/mahaj/mingle-realtime/pkg/model"
)

// View is one chat's message list: an id-keyed store plus the derived slice
// ordered by creation time, ties broken by id. Inserting a message twice is a
// no-op, whichever of snapshot or live event delivered it first.
type View struct {
	byID    map[string]*model.Message
	ordered []*model.Message
}

func NewView() *View {
	return &View{byID: make(map[string]*model.Message)}
}

// Insert adds msg unless a message with the same id is present. It reports
// whether msg was added.
func (v *View) Insert(msg *model.Message) bool {
	if msg == nil || msg.ID == "" {
		return false
	}
	if _, ok := v.byID[msg.ID]; ok {
		return false
	}
	m := msg.Clone()
	v.byID[m.ID] = m

	i := sort.Search(len(v.ordered), func(i int) bool { return m.Before(v.ordered[i]) })
	v.ordered = append(v.ordered, nil)
	copy(v.ordered[i+1:], v.ordered[i:])
	v.ordered[i] = m
	return true
}

// ApplySnapshot inserts every message of a REST snapshot and returns how many
// were new.
func (v *View) ApplySnapshot(msgs []*model.Message) int {
	added := 0
	for _, m := range msgs {
		if v.Insert(m) {
			added++
		}
	}
	return added
}

// MarkRead records userID's receipt on the listed messages that are in the
// view. It returns the number of receipts added.
func (v *View) MarkRead(userID string, ids []string, at time.Time) int {
	added := 0
	for _, id := range ids {
		if m, ok := v.byID[id]; ok && m.MarkRead(userID, at) {
			added++
		}
	}
	return added
}

func (v *View) Get(id string) (*model.Message, bool) {
	m, ok := v.byID[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Messages returns a copy of the ordered messages.
func (v *View) Messages() []*model.Message {
	out := make([]*model.Message, len(v.ordered))
	for i, m := range v.ordered {
		out[i] = m.Clone()
	}
	return out
}

func (v *View) Len() int { return len(v.ordered) }

// Last returns the newest message, or nil.
func (v *View) Last() *model.Message {
	if len(v.ordered) == 0 {
		return nil
	}
	return v.ordered[len(v.ordered)-1].Clone()
}
