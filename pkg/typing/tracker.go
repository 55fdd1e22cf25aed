// Package typing keeps the server-side view of who is typing where. Each
// (chat, user) pair owns one timer that is reset by every typing signal;
// when it fires the pair is dropped and the expiry callback runs, so a client
// that vanishes mid-keystroke does not leave a stale indicator behind.
package typing

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const shardCount = 16

// Entry is a live typing indicator.
type Entry struct {
	ChatID       string
	UserID       string
	ConnectionID string
	LastSignalAt time.Time
}

// ExpireFunc is called, without locks held, when an entry times out.
type ExpireFunc func(e Entry)

type key struct {
	chatID string
	userID string
}

type entry struct {
	Entry
	timer *time.Timer

	// gen is unique across the tracker so a timer scheduled for a removed
	// entry never matches the entry that replaced it.
	gen uint64
}

type shard struct {
	mu      sync.Mutex
	entries map[key]*entry
}

type Tracker struct {
	ttl      time.Duration
	onExpire ExpireFunc
	now      func() time.Time
	shards   [shardCount]*shard
	gen      atomic.Uint64
}

// NewTracker returns a tracker whose entries expire ttl after their last
// signal. A zero ttl disables expiry.
func NewTracker(ttl time.Duration, onExpire ExpireFunc) *Tracker {
	t := &Tracker{ttl: ttl, onExpire: onExpire, now: time.Now}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[key]*entry)}
	}
	return t
}

func (t *Tracker) shard(chatID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(chatID))
	return t.shards[h.Sum32()%shardCount]
}

// Start records a typing signal and (re)schedules the entry's expiry. It
// reports whether the pair was not already typing.
func (t *Tracker) Start(chatID, userID, connID string) bool {
	s := t.shard(chatID)
	k := key{chatID, userID}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok {
		e = &entry{Entry: Entry{ChatID: chatID, UserID: userID}}
		s.entries[k] = e
	}
	e.ConnectionID = connID
	e.LastSignalAt = t.now()
	e.gen = t.gen.Add(1)
	if e.timer != nil {
		e.timer.Stop()
	}
	if t.ttl > 0 {
		gen := e.gen
		e.timer = time.AfterFunc(t.ttl, func() { t.expire(k, gen) })
	}
	return !ok
}

// Stop removes the pair. It reports whether the pair was typing.
func (t *Tracker) Stop(chatID, userID string) bool {
	s := t.shard(chatID)
	k := key{chatID, userID}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[k]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.entries, k)
	return true
}

// DropConnection removes every entry last signalled by connID and returns them.
func (t *Tracker) DropConnection(connID string) []Entry {
	var dropped []Entry
	for _, s := range t.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if e.ConnectionID != connID {
				continue
			}
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(s.entries, k)
			dropped = append(dropped, e.Entry)
		}
		s.mu.Unlock()
	}
	return dropped
}

// Typing returns the users currently typing in chatID, sorted.
func (t *Tracker) Typing(chatID string) []string {
	s := t.shard(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var users []string
	for k := range s.entries {
		if k.chatID == chatID {
			users = append(users, k.userID)
		}
	}
	sort.Strings(users)
	return users
}

// Close cancels every pending expiry without invoking callbacks.
func (t *Tracker) Close() {
	for _, s := range t.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(s.entries, k)
		}
		s.mu.Unlock()
	}
}

func (t *Tracker) expire(k key, gen uint64) {
	s := t.shard(k.chatID)

	s.mu.Lock()
	e, ok := s.entries[k]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.entries, k)
	s.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(e.Entry)
	}
}
