// Package rooms tracks which live connections belong to which broadcast
// group and delivers frames to them.
package rooms

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"

	"github.com/mahaj/mingle-realtime/pkg/metrics"
	"github.com/mahaj/mingle-realtime/pkg/model"
)

type RoomID string

const (
	userPrefix = "user:"
	chatPrefix = "chat:"
)

func UserRoom(userID string) RoomID { return RoomID(userPrefix + userID) }
func ChatRoom(chatID string) RoomID { return RoomID(chatPrefix + chatID) }

// ChatID returns the chat id of a chat room.
func (r RoomID) ChatID() (string, bool) {
	id, ok := strings.CutPrefix(string(r), chatPrefix)
	return id, ok && id != ""
}

// Member is a live connection as seen by the router.
type Member interface {
	ID() string
	// Send queues a frame without blocking and reports whether it was accepted.
	Send(frame []byte) bool
}

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	rooms map[RoomID]map[string]Member
}

// Router owns room membership. Rooms exist only while they have members.
type Router struct {
	shards  [shardCount]*shard
	all     sync.Map // member id -> Member
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewRouter(logger *slog.Logger, m *metrics.Metrics) *Router {
	r := &Router{logger: logger, metrics: m}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[RoomID]map[string]Member)}
	}
	return r
}

func (r *Router) shard(room RoomID) *shard {
	h := fnv.New32a()
	h.Write([]byte(room))
	return r.shards[h.Sum32()%shardCount]
}

// Register makes m reachable by BroadcastAll.
func (r *Router) Register(m Member) {
	r.all.Store(m.ID(), m)
}

// Unregister removes m from BroadcastAll. Room membership is left to Leave.
func (r *Router) Unregister(memberID string) {
	r.all.Delete(memberID)
}

// Join adds m to room. It returns false if m was already a member.
func (r *Router) Join(m Member, room RoomID) bool {
	s := r.shard(room)
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.rooms[room]
	if members == nil {
		members = make(map[string]Member)
		s.rooms[room] = members
	}
	if _, ok := members[m.ID()]; ok {
		return false
	}
	members[m.ID()] = m
	r.logger.Debug("joined room", "conn_id", m.ID(), "room", room)
	return true
}

// Leave removes the member from room. It returns false if it was not a member.
func (r *Router) Leave(memberID string, room RoomID) bool {
	s := r.shard(room)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[memberID]; !ok {
		return false
	}
	delete(members, memberID)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
	r.logger.Debug("left room", "conn_id", memberID, "room", room)
	return true
}

// Members returns the ids currently in room.
func (r *Router) Members(room RoomID) []string {
	s := r.shard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.rooms[room]))
	for id := range s.rooms[room] {
		ids = append(ids, id)
	}
	return ids
}

func (r *Router) Count(room RoomID) int {
	s := r.shard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}

func (r *Router) snapshot(room RoomID, exclude string) []Member {
	s := r.shard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.rooms[room]
	out := make([]Member, 0, len(members))
	for id, m := range members {
		if id == exclude {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Broadcast delivers ev to every connection in room at the time of the call,
// except exclude. Delivery is fire-and-forget; a room with no members is a no-op.
func (r *Router) Broadcast(_ context.Context, room RoomID, ev model.Envelope, exclude string) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	r.deliver(r.snapshot(room, exclude), frame)
	return nil
}

// BroadcastAll delivers ev to every registered connection.
func (r *Router) BroadcastAll(_ context.Context, ev model.Envelope) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	r.deliver(r.everyone(), frame)
	return nil
}

// DeliverFrame broadcasts an already-encoded envelope; used by the bus
// subscriber so frames are not re-encoded per instance.
func (r *Router) DeliverFrame(room RoomID, frame []byte, exclude string) {
	if room == "" {
		r.deliver(r.everyone(), frame)
		return
	}
	r.deliver(r.snapshot(room, exclude), frame)
}

func (r *Router) everyone() []Member {
	var members []Member
	r.all.Range(func(_, v any) bool {
		members = append(members, v.(Member))
		return true
	})
	return members
}

func (r *Router) deliver(members []Member, frame []byte) {
	for _, m := range members {
		if !m.Send(frame) {
			r.metrics.DeliveriesDropped.Inc()
			r.logger.Warn("dropped delivery", "conn_id", m.ID())
		}
	}
}
