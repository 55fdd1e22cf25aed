package rooms

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/mahaj/mingle-realtime/pkg/metrics"
	"github.com/mahaj/mingle-realtime/pkg/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMember struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	full   bool
}

func (f *fakeMember) ID() string { return f.id }

func (f *fakeMember) Send(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeMember) received(t *testing.T) []model.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Envelope, 0, len(f.frames))
	for _, raw := range f.frames {
		var env model.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		out = append(out, env)
	}
	return out
}

func newTestRouter() (*Router, *metrics.Metrics) {
	m := metrics.NewForTest()
	return NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)), m), m
}

func typingEnvelope(t *testing.T) model.Envelope {
	t.Helper()
	env, err := model.NewEnvelope(model.EventTyping, model.TypingSignal{ChatID: "c1", UserID: "A"})
	require.NoError(t, err)
	return env
}

func TestRoomID(t *testing.T) {
	assert.Equal(t, RoomID("user:u1"), UserRoom("u1"))
	id, ok := ChatRoom("c1").ChatID()
	assert.True(t, ok)
	assert.Equal(t, "c1", id)
	_, ok = UserRoom("u1").ChatID()
	assert.False(t, ok)
}

func TestRouter_JoinIsIdempotent(t *testing.T) {
	r, _ := newTestRouter()
	m := &fakeMember{id: "conn1"}

	assert.True(t, r.Join(m, ChatRoom("c1")))
	assert.False(t, r.Join(m, ChatRoom("c1")))
	assert.Equal(t, 1, r.Count(ChatRoom("c1")))

	require.NoError(t, r.Broadcast(context.Background(), ChatRoom("c1"), typingEnvelope(t), ""))
	assert.Len(t, m.received(t), 1, "double join must not double deliver")
}

func TestRouter_LeaveRemovesEmptyRoom(t *testing.T) {
	r, _ := newTestRouter()
	m := &fakeMember{id: "conn1"}

	r.Join(m, ChatRoom("c1"))
	assert.True(t, r.Leave("conn1", ChatRoom("c1")))
	assert.False(t, r.Leave("conn1", ChatRoom("c1")))
	assert.Zero(t, r.Count(ChatRoom("c1")))
	assert.Empty(t, r.Members(ChatRoom("c1")))
}

func TestRouter_BroadcastExcludesSender(t *testing.T) {
	r, _ := newTestRouter()
	a1, a2, b := &fakeMember{id: "a1"}, &fakeMember{id: "a2"}, &fakeMember{id: "b"}
	for _, m := range []*fakeMember{a1, a2, b} {
		r.Join(m, ChatRoom("c1"))
	}

	require.NoError(t, r.Broadcast(context.Background(), ChatRoom("c1"), typingEnvelope(t), "a1"))

	assert.Empty(t, a1.received(t))
	assert.Len(t, a2.received(t), 1)
	got := b.received(t)
	require.Len(t, got, 1)
	assert.Equal(t, model.EventTyping, got[0].Type)
}

func TestRouter_BroadcastUsesMembershipAtCallTime(t *testing.T) {
	r, _ := newTestRouter()
	early, late := &fakeMember{id: "early"}, &fakeMember{id: "late"}
	r.Join(early, ChatRoom("c1"))
	r.Join(late, ChatRoom("c1"))
	r.Leave("late", ChatRoom("c1"))

	require.NoError(t, r.Broadcast(context.Background(), ChatRoom("c1"), typingEnvelope(t), ""))
	r.Join(late, ChatRoom("c1"))

	assert.Len(t, early.received(t), 1)
	assert.Empty(t, late.received(t))
}

func TestRouter_BroadcastEmptyRoomIsNoop(t *testing.T) {
	r, _ := newTestRouter()
	assert.NoError(t, r.Broadcast(context.Background(), ChatRoom("nobody"), typingEnvelope(t), ""))
}

func TestRouter_BroadcastAll(t *testing.T) {
	r, _ := newTestRouter()
	a, b := &fakeMember{id: "a"}, &fakeMember{id: "b"}
	r.Register(a)
	r.Register(b)
	r.Unregister("b")

	env, err := model.NewEnvelope(model.EventPresenceChanged, model.PresenceChanged{UserID: "x", Online: true})
	require.NoError(t, err)
	require.NoError(t, r.BroadcastAll(context.Background(), env))

	assert.Len(t, a.received(t), 1)
	assert.Empty(t, b.received(t))
}

func TestRouter_DroppedDeliveryCounted(t *testing.T) {
	r, m := newTestRouter()
	slow := &fakeMember{id: "slow", full: true}
	r.Join(slow, UserRoom("u"))

	require.NoError(t, r.Broadcast(context.Background(), UserRoom("u"), typingEnvelope(t), ""))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveriesDropped))
}

func TestRouter_ConcurrentJoinLeaveBroadcast(t *testing.T) {
	r, _ := newTestRouter()
	env := typingEnvelope(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := &fakeMember{id: string(rune('a' + i%26))}
			room := ChatRoom("c1")
			r.Join(m, room)
			_ = r.Broadcast(ctx, room, env, m.ID())
			r.Leave(m.ID(), room)
		}(i)
	}
	wg.Wait()
}
