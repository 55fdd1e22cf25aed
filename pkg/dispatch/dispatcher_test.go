package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mahaj/mingle-realtime/pkg/metrics"
	"github.com/mahaj/mingle-realtime/pkg/model"
	"github.com/mahaj/mingle-realtime/pkg/rooms"
	"github.com/mahaj/mingle-realtime/pkg/snowflake"
	"github.com/mahaj/mingle-realtime/pkg/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	room    rooms.RoomID
	env     model.Envelope
	exclude string
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []sent
	err    error
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, room rooms.RoomID, ev model.Envelope, exclude string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, sent{room: room, env: ev, exclude: exclude})
	return nil
}

func (b *recordingBroadcaster) BroadcastAll(ctx context.Context, ev model.Envelope) error {
	return b.Broadcast(ctx, "", ev, "")
}

func (b *recordingBroadcaster) ofType(t model.EventType) []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sent
	for _, e := range b.events {
		if e.env.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	d       *Dispatcher
	store   *store.Memory
	out     *recordingBroadcaster
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, out Broadcaster, typingTTL time.Duration) fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	rec, _ := out.(*recordingBroadcaster)
	if out == nil {
		rec = &recordingBroadcaster{}
		out = rec
	}
	mem := store.NewMemory()
	m := metrics.NewForTest()
	d := New(Config{
		Chats:       mem,
		Messages:    mem,
		Broadcaster: out,
		IDs:         node,
		TypingTTL:   typingTTL,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:     m,
	})
	t.Cleanup(d.Close)
	return fixture{d: d, store: mem, out: rec, metrics: m}
}

func (f fixture) seedChat(t *testing.T, id string, group bool, members, admins []string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.store.CreateChat(context.Background(), &model.Chat{
		ID: id, Name: "team", IsGroup: group, Members: members, Admins: admins,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func TestSendMessage_PersistsThenBroadcasts(t *testing.T) {
	f := newFixture(t, nil, 0)
	f.seedChat(t, "c1", true, []string{"A", "B"}, []string{"A"})
	ctx := context.Background()

	msg, err := f.d.SendMessage(ctx, "A", model.SendMessage{ChatID: "c1", Text: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "A", msg.SenderID)
	assert.Empty(t, msg.ReadBy)

	stored, ok := f.store.Message(msg.ID)
	require.True(t, ok)
	assert.Equal(t, "hi", stored.Text)

	chat, err := f.store.FindChat(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, chat.LastMessage)
	assert.Equal(t, msg.ID, chat.LastMessage.ID)

	news := f.out.ofType(model.EventMessageNew)
	require.Len(t, news, 1)
	assert.Equal(t, rooms.ChatRoom("c1"), news[0].room)
	var payload model.MessageNew
	require.NoError(t, news[0].env.Decode(&payload))
	assert.Equal(t, msg.ID, payload.Message.ID)

	updates := f.out.ofType(model.EventChatUpdated)
	require.Len(t, updates, 2)
	assert.ElementsMatch(t, []rooms.RoomID{rooms.UserRoom("A"), rooms.UserRoom("B")},
		[]rooms.RoomID{updates[0].room, updates[1].room})
}

func TestSendMessage_Rejections(t *testing.T) {
	f := newFixture(t, nil, 0)
	f.seedChat(t, "c1", true, []string{"A", "B"}, []string{"A"})
	ctx := context.Background()

	tests := []struct {
		name   string
		sender string
		cmd    model.SendMessage
		want   error
	}{
		{"empty body", "A", model.SendMessage{ChatID: "c1"}, model.ErrValidation},
		{"no chat id", "A", model.SendMessage{Text: "hi"}, model.ErrValidation},
		{"unknown chat", "A", model.SendMessage{ChatID: "nope", Text: "hi"}, model.ErrNotFound},
		{"outsider", "C", model.SendMessage{ChatID: "c1", Text: "hi"}, model.ErrNotMember},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.d.SendMessage(ctx, tt.sender, tt.cmd)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.out.ofType(model.EventMessageNew), "rejected sends must not broadcast")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DispatchErrors.WithLabelValues("message:send", model.CodeNotMember)))
}

func TestSendMessage_BroadcastFailureIsNotReturned(t *testing.T) {
	out := &recordingBroadcaster{err: errors.New("kafka down")}
	f := newFixture(t, out, 0)
	f.seedChat(t, "c1", true, []string{"A", "B"}, []string{"A"})

	msg, err := f.d.SendMessage(context.Background(), "A", model.SendMessage{ChatID: "c1", Text: "hi"})
	require.NoError(t, err)
	_, ok := f.store.Message(msg.ID)
	assert.True(t, ok)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.DispatchErrors.WithLabelValues("broadcast", model.CodeInternal)))
}

func TestTyping_RelaysExcludingSender(t *testing.T) {
	f := newFixture(t, nil, 0)
	f.seedChat(t, "c1", true, []string{"A", "B"}, []string{"A"})
	ctx := context.Background()

	require.NoError(t, f.d.Typing(ctx, "A", "conn-a", "c1", true))
	require.NoError(t, f.d.Typing(ctx, "A", "conn-a", "c1", false))
	assert.ErrorIs(t, f.d.Typing(ctx, "C", "conn-c", "c1", true), model.ErrNotMember)

	typing := f.out.ofType(model.EventTyping)
	require.Len(t, typing, 1)
	assert.Equal(t, "conn-a", typing[0].exclude)
	var sig model.TypingSignal
	require.NoError(t, typing[0].env.Decode(&sig))
	assert.Equal(t, model.TypingSignal{ChatID: "c1", UserID: "A"}, sig)

	assert.Len(t, f.out.ofType(model.EventStopTyping), 1)
	assert.Empty(t, f.d.Typists("c1"))
}

func TestTyping_ServerExpiryForcesStop(t *testing.T) {
	f := newFixture(t, nil, 30*time.Millisecond)
	f.seedChat(t, "c1", true, []string{"A", "B"}, []string{"A"})

	require.NoError(t, f.d.Typing(context.Background(), "A", "conn-a", "c1", true))
	assert.Equal(t, []string{"A"}, f.d.Typists("c1"))

	require.Eventually(t, func() bool {
		return len(f.out.ofType(model.EventStopTyping)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, f.d.Typists("c1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TypingExpired))
}

func TestDropConnection_StopsTyping(t *testing.T) {
	f := newFixture(t, nil, time.Minute)
	f.seedChat(t, "c1", true, []string{"A", "B"}, []string{"A"})
	ctx := context.Background()

	require.NoError(t, f.d.Typing(ctx, "A", "conn-a", "c1", true))
	f.d.DropConnection(ctx, "conn-a")
	f.d.DropConnection(ctx, "conn-a")

	stops := f.out.ofType(model.EventStopTyping)
	require.Len(t, stops, 1)
	assert.Equal(t, rooms.ChatRoom("c1"), stops[0].room)
}

func TestMarkRead_TwiceAddsOnce(t *testing.T) {
	f := newFixture(t, nil, 0)
	f.seedChat(t, "c1", false, []string{"A", "B"}, []string{"A"})
	ctx := context.Background()

	m1, err := f.d.SendMessage(ctx, "A", model.SendMessage{ChatID: "c1", Text: "one"})
	require.NoError(t, err)
	m2, err := f.d.SendMessage(ctx, "A", model.SendMessage{ChatID: "c1", Text: "two"})
	require.NoError(t, err)

	cmd := model.MarkRead{ChatID: "c1", MessageIDs: []string{m1.ID, m2.ID, m1.ID}}
	added, err := f.d.MarkRead(ctx, "B", "conn-b", cmd)
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = f.d.MarkRead(ctx, "B", "conn-b", cmd)
	require.NoError(t, err)
	assert.Zero(t, added)

	for _, id := range []string{m1.ID, m2.ID} {
		msg, ok := f.store.Message(id)
		require.True(t, ok)
		require.Len(t, msg.ReadBy, 1)
		assert.Equal(t, "B", msg.ReadBy[0].UserID)
	}

	reads := f.out.ofType(model.EventMessageRead)
	require.Len(t, reads, 2)
	var ev model.MessageReadEvent
	require.NoError(t, reads[0].env.Decode(&ev))
	assert.Equal(t, []string{m1.ID, m2.ID}, ev.MessageIDs)
	assert.Equal(t, "conn-b", reads[0].exclude)
}

func TestMarkRead_ForeignIDWritesNothing(t *testing.T) {
	f := newFixture(t, nil, 0)
	f.seedChat(t, "c1", false, []string{"A", "B"}, []string{"A"})
	f.seedChat(t, "c2", true, []string{"A", "B", "C"}, []string{"A"})
	ctx := context.Background()

	mine, err := f.d.SendMessage(ctx, "A", model.SendMessage{ChatID: "c1", Text: "one"})
	require.NoError(t, err)
	other, err := f.d.SendMessage(ctx, "A", model.SendMessage{ChatID: "c2", Text: "two"})
	require.NoError(t, err)

	_, err = f.d.MarkRead(ctx, "B", "conn-b", model.MarkRead{ChatID: "c1", MessageIDs: []string{mine.ID, other.ID}})
	assert.ErrorIs(t, err, model.ErrNotFound)

	msg, _ := f.store.Message(mine.ID)
	assert.Empty(t, msg.ReadBy)
	assert.Empty(t, f.out.ofType(model.EventMessageRead))
}

func TestCreateChat_Direct(t *testing.T) {
	f := newFixture(t, nil, 0)
	ctx := context.Background()

	chat, created, err := f.d.CreateChat(ctx, "A", model.CreateChat{MemberIDs: []string{"B", "A"}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, []string{"A", "B"}, chat.Members)
	assert.Equal(t, []string{"A"}, chat.Admins)
	assert.Len(t, f.out.ofType(model.EventChatNew), 2)

	again, created, err := f.d.CreateChat(ctx, "B", model.CreateChat{MemberIDs: []string{"A"}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, chat.ID, again.ID)
	assert.Len(t, f.out.ofType(model.EventChatNew), 2, "existing direct chat emits nothing")

	_, _, err = f.d.CreateChat(ctx, "A", model.CreateChat{MemberIDs: []string{"B", "C"}})
	assert.ErrorIs(t, err, model.ErrValidation)
	_, _, err = f.d.CreateChat(ctx, "A", model.CreateChat{MemberIDs: []string{"A"}})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestCreateChat_Group(t *testing.T) {
	f := newFixture(t, nil, 0)
	ctx := context.Background()

	chat, created, err := f.d.CreateChat(ctx, "A", model.CreateChat{IsGroup: true, Name: "  launch  ", MemberIDs: []string{"B", "C", "B"}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "launch", chat.Name)
	assert.Equal(t, []string{"A", "B", "C"}, chat.Members)

	news := f.out.ofType(model.EventChatNew)
	require.Len(t, news, 3)
	for _, ev := range news {
		var payload model.ChatNew
		require.NoError(t, ev.env.Decode(&payload))
		assert.Equal(t, chat.ID, payload.Chat.ID)
	}

	_, _, err = f.d.CreateChat(ctx, "A", model.CreateChat{IsGroup: true, Name: "x", MemberIDs: []string{"B"}})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestAddMembers(t *testing.T) {
	f := newFixture(t, nil, 0)
	f.seedChat(t, "g1", true, []string{"A", "B"}, []string{"A"})
	f.seedChat(t, "d1", false, []string{"A", "B"}, []string{"A"})
	ctx := context.Background()

	_, err := f.d.AddMembers(ctx, "B", "g1", model.AddMembers{MemberIDs: []string{"C"}})
	assert.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.d.AddMembers(ctx, "A", "missing", model.AddMembers{MemberIDs: []string{"C"}})
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.d.AddMembers(ctx, "A", "d1", model.AddMembers{MemberIDs: []string{"C"}})
	assert.ErrorIs(t, err, model.ErrValidation)

	chat, err := f.d.AddMembers(ctx, "A", "g1", model.AddMembers{MemberIDs: []string{"C", "B"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, chat.Members)
	assert.Len(t, f.out.ofType(model.EventChatUpdated), 3)

	// The new member can now post.
	_, err = f.d.SendMessage(ctx, "C", model.SendMessage{ChatID: "g1", Text: "hello"})
	assert.NoError(t, err)
}

func TestListMessagesAndChats(t *testing.T) {
	f := newFixture(t, nil, 0)
	f.seedChat(t, "c1", true, []string{"A", "B"}, []string{"A"})
	f.seedChat(t, "c2", true, []string{"A"}, []string{"A"})
	ctx := context.Background()

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		msg, err := f.d.SendMessage(ctx, "A", model.SendMessage{ChatID: "c1", Text: text})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	msgs, err := f.d.ListMessages(ctx, "B", "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, ids[i], m.ID)
	}

	_, err = f.d.ListMessages(ctx, "C", "c1")
	assert.ErrorIs(t, err, model.ErrNotMember)

	chats, err := f.d.ListChats(ctx, "A")
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, "c1", chats[0].ID, "chat with latest activity first")
}

// member is a rooms.Member recording frames, used to drive the dispatcher
// through a real router.
type member struct {
	id     string
	mu     sync.Mutex
	frames []model.Envelope
}

func (m *member) ID() string { return m.id }

func (m *member) Send(frame []byte) bool {
	var env model.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, env)
	return true
}

func (m *member) count(t model.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.frames {
		if f.Type == t {
			n++
		}
	}
	return n
}

func TestSendScenario_ThroughRouter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := rooms.NewRouter(logger, metrics.NewForTest())
	f := newFixture(t, router, 0)
	f.seedChat(t, "c1", false, []string{"A", "B"}, []string{"A"})

	a1, a2, b1 := &member{id: "a1"}, &member{id: "a2"}, &member{id: "b1"}
	router.Join(a1, rooms.UserRoom("A"))
	router.Join(a2, rooms.UserRoom("A"))
	router.Join(b1, rooms.UserRoom("B"))
	for _, m := range []*member{a1, a2, b1} {
		router.Join(m, rooms.ChatRoom("c1"))
	}

	_, err := f.d.SendMessage(context.Background(), "A", model.SendMessage{ChatID: "c1", Text: "hi"})
	require.NoError(t, err)

	for _, m := range []*member{a1, a2, b1} {
		assert.Equal(t, 1, m.count(model.EventMessageNew), m.id)
		assert.Equal(t, 1, m.count(model.EventChatUpdated), m.id)
	}
}

// gatedChats holds FindChat until release closes and fails it if the
// caller's context is gone by then.
type gatedChats struct {
	*store.Memory
	entered chan struct{}
	release chan struct{}
}

func (g *gatedChats) FindChat(ctx context.Context, chatID string) (*model.Chat, error) {
	g.entered <- struct{}{}
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.Memory.FindChat(ctx, chatID)
}

func TestChat_SharedLookupOutlivesFirstCaller(t *testing.T) {
	f := newFixture(t, nil, 0)
	f.seedChat(t, "c1", true, []string{"A", "B"}, []string{"A"})
	gated := &gatedChats{Memory: f.store, entered: make(chan struct{}, 1), release: make(chan struct{})}
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	d := New(Config{
		Chats:       gated,
		Messages:    f.store,
		Broadcaster: &recordingBroadcaster{},
		IDs:         node,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:     metrics.NewForTest(),
	})
	t.Cleanup(d.Close)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := d.Chat(firstCtx, "c1")
		firstErr <- err
	}()
	<-gated.entered

	secondErr := make(chan error, 1)
	go func() {
		_, err := d.Chat(context.Background(), "c1")
		secondErr <- err
	}()
	// Let the second caller attach to the flight before the first gives up.
	time.Sleep(50 * time.Millisecond)
	cancel()
	close(gated.release)

	assert.NoError(t, <-secondErr)
	assert.NoError(t, <-firstErr)
}
