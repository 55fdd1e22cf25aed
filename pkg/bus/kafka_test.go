package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mahaj/mingle-realtime/pkg/model"
	"github.com/mahaj/mingle-realtime/pkg/rooms"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// memTopic is a Writer and Reader over an in-memory queue.
type memTopic struct {
	mu     sync.Mutex
	msgs   chan kafka.Message
	failN  int
	closed bool
}

func newMemTopic() *memTopic { return &memTopic{msgs: make(chan kafka.Message, 16)} }

func (m *memTopic) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, msg := range msgs {
		m.msgs <- msg
	}
	return nil
}

func (m *memTopic) ReadMessage(ctx context.Context) (kafka.Message, error) {
	m.mu.Lock()
	if m.failN > 0 {
		m.failN--
		m.mu.Unlock()
		return kafka.Message{}, errors.New("broker unavailable")
	}
	m.mu.Unlock()
	select {
	case msg := <-m.msgs:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (m *memTopic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type delivered struct {
	room    rooms.RoomID
	frame   []byte
	exclude string
}

type sinkRecorder struct {
	ch chan delivered
}

func (s *sinkRecorder) DeliverFrame(room rooms.RoomID, frame []byte, exclude string) {
	s.ch <- delivered{room: room, frame: frame, exclude: exclude}
}

func TestPublisher_KeysByRoom(t *testing.T) {
	topic := newMemTopic()
	p := NewPublisherWithWriter(topic, discard)

	env, err := model.NewEnvelope(model.EventTyping, model.TypingSignal{ChatID: "c1", UserID: "A"})
	require.NoError(t, err)
	require.NoError(t, p.Broadcast(context.Background(), rooms.ChatRoom("c1"), env, "conn-a"))

	msg := <-topic.msgs
	assert.Equal(t, "chat:c1", string(msg.Key))

	var d Delivery
	require.NoError(t, json.Unmarshal(msg.Value, &d))
	assert.Equal(t, rooms.ChatRoom("c1"), d.Room)
	assert.Equal(t, "conn-a", d.Exclude)

	var got model.Envelope
	require.NoError(t, json.Unmarshal(d.Event, &got))
	assert.Equal(t, model.EventTyping, got.Type)
}

func TestPublisherSubscriber_RoundTrip(t *testing.T) {
	topic := newMemTopic()
	topic.failN = 1
	p := NewPublisherWithWriter(topic, discard)
	s := NewSubscriberWithReader(topic, discard)
	s.retryDelay = time.Millisecond

	sink := &sinkRecorder{ch: make(chan delivered, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, sink) }()

	env, err := model.NewEnvelope(model.EventPresenceChanged, model.PresenceChanged{UserID: "A", Online: true})
	require.NoError(t, err)
	require.NoError(t, p.BroadcastAll(ctx, env))

	select {
	case d := <-sink.ch:
		assert.Empty(t, d.room)
		var got model.Envelope
		require.NoError(t, json.Unmarshal(d.frame, &got))
		assert.Equal(t, model.EventPresenceChanged, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("delivery not received")
	}

	cancel()
	require.NoError(t, <-done)
	assert.True(t, topic.closed)
}

func TestSubscriber_SkipsMalformed(t *testing.T) {
	topic := newMemTopic()
	s := NewSubscriberWithReader(topic, discard)
	sink := &sinkRecorder{ch: make(chan delivered, 4)}

	topic.msgs <- kafka.Message{Value: []byte("not json")}
	topic.msgs <- kafka.Message{Value: []byte(`{"room":"chat:c1"}`)}
	good, _ := json.Marshal(Delivery{Room: rooms.ChatRoom("c1"), Event: json.RawMessage(`{"type":"typing"}`)})
	topic.msgs <- kafka.Message{Value: good}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx, sink) }()

	select {
	case d := <-sink.ch:
		assert.Equal(t, rooms.ChatRoom("c1"), d.room)
	case <-time.After(2 * time.Second):
		t.Fatal("valid delivery not received")
	}
	assert.Empty(t, sink.ch)
}
