// Package bus carries routed events between instances over Kafka. Every
// gateway instance consumes the topic in its own consumer group and
// delivers each event to its local room router, so a REST mutation handled
// by the API reaches sockets held by any gateway.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mahaj/mingle-realtime/pkg/model"
	"github.com/mahaj/mingle-realtime/pkg/rooms"
	"github.com/segmentio/kafka-go"
)

const allRoomsKey = "*"

// Delivery is one routed event. An empty Room addresses every connection.
type Delivery struct {
	Room    rooms.RoomID    `json:"room,omitempty"`
	Exclude string          `json:"exclude,omitempty"`
	Event   json.RawMessage `json:"event"`
}

type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Publisher implements the dispatcher's broadcaster by writing deliveries
// to the topic. Messages are keyed by room so a room's events stay ordered.
type Publisher struct {
	w      Writer
	logger *slog.Logger
}

func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	return NewPublisherWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 5 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}, logger)
}

func NewPublisherWithWriter(w Writer, logger *slog.Logger) *Publisher {
	return &Publisher{w: w, logger: logger}
}

func (p *Publisher) Broadcast(ctx context.Context, room rooms.RoomID, ev model.Envelope, exclude string) error {
	return p.publish(ctx, Delivery{Room: room, Exclude: exclude}, ev, string(room))
}

func (p *Publisher) BroadcastAll(ctx context.Context, ev model.Envelope) error {
	return p.publish(ctx, Delivery{}, ev, allRoomsKey)
}

func (p *Publisher) publish(ctx context.Context, d Delivery, ev model.Envelope, key string) error {
	event, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	d.Event = event

	value, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value, Time: time.Now()}); err != nil {
		return fmt.Errorf("publish %s to %q: %w", ev.Type, key, err)
	}
	p.logger.Debug("published event", "event", ev.Type, "room", d.Room)
	return nil
}

func (p *Publisher) Close() error {
	return p.w.Close()
}

// Sink receives deliveries read from the topic.
type Sink interface {
	DeliverFrame(room rooms.RoomID, frame []byte, exclude string)
}

type Subscriber struct {
	r          Reader
	logger     *slog.Logger
	retryDelay time.Duration
}

// NewSubscriber reads topic in groupID starting at the newest offset; events
// published while an instance is down are not replayed, clients recover
// them through the REST snapshot.
func NewSubscriber(brokers []string, topic, groupID string, logger *slog.Logger) *Subscriber {
	return NewSubscriberWithReader(kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     50 * time.Millisecond,
	}), logger)
}

func NewSubscriberWithReader(r Reader, logger *slog.Logger) *Subscriber {
	return &Subscriber{r: r, logger: logger, retryDelay: time.Second}
}

// Run delivers every message to sink until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context, sink Sink) error {
	defer s.r.Close()
	for {
		m, err := s.r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			s.logger.Error("bus read failed, retrying", "error", err, "retry_in", s.retryDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.retryDelay):
			}
			continue
		}

		var d Delivery
		if err := json.Unmarshal(m.Value, &d); err != nil || len(d.Event) == 0 {
			s.logger.Error("skipping malformed delivery", "error", err, "offset", m.Offset)
			continue
		}
		sink.DeliverFrame(d.Room, d.Event, d.Exclude)
	}
}
