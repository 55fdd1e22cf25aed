// Package gateway owns live socket connections: it authenticates them,
// keeps each one's room memberships, feeds presence, and routes inbound
// frames to the dispatcher.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/mahaj/mingle-realtime/pkg/auth"
	"github.com/mahaj/mingle-realtime/pkg/dispatch"
	"github.com/mahaj/mingle-realtime/pkg/metrics"
	"github.com/mahaj/mingle-realtime/pkg/model"
	"github.com/mahaj/mingle-realtime/pkg/presence"
	"github.com/mahaj/mingle-realtime/pkg/rooms"
)

// Sink is the transport side of a connection.
type Sink interface {
	// Send queues a frame without blocking.
	Send(frame []byte) bool
}

// Connection is one authenticated socket. It is a rooms.Member.
type Connection struct {
	id     string
	userID string
	sink   Sink

	mu     sync.Mutex
	joined map[rooms.RoomID]struct{}
}

func (c *Connection) ID() string     { return c.id }
func (c *Connection) UserID() string { return c.userID }

func (c *Connection) Send(frame []byte) bool { return c.sink.Send(frame) }

// Joined reports whether the connection is in room.
func (c *Connection) Joined(room rooms.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.joined[room]
	return ok
}

func (c *Connection) Rooms() []rooms.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]rooms.RoomID, 0, len(c.joined))
	for r := range c.joined {
		out = append(out, r)
	}
	return out
}

func (c *Connection) track(room rooms.RoomID, in bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if in {
		c.joined[room] = struct{}{}
	} else {
		delete(c.joined, room)
	}
}

type Config struct {
	Verifier   auth.Verifier
	Router     *rooms.Router
	Presence   *presence.Tracker
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

type Gateway struct {
	verifier   auth.Verifier
	router     *rooms.Router
	presence   *presence.Tracker
	dispatcher *dispatch.Dispatcher
	conns      sync.Map // connection id -> *Connection
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func New(cfg Config) *Gateway {
	return &Gateway{
		verifier:   cfg.Verifier,
		router:     cfg.Router,
		presence:   cfg.Presence,
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// Connect authenticates token and registers a connection delivering to
// sink. The connection joins its user's personal room. On failure nothing is
// registered; a bad token wraps model.ErrUnauthorized.
func (g *Gateway) Connect(ctx context.Context, token string, sink Sink) (*Connection, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: no token provided", model.ErrUnauthorized)
	}
	userID, err := g.verifier.VerifyAccess(token)
	if err != nil {
		if !errors.Is(err, model.ErrUnauthorized) {
			err = fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
		}
		return nil, err
	}

	conn := &Connection{
		id:     uuid.NewString(),
		userID: userID,
		sink:   sink,
		joined: make(map[rooms.RoomID]struct{}),
	}
	g.conns.Store(conn.id, conn)
	g.router.Register(conn)
	g.join(conn, rooms.UserRoom(userID))
	g.metrics.Connections.Inc()

	if _, err := g.presence.ConnectionAdded(ctx, userID); err != nil {
		// Not counted, so Disconnect must never see it.
		g.conns.Delete(conn.id)
		g.leave(conn, rooms.UserRoom(userID))
		g.router.Unregister(conn.id)
		g.metrics.Connections.Dec()
		g.logger.Error("presence update failed", "user_id", userID, "conn_id", conn.id, "error", err)
		return nil, fmt.Errorf("register presence for %s: %w", userID, err)
	}
	g.logger.Info("client connected", "user_id", userID, "conn_id", conn.id)
	return conn, nil
}

// Disconnect removes the connection from every room, clears its typing
// indicators and releases its presence. Unknown or already removed ids are
// ignored.
func (g *Gateway) Disconnect(ctx context.Context, connID string) {
	v, ok := g.conns.LoadAndDelete(connID)
	if !ok {
		return
	}
	conn := v.(*Connection)

	for _, room := range conn.Rooms() {
		g.leave(conn, room)
	}
	g.router.Unregister(conn.id)
	g.dispatcher.DropConnection(ctx, conn.id)
	g.metrics.Connections.Dec()

	if _, err := g.presence.ConnectionRemoved(ctx, conn.userID); err != nil {
		g.logger.Error("presence update failed", "user_id", conn.userID, "conn_id", conn.id, "error", err)
	}
	g.logger.Info("client disconnected", "user_id", conn.userID, "conn_id", conn.id)
}

// Connection returns a live connection by id.
func (g *Gateway) Connection(connID string) (*Connection, bool) {
	v, ok := g.conns.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// Handle decodes one inbound frame and routes it. Failures are reported to
// conn as an error frame; Handle itself never fails.
func (g *Gateway) Handle(ctx context.Context, conn *Connection, frame []byte) {
	in, err := model.DecodeInbound(frame)
	if err == nil {
		err = g.route(ctx, conn, in)
	}
	if err != nil {
		g.reject(conn, in, err)
	}
}

func (g *Gateway) route(ctx context.Context, conn *Connection, in model.Inbound) error {
	switch cmd := in.Command.(type) {
	case model.ChatRef:
		room := rooms.ChatRoom(cmd.ChatID)
		switch in.Type {
		case model.EventChatJoin:
			if err := g.joinChat(ctx, conn, cmd.ChatID); err != nil {
				return err
			}
			g.reply(conn, model.EventChatJoined, in.ID, cmd)
			return nil
		case model.EventChatLeave:
			g.leave(conn, room)
			return nil
		case model.EventTyping, model.EventStopTyping:
			if !conn.Joined(room) {
				return fmt.Errorf("%s before joining chat %s: %w", in.Type, cmd.ChatID, model.ErrNotMember)
			}
			return g.dispatcher.Typing(ctx, conn.userID, conn.id, cmd.ChatID, in.Type == model.EventTyping)
		}
	case model.SendMessage:
		_, err := g.dispatcher.SendMessage(ctx, conn.userID, cmd)
		return err
	case model.MarkRead:
		_, err := g.dispatcher.MarkRead(ctx, conn.userID, conn.id, cmd)
		return err
	}
	return fmt.Errorf("%w: unsupported event %q", model.ErrValidation, in.Type)
}

func (g *Gateway) joinChat(ctx context.Context, conn *Connection, chatID string) error {
	chat, err := g.dispatcher.Chat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("join chat %s: %w", chatID, err)
	}
	if !chat.IsMember(conn.userID) {
		return fmt.Errorf("join chat %s: %w", chatID, model.ErrNotMember)
	}
	g.join(conn, rooms.ChatRoom(chatID))
	return nil
}

func (g *Gateway) join(conn *Connection, room rooms.RoomID) {
	g.router.Join(conn, room)
	conn.track(room, true)
}

func (g *Gateway) leave(conn *Connection, room rooms.RoomID) {
	g.router.Leave(conn.id, room)
	conn.track(room, false)
}

// reject sends an error frame to conn only.
func (g *Gateway) reject(conn *Connection, in model.Inbound, err error) {
	code := model.ErrorCode(err)
	msg := err.Error()
	if code == model.CodeInternal {
		g.logger.Error("frame failed", "conn_id", conn.id, "event", in.Type, "error", err)
		msg = "internal error"
	} else {
		g.logger.Debug("frame rejected", "conn_id", conn.id, "event", in.Type, "code", code, "error", err)
	}

	g.reply(conn, model.EventError, in.ID, model.ErrorEvent{
		Code:    code,
		Message: msg,
		Event:   in.Type,
		ID:      in.ID,
	})
}

// reply sends a frame correlated with an inbound frame id to conn only.
func (g *Gateway) reply(conn *Connection, t model.EventType, id string, payload any) {
	env, err := model.NewEnvelope(t, payload)
	if err != nil {
		g.logger.Error("failed to encode reply", "event", t, "error", err)
		return
	}
	env.ID = id
	frame, err := json.Marshal(env)
	if err != nil {
		g.logger.Error("failed to encode reply", "event", t, "error", err)
		return
	}
	if !conn.Send(frame) {
		g.metrics.DeliveriesDropped.Inc()
	}
}

// PresenceNotifier announces presence transitions to every connection
// reachable through b.
func PresenceNotifier(b dispatch.Broadcaster, logger *slog.Logger) presence.Notifier {
	return func(ctx context.Context, ev model.PresenceChanged) {
		env, err := model.NewEnvelope(model.EventPresenceChanged, ev)
		if err != nil {
			logger.Error("failed to encode presence event", "error", err)
			return
		}
		if err := b.BroadcastAll(ctx, env); err != nil {
			logger.Error("presence broadcast failed", "user_id", ev.UserID, "online", ev.Online, "error", err)
		}
	}
}
