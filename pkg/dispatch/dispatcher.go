// Package dispatch validates client actions, persists their effects and fans
// the resulting domain events out to rooms. Both the socket gateway and the
// REST API call into the same Dispatcher so every logical action has exactly
// one write path.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mahaj/mingle-realtime/pkg/metrics"
	"github.com/mahaj/mingle-realtime/pkg/model"
	"github.com/mahaj/mingle-realtime/pkg/rooms"
	"github.com/mahaj/mingle-realtime/pkg/snowflake"
	"github.com/mahaj/mingle-realtime/pkg/store"
	"github.com/mahaj/mingle-realtime/pkg/typing"
	"golang.org/x/sync/singleflight"
)

// Broadcaster delivers events to rooms. *rooms.Router delivers in-process,
// *bus.Publisher routes through Kafka to every gateway instance.
type Broadcaster interface {
	Broadcast(ctx context.Context, room rooms.RoomID, ev model.Envelope, exclude string) error
	BroadcastAll(ctx context.Context, ev model.Envelope) error
}

type Config struct {
	Chats       store.ChatStore
	Messages    store.MessageStore
	Broadcaster Broadcaster
	IDs         *snowflake.Node
	// TypingTTL bounds how long a typing indicator survives without renewal.
	// Zero disables the server-side sweep.
	TypingTTL time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type Dispatcher struct {
	chats    store.ChatStore
	messages store.MessageStore
	out      Broadcaster
	ids      *snowflake.Node
	typing   *typing.Tracker
	lookups  singleflight.Group
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		chats:    cfg.Chats,
		messages: cfg.Messages,
		out:      cfg.Broadcaster,
		ids:      cfg.IDs,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
	d.typing = typing.NewTracker(cfg.TypingTTL, d.typingExpired)
	return d
}

// Close cancels pending typing expiries.
func (d *Dispatcher) Close() {
	d.typing.Close()
}

// Chat returns the chat record, collapsing concurrent lookups of the same id.
// The shared lookup ignores cancellation of whichever caller started it.
func (d *Dispatcher) Chat(ctx context.Context, chatID string) (*model.Chat, error) {
	lookupCtx := context.WithoutCancel(ctx)
	v, err, _ := d.lookups.Do(chatID, func() (any, error) {
		return d.chats.FindChat(lookupCtx, chatID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Chat).Clone(), nil
}

// memberChat loads chatID and checks userID belongs to it.
func (d *Dispatcher) memberChat(ctx context.Context, userID, chatID string) (*model.Chat, error) {
	chat, err := d.Chat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("chat %s: %w", chatID, err)
	}
	if !chat.IsMember(userID) {
		return nil, fmt.Errorf("user %s in chat %s: %w", userID, chatID, model.ErrNotMember)
	}
	return chat, nil
}

// SendMessage persists a message and announces it to the chat room and to
// every member's personal room.
func (d *Dispatcher) SendMessage(ctx context.Context, senderID string, cmd model.SendMessage) (*model.Message, error) {
	if err := cmd.Validate(); err != nil {
		return nil, d.fail("message:send", err)
	}
	chat, err := d.memberChat(ctx, senderID, cmd.ChatID)
	if err != nil {
		return nil, d.fail("message:send", err)
	}

	msg := &model.Message{
		ID:        d.ids.NextID(),
		ChatID:    chat.ID,
		SenderID:  senderID,
		Text:      cmd.Text,
		ImageURL:  cmd.ImageURL,
		CreatedAt: d.now(),
		ReadBy:    []model.ReadReceipt{},
	}
	if err := d.messages.CreateMessage(ctx, msg); err != nil {
		return nil, d.fail("message:send", fmt.Errorf("persist message: %w", err))
	}
	if err := d.chats.SetLastMessage(ctx, chat.ID, msg); err != nil {
		// The message is stored; a stale sidebar is repaired by the next send.
		d.logger.Error("failed to update last message", "chat_id", chat.ID, "message_id", msg.ID, "error", err)
	}
	d.lookups.Forget(chat.ID)

	d.broadcast(ctx, rooms.ChatRoom(chat.ID), model.EventMessageNew, model.MessageNew{Message: msg}, "")
	update := model.ChatUpdated{ChatID: chat.ID, LastMessage: msg}
	for _, member := range chat.Members {
		d.broadcast(ctx, rooms.UserRoom(member), model.EventChatUpdated, update, "")
	}

	d.logger.Info("message sent", "chat_id", chat.ID, "message_id", msg.ID, "sender_id", senderID)
	return msg.Clone(), nil
}

// Typing relays typing or stop_typing to the chat room, excluding the
// signalling connection, and renews or cancels the server-side expiry.
func (d *Dispatcher) Typing(ctx context.Context, userID, connID, chatID string, isTyping bool) error {
	action := string(model.EventStopTyping)
	if isTyping {
		action = string(model.EventTyping)
	}
	if err := (model.ChatRef{ChatID: chatID}).Validate(); err != nil {
		return d.fail(action, err)
	}
	if _, err := d.memberChat(ctx, userID, chatID); err != nil {
		return d.fail(action, err)
	}

	if isTyping {
		d.typing.Start(chatID, userID, connID)
		d.broadcast(ctx, rooms.ChatRoom(chatID), model.EventTyping, model.TypingSignal{ChatID: chatID, UserID: userID}, connID)
		return nil
	}
	d.typing.Stop(chatID, userID)
	d.broadcast(ctx, rooms.ChatRoom(chatID), model.EventStopTyping, model.TypingSignal{ChatID: chatID, UserID: userID}, connID)
	return nil
}

// DropConnection clears typing indicators last renewed by connID and tells
// the affected rooms the user stopped typing.
func (d *Dispatcher) DropConnection(ctx context.Context, connID string) {
	for _, e := range d.typing.DropConnection(connID) {
		d.broadcast(ctx, rooms.ChatRoom(e.ChatID), model.EventStopTyping, model.TypingSignal{ChatID: e.ChatID, UserID: e.UserID}, connID)
	}
}

// Typists returns the users currently typing in chatID on this instance.
func (d *Dispatcher) Typists(chatID string) []string {
	return d.typing.Typing(chatID)
}

func (d *Dispatcher) typingExpired(e typing.Entry) {
	d.metrics.TypingExpired.Inc()
	d.logger.Debug("typing expired", "chat_id", e.ChatID, "user_id", e.UserID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.broadcast(ctx, rooms.ChatRoom(e.ChatID), model.EventStopTyping, model.TypingSignal{ChatID: e.ChatID, UserID: e.UserID}, e.ConnectionID)
}

// MarkRead records receipts for userID and relays message:read to the chat
// room, excluding connID. Repeating a call adds nothing.
func (d *Dispatcher) MarkRead(ctx context.Context, userID, connID string, cmd model.MarkRead) (int, error) {
	if err := cmd.Validate(); err != nil {
		return 0, d.fail("message:read", err)
	}
	if _, err := d.memberChat(ctx, userID, cmd.ChatID); err != nil {
		return 0, d.fail("message:read", err)
	}

	ids := model.UniqueIDs(cmd.MessageIDs...)
	added, err := d.messages.MarkRead(ctx, cmd.ChatID, userID, ids, d.now())
	if err != nil {
		return 0, d.fail("message:read", fmt.Errorf("mark read in chat %s: %w", cmd.ChatID, err))
	}

	d.broadcast(ctx, rooms.ChatRoom(cmd.ChatID), model.EventMessageRead,
		model.MessageReadEvent{ChatID: cmd.ChatID, UserID: userID, MessageIDs: ids}, connID)
	d.logger.Debug("messages read", "chat_id", cmd.ChatID, "user_id", userID, "requested", len(ids), "added", added)
	return added, nil
}

// CreateChat creates a direct or group chat. A direct chat that already
// exists is returned as is, with created false and no event.
func (d *Dispatcher) CreateChat(ctx context.Context, creatorID string, cmd model.CreateChat) (chat *model.Chat, created bool, err error) {
	if err := cmd.Validate(); err != nil {
		return nil, false, d.fail("chat:create", err)
	}
	members := model.UniqueIDs(append([]string{creatorID}, cmd.MemberIDs...)...)

	if !cmd.IsGroup {
		if len(members) != 2 {
			return nil, false, d.fail("chat:create", fmt.Errorf("%w: a direct chat needs exactly one other member", model.ErrValidation))
		}
		existing, err := d.chats.FindDirectChat(ctx, members[0], members[1])
		switch {
		case err == nil:
			return existing, false, nil
		case !isNotFound(err):
			return nil, false, d.fail("chat:create", fmt.Errorf("find direct chat: %w", err))
		}
	}

	now := d.now()
	chat = &model.Chat{
		ID:        d.ids.NextID(),
		IsGroup:   cmd.IsGroup,
		Members:   members,
		Admins:    []string{creatorID},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cmd.IsGroup {
		chat.Name = trimName(cmd.Name)
	}
	if err := d.chats.CreateChat(ctx, chat); err != nil {
		if !cmd.IsGroup && isConflict(err) {
			// Lost a race with a concurrent create of the same pair.
			existing, ferr := d.chats.FindDirectChat(ctx, members[0], members[1])
			if ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, d.fail("chat:create", fmt.Errorf("persist chat: %w", err))
	}

	for _, member := range chat.Members {
		d.broadcast(ctx, rooms.UserRoom(member), model.EventChatNew, model.ChatNew{Chat: chat}, "")
	}
	d.logger.Info("chat created", "chat_id", chat.ID, "group", chat.IsGroup, "members", len(chat.Members))
	return chat.Clone(), true, nil
}

// AddMembers unions memberIDs into a chat. Only admins may add members.
func (d *Dispatcher) AddMembers(ctx context.Context, requesterID, chatID string, cmd model.AddMembers) (*model.Chat, error) {
	if err := cmd.Validate(); err != nil {
		return nil, d.fail("chat:members", err)
	}
	chat, err := d.Chat(ctx, chatID)
	if err != nil {
		return nil, d.fail("chat:members", fmt.Errorf("chat %s: %w", chatID, err))
	}
	if !chat.IsAdmin(requesterID) {
		return nil, d.fail("chat:members", fmt.Errorf("user %s is not an admin of %s: %w", requesterID, chatID, model.ErrForbidden))
	}
	if !chat.IsGroup {
		return nil, d.fail("chat:members", fmt.Errorf("%w: cannot add members to a direct chat", model.ErrValidation))
	}

	updated, err := d.chats.AddMembers(ctx, chatID, model.UniqueIDs(cmd.MemberIDs...), d.now())
	if err != nil {
		return nil, d.fail("chat:members", fmt.Errorf("add members to %s: %w", chatID, err))
	}
	d.lookups.Forget(chatID)

	for _, member := range updated.Members {
		d.broadcast(ctx, rooms.UserRoom(member), model.EventChatUpdated, model.ChatUpdated{Chat: updated}, "")
	}
	d.logger.Info("members added", "chat_id", chatID, "by", requesterID, "members", len(updated.Members))
	return updated.Clone(), nil
}

// ListMessages returns the chat history in ascending order for a member.
func (d *Dispatcher) ListMessages(ctx context.Context, userID, chatID string) ([]*model.Message, error) {
	if _, err := d.memberChat(ctx, userID, chatID); err != nil {
		return nil, d.fail("messages:list", err)
	}
	msgs, err := d.messages.ListMessages(ctx, chatID)
	if err != nil {
		return nil, d.fail("messages:list", fmt.Errorf("list messages of %s: %w", chatID, err))
	}
	return msgs, nil
}

// ListChats returns userID's chats, most recently updated first.
func (d *Dispatcher) ListChats(ctx context.Context, userID string) ([]*model.Chat, error) {
	chats, err := d.chats.ListChats(ctx, userID)
	if err != nil {
		return nil, d.fail("chats:list", fmt.Errorf("list chats of %s: %w", userID, err))
	}
	return chats, nil
}

func (d *Dispatcher) broadcast(ctx context.Context, room rooms.RoomID, t model.EventType, payload any, exclude string) {
	env, err := model.NewEnvelope(t, payload)
	if err != nil {
		d.logger.Error("failed to encode event", "event", t, "error", err)
		return
	}
	if err := d.out.Broadcast(ctx, room, env, exclude); err != nil {
		d.metrics.DispatchErrors.WithLabelValues("broadcast", model.CodeInternal).Inc()
		d.logger.Error("broadcast failed", "event", t, "room", room, "error", err)
		return
	}
	d.metrics.EventsBroadcast.WithLabelValues(string(t)).Inc()
}

func (d *Dispatcher) fail(action string, err error) error {
	code := model.ErrorCode(err)
	d.metrics.DispatchErrors.WithLabelValues(action, code).Inc()
	if code == model.CodeInternal {
		d.logger.Error("action failed", "action", action, "error", err)
	} else {
		d.logger.Debug("action rejected", "action", action, "code", code, "error", err)
	}
	return err
}

func isNotFound(err error) bool { return errors.Is(err, model.ErrNotFound) }
func isConflict(err error) bool { return errors.Is(err, model.ErrConflict) }

func trimName(name string) string { return strings.TrimSpace(name) }
