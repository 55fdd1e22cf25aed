package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/mingle-realtime/pkg/model"
	"github.com/mahaj/mingle-realtime/pkg/reconcile"
)

const (
	writeWait = 10 * time.Second
	// ackWait bounds how long Open waits for the gateway to confirm a join.
	ackWait = 10 * time.Second
)

var errSessionClosed = errors.New("session closed")

// Session is one logged-in user's live connection: REST snapshots and socket
// events both feed the same reconcile.State.
type Session struct {
	api    *API
	state  *reconcile.State
	typing *reconcile.TypingDebouncer
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	// pending holds requests waiting for a reply with their frame id.
	pendingMu sync.Mutex
	pending   map[string]chan error
	seq       atomic.Uint64
	done      chan struct{}
	doneOnce  sync.Once

	// OnEvent, when set, is called after each server frame has been applied.
	OnEvent func(model.Envelope)
}

// Dial opens the gateway socket with the access token the API logged in with.
func Dial(ctx context.Context, gatewayURL string, api *API, typingIdle time.Duration, logger *slog.Logger) (*Session, error) {
	tokens := api.Tokens()
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("%w: login before connecting", model.ErrUnauthorized)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tokens.AccessToken)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, gatewayURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			var ev model.ErrorEvent
			if json.NewDecoder(resp.Body).Decode(&ev) == nil && ev.Code != "" {
				return nil, &APIError{Status: resp.StatusCode, Code: ev.Code, Message: ev.Message}
			}
		}
		return nil, fmt.Errorf("dial %s: %w", gatewayURL, err)
	}

	s := &Session{
		api:     api,
		state:   reconcile.NewState(tokens.UserID),
		logger:  logger,
		conn:    conn,
		pending: make(map[string]chan error),
		done:    make(chan struct{}),
	}
	s.typing = reconcile.NewTypingDebouncer(typingIdle, s.emitTyping)
	return s, nil
}

func (s *Session) State() *reconcile.State { return s.state }

func (s *Session) UserID() string { return s.api.Tokens().UserID }

// Run applies server frames until the socket closes or ctx is done. Open
// depends on Run to receive join acknowledgements.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()
	defer s.doneOnce.Do(func() { close(s.done) })

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var env model.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if env.ID != "" {
			s.resolve(env)
		}
		if env.Type != model.EventError {
			if err := s.state.Apply(env); err != nil {
				s.logger.Warn("dropping event", "type", env.Type, "error", err)
				continue
			}
			s.follow(env)
		}
		if s.OnEvent != nil {
			s.OnEvent(env)
		}
	}
}

// follow joins the rooms of chats the user has just been added to.
func (s *Session) follow(env model.Envelope) {
	var chat *model.Chat
	switch env.Type {
	case model.EventChatNew:
		var ev model.ChatNew
		if env.Decode(&ev) == nil {
			chat = ev.Chat
		}
	case model.EventChatUpdated:
		var ev model.ChatUpdated
		if env.Decode(&ev) == nil {
			chat = ev.Chat
		}
	}
	if chat != nil && chat.IsMember(s.UserID()) {
		s.joinAsync(chat.ID)
	}
}

// Sync loads the chat list and joins every chat's room, so live messages of
// chats that are not open still reach the view and the unread counts.
func (s *Session) Sync(ctx context.Context) error {
	chats, err := s.api.Chats(ctx)
	if err != nil {
		return err
	}
	s.state.SetChats(chats)
	for _, c := range chats {
		s.joinAsync(c.ID)
	}
	return nil
}

// Open makes chatID the active chat. It waits until the gateway confirms the
// room join before fetching history, so every message after the snapshot
// arrives live; overlap is deduplicated by id.
func (s *Session) Open(ctx context.Context, chatID string) error {
	if prev := s.state.ActiveChat(); prev != "" && prev != chatID {
		s.typing.Stop(prev)
	}
	s.state.SetActiveChat(chatID)
	if err := s.request(ctx, model.EventChatJoin, model.ChatRef{ChatID: chatID}); err != nil {
		return fmt.Errorf("join chat %s: %w", chatID, err)
	}

	msgs, err := s.api.Messages(ctx, chatID)
	if err != nil {
		return err
	}
	s.state.ApplySnapshot(chatID, msgs)
	_, err = s.MarkSeen(ctx)
	return err
}

// MarkSeen acknowledges every unseen message of the active chat.
func (s *Session) MarkSeen(ctx context.Context) (int, error) {
	chatID := s.state.ActiveChat()
	if chatID == "" {
		return 0, nil
	}
	ids := s.state.Unseen(chatID)
	if len(ids) == 0 {
		return 0, nil
	}
	return s.api.MarkRead(ctx, chatID, ids)
}

// Keystroke feeds the typing debouncer for the active chat.
func (s *Session) Keystroke() {
	if chatID := s.state.ActiveChat(); chatID != "" {
		s.typing.Keystroke(chatID)
	}
}

// Send ends the typing burst and posts text to the active chat over REST.
func (s *Session) Send(ctx context.Context, text string) (*model.Message, error) {
	chatID := s.state.ActiveChat()
	if chatID == "" {
		return nil, fmt.Errorf("%w: no chat open", model.ErrValidation)
	}
	s.typing.Stop(chatID)
	return s.api.Send(ctx, model.SendMessage{ChatID: chatID, Text: text})
}

func (s *Session) Close() error {
	s.typing.Close()

	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	werr := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	s.writeMu.Unlock()

	if err := s.conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return werr
	}
	return nil
}

func (s *Session) emitTyping(t model.EventType, chatID string) {
	if err := s.write(t, "", model.ChatRef{ChatID: chatID}); err != nil {
		s.logger.Debug("typing signal not sent", "type", t, "chat_id", chatID, "error", err)
	}
}

func (s *Session) joinAsync(chatID string) {
	if err := s.write(model.EventChatJoin, "", model.ChatRef{ChatID: chatID}); err != nil {
		s.logger.Warn("join not sent", "chat_id", chatID, "error", err)
	}
}

// request sends a frame with a fresh id and waits for the gateway's reply
// carrying the same id. An error frame reply is returned as an *APIError.
func (s *Session) request(ctx context.Context, t model.EventType, payload any) error {
	id := strconv.FormatUint(s.seq.Add(1), 10)
	reply := make(chan error, 1)
	s.pendingMu.Lock()
	s.pending[id] = reply
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.write(t, id, payload); err != nil {
		return err
	}

	timer := time.NewTimer(ackWait)
	defer timer.Stop()
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionClosed
	case <-timer.C:
		return fmt.Errorf("%s %s: no reply after %s", t, id, ackWait)
	}
}

func (s *Session) resolve(env model.Envelope) {
	s.pendingMu.Lock()
	reply, ok := s.pending[env.ID]
	s.pendingMu.Unlock()
	if !ok {
		return
	}

	var err error
	if env.Type == model.EventError {
		var ev model.ErrorEvent
		if decErr := env.Decode(&ev); decErr != nil {
			err = decErr
		} else {
			err = &APIError{Code: ev.Code, Message: ev.Message}
		}
	}
	select {
	case reply <- err:
	default:
	}
}

func (s *Session) write(t model.EventType, id string, payload any) error {
	env, err := model.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	env.ID = id
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write %s: %w", t, err)
	}
	return nil
}
