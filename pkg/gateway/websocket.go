package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/mingle-realtime/pkg/auth"
	"github.com/mahaj/mingle-realtime/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Large enough for a 5000
	// character message or a full mark-read batch.
	maxMessageSize = 64 << 10

	defaultSendBuffer = 256
)

// socket is the websocket Sink. A full send buffer marks the peer as a slow
// consumer: the socket is closed and the client recovers through the REST
// snapshot after reconnecting.
type socket struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	// evicted is set before done closes when the buffer overflowed.
	evicted atomic.Bool
}

func newSocket(buffer int, logger *slog.Logger) *socket {
	return &socket{
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (s *socket) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	case <-s.done:
		return false
	default:
		s.logger.Warn("send buffer full, evicting slow consumer")
		s.evicted.Store(true)
		s.close()
		return false
	}
}

func (s *socket) close() {
	s.once.Do(func() { close(s.done) })
}

// readPump pumps frames from the websocket connection to the gateway. Frames
// of one connection are handled in arrival order.
func (s *socket) readPump(ctx context.Context, gw *Gateway, conn *Connection) {
	defer func() {
		s.close()
		s.conn.Close()
		gw.Disconnect(ctx, conn.ID())
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", "conn_id", conn.ID(), "error", err)
			}
			return
		}
		gw.Handle(ctx, conn, message)
	}
}

// writePump pumps frames from the send buffer to the websocket connection.
func (s *socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			if s.evicted.Load() {
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "slow consumer"))
			}
			return
		}
	}
}

// Handler serves the websocket endpoint.
type Handler struct {
	gw         *Gateway
	upgrader   websocket.Upgrader
	sendBuffer int
	baseCtx    context.Context
	logger     *slog.Logger
}

// NewHandler returns the /ws handler. Connection work runs under ctx, which
// outlives individual requests.
func NewHandler(ctx context.Context, gw *Gateway, sendBuffer int, logger *slog.Logger) *Handler {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Handler{
		gw: gw,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		sendBuffer: sendBuffer,
		baseCtx:    ctx,
		logger:     logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock := newSocket(h.sendBuffer, h.logger)
	conn, err := h.gw.Connect(r.Context(), auth.TokenFromRequest(r), sock)
	if err != nil {
		h.logger.Info("websocket handshake rejected", "remote", r.RemoteAddr, "error", err)
		writeHandshakeError(w, err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Warn("websocket upgrade failed", "conn_id", conn.ID(), "error", err)
		h.gw.Disconnect(h.baseCtx, conn.ID())
		return
	}
	sock.conn = ws

	go sock.writePump()
	go sock.readPump(h.baseCtx, h.gw, conn)
}

func writeHandshakeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, model.ErrUnauthorized) {
		status = http.StatusUnauthorized
	}
	code, msg := model.ErrorCode(err), err.Error()
	if code == model.CodeInternal {
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorEvent{Code: code, Message: msg})
}
