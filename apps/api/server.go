package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mahaj/mingle-realtime/pkg/auth"
	"github.com/mahaj/mingle-realtime/pkg/dispatch"
	"github.com/mahaj/mingle-realtime/pkg/metrics"
	"github.com/mahaj/mingle-realtime/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
)

const maxBodyBytes = 1 << 20

// onlineLookup answers presence queries; presence.RedisCounter implements it.
type onlineLookup interface {
	OnlineUsers(ctx context.Context, userIDs []string) (map[string]bool, error)
}

type server struct {
	tokens     *auth.Manager
	dispatcher *dispatch.Dispatcher
	presence   onlineLookup
	authLimit  func(http.Handler) http.Handler
	corsOrigin string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func (s *server) routes(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()

	limit := s.authLimit
	if limit == nil {
		limit = func(h http.Handler) http.Handler { return h }
	}
	mux.Handle("POST /auth/login", limit(http.HandlerFunc(s.login)))
	mux.Handle("POST /auth/refresh", limit(http.HandlerFunc(s.refresh)))

	mux.Handle("GET /chats", s.authenticated(s.listChats))
	mux.Handle("POST /chats", s.authenticated(s.createChat))
	mux.Handle("POST /chats/{chatId}/members", s.authenticated(s.addMembers))
	mux.Handle("GET /messages/{chatId}", s.authenticated(s.listMessages))
	mux.Handle("POST /messages", s.authenticated(s.sendMessage))
	mux.Handle("POST /messages/{chatId}/read", s.authenticated(s.markRead))
	mux.Handle("GET /presence", s.authenticated(s.presenceQuery))

	mux.Handle("GET /metrics", metrics.Handler(gatherer))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return s.cors(s.instrument(mux))
}

func (s *server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// authenticated resolves the bearer token to a user id before calling h.
func (s *server) authenticated(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.TokenFromRequest(r)
		if token == "" {
			s.writeError(w, r, fmt.Errorf("%w: authorization header required", model.ErrUnauthorized))
			return
		}
		userID, err := s.tokens.VerifyAccess(token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		h(w, r.WithContext(auth.WithUser(r.Context(), userID)))
	})
}

func currentUser(r *http.Request) string {
	userID, _ := auth.UserFromContext(r.Context())
	return userID
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: request body: %w", model.ErrValidation, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(code string) int {
	switch code {
	case model.CodeUnauthorized:
		return http.StatusUnauthorized
	case model.CodeNotMember, model.CodeForbidden:
		return http.StatusForbidden
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeValidation:
		return http.StatusBadRequest
	case model.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := model.ErrorCode(err)
	msg := err.Error()
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		code, msg = model.CodeValidation, "request body too large"
	case code == model.CodeInternal:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, statusFor(code), model.ErrorEvent{Code: code, Message: msg})
}
