// Package client talks to the REST API and the gateway socket and keeps a
// reconcile.State current from both.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mahaj/mingle-realtime/pkg/model"
)

// APIError is a non-2xx REST response. It unwraps to the model sentinel
// matching its code, so errors.Is(err, model.ErrNotMember) works.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case model.CodeUnauthorized:
		return model.ErrUnauthorized
	case model.CodeNotMember:
		return model.ErrNotMember
	case model.CodeForbidden:
		return model.ErrForbidden
	case model.CodeNotFound:
		return model.ErrNotFound
	case model.CodeValidation:
		return model.ErrValidation
	case model.CodeConflict:
		return model.ErrConflict
	}
	return nil
}

type Tokens struct {
	UserID       string `json:"userId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// API is a REST client. Login stores the token pair used by later calls.
type API struct {
	base string
	http *http.Client

	mu     sync.RWMutex
	tokens Tokens
}

func NewAPI(baseURL string, hc *http.Client) *API {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &API{base: strings.TrimRight(baseURL, "/"), http: hc}
}

func (a *API) Login(ctx context.Context, userID string) (Tokens, error) {
	var out Tokens
	if err := a.call(ctx, http.MethodPost, "/auth/login", map[string]string{"userId": userID}, &out); err != nil {
		return Tokens{}, fmt.Errorf("login %s: %w", userID, err)
	}
	a.setTokens(out)
	return out, nil
}

// Refresh exchanges the stored refresh token for a new pair.
func (a *API) Refresh(ctx context.Context) (Tokens, error) {
	var out Tokens
	body := map[string]string{"refreshToken": a.Tokens().RefreshToken}
	if err := a.call(ctx, http.MethodPost, "/auth/refresh", body, &out); err != nil {
		return Tokens{}, fmt.Errorf("refresh: %w", err)
	}
	a.setTokens(out)
	return out, nil
}

func (a *API) Tokens() Tokens {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tokens
}

func (a *API) setTokens(t Tokens) {
	a.mu.Lock()
	a.tokens = t
	a.mu.Unlock()
}

func (a *API) Chats(ctx context.Context) ([]*model.Chat, error) {
	var out []*model.Chat
	return out, a.call(ctx, http.MethodGet, "/chats", nil, &out)
}

// CreateChat returns the chat and whether the server created it.
func (a *API) CreateChat(ctx context.Context, cmd model.CreateChat) (*model.Chat, bool, error) {
	var out model.Chat
	status, err := a.do(ctx, http.MethodPost, "/chats", cmd, &out)
	if err != nil {
		return nil, false, err
	}
	return &out, status == http.StatusCreated, nil
}

func (a *API) AddMembers(ctx context.Context, chatID string, memberIDs []string) (*model.Chat, error) {
	var out model.Chat
	path := "/chats/" + url.PathEscape(chatID) + "/members"
	if err := a.call(ctx, http.MethodPost, path, model.AddMembers{MemberIDs: memberIDs}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Messages(ctx context.Context, chatID string) ([]*model.Message, error) {
	var out []*model.Message
	return out, a.call(ctx, http.MethodGet, "/messages/"+url.PathEscape(chatID), nil, &out)
}

func (a *API) Send(ctx context.Context, cmd model.SendMessage) (*model.Message, error) {
	var out model.Message
	if err := a.call(ctx, http.MethodPost, "/messages", cmd, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead returns the number of receipts the server added.
func (a *API) MarkRead(ctx context.Context, chatID string, messageIDs []string) (int, error) {
	var out struct {
		Added int `json:"added"`
	}
	path := "/messages/" + url.PathEscape(chatID) + "/read"
	if err := a.call(ctx, http.MethodPost, path, map[string][]string{"messageIds": messageIDs}, &out); err != nil {
		return 0, err
	}
	return out.Added, nil
}

func (a *API) Presence(ctx context.Context, userIDs []string) (map[string]bool, error) {
	out := map[string]bool{}
	q := url.Values{"users": {strings.Join(userIDs, ",")}}
	return out, a.call(ctx, http.MethodGet, "/presence?"+q.Encode(), nil, &out)
}

func (a *API) call(ctx context.Context, method, path string, body, out any) error {
	_, err := a.do(ctx, method, path, body, out)
	return err
}

func (a *API) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := a.Tokens().AccessToken; tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var ev model.ErrorEvent
		if json.NewDecoder(resp.Body).Decode(&ev) == nil {
			apiErr.Code, apiErr.Message = ev.Code, ev.Message
		}
		return resp.StatusCode, apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}
