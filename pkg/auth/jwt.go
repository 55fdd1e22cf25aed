package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mahaj/mingle-realtime/pkg/model"
)

const (
	kindAccess  = "access"
	kindRefresh = "refresh"
)

type Claims struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
	jwt.RegisteredClaims
}

type contextKey string

const UserKey contextKey = "user"

// Verifier resolves an access credential to a user id.
type Verifier interface {
	VerifyAccess(token string) (string, error)
}

// Manager issues and verifies the access/refresh token pair.
type Manager struct {
	accessKey  []byte
	refreshKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewManager(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) (*Manager, error) {
	if accessSecret == "" || refreshSecret == "" {
		return nil, errors.New("auth: access and refresh secrets are required")
	}
	if accessSecret == refreshSecret {
		return nil, errors.New("auth: access and refresh secrets must differ")
	}
	return &Manager{
		accessKey:  []byte(accessSecret),
		refreshKey: []byte(refreshSecret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}, nil
}

// IssueAccess creates a short-lived token used for REST calls and the socket handshake.
func (m *Manager) IssueAccess(userID string) (string, error) {
	return m.issue(userID, kindAccess, m.accessKey, m.accessTTL)
}

// IssueRefresh creates a long-lived token that can only be exchanged for a new access token.
func (m *Manager) IssueRefresh(userID string) (string, error) {
	return m.issue(userID, kindRefresh, m.refreshKey, m.refreshTTL)
}

func (m *Manager) VerifyAccess(token string) (string, error) {
	return m.verify(token, kindAccess, m.accessKey)
}

func (m *Manager) VerifyRefresh(token string) (string, error) {
	return m.verify(token, kindRefresh, m.refreshKey)
}

func (m *Manager) issue(userID, kind string, key []byte, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", model.ErrValidation)
	}
	now := m.now()
	claims := &Claims{
		UserID: userID,
		Kind:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

func (m *Manager) verify(tokenString, kind string, key []byte) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("%w: no token provided", model.ErrUnauthorized)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
	}
	if !token.Valid || claims.Kind != kind || claims.UserID == "" {
		return "", fmt.Errorf("%w: invalid %s token", model.ErrUnauthorized, kind)
	}
	return claims.UserID, nil
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the token query parameter used by browser websocket clients.
func TokenFromRequest(r *http.Request) string {
	tokenString := r.Header.Get("Authorization")
	if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}
	return strings.TrimPrefix(tokenString, "Bearer ")
}

func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserKey, userID)
}

// UserFromContext returns the user id stored by the API auth middleware.
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserKey).(string)
	return userID, ok && userID != ""
}
