package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_MarkReadIsIdempotent(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := &Message{ID: "m1"}

	assert.True(t, m.MarkRead("b", at))
	assert.False(t, m.MarkRead("b", at.Add(time.Minute)))
	require.Len(t, m.ReadBy, 1)
	assert.Equal(t, at, m.ReadBy[0].At)

	assert.True(t, m.MarkRead("c", at))
	assert.Len(t, m.ReadBy, 2)
}

func TestMessage_Before(t *testing.T) {
	t0 := time.Unix(100, 0)
	a := &Message{ID: "2", CreatedAt: t0}
	b := &Message{ID: "10", CreatedAt: t0}
	c := &Message{ID: "1", CreatedAt: t0.Add(time.Second)}

	assert.True(t, a.Before(b), "shorter numeric id sorts first on equal time")
	assert.False(t, b.Before(a))
	assert.True(t, b.Before(c))
	assert.False(t, a.Before(a))
}

func TestMessage_CloneIsDeep(t *testing.T) {
	m := &Message{ID: "m1", ReadBy: []ReadReceipt{{UserID: "a"}}}
	c := m.Clone()
	c.ReadBy[0].UserID = "z"
	assert.Equal(t, "a", m.ReadBy[0].UserID)
	assert.Nil(t, (*Message)(nil).Clone())
}

func TestChat_Membership(t *testing.T) {
	c := &Chat{ID: "c1", Members: []string{"a", "b"}, Admins: []string{"a"}}
	assert.True(t, c.IsMember("b"))
	assert.False(t, c.IsMember("x"))
	assert.True(t, c.IsAdmin("a"))
	assert.False(t, c.IsAdmin("b"))
}

func TestUniqueIDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, UniqueIDs("a", "b", "", "a", "c", "b"))
	assert.Empty(t, UniqueIDs("", ""))
}

func TestDirectKey(t *testing.T) {
	assert.Equal(t, DirectKey("b", "a"), DirectKey("a", "b"))
	assert.Equal(t, "dm:a:b", DirectKey("b", "a"))
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("verify: %w", ErrUnauthorized), CodeUnauthorized},
		{fmt.Errorf("chat c1: %w", ErrNotMember), CodeNotMember},
		{ErrForbidden, CodeForbidden},
		{fmt.Errorf("chat c9: %w", ErrNotFound), CodeNotFound},
		{ErrValidation, CodeValidation},
		{fmt.Errorf("direct chat: %w", ErrConflict), CodeConflict},
		{errors.New("scylla timeout"), CodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err), tt.err.Error())
	}
}

func TestValidateCommands(t *testing.T) {
	assert.ErrorIs(t, MarkRead{ChatID: "c1", MessageIDs: []string{"", ""}}.Validate(), ErrValidation)
	assert.NoError(t, MarkRead{ChatID: "c1", MessageIDs: []string{"m1", "m1"}}.Validate())
	assert.ErrorIs(t, SendMessage{ChatID: "c1", Text: "   "}.Validate(), ErrValidation)
	assert.NoError(t, SendMessage{ChatID: "c1", ImageURL: "/uploads/x.png"}.Validate())
	assert.ErrorIs(t, CreateChat{IsGroup: true, Name: "x", MemberIDs: []string{"b"}}.Validate(), ErrValidation)
	assert.ErrorIs(t, CreateChat{IsGroup: false, Name: "dm", MemberIDs: []string{"b"}}.Validate(), ErrValidation)
	assert.NoError(t, CreateChat{IsGroup: true, Name: "team", MemberIDs: []string{"b", "c"}}.Validate())
	assert.ErrorIs(t, AddMembers{}.Validate(), ErrValidation)
}
