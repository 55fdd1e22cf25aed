package store

import (
	"context"
	"testing"
	"time"

	"github.com/mahaj/mingle-realtime/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T) (*Memory, time.Time) {
	t.Helper()
	ctx := context.Background()
	s := NewMemory()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateChat(ctx, &model.Chat{ID: "c1", Members: []string{"a", "b"}, Admins: []string{"a"}, CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, s.CreateChat(ctx, &model.Chat{ID: "c2", IsGroup: true, Name: "team", Members: []string{"a", "c"}, Admins: []string{"a"}, CreatedAt: t0, UpdatedAt: t0.Add(time.Minute)}))
	require.NoError(t, s.CreateMessage(ctx, &model.Message{ID: "m2", ChatID: "c1", SenderID: "a", Text: "second", CreatedAt: t0.Add(2 * time.Second)}))
	require.NoError(t, s.CreateMessage(ctx, &model.Message{ID: "m1", ChatID: "c1", SenderID: "b", Text: "first", CreatedAt: t0.Add(time.Second)}))
	require.NoError(t, s.CreateMessage(ctx, &model.Message{ID: "m3", ChatID: "c2", SenderID: "c", Text: "other", CreatedAt: t0}))
	return s, t0
}

func TestMemory_FindChat(t *testing.T) {
	s, _ := seed(t)
	ctx := context.Background()

	c, err := s.FindChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, c.Members)

	c.Members[0] = "mutated"
	again, err := s.FindChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "a", again.Members[0])

	_, err = s.FindChat(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMemory_DirectChat(t *testing.T) {
	s, t0 := seed(t)
	ctx := context.Background()

	c, err := s.FindDirectChat(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)

	_, err = s.FindDirectChat(ctx, "a", "c")
	assert.ErrorIs(t, err, model.ErrNotFound)

	err = s.CreateChat(ctx, &model.Chat{ID: "dup", Members: []string{"b", "a"}, CreatedAt: t0})
	assert.Error(t, err)
}

func TestMemory_ListChats(t *testing.T) {
	s, _ := seed(t)
	chats, err := s.ListChats(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, "c2", chats[0].ID)
	assert.Equal(t, "c1", chats[1].ID)
}

func TestMemory_ListMessagesOrdered(t *testing.T) {
	s, _ := seed(t)
	msgs, err := s.ListMessages(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestMemory_MarkRead(t *testing.T) {
	s, t0 := seed(t)
	ctx := context.Background()

	n, err := s.MarkRead(ctx, "c1", "b", []string{"m1", "m2"}, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.MarkRead(ctx, "c1", "b", []string{"m1", "m2", "m1"}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	m1, ok := s.Message("m1")
	require.True(t, ok)
	require.Len(t, m1.ReadBy, 1)
	assert.Equal(t, t0, m1.ReadBy[0].At)
}

func TestMemory_MarkReadForeignMessageWritesNothing(t *testing.T) {
	s, t0 := seed(t)
	ctx := context.Background()

	_, err := s.MarkRead(ctx, "c1", "b", []string{"m1", "m3"}, t0)
	assert.ErrorIs(t, err, model.ErrNotFound)

	m1, _ := s.Message("m1")
	assert.Empty(t, m1.ReadBy)
}

func TestMemory_AddMembersAndLastMessage(t *testing.T) {
	s, t0 := seed(t)
	ctx := context.Background()

	c, err := s.AddMembers(ctx, "c2", []string{"c", "d"}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d"}, c.Members)

	_, err = s.AddMembers(ctx, "zz", []string{"d"}, t0)
	assert.ErrorIs(t, err, model.ErrNotFound)

	msg := &model.Message{ID: "m9", ChatID: "c1", Text: "hi", CreatedAt: t0.Add(2 * time.Hour)}
	require.NoError(t, s.SetLastMessage(ctx, "c1", msg))
	c1, err := s.FindChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "hi", c1.LastMessage.Text)
	assert.Equal(t, msg.CreatedAt, c1.UpdatedAt)
}
