// Package store declares the chat and message record stores the realtime
// layer depends on. Implementations live in pkg/db (Scylla) and in this
// package (in-memory).
package store

import (
	"context"
	"time"

	"github.com/mahaj/mingle-realtime/pkg/model"
)

type ChatStore interface {
	// FindChat returns model.ErrNotFound for unknown ids.
	FindChat(ctx context.Context, chatID string) (*model.Chat, error)
	// FindDirectChat returns the non-group chat between a and b, or model.ErrNotFound.
	FindDirectChat(ctx context.Context, a, b string) (*model.Chat, error)
	// ListChats returns the chats userID belongs to, most recently updated first.
	ListChats(ctx context.Context, userID string) ([]*model.Chat, error)
	CreateChat(ctx context.Context, chat *model.Chat) error
	// AddMembers unions memberIDs into the chat and returns the updated record.
	AddMembers(ctx context.Context, chatID string, memberIDs []string, at time.Time) (*model.Chat, error)
	SetLastMessage(ctx context.Context, chatID string, msg *model.Message) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, msg *model.Message) error
	// ListMessages returns the chat's messages ordered by creation time.
	ListMessages(ctx context.Context, chatID string) ([]*model.Message, error)
	// MarkRead appends a receipt for userID to every listed message that lacks
	// one. It fails with model.ErrNotFound, writing nothing, if any id does not
	// belong to chatID. It returns the number of receipts added.
	MarkRead(ctx context.Context, chatID, userID string, messageIDs []string, at time.Time) (int, error)
}
