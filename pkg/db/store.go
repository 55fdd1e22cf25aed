package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/gocql/gocql"
	"github.com/mahaj/mingle-realtime/pkg/model"
	"github.com/mahaj/mingle-realtime/pkg/store"
)

var (
	_ store.ChatStore    = (*Store)(nil)
	_ store.MessageStore = (*Store)(nil)
)

// Store persists chats and messages in Scylla.
type Store struct {
	db *Session
}

func NewStore(session *Session) *Store {
	return &Store{db: session}
}

func (s *Store) FindChat(ctx context.Context, chatID string) (*model.Chat, error) {
	var (
		c      model.Chat
		lastID int64
	)
	err := s.db.Query(`SELECT chat_id, name, is_group, members, admins, last_message_id, created_at, updated_at FROM chats WHERE chat_id = ?`, chatID).
		WithContext(ctx).
		Scan(&c.ID, &c.Name, &c.IsGroup, &c.Members, &c.Admins, &lastID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, fmt.Errorf("chat %s: %w", chatID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find chat %s: %w", chatID, err)
	}
	sort.Strings(c.Members)
	sort.Strings(c.Admins)

	if lastID != 0 {
		last, err := s.findMessage(ctx, chatID, lastID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		c.LastMessage = last
	}
	return &c, nil
}

func (s *Store) FindDirectChat(ctx context.Context, a, b string) (*model.Chat, error) {
	var chatID string
	err := s.db.Query(`SELECT chat_id FROM direct_chats WHERE pair_key = ?`, model.DirectKey(a, b)).
		WithContext(ctx).
		Scan(&chatID)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, fmt.Errorf("direct chat %s/%s: %w", a, b, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find direct chat: %w", err)
	}
	return s.FindChat(ctx, chatID)
}

func (s *Store) ListChats(ctx context.Context, userID string) ([]*model.Chat, error) {
	iter := s.db.Query(`SELECT chat_id FROM user_chats WHERE user_id = ?`, userID).WithContext(ctx).Iter()

	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list chats for %s: %w", userID, err)
	}

	chats := make([]*model.Chat, 0, len(ids))
	for _, id := range ids {
		c, err := s.FindChat(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	sort.Slice(chats, func(i, j int) bool {
		if !chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
		}
		return chats[i].ID < chats[j].ID
	})
	return chats, nil
}

func (s *Store) CreateChat(ctx context.Context, chat *model.Chat) (err error) {
	if !chat.IsGroup && len(chat.Members) == 2 {
		pairKey := model.DirectKey(chat.Members[0], chat.Members[1])
		existing := map[string]interface{}{}
		applied, casErr := s.db.Query(`INSERT INTO direct_chats (pair_key, chat_id) VALUES (?, ?) IF NOT EXISTS`,
			pairKey, chat.ID).
			WithContext(ctx).
			MapScanCAS(existing)
		if casErr != nil {
			return fmt.Errorf("reserve direct chat: %w", casErr)
		}
		if !applied {
			return fmt.Errorf("direct chat held by %v: %w", existing["chat_id"], model.ErrConflict)
		}
		defer func() {
			if err != nil {
				err = errors.Join(err, s.releaseDirect(context.WithoutCancel(ctx), pairKey, chat.ID))
			}
		}()
	}

	if err := s.db.Query(`INSERT INTO chats (chat_id, name, is_group, members, admins, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		chat.ID, chat.Name, chat.IsGroup, chat.Members, chat.Admins, chat.CreatedAt, chat.UpdatedAt).
		WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("insert chat %s: %w", chat.ID, err)
	}
	return s.indexMembers(ctx, chat.ID, chat.Members)
}

// releaseDirect drops a pair reservation still held by chatID so a failed
// create does not block the pair forever.
func (s *Store) releaseDirect(ctx context.Context, pairKey, chatID string) error {
	if _, err := s.db.Query(`DELETE FROM direct_chats WHERE pair_key = ? IF chat_id = ?`, pairKey, chatID).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{}); err != nil {
		return fmt.Errorf("release direct chat %s: %w", pairKey, err)
	}
	return nil
}

func (s *Store) AddMembers(ctx context.Context, chatID string, memberIDs []string, at time.Time) (*model.Chat, error) {
	if _, err := s.FindChat(ctx, chatID); err != nil {
		return nil, err
	}
	if err := s.db.Query(`UPDATE chats SET members = members + ?, updated_at = ? WHERE chat_id = ?`, memberIDs, at, chatID).
		WithContext(ctx).Exec(); err != nil {
		return nil, fmt.Errorf("add members to %s: %w", chatID, err)
	}
	if err := s.indexMembers(ctx, chatID, memberIDs); err != nil {
		return nil, err
	}
	return s.FindChat(ctx, chatID)
}

func (s *Store) indexMembers(ctx context.Context, chatID string, members []string) error {
	for _, userID := range members {
		if err := s.db.Query(`INSERT INTO user_chats (user_id, chat_id) VALUES (?, ?)`, userID, chatID).
			WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("index chat %s for %s: %w", chatID, userID, err)
		}
	}
	return nil
}

func (s *Store) SetLastMessage(ctx context.Context, chatID string, msg *model.Message) error {
	id, err := parseID(msg.ID)
	if err != nil {
		return err
	}
	if err := s.db.Query(`UPDATE chats SET last_message_id = ?, updated_at = ? WHERE chat_id = ?`, id, msg.CreatedAt, chatID).
		WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("set last message of %s: %w", chatID, err)
	}
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, msg *model.Message) error {
	id, err := parseID(msg.ID)
	if err != nil {
		return err
	}
	if err := s.db.Query(`INSERT INTO messages (chat_id, id, sender_id, text, image_url, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ChatID, id, msg.SenderID, msg.Text, msg.ImageURL, msg.CreatedAt).
		WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, chatID string) ([]*model.Message, error) {
	iter := s.db.Query(`SELECT id, sender_id, text, image_url, created_at FROM messages WHERE chat_id = ?`, chatID).
		WithContext(ctx).Iter()

	var (
		out  []*model.Message
		byID = map[int64]*model.Message{}
		id   int64
		m    model.Message
	)
	for iter.Scan(&id, &m.SenderID, &m.Text, &m.ImageURL, &m.CreatedAt) {
		msg := m
		msg.ID = strconv.FormatInt(id, 10)
		msg.ChatID = chatID
		out = append(out, &msg)
		byID[id] = &msg
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", chatID, err)
	}

	reads := s.db.Query(`SELECT message_id, user_id, read_at FROM message_reads WHERE chat_id = ?`, chatID).
		WithContext(ctx).Iter()
	var r model.ReadReceipt
	for reads.Scan(&id, &r.UserID, &r.At) {
		if msg, ok := byID[id]; ok {
			msg.ReadBy = append(msg.ReadBy, r)
		}
	}
	if err := reads.Close(); err != nil {
		return nil, fmt.Errorf("list receipts of %s: %w", chatID, err)
	}

	for _, msg := range out {
		sort.Slice(msg.ReadBy, func(i, j int) bool { return msg.ReadBy[i].At.Before(msg.ReadBy[j].At) })
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *Store) MarkRead(ctx context.Context, chatID, userID string, messageIDs []string, at time.Time) (int, error) {
	ids := make([]int64, 0, len(messageIDs))
	for _, raw := range model.UniqueIDs(messageIDs...) {
		id, err := parseID(raw)
		if err != nil {
			return 0, fmt.Errorf("message %s in chat %s: %w", raw, chatID, model.ErrNotFound)
		}
		ids = append(ids, id)
	}

	var found int
	iter := s.db.Query(`SELECT id FROM messages WHERE chat_id = ? AND id IN ?`, chatID, ids).WithContext(ctx).Iter()
	var id int64
	for iter.Scan(&id) {
		found++
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("check messages of %s: %w", chatID, err)
	}
	if found != len(ids) {
		return 0, fmt.Errorf("%d of %d messages in chat %s: %w", len(ids)-found, len(ids), chatID, model.ErrNotFound)
	}

	added := 0
	for _, id := range ids {
		applied, err := s.db.Query(`INSERT INTO message_reads (chat_id, message_id, user_id, read_at) VALUES (?, ?, ?, ?) IF NOT EXISTS`,
			chatID, id, userID, at).
			WithContext(ctx).
			MapScanCAS(map[string]interface{}{})
		if err != nil {
			return added, fmt.Errorf("mark %d read: %w", id, err)
		}
		if applied {
			added++
		}
	}
	return added, nil
}

func (s *Store) findMessage(ctx context.Context, chatID string, id int64) (*model.Message, error) {
	m := model.Message{ID: strconv.FormatInt(id, 10), ChatID: chatID}
	err := s.db.Query(`SELECT sender_id, text, image_url, created_at FROM messages WHERE chat_id = ? AND id = ?`, chatID, id).
		WithContext(ctx).
		Scan(&m.SenderID, &m.Text, &m.ImageURL, &m.CreatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, fmt.Errorf("message %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find message %d: %w", id, err)
	}
	return &m, nil
}

func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: message id %q is not numeric", model.ErrValidation, id)
	}
	return n, nil
}
