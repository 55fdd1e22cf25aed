package db

import (
	"fmt"
	"log/slog"
)

var tables = []string{
	`CREATE TABLE IF NOT EXISTS chats (
		chat_id text PRIMARY KEY,
		name text,
		is_group boolean,
		members set<text>,
		admins set<text>,
		last_message_id bigint,
		created_at timestamp,
		updated_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS user_chats (
		user_id text,
		chat_id text,
		PRIMARY KEY (user_id, chat_id)
	)`,
	`CREATE TABLE IF NOT EXISTS direct_chats (
		pair_key text PRIMARY KEY,
		chat_id text
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		chat_id text,
		id bigint,
		sender_id text,
		text text,
		image_url text,
		created_at timestamp,
		PRIMARY KEY (chat_id, id)
	) WITH CLUSTERING ORDER BY (id ASC)`,
	`CREATE TABLE IF NOT EXISTS message_reads (
		chat_id text,
		message_id bigint,
		user_id text,
		read_at timestamp,
		PRIMARY KEY ((chat_id), message_id, user_id)
	)`,
}

// CreateKeyspace creates keyspace through a session bound to the system keyspace.
func CreateKeyspace(sys *Session, keyspace string, replication int) error {
	q := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`, keyspace, replication)
	if err := sys.Query(q).Exec(); err != nil {
		return fmt.Errorf("create keyspace %s: %w", keyspace, err)
	}
	return nil
}

// Migrate creates every table the stores use. It is safe to run repeatedly.
func Migrate(session *Session, logger *slog.Logger) error {
	for _, stmt := range tables {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	logger.Info("schema up to date", "tables", len(tables))
	return nil
}

// DropAll removes every table; used by the reset script.
func DropAll(session *Session) error {
	for _, name := range []string{"message_reads", "messages", "direct_chats", "user_chats", "chats"} {
		if err := session.Query("DROP TABLE IF EXISTS " + name).Exec(); err != nil {
			return fmt.Errorf("drop %s: %w", name, err)
		}
	}
	return nil
}
