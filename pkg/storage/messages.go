package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Message is one stored chat message. The body is opaque to the relay;
// encrypted bodies are stored as sent. ExpiresAt of zero means the
// message never expires.
type Message struct {
	MessageID   string
	ChatID      string
	SenderID    string
	RecipientID string
	Body        string
	CreatedAt   int64
	ExpiresAt   int64
}

// ExpiredMessage identifies a message removed by the sweeper, with
// enough context to notify clients.
type ExpiredMessage struct {
	MessageID string
	ChatID    string
}

// SaveMessage persists a message. Saving an already-stored message ID
// is a no-op so redelivered messages never duplicate.
func (s *Store) SaveMessage(msg Message) error {
	var expires sql.NullInt64
	if msg.ExpiresAt > 0 {
		expires = sql.NullInt64{Int64: msg.ExpiresAt, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO messages (message_id, chat_id, sender_id, recipient_id, body, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.ChatID, msg.SenderID, msg.RecipientID, msg.Body, msg.CreatedAt, expires)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// GetMessage loads one message by ID.
func (s *Store) GetMessage(messageID string) (Message, error) {
	var msg Message
	var expires sql.NullInt64
	err := s.db.QueryRow(`
		SELECT message_id, chat_id, sender_id, recipient_id, body, created_at, expires_at
		FROM messages WHERE message_id = ?`, messageID).
		Scan(&msg.MessageID, &msg.ChatID, &msg.SenderID, &msg.RecipientID, &msg.Body, &msg.CreatedAt, &expires)
	if err == sql.ErrNoRows {
		return Message{}, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	if expires.Valid {
		msg.ExpiresAt = expires.Int64
	}
	return msg, nil
}

// MessagesForChat returns a chat's stored messages, oldest first.
func (s *Store) MessagesForChat(chatID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT message_id, chat_id, sender_id, recipient_id, body, created_at, expires_at
		FROM messages WHERE chat_id = ?
		ORDER BY created_at ASC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var expires sql.NullInt64
		if err := rows.Scan(&msg.MessageID, &msg.ChatID, &msg.SenderID, &msg.RecipientID, &msg.Body, &msg.CreatedAt, &expires); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if expires.Valid {
			msg.ExpiresAt = expires.Int64
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// DeleteMessage removes one message, e.g. on explicit user delete.
func (s *Store) DeleteMessage(messageID string) error {
	if _, err := s.db.Exec(`DELETE FROM messages WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// DeleteExpired removes every message whose expiry has passed and
// returns what was removed. The comparison runs against the stored
// timestamp, so messages that expired while the relay was down are
// swept on the first pass after restart. Messages with no expiry are
// never touched.
func (s *Store) DeleteExpired(now time.Time) ([]ExpiredMessage, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin sweep: %w", err)
	}
	defer tx.Rollback()

	cutoff := now.Unix()
	rows, err := tx.Query(`
		SELECT message_id, chat_id FROM messages
		WHERE expires_at IS NOT NULL AND expires_at <= ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("select expired: %w", err)
	}

	var expired []ExpiredMessage
	for rows.Next() {
		var e ExpiredMessage
		if err := rows.Scan(&e.MessageID, &e.ChatID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired: %w", err)
		}
		expired = append(expired, e)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("read expired: %w", err)
	}
	if len(expired) == 0 {
		return nil, nil
	}

	if _, err := tx.Exec(`
		DELETE FROM messages
		WHERE expires_at IS NOT NULL AND expires_at <= ?`, cutoff); err != nil {
		return nil, fmt.Errorf("delete expired: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sweep: %w", err)
	}
	return expired, nil
}
