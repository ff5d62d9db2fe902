package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertPublicKey stores or replaces a user's published identity key.
func (s *Store) UpsertPublicKey(userID, publicKey string) error {
	_, err := s.db.Exec(`
		INSERT INTO public_keys (user_id, public_key, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET public_key = excluded.public_key, updated_at = excluded.updated_at`,
		userID, publicKey, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert public key: %w", err)
	}
	return nil
}

// GetPublicKey looks up a user's published identity key.
func (s *Store) GetPublicKey(userID string) (string, error) {
	var key string
	err := s.db.QueryRow(`SELECT public_key FROM public_keys WHERE user_id = ?`, userID).Scan(&key)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: no key for %s", ErrNotFound, userID)
	}
	if err != nil {
		return "", fmt.Errorf("get public key: %w", err)
	}
	return key, nil
}

// AddChatMember records a user's membership in a chat. Adding an
// existing member is a no-op.
func (s *Store) AddChatMember(chatID, userID string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO chat_members (chat_id, user_id) VALUES (?, ?)`, chatID, userID)
	if err != nil {
		return fmt.Errorf("add chat member: %w", err)
	}
	return nil
}

// RemoveChatMember drops a user from a chat.
func (s *Store) RemoveChatMember(chatID, userID string) error {
	if _, err := s.db.Exec(`DELETE FROM chat_members WHERE chat_id = ? AND user_id = ?`, chatID, userID); err != nil {
		return fmt.Errorf("remove chat member: %w", err)
	}
	return nil
}

// ListChatMembers returns every member of a chat.
func (s *Store) ListChatMembers(chatID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT user_id FROM chat_members WHERE chat_id = ? ORDER BY user_id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list chat members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan chat member: %w", err)
		}
		members = append(members, userID)
	}
	return members, rows.Err()
}
