package store

import (
	"database/sql"
	"fmt"
	"slices"
	"time"
)

// UpsertConversation inserts or updates a group conversation and replaces its
// participant set.
func (db *DB) UpsertConversation(c *Conversation) error {
	return db.inTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if _, err := tx.Exec(`
			INSERT INTO conversations (chat_id, title, owner_id, is_member, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET
				title = excluded.title,
				owner_id = excluded.owner_id,
				is_member = excluded.is_member,
				updated_at = excluded.updated_at`,
			c.ChatID, c.Title, c.OwnerID, boolInt(c.IsMember), now); err != nil {
			return fmt.Errorf("upsert conversation %d: %w", c.ChatID, err)
		}

		if _, err := tx.Exec(`DELETE FROM conversation_members WHERE chat_id = ?`, c.ChatID); err != nil {
			return fmt.Errorf("clear members of %d: %w", c.ChatID, err)
		}
		for _, uid := range c.Participants {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO conversation_members (chat_id, user_id) VALUES (?, ?)`, c.ChatID, uid); err != nil {
				return fmt.Errorf("add member %d to %d: %w", uid, c.ChatID, err)
			}
		}
		return nil
	})
}

// TouchConversation records the latest message preview for a conversation,
// creating a placeholder row when the conversation is not known yet.
func (db *DB) TouchConversation(chatID, at int64, preview string) error {
	_, err := db.Exec(`
		INSERT INTO conversations (chat_id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		chatID, at, preview, time.Now().UnixMilli())
	return err
}

// GetConversation returns a conversation with its participants, or nil if unknown.
func (db *DB) GetConversation(chatID int64) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT chat_id, title, owner_id, is_member, last_message_at, last_message_preview
		FROM conversations WHERE chat_id = ?`, chatID).
		Scan(&c.ChatID, &c.Title, &c.OwnerID, &c.IsMember, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	members, err := db.members(chatID)
	if err != nil {
		return nil, err
	}
	c.Participants = members
	return &c, nil
}

// ListConversations returns all conversations ordered by chat id.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT chat_id, title, owner_id, is_member, last_message_at, last_message_preview
		FROM conversations ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ChatID, &c.Title, &c.OwnerID, &c.IsMember, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			_ = rows.Close()
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range convs {
		members, err := db.members(convs[i].ChatID)
		if err != nil {
			return nil, err
		}
		convs[i].Participants = members
	}
	return convs, nil
}

func (db *DB) members(chatID int64) ([]int64, error) {
	rows, err := db.Query(`SELECT user_id FROM conversation_members WHERE chat_id = ? ORDER BY user_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}
