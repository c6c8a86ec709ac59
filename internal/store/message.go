package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

func encodeAttachments(atts []Attachment) (string, error) {
	if atts == nil {
		atts = []Attachment{}
	}
	raw, err := json.Marshal(atts)
	if err != nil {
		return "", fmt.Errorf("encode attachments: %w", err)
	}
	return string(raw), nil
}

// UpsertMessage inserts or updates a message (idempotent on the remote id).
// The read flag only ever moves from unread to read.
func (db *DB) UpsertMessage(m *Message) error {
	if m.ID <= 0 {
		return fmt.Errorf("message without remote id")
	}
	atts, err := encodeAttachments(m.Attachments)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO messages (id, peer_id, sender_id, chat_id, body, attachments, direction, read, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			attachments = excluded.attachments,
			read = MAX(messages.read, excluded.read)`,
		m.ID, m.PeerID, m.SenderID, m.ChatID, m.Body, atts, m.Direction, boolInt(m.Read), m.Timestamp, time.Now().UnixMilli())
	return err
}

// SetAttachments replaces the attachment descriptors of a stored message.
func (db *DB) SetAttachments(id int64, atts []Attachment) error {
	raw, err := encodeAttachments(atts)
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE messages SET attachments = ? WHERE id = ?`, raw, id)
	return err
}

// MarkMessagesRead flags the given messages as read.
func (db *DB) MarkMessagesRead(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := db.Exec(`UPDATE messages SET read = 1 WHERE id IN (`+placeholders+`)`, args...)
	return err
}

const messageColumns = `id, peer_id, sender_id, chat_id, body, attachments, direction, read, timestamp`

func scanMessage(row rowScanner, extra ...any) (*Message, error) {
	var m Message
	var atts string
	dest := append([]any{&m.ID, &m.PeerID, &m.SenderID, &m.ChatID, &m.Body, &atts, &m.Direction, &m.Read, &m.Timestamp}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(atts), &m.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments of %d: %w", m.ID, err)
	}
	return &m, nil
}

// GetMessage returns a message by remote id, or nil if not materialized.
func (db *DB) GetMessage(id int64) (*Message, error) {
	rows, err := db.Query(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanMessage(rows)
}

// ListMessages returns messages of a peer newest first, using keyset
// pagination on the remote id. beforeID <= 0 starts from the newest.
func (db *DB) ListMessages(peerID, beforeID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + messageColumns + ` FROM messages WHERE peer_id = ?`
	args := []any{peerID}
	if beforeID > 0 {
		q += ` AND id < ?`
		args = append(args, beforeID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// MaxMessageID returns the highest materialized message id, 0 when empty.
func (db *DB) MaxMessageID() (int64, error) {
	var id int64
	err := db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM messages`).Scan(&id)
	return id, err
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
