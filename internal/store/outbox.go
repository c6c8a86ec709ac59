package store

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"
)

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(clientMsgID string, peerID int64, body, attachments string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, peer_id, body, attachments, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		clientMsgID, peerID, body, attachments, now, now)
	return err
}

func (db *DB) setOutboxStatus(clientMsgID, status string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = ?, updated_at = ? WHERE client_msg_id = ?`, status, now, clientMsgID)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	return db.setOutboxStatus(clientMsgID, OutboxSending)
}

// MarkOutboxSent records the backend ids assigned to the sent chunks.
func (db *DB) MarkOutboxSent(clientMsgID string, serverMsgIDs []int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_ids = ?, captcha_sid = '', captcha_img = '', captcha_key = '', updated_at = ? WHERE client_msg_id = ?`,
		joinIDs(serverMsgIDs), now, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// MarkOutboxCaptcha parks an entry until the user answers the challenge.
// Chunks already sent are kept so a retry resumes after them.
func (db *DB) MarkOutboxCaptcha(clientMsgID, sid, img string, sentIDs []int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'captcha', captcha_sid = ?, captcha_img = ?, captcha_key = '',
			captcha_attempts = captcha_attempts + 1, server_msg_ids = ?, updated_at = ?
		WHERE client_msg_id = ?`,
		sid, img, joinIDs(sentIDs), now, clientMsgID)
	return err
}

// ErrNoCaptcha is returned when solving an entry that is not waiting on one.
var ErrNoCaptcha = errors.New("outbox entry is not waiting for a captcha")

// SolveOutboxCaptcha stores the answer and requeues the entry.
func (db *DB) SolveOutboxCaptcha(clientMsgID, key string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', captcha_key = ?, updated_at = ? WHERE client_msg_id = ? AND status = 'captcha'`,
		key, now, clientMsgID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoCaptcha
	}
	return nil
}

// RequeueSending puts entries interrupted mid-send back in the queue.
func (db *DB) RequeueSending() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const outboxColumns = `id, client_msg_id, peer_id, body, attachments, status, error_message, server_msg_ids,
	captcha_sid, captcha_img, captcha_key, captcha_attempts, created_at`

func scanOutbox(row rowScanner) (*OutboxEntry, error) {
	var e OutboxEntry
	var ids string
	if err := row.Scan(&e.ID, &e.ClientMsgID, &e.PeerID, &e.Body, &e.Attachments, &e.Status, &e.ErrorMessage, &ids,
		&e.CaptchaSID, &e.CaptchaImg, &e.CaptchaKey, &e.CaptchaAttempts, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.ServerMsgIDs = splitIDs(ids)
	return &e, nil
}

// PendingOutbox returns outbox entries that are still queued.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	return db.listOutbox(`WHERE status = 'queued' ORDER BY created_at ASC, id ASC`)
}

// ListOutbox returns entries that have not been sent yet, including failed ones.
func (db *DB) ListOutbox() ([]OutboxEntry, error) {
	return db.listOutbox(`WHERE status != 'sent' ORDER BY created_at ASC, id ASC`)
}

func (db *DB) listOutbox(where string) ([]OutboxEntry, error) {
	rows, err := db.Query(`SELECT ` + outboxColumns + ` FROM outbox ` + where)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// GetOutbox returns an entry by client id, or nil if unknown.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxEntry, error) {
	e, err := scanOutbox(db.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE client_msg_id = ?`, clientMsgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitIDs(s string) []int64 {
	if s == "" {
		return nil
	}
	var ids []int64
	for _, p := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(p, 10, 64)
		if err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
