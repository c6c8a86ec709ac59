package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const upsertContactSQL = `
	INSERT INTO contacts (user_id, first_name, last_name, name, presence, avatar_url, profile, last_seen, is_friend, had_dialog, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		first_name = CASE WHEN excluded.first_name != '' THEN excluded.first_name ELSE contacts.first_name END,
		last_name = CASE WHEN excluded.last_name != '' THEN excluded.last_name ELSE contacts.last_name END,
		name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
		presence = excluded.presence,
		avatar_url = excluded.avatar_url,
		profile = excluded.profile,
		last_seen = CASE WHEN excluded.last_seen != 0 THEN excluded.last_seen ELSE contacts.last_seen END,
		updated_at = excluded.updated_at`

func contactArgs(c *Contact, now int64) ([]any, error) {
	profile := c.Profile
	if profile == nil {
		profile = map[string]string{}
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	presence := c.Presence
	if presence == "" {
		presence = PresenceOffline
	}
	return []any{c.UserID, c.FirstName, c.LastName, c.Name, presence, c.AvatarURL, string(raw),
		c.LastSeen, boolInt(c.IsFriend), boolInt(c.HadDialog), now}, nil
}

// UpsertContact inserts or updates a contact. Friend and dialog flags are
// only set on insert; use SetFriends, SetDialogUsers and MarkDialog to change them.
func (db *DB) UpsertContact(c *Contact) error {
	args, err := contactArgs(c, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	_, err = db.Exec(upsertContactSQL, args...)
	return err
}

// BulkUpsertContacts inserts or updates multiple contacts in a single transaction.
func (db *DB) BulkUpsertContacts(contacts []Contact) error {
	return db.inTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		for i := range contacts {
			args, err := contactArgs(&contacts[i], now)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(upsertContactSQL, args...); err != nil {
				return fmt.Errorf("upsert contact %d: %w", contacts[i].UserID, err)
			}
		}
		return nil
	})
}

// SetFriends replaces the friend set: listed users become friends, everyone
// else stops being one.
func (db *DB) SetFriends(userIDs []int64) error {
	return db.replaceFlag("is_friend", userIDs)
}

// SetDialogUsers replaces the set of users the account has a dialog with.
func (db *DB) SetDialogUsers(userIDs []int64) error {
	return db.replaceFlag("had_dialog", userIDs)
}

// MarkDialog records a dialog with a single user without touching others.
func (db *DB) MarkDialog(userID int64) error {
	_, err := db.Exec(`
		INSERT INTO contacts (user_id, had_dialog, updated_at) VALUES (?, 1, ?)
		ON CONFLICT(user_id) DO UPDATE SET had_dialog = 1, updated_at = excluded.updated_at`,
		userID, time.Now().UnixMilli())
	return err
}

func (db *DB) replaceFlag(column string, userIDs []int64) error {
	return db.inTx(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if _, err := tx.Exec(`UPDATE contacts SET `+column+` = 0`); err != nil {
			return fmt.Errorf("clear %s: %w", column, err)
		}
		for _, id := range userIDs {
			if _, err := tx.Exec(`
				INSERT INTO contacts (user_id, `+column+`, updated_at) VALUES (?, 1, ?)
				ON CONFLICT(user_id) DO UPDATE SET `+column+` = 1`, id, now); err != nil {
				return fmt.Errorf("set %s for %d: %w", column, id, err)
			}
		}
		return nil
	})
}

// SetPresence updates presence only. This is the cheap path for push events.
func (db *DB) SetPresence(userID int64, presence string, lastSeen int64) error {
	_, err := db.Exec(`
		UPDATE contacts SET
			presence = ?,
			last_seen = CASE WHEN ? != 0 THEN ? ELSE last_seen END,
			updated_at = ?
		WHERE user_id = ?`, presence, lastSeen, lastSeen, time.Now().UnixMilli(), userID)
	return err
}

const contactColumns = `user_id, first_name, last_name, name, presence, avatar_url, profile, last_seen, is_friend, had_dialog`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*Contact, error) {
	var c Contact
	var profile string
	if err := row.Scan(&c.UserID, &c.FirstName, &c.LastName, &c.Name, &c.Presence, &c.AvatarURL,
		&profile, &c.LastSeen, &c.IsFriend, &c.HadDialog); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(profile), &c.Profile); err != nil {
		return nil, fmt.Errorf("decode profile of %d: %w", c.UserID, err)
	}
	return &c, nil
}

// GetContact returns a contact by user id, or nil if unknown.
func (db *DB) GetContact(userID int64) (*Contact, error) {
	c, err := scanContact(db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE user_id = ?`, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListContacts returns every known contact ordered by user id.
func (db *DB) ListContacts() ([]Contact, error) {
	rows, err := db.Query(`SELECT ` + contactColumns + ` FROM contacts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var contacts []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

// ContactCount returns the total number of known contacts.
func (db *DB) ContactCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM contacts`).Scan(&count)
	return count, err
}
