package store

import (
	"database/sql"
	"errors"
	"time"
)

// GetOverride returns the override for an entry. A missing row yields a
// zero override for that entry.
func (db *DB) GetOverride(kind string, entityID int64) (Override, error) {
	o := Override{Kind: kind, EntityID: entityID}
	err := db.QueryRow(`SELECT membership, custom_alias, custom_group FROM manual_overrides WHERE kind = ? AND entity_id = ?`,
		kind, entityID).Scan(&o.Membership, &o.CustomAlias, &o.CustomGroup)
	if errors.Is(err, sql.ErrNoRows) {
		return o, nil
	}
	return o, err
}

// SetOverride stores an override. An override with nothing set is deleted.
func (db *DB) SetOverride(o Override) error {
	if o.Membership == MembershipNone && !o.CustomAlias && !o.CustomGroup {
		_, err := db.Exec(`DELETE FROM manual_overrides WHERE kind = ? AND entity_id = ?`, o.Kind, o.EntityID)
		return err
	}
	_, err := db.Exec(`
		INSERT INTO manual_overrides (kind, entity_id, membership, custom_alias, custom_group, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, entity_id) DO UPDATE SET
			membership = excluded.membership,
			custom_alias = excluded.custom_alias,
			custom_group = excluded.custom_group,
			updated_at = excluded.updated_at`,
		o.Kind, o.EntityID, o.Membership, boolInt(o.CustomAlias), boolInt(o.CustomGroup), time.Now().UnixMilli())
	return err
}

// ListOverrides returns all stored overrides.
func (db *DB) ListOverrides() ([]Override, error) {
	rows, err := db.Query(`SELECT kind, entity_id, membership, custom_alias, custom_group FROM manual_overrides ORDER BY kind, entity_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Override
	for rows.Next() {
		var o Override
		if err := rows.Scan(&o.Kind, &o.EntityID, &o.Membership, &o.CustomAlias, &o.CustomGroup); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const nodeColumns = `kind, entity_id, alias, grp, avatar_checksum, applied_alias, applied_group`

func scanNode(row rowScanner) (*RosterNode, error) {
	var n RosterNode
	if err := row.Scan(&n.Kind, &n.EntityID, &n.Alias, &n.Group, &n.AvatarChecksum, &n.AppliedAlias, &n.AppliedGroup); err != nil {
		return nil, err
	}
	return &n, nil
}

// GetRosterNode returns a shown node, or nil if the entry is not shown.
func (db *DB) GetRosterNode(kind string, entityID int64) (*RosterNode, error) {
	n, err := scanNode(db.QueryRow(`SELECT `+nodeColumns+` FROM roster_nodes WHERE kind = ? AND entity_id = ?`, kind, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return n, err
}

// UpsertRosterNode inserts or replaces a shown node.
func (db *DB) UpsertRosterNode(n *RosterNode) error {
	_, err := db.Exec(`
		INSERT INTO roster_nodes (`+nodeColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, entity_id) DO UPDATE SET
			alias = excluded.alias,
			grp = excluded.grp,
			avatar_checksum = excluded.avatar_checksum,
			applied_alias = excluded.applied_alias,
			applied_group = excluded.applied_group,
			updated_at = excluded.updated_at`,
		n.Kind, n.EntityID, n.Alias, n.Group, n.AvatarChecksum, n.AppliedAlias, n.AppliedGroup, time.Now().UnixMilli())
	return err
}

// DeleteRosterNode hides an entry.
func (db *DB) DeleteRosterNode(kind string, entityID int64) error {
	_, err := db.Exec(`DELETE FROM roster_nodes WHERE kind = ? AND entity_id = ?`, kind, entityID)
	return err
}

// ListRosterNodes returns all shown nodes ordered by kind and id.
func (db *DB) ListRosterNodes() ([]RosterNode, error) {
	rows, err := db.Query(`SELECT ` + nodeColumns + ` FROM roster_nodes ORDER BY kind DESC, entity_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var nodes []RosterNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}
