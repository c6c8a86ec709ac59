package store

// SearchMessages performs a full-text search on message bodies, optionally
// restricted to one peer. Newest matches come first.
func (db *DB) SearchMessages(query string, peerID int64, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.peer_id, m.sender_id, m.chat_id, m.body, m.attachments,
		       m.direction, m.read, m.timestamp,
		       snippet(messages_fts, '<<', '>>', '...', -1, 16)
		FROM messages_fts f
		JOIN messages m ON m.id = f.docid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if peerID != 0 {
		q += " AND m.peer_id = ?"
		args = append(args, peerID)
	}
	q += " ORDER BY m.id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var snippet string
		m, err := scanMessage(rows, &snippet)
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Message: *m, Snippet: snippet})
	}
	return results, rows.Err()
}
