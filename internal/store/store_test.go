package store

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + fts)", result.Version)
	}
}

func TestMigrateReportsDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}

	_, err := db.Migrate()
	if err == nil || !strings.Contains(err.Error(), "dirty") {
		t.Fatalf("Migrate() on dirty schema = %v, want dirty error", err)
	}
}

func TestUpsertConversationRollsBackOnFailure(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.UpsertConversation(&Conversation{ChatID: 7, Title: "before", Participants: []int64{1, 2}}))

	_, err := db.Exec(`CREATE TRIGGER no_members BEFORE INSERT ON conversation_members
		WHEN NEW.user_id = 99 BEGIN SELECT RAISE(ABORT, 'rejected'); END`)
	require.NoError(t, err)
	require.Error(t, db.UpsertConversation(&Conversation{ChatID: 7, Title: "after", Participants: []int64{1, 99}}))

	got, err := db.GetConversation(7)
	require.NoError(t, err)
	assert.Equal(t, "before", got.Title)
	assert.Equal(t, []int64{1, 2}, got.Participants)
}

func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert contact", "INSERT INTO contacts (user_id, first_name, last_name, is_friend, had_dialog) VALUES (?, ?, ?, ?, ?)", []any{1, "A", "B", 1, 0}},
		{"insert conversation", "INSERT INTO conversations (chat_id, title, owner_id, is_member) VALUES (?, ?, ?, ?)", []any{7, "t", 1, 1}},
		{"insert message", "INSERT INTO messages (id, peer_id, sender_id, body, direction, timestamp) VALUES (?, ?, ?, ?, ?, ?)", []any{10, 1, 1, "hi", "inbound", 1000}},
		{"queue outbox", "INSERT INTO outbox (client_msg_id, peer_id, body, status) VALUES (?, ?, ?, ?)", []any{"cid", 1, "text", "queued"}},
		{"set sync state", "INSERT INTO sync_state (key, value) VALUES (?, ?)", []any{"k", "v"}},
		{"insert override", "INSERT INTO manual_overrides (kind, entity_id, membership) VALUES (?, ?, ?)", []any{"contact", 1, "added"}},
		{"insert node", "INSERT INTO roster_nodes (kind, entity_id, alias, grp) VALUES (?, ?, ?, ?)", []any{"chat", 7, "t", "Chats"}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}
}

func TestMessageDirectionConstraint(t *testing.T) {
	db := testDB(t)
	err := db.UpsertMessage(&Message{ID: 1, PeerID: 2, Direction: "sideways"})
	assert.Error(t, err)
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{ID: 42, PeerID: 5, SenderID: 5, Body: "hello", Direction: Inbound, Timestamp: 1000}
	require.NoError(t, db.UpsertMessage(msg))
	require.NoError(t, db.UpsertMessage(msg))

	count, err := db.MessageCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, err := db.GetMessage(42)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello", got.Body)
	assert.Empty(t, got.Attachments)
}

func TestMessageRequiresRemoteID(t *testing.T) {
	db := testDB(t)
	assert.Error(t, db.UpsertMessage(&Message{PeerID: 1, Direction: Outbound}))
}

func TestReadFlagIsMonotonic(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.UpsertMessage(&Message{ID: 1, PeerID: 5, Direction: Inbound}))
	require.NoError(t, db.MarkMessagesRead([]int64{1}))
	require.NoError(t, db.UpsertMessage(&Message{ID: 1, PeerID: 5, Direction: Inbound, Read: false}))

	got, err := db.GetMessage(1)
	require.NoError(t, err)
	assert.True(t, got.Read)
}

func TestListMessagesKeyset(t *testing.T) {
	db := testDB(t)

	for id := int64(1); id <= 5; id++ {
		require.NoError(t, db.UpsertMessage(&Message{ID: id, PeerID: 9, Direction: Inbound, Timestamp: id * 10}))
	}
	require.NoError(t, db.UpsertMessage(&Message{ID: 6, PeerID: 8, Direction: Inbound}))

	page, err := db.ListMessages(9, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(5), page[0].ID)
	assert.Equal(t, int64(4), page[1].ID)

	page, err = db.ListMessages(9, 4, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(3), page[0].ID)

	maxID, err := db.MaxMessageID()
	require.NoError(t, err)
	assert.Equal(t, int64(6), maxID)
}

func TestAttachmentsRoundTrip(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.UpsertMessage(&Message{ID: 3, PeerID: 1, Direction: Inbound,
		Attachments: []Attachment{{Type: "photo", URL: "https://example.test/a.jpg"}}}))
	require.NoError(t, db.SetAttachments(3, []Attachment{{Type: "photo", URL: "https://example.test/a.jpg", ThumbPath: "/tmp/a.jpg"}}))

	got, err := db.GetMessage(3)
	require.NoError(t, err)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "/tmp/a.jpg", got.Attachments[0].ThumbPath)
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.UpsertMessage(&Message{ID: 1, PeerID: 1, Body: "hello world", Direction: Inbound}))
	require.NoError(t, db.UpsertMessage(&Message{ID: 2, PeerID: 2, Body: "goodbye world", Direction: Inbound}))
	require.NoError(t, db.UpsertMessage(&Message{ID: 3, PeerID: 1, Body: "nothing here", Direction: Outbound}))

	results, err := db.SearchMessages("world", 0, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(2), results[0].Message.ID)
	assert.Contains(t, results[0].Snippet, "<<world>>")

	results, err = db.SearchMessages("world", 1, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].Message.ID)
}

func TestSearchFollowsBodyEdits(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.UpsertMessage(&Message{ID: 1, PeerID: 1, Body: "draft", Direction: Inbound}))
	require.NoError(t, db.UpsertMessage(&Message{ID: 1, PeerID: 1, Body: "final", Direction: Inbound}))

	results, err := db.SearchMessages("draft", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = db.SearchMessages("final", 0, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestOutbox(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.QueueOutbox("c1", 5, "hello", ""))
	require.NoError(t, db.QueueOutbox("c2", 5, "world", "photo1_2"))

	pending, err := db.PendingOutbox()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "c1", pending[0].ClientMsgID)
	assert.Equal(t, "photo1_2", pending[1].Attachments)

	require.NoError(t, db.MarkOutboxSending("c1"))
	require.NoError(t, db.MarkOutboxSent("c1", []int64{100, 101}))

	e, err := db.GetOutbox("c1")
	require.NoError(t, err)
	assert.Equal(t, OutboxSent, e.Status)
	assert.Equal(t, []int64{100, 101}, e.ServerMsgIDs)

	require.NoError(t, db.MarkOutboxFailed("c2", "boom"))
	pending, err = db.PendingOutbox()
	require.NoError(t, err)
	assert.Empty(t, pending)

	unsent, err := db.ListOutbox()
	require.NoError(t, err)
	require.Len(t, unsent, 1)
	assert.Equal(t, "boom", unsent[0].ErrorMessage)
}

func TestOutboxCaptchaCycle(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.QueueOutbox("c1", 5, "hi", ""))
	assert.ErrorIs(t, db.SolveOutboxCaptcha("c1", "x"), ErrNoCaptcha)

	require.NoError(t, db.MarkOutboxCaptcha("c1", "sid-1", "https://example.test/c.jpg", []int64{7}))
	e, err := db.GetOutbox("c1")
	require.NoError(t, err)
	assert.Equal(t, OutboxCaptcha, e.Status)
	assert.Equal(t, 1, e.CaptchaAttempts)
	assert.Equal(t, []int64{7}, e.ServerMsgIDs)

	require.NoError(t, db.SolveOutboxCaptcha("c1", "answer"))
	pending, err := db.PendingOutbox()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "answer", pending[0].CaptchaKey)
	assert.Equal(t, "sid-1", pending[0].CaptchaSID)
}

func TestRequeueSending(t *testing.T) {
	db := testDB(t)
	require.NoError(t, db.QueueOutbox("c1", 5, "hi", ""))
	require.NoError(t, db.MarkOutboxSending("c1"))

	n, err := db.RequeueSending()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	missing, err := db.GetOutbox("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestContactFlags(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.BulkUpsertContacts([]Contact{
		{UserID: 1, FirstName: "Ann", LastName: "Lee", Name: "Ann Lee"},
		{UserID: 2, FirstName: "Bob", Name: "Bob"},
	}))
	require.NoError(t, db.SetFriends([]int64{1}))
	require.NoError(t, db.MarkDialog(2))

	c, err := db.GetContact(1)
	require.NoError(t, err)
	assert.True(t, c.IsFriend)
	assert.False(t, c.HadDialog)

	require.NoError(t, db.SetFriends(nil))
	c, err = db.GetContact(1)
	require.NoError(t, err)
	assert.False(t, c.IsFriend)

	c, err = db.GetContact(2)
	require.NoError(t, err)
	assert.True(t, c.HadDialog)

	// A later upsert with empty names keeps the stored ones.
	require.NoError(t, db.UpsertContact(&Contact{UserID: 2}))
	c, err = db.GetContact(2)
	require.NoError(t, err)
	assert.Equal(t, "Bob", c.Name)
	assert.True(t, c.HadDialog)

	require.NoError(t, db.SetPresence(2, PresenceOnline, 1234))
	c, err = db.GetContact(2)
	require.NoError(t, err)
	assert.Equal(t, PresenceOnline, c.Presence)

	count, err := db.ContactCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestConversationMembers(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.UpsertConversation(&Conversation{ChatID: 7, Title: "team", OwnerID: 1, IsMember: true, Participants: []int64{3, 1, 2}}))
	require.NoError(t, db.TouchConversation(7, 500, "latest"))
	require.NoError(t, db.TouchConversation(7, 400, "older"))

	c, err := db.GetConversation(7)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, []int64{1, 2, 3}, c.Participants)
	assert.Equal(t, "latest", c.LastMessagePreview)
	assert.Equal(t, int64(500), c.LastMessageAt)

	require.NoError(t, db.UpsertConversation(&Conversation{ChatID: 7, Title: "team", IsMember: false, Participants: []int64{1}}))
	c, err = db.GetConversation(7)
	require.NoError(t, err)
	assert.False(t, c.IsMember)
	assert.Equal(t, []int64{1}, c.Participants)
}

func TestOverrides(t *testing.T) {
	db := testDB(t)

	o, err := db.GetOverride(KindContact, 1)
	require.NoError(t, err)
	assert.Equal(t, MembershipNone, o.Membership)

	o.Membership = MembershipRemoved
	o.CustomAlias = true
	require.NoError(t, db.SetOverride(o))

	got, err := db.GetOverride(KindContact, 1)
	require.NoError(t, err)
	assert.Equal(t, o, got)

	all, err := db.ListOverrides()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, db.SetOverride(Override{Kind: KindContact, EntityID: 1}))
	all, err = db.ListOverrides()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRosterNodes(t *testing.T) {
	db := testDB(t)

	n := &RosterNode{Kind: KindChat, EntityID: 7, Alias: "team", Group: "Chats", AppliedAlias: "team", AppliedGroup: "Chats"}
	require.NoError(t, db.UpsertRosterNode(n))
	require.NoError(t, db.UpsertRosterNode(&RosterNode{Kind: KindContact, EntityID: 1, Alias: "Ann"}))

	got, err := db.GetRosterNode(KindChat, 7)
	require.NoError(t, err)
	assert.Equal(t, n, got)

	nodes, err := db.ListRosterNodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	require.NoError(t, db.DeleteRosterNode(KindChat, 7))
	got, err = db.GetRosterNode(KindChat, 7)
	require.NoError(t, err)
	assert.Nil(t, got)
}
