package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the sync engine components. Subscribers filter by
// prefix, so "roster." receives every roster change.
const (
	KindStatusChanged = "session.status_changed"
	KindSessionError  = "session.error"
	KindEscalation    = "session.escalation"

	KindMessageUpserted   = "message.upserted"
	KindMessageRead       = "message.read"
	KindSendAck           = "message.send_ack"
	KindSendFailed        = "message.send_failed"
	KindAttachResolved    = "message.attachments_resolved"
	KindCaptchaRequired   = "captcha.required"
	KindTyping            = "contact.typing"
	KindPresence          = "contact.presence"
	KindRosterAdded       = "roster.added"
	KindRosterUpdated     = "roster.updated"
	KindRosterRemoved     = "roster.removed"
	KindConversationFocus = "focus.activated"
	KindAwayChanged       = "focus.away_changed"
	KindConversationOpen  = "focus.opened"
	KindConversationClose = "focus.closed"
	KindCursorAdvanced    = "sync.cursor_advanced"
	KindCatchUpDone       = "sync.catchup_done"
)
