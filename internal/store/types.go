package store

// Presence values stored for contacts.
const (
	PresenceOffline      = "offline"
	PresenceOnline       = "online"
	PresenceOnlineMobile = "online_mobile"
)

// Message directions.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// Roster entry kinds, shared by overrides and roster nodes.
const (
	KindContact = "contact"
	KindChat    = "chat"
)

// Override membership values.
const (
	MembershipNone    = ""
	MembershipAdded   = "added"
	MembershipRemoved = "removed"
)

// Outbox statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxCaptcha = "captcha"
	OutboxFailed  = "failed"
)

// Contact is a remote user known to the session. Contacts are never deleted,
// only hidden from the roster.
type Contact struct {
	UserID    int64
	FirstName string
	LastName  string
	Name      string
	Presence  string
	AvatarURL string
	Profile   map[string]string
	LastSeen  int64
	IsFriend  bool
	HadDialog bool
}

// Conversation is a group conversation. Participants are ordered by id.
type Conversation struct {
	ChatID             int64
	Title              string
	OwnerID            int64
	IsMember           bool
	Participants       []int64
	LastMessageAt      int64
	LastMessagePreview string
}

// Attachment is a display-ready reference to message media.
type Attachment struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	ThumbURL  string `json:"thumb_url,omitempty"`
	ThumbPath string `json:"thumb_path,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Message is a materialized message. ID always comes from the backend.
type Message struct {
	ID          int64
	PeerID      int64
	SenderID    int64
	ChatID      int64
	Body        string
	Attachments []Attachment
	Direction   string
	Read        bool
	Timestamp   int64
}

// OutboxEntry is a PendingSend. It has no message id until the backend
// assigns one (ServerMsgIDs, one per sent chunk).
type OutboxEntry struct {
	ID              int64
	ClientMsgID     string
	PeerID          int64
	Body            string
	Attachments     string
	Status          string
	ErrorMessage    string
	ServerMsgIDs    []int64
	CaptchaSID      string
	CaptchaImg      string
	CaptchaKey      string
	CaptchaAttempts int
	CreatedAt       int64
}

// Override records a deliberate user action on a roster entry.
type Override struct {
	Kind        string
	EntityID    int64
	Membership  string
	CustomAlias bool
	CustomGroup bool
}

// RosterNode is an entry currently shown by the presentation layer.
type RosterNode struct {
	Kind           string
	EntityID       int64
	Alias          string
	Group          string
	AvatarChecksum string
	AppliedAlias   string
	AppliedGroup   string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
