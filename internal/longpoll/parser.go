package longpoll

import (
	"fmt"
	"strconv"

	"github.com/matheus3301/vksync/internal/vk"
	"github.com/tidwall/gjson"
)

// Update codes of the long-poll stream.
const (
	codeFlagsCleared = 3
	codeMessage      = 4
	codeOnline       = 8
	codeOffline      = 9
	codeChatChanged  = 51
	codeTyping       = 61
	codeChatTyping   = 62
)

// Message flags.
const (
	FlagUnread = 1
	FlagOutbox = 2
	FlagChat   = 16
	FlagMedia  = 512
)

// PlatformWeb is the platform id of the full web site; every other platform
// counts as mobile.
const PlatformWeb = 7

// TypingHint is how long a typing notification stays valid. The backend
// repeats them roughly every 10 seconds.
const TypingHint = 11

// Update is a decoded long-poll record.
type Update interface {
	updateCode() int
}

// MessageUpdate is a new message, inbound or outbound.
type MessageUpdate struct {
	ID        int64
	Flags     int
	Peer      vk.PeerID
	Timestamp int64
	Subject   string
	Text      string
	// FromID is the author inside a group conversation, 0 when absent.
	FromID int64
}

// Outbound reports whether the local account sent the message.
func (m MessageUpdate) Outbound() bool { return m.Flags&FlagOutbox != 0 }

// NeedsFetch reports whether the tuple lacks data the timeline needs, so the
// full message has to be fetched by id.
func (m MessageUpdate) NeedsFetch() bool {
	return m.Flags&FlagMedia != 0 || (m.Peer.IsChat() && m.FromID == 0 && !m.Outbound())
}

// ReadUpdate reports a message whose unread flag was cleared.
type ReadUpdate struct {
	ID   int64
	Peer vk.PeerID
}

// PresenceUpdate reports a user going online or offline.
type PresenceUpdate struct {
	UserID   int64
	Online   bool
	Platform int
}

// Mobile reports whether the user came online from a non-web platform.
func (p PresenceUpdate) Mobile() bool { return p.Online && p.Platform != PlatformWeb }

// ChatChangedUpdate reports changed metadata or membership of a conversation.
type ChatChangedUpdate struct {
	ChatID int64
}

// TypingUpdate reports a user typing, optionally inside a group conversation.
type TypingUpdate struct {
	UserID int64
	ChatID int64
}

func (MessageUpdate) updateCode() int     { return codeMessage }
func (ReadUpdate) updateCode() int        { return codeFlagsCleared }
func (PresenceUpdate) updateCode() int    { return codeOnline }
func (ChatChangedUpdate) updateCode() int { return codeChatChanged }
func (TypingUpdate) updateCode() int      { return codeTyping }

func malformed(v gjson.Result, format string, args ...any) error {
	return &vk.Error{Kind: vk.KindMalformedResponse, Method: "long_poll",
		Msg: fmt.Sprintf(format, args...) + ": " + v.Raw}
}

func number(v gjson.Result, i int) (int64, bool) {
	f := v.Get(strconv.Itoa(i))
	if f.Type != gjson.Number {
		return 0, false
	}
	return f.Int(), true
}

// ParseUpdate decodes one update tuple. Kinds the engine does not act on
// yield a nil Update and a nil error.
func ParseUpdate(v gjson.Result) (Update, error) {
	if !v.IsArray() {
		return nil, malformed(v, "update is not an array")
	}
	code, ok := number(v, 0)
	if !ok {
		return nil, malformed(v, "update without code")
	}

	switch code {
	case codeMessage:
		return parseMessage(v)
	case codeFlagsCleared:
		id, ok1 := number(v, 1)
		flags, ok2 := number(v, 2)
		if !ok1 || !ok2 {
			return nil, malformed(v, "flags update without id or flags")
		}
		peer, _ := number(v, 3)
		// Only the read transition touches a materialized message.
		if flags&FlagUnread != 0 {
			return ReadUpdate{ID: id, Peer: vk.PeerID(peer)}, nil
		}
		return nil, nil
	case codeOnline, codeOffline:
		uid, ok := number(v, 1)
		if !ok || uid > 0 {
			return nil, malformed(v, "presence update without negative user id")
		}
		p := PresenceUpdate{UserID: -uid, Online: code == codeOnline}
		if p.Online {
			extra, ok := number(v, 2)
			if !ok {
				return nil, malformed(v, "online update without platform")
			}
			p.Platform = int(extra % 256)
		}
		return p, nil
	case codeChatChanged:
		chat, ok := number(v, 1)
		if !ok {
			return nil, malformed(v, "chat update without id")
		}
		return ChatChangedUpdate{ChatID: chat}, nil
	case codeTyping, codeChatTyping:
		uid, ok := number(v, 1)
		if !ok {
			return nil, malformed(v, "typing update without user")
		}
		t := TypingUpdate{UserID: uid}
		if code == codeChatTyping {
			t.ChatID, _ = number(v, 2)
		}
		return t, nil
	default:
		return nil, nil
	}
}

func parseMessage(v gjson.Result) (Update, error) {
	id, ok1 := number(v, 1)
	flags, ok2 := number(v, 2)
	peer, ok3 := number(v, 3)
	ts, ok4 := number(v, 4)
	text := v.Get("6")
	if !ok1 || !ok2 || !ok3 || !ok4 || text.Type != gjson.String {
		return nil, malformed(v, "message update with missing fields")
	}
	m := MessageUpdate{
		ID:        id,
		Flags:     int(flags),
		Peer:      vk.PeerID(peer),
		Timestamp: ts,
		Subject:   v.Get("5").String(),
		Text:      text.String(),
	}
	if from := v.Get("7.from"); from.Exists() {
		m.FromID, _ = strconv.ParseInt(from.String(), 10, 64)
	}
	return m, nil
}
