package vk

import (
	"fmt"
	"strconv"
	"strings"
)

// ChatIDOffset is added to a group conversation id to form its peer id.
const ChatIDOffset = 2000000000

// PeerID addresses either a user or a group conversation.
type PeerID int64

// UserPeer returns the peer id of a one-to-one conversation.
func UserPeer(userID int64) PeerID { return PeerID(userID) }

// ChatPeer returns the peer id of a group conversation.
func ChatPeer(chatID int64) PeerID { return PeerID(chatID + ChatIDOffset) }

// IsChat reports whether p is a group conversation.
func (p PeerID) IsChat() bool { return p >= ChatIDOffset }

// ChatID returns the conversation id, or 0 for a user peer.
func (p PeerID) ChatID() int64 {
	if !p.IsChat() {
		return 0
	}
	return int64(p) - ChatIDOffset
}

// UserID returns the user id, or 0 for a chat peer.
func (p PeerID) UserID() int64 {
	if p.IsChat() {
		return 0
	}
	return int64(p)
}

func (p PeerID) String() string {
	if p.IsChat() {
		return "chat" + strconv.FormatInt(p.ChatID(), 10)
	}
	return "id" + strconv.FormatInt(int64(p), 10)
}

// ParsePeer accepts the String form ("id7", "chat3") or a raw peer id.
func ParsePeer(s string) (PeerID, error) {
	var (
		n   int64
		err error
	)
	switch {
	case strings.HasPrefix(s, "chat"):
		n, err = strconv.ParseInt(s[len("chat"):], 10, 64)
		if err == nil && n > 0 {
			return ChatPeer(n), nil
		}
	case strings.HasPrefix(s, "id"):
		n, err = strconv.ParseInt(s[len("id"):], 10, 64)
		if err == nil && n > 0 {
			return UserPeer(n), nil
		}
	default:
		n, err = strconv.ParseInt(s, 10, 64)
		if err == nil && n > 0 {
			return PeerID(n), nil
		}
	}
	return 0, fmt.Errorf("invalid peer %q", s)
}
