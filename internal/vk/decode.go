package vk

import (
	"fmt"
	"path"
	"strings"

	"github.com/tidwall/gjson"
)

// User is a decoded user object (users.get, friends.get).
type User struct {
	ID           int64
	FirstName    string
	LastName     string
	Photo50      string
	PhotoMax     string
	Online       bool
	OnlineMobile bool
	LastSeen     int64
	Profile      map[string]string
}

// Name is the display name.
func (u User) Name() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// AvatarChecksum identifies the avatar image by the filename of its URL, so
// a changed photo yields a changed checksum without downloading it.
func AvatarChecksum(photoURL string) string {
	if photoURL == "" {
		return ""
	}
	return path.Base(strings.SplitN(photoURL, "?", 2)[0])
}

// Chat is a decoded messages.getChat object.
type Chat struct {
	ID      int64
	Title   string
	AdminID int64
	Users   []int64
}

// Attachment is a display-ready reference to message media.
type Attachment struct {
	Type     string
	URL      string
	ThumbURL string
	Title    string
}

// Message is a decoded messages.get / messages.getById item.
type Message struct {
	ID          int64
	UserID      int64
	ChatID      int64
	Date        int64
	Body        string
	Out         bool
	Read        bool
	Attachments []Attachment
}

// PeerID returns the conversation the message belongs to.
func (m Message) PeerID() PeerID {
	if m.ChatID != 0 {
		return ChatPeer(m.ChatID)
	}
	return UserPeer(m.UserID)
}

// LongPollServer is the messages.getLongPollServer result.
type LongPollServer struct {
	Key    string
	Server string
	TS     int64
}

func malformed(method, format string, args ...any) error {
	return &Error{Kind: KindMalformedResponse, Method: method, Msg: fmt.Sprintf(format, args...)}
}

func requireFields(method string, v gjson.Result, want map[string]gjson.Type) error {
	if !v.IsObject() {
		return malformed(method, "expected object, got %s", v.Type)
	}
	for key, typ := range want {
		f := v.Get(key)
		if !f.Exists() || f.Type != typ {
			return malformed(method, "field %q missing or not %s", key, typ)
		}
	}
	return nil
}

// Profile fields copied verbatim into Contact.Profile when present.
var profileFields = []string{"bdate", "domain", "mobile_phone", "home_phone", "activity", "university_name", "faculty_name", "graduation"}

// UserFields is the fields parameter that makes users.get and friends.get
// return everything DecodeUser reads.
var UserFields = "photo_50,photo_max_orig,online,online_mobile,last_seen," + strings.Join(profileFields, ",")

// DecodeUser validates and decodes a user object.
func DecodeUser(v gjson.Result) (User, error) {
	if err := requireFields("users.get", v, map[string]gjson.Type{
		"id":         gjson.Number,
		"first_name": gjson.String,
		"last_name":  gjson.String,
	}); err != nil {
		return User{}, err
	}
	u := User{
		ID:           v.Get("id").Int(),
		FirstName:    v.Get("first_name").String(),
		LastName:     v.Get("last_name").String(),
		Photo50:      v.Get("photo_50").String(),
		PhotoMax:     v.Get("photo_max_orig").String(),
		Online:       v.Get("online").Int() != 0,
		OnlineMobile: v.Get("online_mobile").Int() != 0,
		LastSeen:     v.Get("last_seen.time").Int(),
		Profile:      map[string]string{},
	}
	for _, key := range profileFields {
		if f := v.Get(key); f.Exists() && f.String() != "" {
			u.Profile[key] = f.String()
		}
	}
	return u, nil
}

// DecodeUsers decodes an array of users, as returned by users.get.
func DecodeUsers(v gjson.Result) ([]User, error) {
	if !v.IsArray() {
		return nil, malformed("users.get", "expected array, got %s", v.Type)
	}
	var users []User
	for _, item := range v.Array() {
		u, err := DecodeUser(item)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

// DecodeChat validates and decodes a chat object.
func DecodeChat(v gjson.Result) (Chat, error) {
	if err := requireFields("messages.getChat", v, map[string]gjson.Type{
		"id":       gjson.Number,
		"title":    gjson.String,
		"admin_id": gjson.Number,
	}); err != nil {
		return Chat{}, err
	}
	users := v.Get("users")
	if !users.IsArray() {
		return Chat{}, malformed("messages.getChat", "field %q missing or not array", "users")
	}
	c := Chat{
		ID:      v.Get("id").Int(),
		Title:   v.Get("title").String(),
		AdminID: v.Get("admin_id").Int(),
	}
	for _, u := range users.Array() {
		c.Users = append(c.Users, u.Int())
	}
	return c, nil
}

// DecodeChats decodes the array returned by messages.getChat with chat_ids.
func DecodeChats(v gjson.Result) ([]Chat, error) {
	if v.IsObject() {
		c, err := DecodeChat(v)
		if err != nil {
			return nil, err
		}
		return []Chat{c}, nil
	}
	if !v.IsArray() {
		return nil, malformed("messages.getChat", "expected array, got %s", v.Type)
	}
	var chats []Chat
	for _, item := range v.Array() {
		c, err := DecodeChat(item)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, nil
}

// DecodeMessage validates and decodes a message object. Attachments with an
// unexpected shape are dropped rather than failing the message.
func DecodeMessage(v gjson.Result) (Message, error) {
	if err := requireFields("messages.get", v, map[string]gjson.Type{
		"id":         gjson.Number,
		"user_id":    gjson.Number,
		"date":       gjson.Number,
		"body":       gjson.String,
		"read_state": gjson.Number,
		"out":        gjson.Number,
	}); err != nil {
		return Message{}, err
	}
	m := Message{
		ID:     v.Get("id").Int(),
		UserID: v.Get("user_id").Int(),
		ChatID: v.Get("chat_id").Int(),
		Date:   v.Get("date").Int(),
		Body:   v.Get("body").String(),
		Out:    v.Get("out").Int() != 0,
		Read:   v.Get("read_state").Int() != 0,
	}
	for _, a := range v.Get("attachments").Array() {
		if att, ok := decodeAttachment(a); ok {
			m.Attachments = append(m.Attachments, att)
		}
	}
	for _, fwd := range v.Get("fwd_messages").Array() {
		for _, a := range fwd.Get("attachments").Array() {
			if att, ok := decodeAttachment(a); ok {
				m.Attachments = append(m.Attachments, att)
			}
		}
	}
	return m, nil
}

// DecodeMessages decodes an array of message objects.
func DecodeMessages(items []gjson.Result) ([]Message, error) {
	msgs := make([]Message, 0, len(items))
	for _, item := range items {
		m, err := DecodeMessage(item)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func firstString(v gjson.Result, keys ...string) string {
	for _, k := range keys {
		if s := v.Get(k).String(); s != "" {
			return s
		}
	}
	return ""
}

func decodeAttachment(a gjson.Result) (Attachment, bool) {
	typ := a.Get("type").String()
	if typ == "" {
		return Attachment{}, false
	}
	f := a.Get(typ)
	if !f.IsObject() {
		return Attachment{}, false
	}
	att := Attachment{Type: typ}
	switch typ {
	case "photo":
		att.ThumbURL = f.Get("photo_604").String()
		att.URL = firstString(f, "photo_2560", "photo_1280", "photo_807", "photo_604")
		att.Title = f.Get("text").String()
	case "video":
		att.URL = fmt.Sprintf("https://vk.com/video%d_%d", f.Get("owner_id").Int(), f.Get("id").Int())
		att.ThumbURL = f.Get("photo_320").String()
		att.Title = f.Get("title").String()
	case "audio":
		att.URL = f.Get("url").String()
		att.Title = strings.TrimSpace(f.Get("artist").String() + " - " + f.Get("title").String())
	case "doc":
		att.URL = f.Get("url").String()
		att.ThumbURL = f.Get("photo_130").String()
		att.Title = f.Get("title").String()
	case "link":
		att.URL = f.Get("url").String()
		att.ThumbURL = f.Get("image_src").String()
		att.Title = f.Get("title").String()
	case "album":
		att.URL = fmt.Sprintf("https://vk.com/album%d_%s", f.Get("owner_id").Int(), f.Get("id").String())
		att.Title = f.Get("title").String()
	case "sticker":
		att.ThumbURL = f.Get("photo_64").String()
		att.URL = firstString(f, "photo_256", "photo_128", "photo_64")
	case "wall":
		owner := f.Get("to_id").Int()
		if owner == 0 {
			owner = f.Get("from_id").Int()
		}
		att.URL = fmt.Sprintf("https://vk.com/wall%d_%d", owner, f.Get("id").Int())
		att.Title = f.Get("text").String()
	default:
		return att, true
	}
	if att.URL == "" && att.ThumbURL == "" {
		return Attachment{}, false
	}
	return att, true
}

// DecodeLongPollServer validates the endpoint triple.
func DecodeLongPollServer(v gjson.Result) (LongPollServer, error) {
	if err := requireFields("messages.getLongPollServer", v, map[string]gjson.Type{
		"key":    gjson.String,
		"server": gjson.String,
		"ts":     gjson.Number,
	}); err != nil {
		return LongPollServer{}, err
	}
	return LongPollServer{
		Key:    v.Get("key").String(),
		Server: v.Get("server").String(),
		TS:     v.Get("ts").Int(),
	}, nil
}
