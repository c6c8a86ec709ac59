package longpoll

import (
	"testing"

	"github.com/matheus3301/vksync/internal/vk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestParseUpdate(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Update
	}{
		{"inbound message", `[4,42,1,7,1400000000,"","hi"]`,
			MessageUpdate{ID: 42, Flags: 1, Peer: 7, Timestamp: 1400000000, Text: "hi"}},
		{"chat message with author", `[4,43,17,2000000005,1400000000," ... ","yo",{"from":"9"}]`,
			MessageUpdate{ID: 43, Flags: 17, Peer: vk.ChatPeer(5), Timestamp: 1400000000, Subject: " ... ", Text: "yo", FromID: 9}},
		{"deleted", `[0,42]`, nil},
		{"deleted flag set", `[2,42,128,7]`, nil},
		{"unread flag set", `[2,42,1,7]`, nil},
		{"read", `[3,42,1,7]`, ReadUpdate{ID: 42, Peer: 7}},
		{"other flag cleared", `[3,42,8,7]`, nil},
		{"online mobile", `[8,-7,260]`, PresenceUpdate{UserID: 7, Online: true, Platform: 4}},
		{"offline", `[9,-7,1]`, PresenceUpdate{UserID: 7}},
		{"chat changed", `[51,5,1]`, ChatChangedUpdate{ChatID: 5}},
		{"typing", `[61,7,1]`, TypingUpdate{UserID: 7}},
		{"chat typing", `[62,7,5]`, TypingUpdate{UserID: 7, ChatID: 5}},
		{"unknown", `[70,1,2]`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUpdate(gjson.Parse(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseUpdateMalformed(t *testing.T) {
	for _, raw := range []string{`{}`, `["x"]`, `[4,1,2]`, `[8,7,1]`, `[61]`} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseUpdate(gjson.Parse(raw))
			assert.Equal(t, vk.KindMalformedResponse, vk.KindOf(err))
		})
	}
}

func TestMessageUpdateNeedsFetch(t *testing.T) {
	assert.True(t, MessageUpdate{Flags: FlagMedia, Peer: 7}.NeedsFetch())
	assert.True(t, MessageUpdate{Peer: vk.ChatPeer(1)}.NeedsFetch())
	assert.False(t, MessageUpdate{Peer: vk.ChatPeer(1), FromID: 3}.NeedsFetch())
	assert.False(t, MessageUpdate{Flags: FlagOutbox, Peer: vk.ChatPeer(1)}.NeedsFetch())
	assert.False(t, MessageUpdate{Peer: 7}.NeedsFetch())
}

func TestPresenceMobile(t *testing.T) {
	assert.False(t, PresenceUpdate{Online: true, Platform: PlatformWeb}.Mobile())
	assert.True(t, PresenceUpdate{Online: true, Platform: 2}.Mobile())
	assert.False(t, PresenceUpdate{}.Mobile())
}
