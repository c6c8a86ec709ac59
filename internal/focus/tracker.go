package focus

import (
	"sync"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/vk"
)

// Tracker holds what the user is looking at: the open conversations, the
// active one, and whether the account is away.
type Tracker struct {
	mu     sync.RWMutex
	open   map[vk.PeerID]struct{}
	active vk.PeerID
	away   bool
	bus    *bus.Bus
}

// NewTracker creates a tracker with nothing open.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{open: make(map[vk.PeerID]struct{}), bus: b}
}

// Open records an open conversation window.
func (t *Tracker) Open(peer vk.PeerID) {
	t.mu.Lock()
	_, already := t.open[peer]
	t.open[peer] = struct{}{}
	t.mu.Unlock()
	if !already {
		t.bus.Emit(bus.KindConversationOpen, peer)
	}
}

// Close forgets a conversation window. Closing the active one leaves no
// conversation active.
func (t *Tracker) Close(peer vk.PeerID) {
	t.mu.Lock()
	_, was := t.open[peer]
	delete(t.open, peer)
	if t.active == peer {
		t.active = 0
	}
	t.mu.Unlock()
	if was {
		t.bus.Emit(bus.KindConversationClose, peer)
	}
}

// Activate focuses a conversation, opening it if needed.
func (t *Tracker) Activate(peer vk.PeerID) {
	t.Open(peer)
	t.mu.Lock()
	t.active = peer
	t.mu.Unlock()
	t.bus.Emit(bus.KindConversationFocus, peer)
}

// SetAway changes the away flag. Only actual changes are published.
func (t *Tracker) SetAway(away bool) {
	t.mu.Lock()
	changed := t.away != away
	t.away = away
	t.mu.Unlock()
	if changed {
		t.bus.Emit(bus.KindAwayChanged, away)
	}
}

// Away reports whether the account is away.
func (t *Tracker) Away() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.away
}

// Active returns the focused conversation, 0 if none.
func (t *Tracker) Active() vk.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// IsActive reports whether peer is the focused conversation.
func (t *Tracker) IsActive(peer vk.PeerID) bool {
	return peer != 0 && t.Active() == peer
}

// IsOpen reports whether a conversation window exists for peer.
func (t *Tracker) IsOpen(peer vk.PeerID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.open[peer]
	return ok
}

// OpenPeers returns the open conversations.
func (t *Tracker) OpenPeers() []vk.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]vk.PeerID, 0, len(t.open))
	for p := range t.open {
		peers = append(peers, p)
	}
	return peers
}
