package roster

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/store"
	"github.com/matheus3301/vksync/internal/vk"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Presence is the payload of contact.presence.
type Presence struct {
	UserID   int64
	Presence string
	LastSeen int64
}

// UpdatePresence records a presence change pushed by the stream. It does not
// run a membership pass; an unknown user is added through AddIfNeeded.
func (e *Engine) UpdatePresence(ctx context.Context, userID int64, online, mobile bool) error {
	c, err := e.db.GetContact(userID)
	if err != nil {
		return err
	}
	if c == nil {
		return e.AddIfNeeded(ctx, userID)
	}
	var lastSeen int64
	if !online {
		lastSeen = time.Now().Unix()
	}
	return e.setPresence(c, presence(online, mobile), lastSeen)
}

func (e *Engine) setPresence(c *store.Contact, p string, lastSeen int64) error {
	if c.Presence == p {
		return nil
	}
	if err := e.db.SetPresence(c.UserID, p, lastSeen); err != nil {
		return fmt.Errorf("store presence of %d: %w", c.UserID, err)
	}
	if lastSeen == 0 {
		lastSeen = c.LastSeen
	}
	e.bus.Emit(bus.KindPresence, Presence{UserID: c.UserID, Presence: p, LastSeen: lastSeen})
	return nil
}

// RefreshPresence re-reads the online state of every friend.
func (e *Engine) RefreshPresence(ctx context.Context) error {
	contacts, err := e.db.ListContacts()
	if err != nil {
		return err
	}
	known := make(map[int64]*store.Contact)
	var ids []int64
	for i := range contacts {
		if contacts[i].IsFriend {
			known[contacts[i].UserID] = &contacts[i]
			ids = append(ids, contacts[i].UserID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	changed := 0
	err = e.batches(ctx, "users.get", "user_ids", vk.Params{}.Add("fields", "online,online_mobile,last_seen"), ids, func(res gjson.Result) error {
		if !res.IsArray() {
			return &vk.Error{Kind: vk.KindMalformedResponse, Method: "users.get", Msg: "expected array"}
		}
		for _, u := range res.Array() {
			c, ok := known[u.Get("id").Int()]
			if !ok {
				continue
			}
			p := presence(u.Get("online").Int() != 0, u.Get("online_mobile").Int() != 0)
			if p != c.Presence {
				changed++
			}
			if err := e.setPresence(c, p, u.Get("last_seen.time").Int()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh presence: %w", err)
	}
	e.logger.Debug("presence refreshed", zap.Int("friends", len(ids)), zap.Int("changed", changed))
	return nil
}
