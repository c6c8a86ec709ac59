package roster

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/store"
	"github.com/matheus3301/vksync/internal/vk"
	"go.uber.org/zap"
)

// Diff is the result of a membership pass.
type Diff struct {
	Added   []store.RosterNode
	Updated []store.RosterNode
	Removed []store.RosterNode
}

// Empty reports whether the pass changed nothing.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

var (
	ErrUnknownKind = errors.New("roster kind must be contact or chat")
	ErrNotShown    = errors.New("entry is not in the roster")
)

type nodeKey struct {
	kind string
	id   int64
}

// entity is a contact or conversation with the values the roster shows for
// it by default.
type entity struct {
	alias    string
	group    string
	checksum string
}

func (e *Engine) open(peer vk.PeerID) bool {
	return e.focus != nil && e.focus.IsOpen(peer)
}

func (e *Engine) contactVisible(c store.Contact, o store.Override) bool {
	if e.open(vk.UserPeer(c.UserID)) {
		return true
	}
	if o.Membership == store.MembershipRemoved {
		return false
	}
	if c.IsFriend || o.Membership == store.MembershipAdded {
		return true
	}
	return !e.opts.OnlyFriends && c.HadDialog
}

func (e *Engine) chatVisible(c store.Conversation, o store.Override) bool {
	if e.open(vk.ChatPeer(c.ChatID)) {
		return true
	}
	if o.Membership == store.MembershipRemoved {
		return false
	}
	return o.Membership == store.MembershipAdded || (e.opts.ChatsInRoster && c.IsMember)
}

func contactAlias(c store.Contact) string {
	if c.Name != "" {
		return c.Name
	}
	return vk.UserPeer(c.UserID).String()
}

func chatAlias(c store.Conversation) string {
	if c.Title != "" {
		return c.Title
	}
	return vk.ChatPeer(c.ChatID).String()
}

// Reconcile evaluates the visibility rules for every known contact and
// conversation, diffs them against the shown roster and applies the diff.
// Local renames and moves found on shown entries become overrides first.
func (e *Engine) Reconcile(ctx context.Context) (Diff, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	nodes, err := e.db.ListRosterNodes()
	if err != nil {
		return Diff{}, fmt.Errorf("list roster: %w", err)
	}
	list, err := e.db.ListOverrides()
	if err != nil {
		return Diff{}, fmt.Errorf("list overrides: %w", err)
	}
	overrides := make(map[nodeKey]store.Override, len(list))
	for _, o := range list {
		overrides[nodeKey{o.Kind, o.EntityID}] = o
	}
	override := func(k nodeKey) store.Override {
		if o, ok := overrides[k]; ok {
			return o
		}
		return store.Override{Kind: k.kind, EntityID: k.id}
	}

	wanted := make(map[nodeKey]entity)
	contacts, err := e.db.ListContacts()
	if err != nil {
		return Diff{}, err
	}
	for _, c := range contacts {
		k := nodeKey{store.KindContact, c.UserID}
		if c.UserID == e.self() || !e.contactVisible(c, override(k)) {
			continue
		}
		wanted[k] = entity{alias: contactAlias(c), group: e.opts.DefaultGroup, checksum: vk.AvatarChecksum(c.AvatarURL)}
	}
	chats, err := e.db.ListConversations()
	if err != nil {
		return Diff{}, err
	}
	for _, c := range chats {
		k := nodeKey{store.KindChat, c.ChatID}
		if !e.chatVisible(c, override(k)) {
			continue
		}
		wanted[k] = entity{alias: chatAlias(c), group: e.opts.ChatGroup}
	}

	orig := make(map[nodeKey]store.RosterNode, len(nodes))
	shown := make(map[nodeKey]store.RosterNode, len(nodes))
	for _, n := range nodes {
		k := nodeKey{n.Kind, n.EntityID}
		orig[k] = n
		want, ok := wanted[k]
		if ok {
			o := override(k)
			if changed := detectCustom(&o, &n, want); changed {
				if err := e.db.SetOverride(o); err != nil {
					return Diff{}, err
				}
				overrides[k] = o
			}
		}
		shown[k] = n
	}

	var diff Diff
	for _, n := range nodes {
		k := nodeKey{n.Kind, n.EntityID}
		if _, ok := wanted[k]; !ok {
			diff.Removed = append(diff.Removed, n)
		}
	}
	for _, k := range sortedKeys(wanted) {
		want := wanted[k]
		o := override(k)
		n, ok := shown[k]
		if !ok {
			diff.Added = append(diff.Added, store.RosterNode{
				Kind: k.kind, EntityID: k.id,
				Alias: want.alias, Group: want.group, AvatarChecksum: want.checksum,
				AppliedAlias: want.alias, AppliedGroup: want.group,
			})
			continue
		}
		next := n
		if !o.CustomAlias {
			next.Alias = want.alias
		}
		if !o.CustomGroup {
			next.Group = want.group
		}
		next.AvatarChecksum = want.checksum
		next.AppliedAlias, next.AppliedGroup = next.Alias, next.Group
		if next.Alias != n.Alias || next.Group != n.Group || next.AvatarChecksum != n.AvatarChecksum {
			diff.Updated = append(diff.Updated, next)
		} else if next != orig[k] {
			// Only bookkeeping moved; no one needs to hear about it.
			if err := e.db.UpsertRosterNode(&next); err != nil {
				return Diff{}, err
			}
		}
	}

	if err := e.apply(diff); err != nil {
		return diff, err
	}
	if !diff.Empty() {
		e.logger.Info("roster reconciled",
			zap.Int("added", len(diff.Added)),
			zap.Int("updated", len(diff.Updated)),
			zap.Int("removed", len(diff.Removed)))
	}
	return diff, nil
}

// detectCustom compares a shown node's local values with what was last
// applied. A divergence marks the value as customized; a value moved back
// to the default clears the mark. Reports whether o changed.
func detectCustom(o *store.Override, n *store.RosterNode, want entity) bool {
	before := *o
	if o.CustomAlias && n.Alias == want.alias {
		o.CustomAlias = false
	} else if n.AppliedAlias != "" && n.Alias != n.AppliedAlias {
		o.CustomAlias = true
	}
	n.AppliedAlias = n.Alias

	if o.CustomGroup && n.Group == want.group {
		o.CustomGroup = false
	} else if n.Group != n.AppliedGroup {
		o.CustomGroup = true
	}
	n.AppliedGroup = n.Group
	return *o != before
}

func (e *Engine) apply(d Diff) error {
	for i := range d.Added {
		if err := e.db.UpsertRosterNode(&d.Added[i]); err != nil {
			return err
		}
		e.bus.Emit(bus.KindRosterAdded, d.Added[i])
	}
	for i := range d.Updated {
		if err := e.db.UpsertRosterNode(&d.Updated[i]); err != nil {
			return err
		}
		e.bus.Emit(bus.KindRosterUpdated, d.Updated[i])
	}
	for _, n := range d.Removed {
		if err := e.db.DeleteRosterNode(n.Kind, n.EntityID); err != nil {
			return err
		}
		e.bus.Emit(bus.KindRosterRemoved, n)
	}
	return nil
}

func sortedKeys(m map[nodeKey]entity) []nodeKey {
	keys := make([]nodeKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Contacts first, then chats, each by id.
	slices.SortFunc(keys, func(a, b nodeKey) int {
		if a.kind != b.kind {
			return -cmp.Compare(a.kind, b.kind)
		}
		return cmp.Compare(a.id, b.id)
	})
	return keys
}

func checkKind(kind string) error {
	if kind != store.KindContact && kind != store.KindChat {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return nil
}

func (e *Engine) setMembership(kind string, id int64, membership string) error {
	o, err := e.db.GetOverride(kind, id)
	if err != nil {
		return err
	}
	o.Membership = membership
	return e.db.SetOverride(o)
}

// AddEntry pins an entry to the roster regardless of the automatic rules.
func (e *Engine) AddEntry(ctx context.Context, kind string, id int64) (Diff, error) {
	if err := checkKind(kind); err != nil {
		return Diff{}, err
	}
	if err := e.setMembership(kind, id, store.MembershipAdded); err != nil {
		return Diff{}, err
	}
	var err error
	if kind == store.KindContact {
		var c *store.Contact
		if c, err = e.db.GetContact(id); err == nil && (c == nil || c.Name == "") {
			err = e.fetchUsers(ctx, []int64{id})
		}
	} else {
		var c *store.Conversation
		if c, err = e.db.GetConversation(id); err == nil && (c == nil || c.Title == "") {
			err = e.fetchChats(ctx, []int64{id})
		}
	}
	if err != nil {
		return Diff{}, fmt.Errorf("fetch %s %d: %w", kind, id, err)
	}
	return e.Reconcile(ctx)
}

// RemoveEntry hides an entry unless its conversation window is open.
func (e *Engine) RemoveEntry(ctx context.Context, kind string, id int64) (Diff, error) {
	if err := checkKind(kind); err != nil {
		return Diff{}, err
	}
	if err := e.setMembership(kind, id, store.MembershipRemoved); err != nil {
		return Diff{}, err
	}
	return e.Reconcile(ctx)
}

// ClearEntry drops a manual add or remove, returning the entry to the
// automatic rules.
func (e *Engine) ClearEntry(ctx context.Context, kind string, id int64) (Diff, error) {
	if err := checkKind(kind); err != nil {
		return Diff{}, err
	}
	if err := e.setMembership(kind, id, store.MembershipNone); err != nil {
		return Diff{}, err
	}
	return e.Reconcile(ctx)
}

// RenameEntry sets the local alias of a shown entry. Renaming back to the
// default alias clears the customization.
func (e *Engine) RenameEntry(ctx context.Context, kind string, id int64, alias string) (store.RosterNode, error) {
	return e.edit(ctx, kind, id, func(n *store.RosterNode) { n.Alias = alias })
}

// MoveEntry sets the local group of a shown entry.
func (e *Engine) MoveEntry(ctx context.Context, kind string, id int64, group string) (store.RosterNode, error) {
	return e.edit(ctx, kind, id, func(n *store.RosterNode) { n.Group = group })
}

func (e *Engine) edit(ctx context.Context, kind string, id int64, fn func(*store.RosterNode)) (store.RosterNode, error) {
	if err := checkKind(kind); err != nil {
		return store.RosterNode{}, err
	}
	n, err := e.db.GetRosterNode(kind, id)
	if err != nil {
		return store.RosterNode{}, err
	}
	if n == nil {
		return store.RosterNode{}, fmt.Errorf("%w: %s %s", ErrNotShown, kind, strconv.FormatInt(id, 10))
	}
	fn(n)
	if err := e.db.UpsertRosterNode(n); err != nil {
		return store.RosterNode{}, err
	}
	if _, err := e.Reconcile(ctx); err != nil {
		return store.RosterNode{}, err
	}
	cur, err := e.db.GetRosterNode(kind, id)
	if err != nil || cur == nil {
		return store.RosterNode{}, err
	}
	e.bus.Emit(bus.KindRosterUpdated, *cur)
	return *cur, nil
}
