// Package roster keeps the shown contacts and group conversations in line
// with the remote account plus the user's manual overrides.
package roster

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/longpoll"
	"github.com/matheus3301/vksync/internal/store"
	"github.com/matheus3301/vksync/internal/vk"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// API is the subset of the call gateway the roster uses.
type API interface {
	Call(ctx context.Context, method string, params vk.Params) (gjson.Result, error)
	CallItems(ctx context.Context, method string, params vk.Params, pageSize int, fn func(gjson.Result) error) error
	Session() *vk.Session
}

// Focus reports open conversation windows.
type Focus interface {
	IsOpen(peer vk.PeerID) bool
}

// Options mirrors the roster account settings.
type Options struct {
	OnlyFriends      bool
	ChatsInRoster    bool
	DefaultGroup     string
	ChatGroup        string
	RefreshInterval  time.Duration
	PresenceInterval time.Duration
	// BatchSize is the number of ids per users.get / messages.getChat call.
	BatchSize int
	// Parallel bounds concurrent batch calls.
	Parallel int
}

const dialogsPageSize = 200

// Engine is the roster reconciliation engine.
type Engine struct {
	db     *store.DB
	api    API
	focus  Focus
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	// mu serializes membership passes.
	mu sync.Mutex
}

// NewEngine creates a roster engine. focus may be nil.
func NewEngine(db *store.DB, api API, focus Focus, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 2
	}
	return &Engine{db: db, api: api, focus: focus, bus: b, logger: logger.Named("roster"), opts: opts}
}

func (e *Engine) self() int64 {
	if s := e.api.Session(); s != nil {
		return s.UserID
	}
	return 0
}

// Sync fetches the remote truth and runs a membership pass.
func (e *Engine) Sync(ctx context.Context) (Diff, error) {
	if err := e.Refresh(ctx); err != nil {
		return Diff{}, err
	}
	return e.Reconcile(ctx)
}

// Refresh fetches friends, dialogs, user infos and chat infos and stores
// them. It does not touch what is shown.
func (e *Engine) Refresh(ctx context.Context) error {
	var friends []store.Contact
	err := e.api.CallItems(ctx, "friends.get", vk.Params{}.Add("fields", vk.UserFields), 5000, func(item gjson.Result) error {
		u, err := vk.DecodeUser(item)
		if err != nil {
			return err
		}
		friends = append(friends, contactFromUser(u))
		return nil
	})
	if err != nil {
		return fmt.Errorf("get friends: %w", err)
	}

	dialogUsers, chatIDs, err := e.dialogs(ctx)
	if err != nil {
		return err
	}

	friendIDs := make([]int64, len(friends))
	isFriend := make(map[int64]bool, len(friends))
	for i, c := range friends {
		friendIDs[i] = c.UserID
		isFriend[c.UserID] = true
	}
	if err := e.db.BulkUpsertContacts(friends); err != nil {
		return fmt.Errorf("store friends: %w", err)
	}
	if err := e.db.SetFriends(friendIDs); err != nil {
		return fmt.Errorf("store friends: %w", err)
	}
	if err := e.db.SetDialogUsers(dialogUsers); err != nil {
		return fmt.Errorf("store dialogs: %w", err)
	}

	overrides, err := e.db.ListOverrides()
	if err != nil {
		return err
	}
	var others []int64
	if !e.opts.OnlyFriends {
		for _, id := range dialogUsers {
			if !isFriend[id] {
				others = append(others, id)
			}
		}
	}
	for _, o := range overrides {
		if o.Membership != store.MembershipAdded {
			continue
		}
		switch o.Kind {
		case store.KindContact:
			if !isFriend[o.EntityID] {
				others = append(others, o.EntityID)
			}
		case store.KindChat:
			chatIDs = append(chatIDs, o.EntityID)
		}
	}

	if err := e.fetchUsers(ctx, uniq(others)); err != nil {
		return err
	}
	if err := e.fetchChats(ctx, uniq(chatIDs)); err != nil {
		return err
	}
	e.logger.Info("roster refreshed",
		zap.Int("friends", len(friends)),
		zap.Int("dialog_users", len(dialogUsers)),
		zap.Int("chats", len(chatIDs)))
	return nil
}

// dialogs pages through messages.getDialogs and returns the users and
// conversations the account has talked to.
func (e *Engine) dialogs(ctx context.Context) (users, chats []int64, err error) {
	err = e.api.CallItems(ctx, "messages.getDialogs", vk.Params{}, dialogsPageSize, func(item gjson.Result) error {
		m := item
		if inner := item.Get("message"); inner.IsObject() {
			m = inner
		}
		if chat := m.Get("chat_id").Int(); chat != 0 {
			chats = append(chats, chat)
			return nil
		}
		uid := m.Get("user_id")
		if uid.Type != gjson.Number {
			return &vk.Error{Kind: vk.KindMalformedResponse, Method: "messages.getDialogs", Msg: "dialog without user_id: " + m.Raw}
		}
		users = append(users, uid.Int())
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("get dialogs: %w", err)
	}
	return uniq(users), uniq(chats), nil
}

// batches runs method over ids in parallel batches. fn is called under a
// lock, one response at a time.
func (e *Engine) batches(ctx context.Context, method, key string, params vk.Params, ids []int64, fn func(gjson.Result) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallel)
	var mu sync.Mutex
	for start := 0; start < len(ids); start += e.opts.BatchSize {
		batch := ids[start:min(start+e.opts.BatchSize, len(ids))]
		g.Go(func() error {
			p := append(vk.Params{}, params...).Add(key, vk.JoinIDs(batch))
			res, err := e.api.Call(ctx, method, p)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			return fn(res)
		})
	}
	return g.Wait()
}

func (e *Engine) fetchUsers(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	var contacts []store.Contact
	err := e.batches(ctx, "users.get", "user_ids", vk.Params{}.Add("fields", vk.UserFields), ids, func(res gjson.Result) error {
		users, err := vk.DecodeUsers(res)
		if err != nil {
			return err
		}
		for _, u := range users {
			contacts = append(contacts, contactFromUser(u))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("get users: %w", err)
	}
	return e.db.BulkUpsertContacts(contacts)
}

func (e *Engine) fetchChats(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	self := e.self()
	var convs []store.Conversation
	err := e.batches(ctx, "messages.getChat", "chat_ids", vk.Params{}, ids, func(res gjson.Result) error {
		chats, err := vk.DecodeChats(res)
		if err != nil {
			return err
		}
		for _, c := range chats {
			convs = append(convs, store.Conversation{
				ChatID:       c.ID,
				Title:        c.Title,
				OwnerID:      c.AdminID,
				IsMember:     slices.Contains(c.Users, self),
				Participants: c.Users,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("get chats: %w", err)
	}
	for i := range convs {
		if err := e.db.UpsertConversation(&convs[i]); err != nil {
			return err
		}
	}
	return nil
}

func contactFromUser(u vk.User) store.Contact {
	return store.Contact{
		UserID:    u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Name:      u.Name(),
		Presence:  presence(u.Online, u.OnlineMobile),
		AvatarURL: u.Photo50,
		Profile:   u.Profile,
		LastSeen:  u.LastSeen,
	}
}

func presence(online, mobile bool) string {
	switch {
	case online && mobile:
		return store.PresenceOnlineMobile
	case online:
		return store.PresenceOnline
	default:
		return store.PresenceOffline
	}
}

func uniq(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

// AddIfNeeded makes sure a user seen in a message or typing event is known
// and recorded as a dialog partner, then runs a membership pass.
func (e *Engine) AddIfNeeded(ctx context.Context, userID int64) error {
	if userID <= 0 || userID == e.self() {
		return nil
	}
	c, err := e.db.GetContact(userID)
	if err != nil {
		return err
	}
	if c != nil && c.HadDialog && c.Name != "" {
		return nil
	}
	if c == nil || c.Name == "" {
		if err := e.fetchUsers(ctx, []int64{userID}); err != nil {
			return err
		}
	}
	if err := e.db.MarkDialog(userID); err != nil {
		return err
	}
	e.logger.Debug("new dialog partner", zap.Int64("user_id", userID))
	_, err = e.Reconcile(ctx)
	return err
}

// EnsureChat fetches a conversation seen in a message if its info is
// missing.
func (e *Engine) EnsureChat(ctx context.Context, chatID int64) error {
	c, err := e.db.GetConversation(chatID)
	if err != nil {
		return err
	}
	if c != nil && c.Title != "" {
		return nil
	}
	return e.ChatChanged(ctx, chatID)
}

// ChatChanged re-fetches a conversation whose title or participants changed.
func (e *Engine) ChatChanged(ctx context.Context, chatID int64) error {
	if err := e.fetchChats(ctx, []int64{chatID}); err != nil {
		return err
	}
	_, err := e.Reconcile(ctx)
	return err
}

// HandleUpdate implements longpoll.Handler for presence, typing and
// conversation changes.
func (e *Engine) HandleUpdate(ctx context.Context, u longpoll.Update) error {
	switch upd := u.(type) {
	case longpoll.PresenceUpdate:
		return e.UpdatePresence(ctx, upd.UserID, upd.Online, upd.Mobile())
	case longpoll.ChatChangedUpdate:
		return e.ChatChanged(ctx, upd.ChatID)
	case longpoll.TypingUpdate:
		if upd.ChatID == 0 {
			return e.AddIfNeeded(ctx, upd.UserID)
		}
	}
	return nil
}

// Run refreshes presence and the roster periodically, and re-runs the
// membership pass when conversation windows open or close. It blocks until
// ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	refresh := ticker(e.opts.RefreshInterval)
	defer refresh.Stop()
	pres := ticker(e.opts.PresenceInterval)
	defer pres.Stop()

	events, unsub := e.bus.Subscribe("focus.", 16)
	defer unsub()

	for {
		var err error
		select {
		case <-ctx.Done():
			return nil
		case <-refresh.C:
			_, err = e.Sync(ctx)
		case <-pres.C:
			err = e.RefreshPresence(ctx)
		case evt := <-events:
			if evt.Kind == bus.KindConversationOpen || evt.Kind == bus.KindConversationClose {
				_, err = e.Reconcile(ctx)
			}
		}
		if err != nil && ctx.Err() == nil {
			e.logger.Warn("periodic roster work failed", zap.Error(err))
		}
	}
}

// ticker returns a ticker that never fires when d is not positive.
func ticker(d time.Duration) *time.Ticker {
	if d <= 0 {
		t := time.NewTicker(time.Hour)
		t.Stop()
		return t
	}
	return time.NewTicker(d)
}
