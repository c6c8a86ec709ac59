package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/longpoll"
	"github.com/matheus3301/vksync/internal/store"
	"github.com/matheus3301/vksync/internal/vk"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// API is the subset of the call gateway the engine uses.
type API interface {
	Call(ctx context.Context, method string, params vk.Params) (gjson.Result, error)
	CallItems(ctx context.Context, method string, params vk.Params, pageSize int, fn func(gjson.Result) error) error
	Session() *vk.Session
}

// Activity reports what the user is looking at.
type Activity interface {
	Away() bool
	IsActive(peer vk.PeerID) bool
}

// Roster is notified about peers seen in messages so unknown users and
// conversations get added.
type Roster interface {
	AddIfNeeded(ctx context.Context, userID int64) error
	EnsureChat(ctx context.Context, chatID int64) error
}

// Resolver resolves attachment thumbnails in the background.
type Resolver interface {
	Resolve(msgID int64, atts []store.Attachment)
}

// Options tunes the engine.
type Options struct {
	MarkReadOnlineOnly  bool
	MarkReadInactiveTab bool
	// EchoWindow is how long after a send an unknown outbound message is
	// assumed to be our own echo.
	EchoWindow time.Duration
	// PageSize is the catch-up page size.
	PageSize int
	// FirstLoginLimit bounds how far back the first catch-up goes.
	FirstLoginLimit int64
}

const awaitingTTL = time.Minute

type readRef struct {
	id   int64
	peer vk.PeerID
}

// Engine merges pushed, fetched and locally sent messages into one timeline
// and drives read state.
type Engine struct {
	db       *store.DB
	api      API
	activity Activity
	roster   Roster
	resolver Resolver
	bus      *bus.Bus
	logger   *zap.Logger
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       stdsync.Mutex
	awaiting map[int64]time.Time
	parked   map[int64]*time.Timer
	inflight int
	lastSent time.Time
	deferred []readRef
	selfID   int64
}

// NewEngine creates a new sync engine. roster and resolver may be nil.
func NewEngine(db *store.DB, api API, activity Activity, roster Roster, resolver Resolver, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	if opts.EchoWindow <= 0 {
		opts.EchoWindow = time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 200
	}
	if opts.FirstLoginLimit <= 0 {
		opts.FirstLoginLimit = 5000
	}
	return &Engine{
		db:       db,
		api:      api,
		activity: activity,
		roster:   roster,
		resolver: resolver,
		bus:      b,
		logger:   logger.Named("sync"),
		opts:     opts,
		ctx:      context.Background(),
		awaiting: make(map[int64]time.Time),
		parked:   make(map[int64]*time.Timer),
	}
}

// Start subscribes to focus events, which flush deferred read marks.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("focus.", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-e.ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine. Parked echoes are dropped.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	for id, t := range e.parked {
		t.Stop()
		delete(e.parked, id)
	}
	e.mu.Unlock()
}

func (e *Engine) handleEvent(evt bus.Event) {
	var err error
	switch evt.Kind {
	case bus.KindConversationFocus:
		err = e.FlushDeferred(e.ctx, false)
	case bus.KindAwayChanged:
		if away, ok := evt.Payload.(bool); ok && !away {
			err = e.FlushDeferred(e.ctx, true)
		}
	}
	if err != nil {
		e.logger.Warn("failed to flush deferred reads", zap.Error(err), zap.String("trigger", evt.Kind))
	}
}

func (e *Engine) self() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s := e.api.Session(); s != nil && s.UserID != 0 {
		e.selfID = s.UserID
	}
	return e.selfID
}

// HandleUpdate implements longpoll.Handler for message, read and typing
// updates.
func (e *Engine) HandleUpdate(ctx context.Context, u longpoll.Update) error {
	switch upd := u.(type) {
	case longpoll.MessageUpdate:
		return e.HandleMessage(ctx, upd)
	case longpoll.ReadUpdate:
		return e.remoteRead(upd.ID)
	case longpoll.TypingUpdate:
		e.bus.Emit(bus.KindTyping, Typing{UserID: upd.UserID, ChatID: upd.ChatID, Seconds: longpoll.TypingHint})
	}
	return nil
}

// Typing is the payload of a contact.typing event.
type Typing struct {
	UserID  int64
	ChatID  int64
	Seconds int
}

// HandleMessage reconciles one pushed message.
func (e *Engine) HandleMessage(ctx context.Context, upd longpoll.MessageUpdate) error {
	if !upd.Outbound() {
		return e.materializeUpdate(ctx, upd)
	}

	e.mu.Lock()
	if _, ok := e.awaiting[upd.ID]; ok {
		delete(e.awaiting, upd.ID)
		e.mu.Unlock()
		e.logger.Debug("echo of own send", zap.Int64("msg_id", upd.ID))
		return nil
	}
	if _, ok := e.parked[upd.ID]; ok {
		e.mu.Unlock()
		return nil
	}
	// Heuristic: the send response may still be on its way. An unknown
	// outbound id seen within the window is held back until the window ends
	// or the sender claims it. Slow sends can still be misclassified.
	if e.inflight > 0 || time.Since(e.lastSent) < e.opts.EchoWindow {
		e.parked[upd.ID] = time.AfterFunc(e.opts.EchoWindow, func() { e.resolveParked(upd) })
		e.mu.Unlock()
		e.logger.Debug("outbound message parked", zap.Int64("msg_id", upd.ID))
		return nil
	}
	e.mu.Unlock()

	e.logger.Info("outbound message from another client", zap.Int64("msg_id", upd.ID), zap.Stringer("peer", upd.Peer))
	return e.materializeUpdate(ctx, upd)
}

func (e *Engine) resolveParked(upd longpoll.MessageUpdate) {
	e.mu.Lock()
	if _, ok := e.parked[upd.ID]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.parked, upd.ID)
	e.mu.Unlock()

	e.logger.Warn("message sent recently but id is not ours, treating as foreign", zap.Int64("msg_id", upd.ID))
	if err := e.materializeUpdate(e.ctx, upd); err != nil {
		e.logger.Error("failed to materialize parked message", zap.Error(err), zap.Int64("msg_id", upd.ID))
	}
}

// BeginSend marks a send call as in flight.
func (e *Engine) BeginSend() {
	e.mu.Lock()
	e.inflight++
	e.mu.Unlock()
}

// RecordSent ends an in-flight send with the ids the backend assigned. An id
// whose echo was parked is consumed right away; the others wait for their echo.
func (e *Engine) RecordSent(ids ...int64) {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight > 0 {
		e.inflight--
	}
	e.lastSent = now
	for _, id := range ids {
		if t, ok := e.parked[id]; ok {
			t.Stop()
			delete(e.parked, id)
			continue
		}
		e.awaiting[id] = now
	}
	for id, at := range e.awaiting {
		if now.Sub(at) > awaitingTTL {
			delete(e.awaiting, id)
		}
	}
}

// SendFailed ends an in-flight send that produced no message.
func (e *Engine) SendFailed() {
	e.mu.Lock()
	if e.inflight > 0 {
		e.inflight--
	}
	e.mu.Unlock()
}

// AwaitingEcho returns the ids of sent messages whose echo has not arrived.
func (e *Engine) AwaitingEcho() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, 0, len(e.awaiting))
	for id := range e.awaiting {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) materializeUpdate(ctx context.Context, upd longpoll.MessageUpdate) error {
	if upd.NeedsFetch() {
		return e.FetchByID(ctx, upd.ID)
	}
	return e.Materialize(ctx, []store.Message{e.fromUpdate(upd)})
}

func (e *Engine) fromUpdate(u longpoll.MessageUpdate) store.Message {
	m := store.Message{
		ID:        u.ID,
		PeerID:    int64(u.Peer),
		ChatID:    u.Peer.ChatID(),
		Body:      u.Text,
		Read:      u.Flags&longpoll.FlagUnread == 0,
		Timestamp: u.Timestamp,
	}
	switch {
	case u.Outbound():
		m.Direction = store.Outbound
		m.SenderID = e.self()
	case u.Peer.IsChat():
		m.Direction = store.Inbound
		m.SenderID = u.FromID
	default:
		m.Direction = store.Inbound
		m.SenderID = u.Peer.UserID()
	}
	return m
}

func (e *Engine) fromAPI(m vk.Message) store.Message {
	sm := store.Message{
		ID:        m.ID,
		PeerID:    int64(m.PeerID()),
		ChatID:    m.ChatID,
		Body:      m.Body,
		Read:      m.Read,
		Timestamp: m.Date,
	}
	if m.Out {
		sm.Direction = store.Outbound
		sm.SenderID = e.self()
	} else {
		sm.Direction = store.Inbound
		sm.SenderID = m.UserID
	}
	for _, a := range m.Attachments {
		sm.Attachments = append(sm.Attachments, store.Attachment{Type: a.Type, URL: a.URL, ThumbURL: a.ThumbURL, Title: a.Title})
	}
	return sm
}

// FetchByID fetches full messages and materializes them.
func (e *Engine) FetchByID(ctx context.Context, ids ...int64) error {
	res, err := e.api.Call(ctx, "messages.getById", vk.Params{}.Add("message_ids", vk.JoinIDs(ids)))
	if err != nil {
		return fmt.Errorf("fetch messages %v: %w", ids, err)
	}
	items := res.Get("items")
	if !items.Exists() {
		items = res
	}
	decoded, err := vk.DecodeMessages(items.Array())
	if err != nil {
		return err
	}
	msgs := make([]store.Message, 0, len(decoded))
	for _, m := range decoded {
		msgs = append(msgs, e.fromAPI(m))
	}
	return e.Materialize(ctx, msgs)
}

// Materialize stores messages in the given order, announces them and queues
// unread inbound ones for marking as read.
func (e *Engine) Materialize(ctx context.Context, msgs []store.Message) error {
	var unread []readRef
	seenPeers := make(map[vk.PeerID]bool)
	for i := range msgs {
		m := &msgs[i]
		peer := vk.PeerID(m.PeerID)
		if m.Direction == store.Inbound && !seenPeers[peer] {
			seenPeers[peer] = true
			e.ensurePeer(ctx, peer)
		}

		if err := e.db.UpsertMessage(m); err != nil {
			return fmt.Errorf("upsert message %d: %w", m.ID, err)
		}
		if m.ChatID != 0 {
			if err := e.db.TouchConversation(m.ChatID, m.Timestamp, truncate(m.Body, 100)); err != nil {
				return fmt.Errorf("touch conversation %d: %w", m.ChatID, err)
			}
		}
		e.bus.Emit(bus.KindMessageUpserted, *m)

		if e.resolver != nil && hasThumbs(m.Attachments) {
			e.resolver.Resolve(m.ID, m.Attachments)
		}
		if m.Direction == store.Inbound && !m.Read {
			unread = append(unread, readRef{id: m.ID, peer: peer})
		}
	}
	return e.markOrDefer(ctx, unread)
}

func (e *Engine) ensurePeer(ctx context.Context, peer vk.PeerID) {
	if e.roster == nil {
		return
	}
	var err error
	if peer.IsChat() {
		err = e.roster.EnsureChat(ctx, peer.ChatID())
	} else {
		err = e.roster.AddIfNeeded(ctx, peer.UserID())
	}
	if err != nil {
		e.logger.Warn("failed to add peer to roster", zap.Error(err), zap.Stringer("peer", peer))
	}
}

func hasThumbs(atts []store.Attachment) bool {
	for _, a := range atts {
		if a.ThumbURL != "" {
			return true
		}
	}
	return false
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
