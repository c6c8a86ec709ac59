package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/store"
	"github.com/matheus3301/vksync/internal/vk"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// API is the subset of the call gateway the sender uses.
type API interface {
	Call(ctx context.Context, method string, params vk.Params) (gjson.Result, error)
	Session() *vk.Session
}

// Engine is the part of the message engine that tracks our own sends.
type Engine interface {
	BeginSend()
	RecordSent(ids ...int64)
	SendFailed()
	Materialize(ctx context.Context, msgs []store.Message) error
	FlushPeer(ctx context.Context, peer vk.PeerID) error
}

// Options tunes the sender.
type Options struct {
	Interval         time.Duration
	ChunkSize        int
	MaxCaptchaRounds int
	TypingThrottle   time.Duration
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 500 * time.Millisecond
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1200
	}
	if o.MaxCaptchaRounds <= 0 {
		o.MaxCaptchaRounds = 3
	}
	if o.TypingThrottle <= 0 {
		o.TypingThrottle = 5 * time.Second
	}
}

// SendAck is the payload of message.send_ack.
type SendAck struct {
	ClientMsgID string
	PeerID      vk.PeerID
	MsgIDs      []int64
}

// SendFailure is the payload of message.send_failed.
type SendFailure struct {
	ClientMsgID string
	PeerID      vk.PeerID
	Error       string
}

// CaptchaPrompt is the payload of captcha.required.
type CaptchaPrompt struct {
	ClientMsgID string
	SID         string
	ImgURL      string
	Round       int
}

// ErrEmptyMessage is returned when queueing a message with no text and no
// attachments.
var ErrEmptyMessage = errors.New("message has no text and no attachments")

// ErrFloodSuppressed fails a send the backend silently dropped.
var ErrFloodSuppressed = errors.New("message dropped by flood control")

// Sender drains the outbox and sends messages through the gateway.
type Sender struct {
	db     *store.DB
	api    API
	engine Engine
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	cancel context.CancelFunc
	wake   chan struct{}

	typingMu   sync.Mutex
	lastTyping map[vk.PeerID]time.Time
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, api API, engine Engine, b *bus.Bus, logger *zap.Logger, opts Options) *Sender {
	opts.setDefaults()
	return &Sender{
		db:         db,
		api:        api,
		engine:     engine,
		bus:        b,
		logger:     logger.Named("outbox"),
		opts:       opts,
		wake:       make(chan struct{}, 1),
		lastTyping: make(map[vk.PeerID]time.Time),
	}
}

// Queue stores a message for sending and returns its client id.
func (s *Sender) Queue(peer vk.PeerID, body string, attachments []string) (string, error) {
	if strings.TrimSpace(body) == "" && len(attachments) == 0 {
		return "", ErrEmptyMessage
	}
	id := uuid.NewString()
	if err := s.db.QueueOutbox(id, int64(peer), body, strings.Join(attachments, ",")); err != nil {
		return "", fmt.Errorf("queue message: %w", err)
	}
	s.notify()
	return id, nil
}

// SolveCaptcha stores the user's answer and requeues the send.
func (s *Sender) SolveCaptcha(clientMsgID, key string) error {
	if err := s.db.SolveOutboxCaptcha(clientMsgID, key); err != nil {
		return err
	}
	s.notify()
	return nil
}

// SendTyping tells the peer we are typing. Repeats inside the throttle
// window are dropped.
func (s *Sender) SendTyping(ctx context.Context, peer vk.PeerID) error {
	now := time.Now()
	s.typingMu.Lock()
	if last, ok := s.lastTyping[peer]; ok && now.Sub(last) < s.opts.TypingThrottle {
		s.typingMu.Unlock()
		return nil
	}
	s.lastTyping[peer] = now
	s.typingMu.Unlock()

	if err := s.engine.FlushPeer(ctx, peer); err != nil {
		s.logger.Warn("failed to flush deferred reads", zap.Error(err), zap.Stringer("peer", peer))
	}
	_, err := s.api.Call(ctx, "messages.setActivity", vk.Params{}.
		AddInt("peer_id", int64(peer)).
		Add("type", "typing"))
	if err != nil {
		return fmt.Errorf("send typing: %w", err)
	}
	return nil
}

func (s *Sender) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start requeues sends interrupted by a previous run and begins polling the
// outbox.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.RequeueSending(); err != nil {
		s.logger.Error("failed to requeue interrupted sends", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued interrupted sends", zap.Int64("count", n))
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-s.wake:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}
		s.send(ctx, entry)
	}
}

// send delivers one entry chunk by chunk. Chunks recorded as sent by an
// earlier captcha round are skipped.
func (s *Sender) send(ctx context.Context, entry store.OutboxEntry) {
	peer := vk.PeerID(entry.PeerID)
	log := s.logger.With(zap.String("client_msg_id", entry.ClientMsgID), zap.Stringer("peer", peer))

	if err := s.engine.FlushPeer(ctx, peer); err != nil {
		log.Warn("failed to flush deferred reads", zap.Error(err))
	}

	chunks := Split(entry.Body, s.opts.ChunkSize)
	sent := entry.ServerMsgIDs
	for i := len(sent); i < len(chunks); i++ {
		params := vk.Params{}.AddInt("peer_id", entry.PeerID).Add("message", chunks[i])
		if i == len(chunks)-1 && entry.Attachments != "" {
			params = params.Add("attachment", entry.Attachments)
		}
		if i == len(entry.ServerMsgIDs) && entry.CaptchaKey != "" {
			params = params.Add("captcha_sid", entry.CaptchaSID).Add("captcha_key", entry.CaptchaKey)
		}

		s.engine.BeginSend()
		res, err := s.api.Call(ctx, "messages.send", params)
		if err != nil {
			s.engine.SendFailed()
			s.handleError(ctx, log, entry, sent, err)
			return
		}
		id := res.Int()
		if id == 0 {
			// Absorbed by flood control; nothing was created remotely.
			s.engine.SendFailed()
			s.handleError(ctx, log, entry, sent, ErrFloodSuppressed)
			return
		}
		s.engine.RecordSent(id)
		sent = append(sent, id)

		msg := store.Message{
			ID:        id,
			PeerID:    entry.PeerID,
			ChatID:    peer.ChatID(),
			Direction: store.Outbound,
			Body:      chunks[i],
			Timestamp: time.Now().Unix(),
		}
		if sess := s.api.Session(); sess != nil {
			msg.SenderID = sess.UserID
		}
		if err := s.engine.Materialize(ctx, []store.Message{msg}); err != nil {
			log.Error("failed to store sent message", zap.Error(err), zap.Int64("msg_id", id))
		}
	}

	if err := s.db.MarkOutboxSent(entry.ClientMsgID, sent); err != nil {
		log.Error("failed to mark sent", zap.Error(err))
	}
	log.Info("message sent", zap.Int64s("msg_ids", sent))
	s.bus.Emit(bus.KindSendAck, SendAck{ClientMsgID: entry.ClientMsgID, PeerID: peer, MsgIDs: sent})
}

func (s *Sender) handleError(ctx context.Context, log *zap.Logger, entry store.OutboxEntry, sent []int64, err error) {
	if ctx.Err() != nil {
		// Left in 'sending'; the next Start requeues it.
		return
	}
	if c, ok := vk.IsCaptcha(err); ok {
		if entry.CaptchaAttempts < s.opts.MaxCaptchaRounds {
			if err := s.db.MarkOutboxCaptcha(entry.ClientMsgID, c.SID, c.ImgURL, sent); err != nil {
				log.Error("failed to park send on captcha", zap.Error(err))
				return
			}
			log.Info("captcha required", zap.Int("round", entry.CaptchaAttempts+1))
			s.bus.Emit(bus.KindCaptchaRequired, CaptchaPrompt{
				ClientMsgID: entry.ClientMsgID,
				SID:         c.SID,
				ImgURL:      c.ImgURL,
				Round:       entry.CaptchaAttempts + 1,
			})
			return
		}
		err = fmt.Errorf("captcha not solved after %d rounds: %w", entry.CaptchaAttempts, err)
	}

	log.Error("failed to send message", zap.Error(err))
	if dbErr := s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error()); dbErr != nil {
		log.Error("failed to mark failed", zap.Error(dbErr))
	}
	s.bus.Emit(bus.KindSendFailed, SendFailure{
		ClientMsgID: entry.ClientMsgID,
		PeerID:      vk.PeerID(entry.PeerID),
		Error:       err.Error(),
	})
}

// Split cuts body into chunks of at most size runes, breaking after the last
// whitespace of a chunk when there is one. An empty body yields one empty
// chunk so attachment-only messages still go out.
func Split(body string, size int) []string {
	r := []rune(body)
	if len(r) <= size {
		return []string{body}
	}
	var chunks []string
	for len(r) > size {
		cut := size
		for i := size; i > size/2; i-- {
			if unicode.IsSpace(r[i-1]) {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(r[:cut]))
		r = r[cut:]
	}
	if len(r) > 0 {
		chunks = append(chunks, string(r))
	}
	return chunks
}
