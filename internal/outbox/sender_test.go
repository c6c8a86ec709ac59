package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/store"
	"github.com/matheus3301/vksync/internal/vk"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"
)

type sendCall struct {
	Method string
	Params vk.Params
}

// mockAPI returns scripted results in order and then ids counting from 1000.
type mockAPI struct {
	mu     sync.Mutex
	calls  []sendCall
	script []error
	nextID int64
}

func (m *mockAPI) Call(_ context.Context, method string, params vk.Params) (gjson.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sendCall{Method: method, Params: params})
	if len(m.script) > 0 {
		err := m.script[0]
		m.script = m.script[1:]
		if err != nil {
			return gjson.Result{}, err
		}
	}
	if method != "messages.send" {
		return gjson.Parse("1"), nil
	}
	if m.nextID == 0 {
		m.nextID = 1000
	}
	m.nextID++
	return gjson.Parse(fmt.Sprint(m.nextID)), nil
}

func (m *mockAPI) Session() *vk.Session {
	return &vk.Session{Credentials: vk.Credentials{AccessToken: "t", UserID: 1}}
}

func (m *mockAPI) sends() []sendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sendCall
	for _, c := range m.calls {
		if c.Method == "messages.send" {
			out = append(out, c)
		}
	}
	return out
}

type mockEngine struct {
	mu       sync.Mutex
	db       *store.DB
	inflight int
	recorded []int64
	failed   int
	flushed  []vk.PeerID
}

func (e *mockEngine) BeginSend() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight++
}

func (e *mockEngine) RecordSent(ids ...int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight--
	e.recorded = append(e.recorded, ids...)
}

func (e *mockEngine) SendFailed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight--
	e.failed++
}

func (e *mockEngine) Materialize(_ context.Context, msgs []store.Message) error {
	for i := range msgs {
		if err := e.db.UpsertMessage(&msgs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *mockEngine) FlushPeer(_ context.Context, peer vk.PeerID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushed = append(e.flushed, peer)
	return nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestSender(t *testing.T, api *mockAPI, opts Options) (*Sender, *store.DB, *mockEngine, *bus.Bus) {
	t.Helper()
	db := testDB(t)
	eng := &mockEngine{db: db}
	b := bus.New()
	return NewSender(db, api, eng, b, zaptest.NewLogger(t), opts), db, eng, b
}

func captchaErr(sid string) error {
	return &vk.Error{Kind: vk.KindCaptchaRequired, Code: vk.CodeCaptchaNeeded, Method: "messages.send",
		Captcha: &vk.Captcha{SID: sid, ImgURL: "http://img/" + sid}}
}

func TestSenderProcessesPendingMessages(t *testing.T) {
	api := &mockAPI{}
	s, db, eng, b := newTestSender(t, api, Options{Interval: 20 * time.Millisecond})

	ch, unsub := b.Subscribe(bus.KindSendAck, 10)
	defer unsub()

	id, err := s.Queue(7, "hello", nil)
	if err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	var ack SendAck
	select {
	case evt := <-ch:
		ack = evt.Payload.(SendAck)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_ack event")
	}
	if ack.ClientMsgID != id || len(ack.MsgIDs) != 1 || ack.MsgIDs[0] != 1001 {
		t.Errorf("ack = %+v, want %s with id 1001", ack, id)
	}

	sends := api.sends()
	if len(sends) != 1 {
		t.Fatalf("got %d send calls, want 1", len(sends))
	}
	if peer, _ := sends[0].Params.Get("peer_id"); peer != "7" {
		t.Errorf("peer_id = %q, want 7", peer)
	}
	if text, _ := sends[0].Params.Get("message"); text != "hello" {
		t.Errorf("message = %q, want hello", text)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 after send", len(pending))
	}

	m, err := db.GetMessage(1001)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Direction != store.Outbound || m.SenderID != 1 || m.Body != "hello" {
		t.Errorf("stored message = %+v", m)
	}
	if len(eng.recorded) != 1 || eng.inflight != 0 {
		t.Errorf("engine recorded %v with %d in flight", eng.recorded, eng.inflight)
	}
	if len(eng.flushed) != 1 || eng.flushed[0] != 7 {
		t.Errorf("flushed = %v, want deferred reads of peer 7 flushed before the send", eng.flushed)
	}
}

func TestSenderHandlesFailure(t *testing.T) {
	api := &mockAPI{script: []error{&vk.Error{Kind: vk.KindRemote, Code: 7, Method: "messages.send", Msg: "denied"}}}
	s, db, eng, b := newTestSender(t, api, Options{})

	ch, unsub := b.Subscribe(bus.KindSendFailed, 10)
	defer unsub()

	id, err := s.Queue(7, "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	s.processPending(context.Background())

	select {
	case evt := <-ch:
		if evt.Payload.(SendFailure).ClientMsgID != id {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}

	entry, err := db.GetOutbox(id)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != store.OutboxFailed || !strings.Contains(entry.ErrorMessage, "denied") {
		t.Errorf("entry = %+v, want failed with error", entry)
	}
	if eng.failed != 1 || eng.inflight != 0 {
		t.Errorf("engine failed=%d inflight=%d", eng.failed, eng.inflight)
	}
	n, err := db.MessageCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("got %d messages, want none for a failed send", n)
	}
}

func TestSenderSplitsLongMessages(t *testing.T) {
	api := &mockAPI{}
	s, db, _, _ := newTestSender(t, api, Options{ChunkSize: 10})

	id, err := s.Queue(7, "aaaa bbbb cccc dddd", []string{"photo1_2"})
	if err != nil {
		t.Fatal(err)
	}
	s.processPending(context.Background())

	sends := api.sends()
	if len(sends) != 2 {
		t.Fatalf("got %d send calls, want 2", len(sends))
	}
	if _, ok := sends[0].Params.Get("attachment"); ok {
		t.Error("attachment sent with the first chunk")
	}
	if att, _ := sends[1].Params.Get("attachment"); att != "photo1_2" {
		t.Errorf("attachment = %q, want it on the last chunk", att)
	}

	entry, err := db.GetOutbox(id)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != store.OutboxSent || len(entry.ServerMsgIDs) != 2 {
		t.Errorf("entry = %+v, want sent with two ids", entry)
	}
}

func TestSenderCaptchaRoundTrip(t *testing.T) {
	api := &mockAPI{script: []error{nil, captchaErr("s1")}}
	s, db, _, b := newTestSender(t, api, Options{ChunkSize: 10})

	prompts, unsub := b.Subscribe(bus.KindCaptchaRequired, 4)
	defer unsub()

	id, err := s.Queue(7, "aaaa bbbb cccc dddd", nil)
	if err != nil {
		t.Fatal(err)
	}
	s.processPending(context.Background())

	select {
	case evt := <-prompts:
		p := evt.Payload.(CaptchaPrompt)
		if p.ClientMsgID != id || p.SID != "s1" || p.Round != 1 {
			t.Errorf("prompt = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for captcha.required")
	}

	entry, err := db.GetOutbox(id)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != store.OutboxCaptcha || len(entry.ServerMsgIDs) != 1 {
		t.Fatalf("entry = %+v, want captcha with the first chunk kept", entry)
	}

	if err := s.SolveCaptcha(id, "answer"); err != nil {
		t.Fatal(err)
	}
	s.processPending(context.Background())

	sends := api.sends()
	if len(sends) != 3 {
		t.Fatalf("got %d send calls, want 3", len(sends))
	}
	last := sends[2].Params
	if key, _ := last.Get("captcha_key"); key != "answer" {
		t.Errorf("captcha_key = %q, want answer", key)
	}
	if sid, _ := last.Get("captcha_sid"); sid != "s1" {
		t.Errorf("captcha_sid = %q, want s1", sid)
	}
	if text, _ := last.Get("message"); text != "cccc dddd" {
		t.Errorf("resumed chunk = %q, want the second one", text)
	}

	entry, err = db.GetOutbox(id)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != store.OutboxSent || len(entry.ServerMsgIDs) != 2 {
		t.Errorf("entry = %+v, want sent with both chunks", entry)
	}
}

func TestSenderCaptchaExhausted(t *testing.T) {
	api := &mockAPI{script: []error{captchaErr("a"), captchaErr("b"), captchaErr("c"), captchaErr("d")}}
	s, db, _, b := newTestSender(t, api, Options{})

	failed, unsub := b.Subscribe(bus.KindSendFailed, 1)
	defer unsub()

	id, err := s.Queue(7, "hi", nil)
	if err != nil {
		t.Fatal(err)
	}
	for round := 0; round < 3; round++ {
		s.processPending(context.Background())
		if err := s.SolveCaptcha(id, "wrong"); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
	}
	s.processPending(context.Background())

	entry, err := db.GetOutbox(id)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != store.OutboxFailed {
		t.Errorf("status = %q, want failed after three captcha rounds", entry.Status)
	}
	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send_failed")
	}
	if err := s.SolveCaptcha(id, "late"); err != store.ErrNoCaptcha {
		t.Errorf("SolveCaptcha on failed entry = %v, want ErrNoCaptcha", err)
	}
}

func TestSenderFloodSuppressedFails(t *testing.T) {
	api := &mockAPI{}
	s, db, eng, _ := newTestSender(t, api, Options{})
	// Flood control turns into an empty success at the gateway.
	s.api = floodAPI{api}

	id, err := s.Queue(7, "spam", nil)
	if err != nil {
		t.Fatal(err)
	}
	s.processPending(context.Background())

	entry, err := db.GetOutbox(id)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != store.OutboxFailed {
		t.Errorf("status = %q, want failed", entry.Status)
	}
	if eng.inflight != 0 {
		t.Errorf("inflight = %d, want 0", eng.inflight)
	}
}

type floodAPI struct{ *mockAPI }

func (floodAPI) Call(context.Context, string, vk.Params) (gjson.Result, error) {
	return gjson.Result{}, nil
}

func TestSenderRequeuesInterruptedOnStart(t *testing.T) {
	api := &mockAPI{}
	s, db, _, _ := newTestSender(t, api, Options{Interval: 20 * time.Millisecond})

	if err := db.QueueOutbox("c1", 7, "resume me", ""); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSending("c1"); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entry, err := db.GetOutbox("c1")
		if err != nil {
			t.Fatal(err)
		}
		if entry.Status == store.OutboxSent {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("interrupted send was not retried")
}

func TestQueueRejectsEmpty(t *testing.T) {
	s, _, _, _ := newTestSender(t, &mockAPI{}, Options{})
	if _, err := s.Queue(7, "  ", nil); err != ErrEmptyMessage {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
	if _, err := s.Queue(7, "", []string{"doc1_2"}); err != nil {
		t.Errorf("attachment-only message rejected: %v", err)
	}
}

func TestSendTypingThrottled(t *testing.T) {
	api := &mockAPI{}
	s, _, eng, _ := newTestSender(t, api, Options{TypingThrottle: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.SendTyping(ctx, 7); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SendTyping(ctx, 8); err != nil {
		t.Fatal(err)
	}

	if len(api.calls) != 2 {
		t.Fatalf("got %d calls, want 2 (one per peer)", len(api.calls))
	}
	if typ, _ := api.calls[0].Params.Get("type"); api.calls[0].Method != "messages.setActivity" || typ != "typing" {
		t.Errorf("call = %+v", api.calls[0])
	}
	if len(eng.flushed) != 2 {
		t.Errorf("flushed = %v, want one flush per sent typing notice", eng.flushed)
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name string
		body string
		size int
		want []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"empty", "", 10, []string{""}},
		{"prefers whitespace", "aaaa bbbb cccc", 10, []string{"aaaa bbbb ", "cccc"}},
		{"hard cut", "abcdefghijkl", 5, []string{"abcde", "fghij", "kl"}},
		{"runes", "ééééé", 2, []string{"éé", "éé", "é"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.body, tt.size)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) || len(got) != len(tt.want) {
				t.Errorf("Split(%q, %d) = %q, want %q", tt.body, tt.size, got, tt.want)
			}
		})
	}
}
