package longpoll

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/status"
	"github.com/matheus3301/vksync/internal/vk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"
)

type fakeCaller struct {
	server string
	calls  atomic.Int32
	err    error
}

func (f *fakeCaller) Call(ctx context.Context, method string, params vk.Params) (gjson.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return gjson.Result{}, f.err
	}
	return gjson.Parse(fmt.Sprintf(`{"key":"k","server":%q,"ts":100}`, f.server)), nil
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) HandleUpdate(ctx context.Context, u Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func (r *recorder) snapshot() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

type fixedPrep struct {
	maxID int64
	calls atomic.Int32
	seen  atomic.Int64
}

func (p *fixedPrep) Prepare(ctx context.Context, lastSeenID int64) (int64, error) {
	p.calls.Add(1)
	p.seen.Store(lastSeenID)
	return p.maxID, nil
}

type memCursor struct {
	mu  sync.Mutex
	cur Cursor
}

func (m *memCursor) LoadCursor() (Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur, nil
}

func (m *memCursor) SaveCursor(c Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur = c
	return nil
}

// pollServer answers polls by ts; unknown cursors block until the client goes away.
func pollServer(t *testing.T, byTS map[string]func(w http.ResponseWriter)) (*httptest.Server, *[]string, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts := r.URL.Query().Get("ts")
		mu.Lock()
		seen = append(seen, ts)
		fn := byTS[ts]
		delete(byTS, ts)
		mu.Unlock()
		if fn == nil {
			<-r.Context().Done()
			return
		}
		fn(w)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen, &mu
}

func body(s string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) { _, _ = fmt.Fprint(w, s) }
}

func newTestDriver(t *testing.T, caller Caller, h Handler, prep Preparer, cur CursorStore) (*Driver, *status.Machine) {
	t.Helper()
	m := status.NewMachine(bus.New())
	d := NewDriver(caller, nil, h, prep, cur, m, bus.New(), zaptest.NewLogger(t), Options{
		Wait: time.Second, RetryDelay: 10 * time.Millisecond, Scheme: "http",
	})
	return d, m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDriverDispatchesBatchAndAdvancesCursor(t *testing.T) {
	srv, seen, mu := pollServer(t, map[string]func(http.ResponseWriter){
		"100": body(`{"ts":101,"updates":[[4,10,1,7,1400000000,"","old"],[4,11,1,7,1400000001,"","new"],[8,-7,7],[61,7,1]]}`),
	})
	caller := &fakeCaller{server: strings.TrimPrefix(srv.URL, "http://") + "/im"}
	rec := &recorder{}
	cur := &memCursor{cur: Cursor{LastMsgID: 5}}
	prep := &fixedPrep{maxID: 10}
	d, m := newTestDriver(t, caller, rec, prep, cur)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*seen) >= 2
	})
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, status.Terminated, m.Current())

	assert.Equal(t, int64(5), prep.seen.Load())
	got := rec.snapshot()
	require.Len(t, got, 3, "message 10 was handled by catch-up")
	assert.Equal(t, int64(11), got[0].(MessageUpdate).ID)
	assert.Equal(t, PresenceUpdate{UserID: 7, Online: true, Platform: 7}, got[1])
	assert.Equal(t, TypingUpdate{UserID: 7}, got[2])

	c, _ := cur.LoadCursor()
	assert.Equal(t, Cursor{TS: 101, LastMsgID: 11}, c)
	mu.Lock()
	assert.Equal(t, []string{"100", "101"}, (*seen)[:2])
	mu.Unlock()
}

func TestDriverReacquiresOnFailed(t *testing.T) {
	srv, seen, mu := pollServer(t, map[string]func(http.ResponseWriter){
		"100": body(`{"failed":2}`),
	})
	caller := &fakeCaller{server: strings.TrimPrefix(srv.URL, "http://")}
	prep := &fixedPrep{}
	d, _ := newTestDriver(t, caller, &recorder{}, prep, &memCursor{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*seen) >= 2
	})
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(2), caller.calls.Load())
	assert.Equal(t, int32(2), prep.calls.Load())
}

func TestDriverRetriesSameCursorOnTransportError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		assert.Equal(t, "100", r.URL.Query().Get("ts"))
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	caller := &fakeCaller{server: strings.TrimPrefix(srv.URL, "http://")}
	d, m := newTestDriver(t, caller, &recorder{}, &fixedPrep{}, &memCursor{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, func() bool { return hits.Load() >= 3 })
	assert.Equal(t, status.Streaming, m.Current())
	cancel()
	require.NoError(t, <-done)
}

func TestDriverAcquisitionFailureIsFatal(t *testing.T) {
	caller := &fakeCaller{err: &vk.Error{Kind: vk.KindNetwork, Method: "messages.getLongPollServer"}}
	b := bus.New()
	events, unsub := b.Subscribe("session.", 8)
	defer unsub()

	m := status.NewMachine(b)
	d := NewDriver(caller, nil, &recorder{}, &fixedPrep{}, &memCursor{}, m, b, zaptest.NewLogger(t), Options{})

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, vk.KindFatal, vk.KindOf(err))
	assert.Equal(t, status.Terminated, m.Current())

	var sawError bool
	for {
		select {
		case evt := <-events:
			if evt.Kind == bus.KindSessionError {
				sawError = true
			}
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	assert.True(t, sawError)
}

func TestDriverMalformedStreamIsTerminal(t *testing.T) {
	srv, _, _ := pollServer(t, map[string]func(http.ResponseWriter){
		"100": body(`{"ts":"nope"}`),
	})
	caller := &fakeCaller{server: strings.TrimPrefix(srv.URL, "http://")}
	d, m := newTestDriver(t, caller, &recorder{}, &fixedPrep{}, &memCursor{})

	err := d.Run(context.Background())
	assert.Equal(t, vk.KindMalformedResponse, vk.KindOf(err))
	assert.Equal(t, status.Terminated, m.Current())
}

type failingHandler struct{ err error }

func (f failingHandler) HandleUpdate(context.Context, Update) error { return f.err }

func TestHandlersStopOnFirstError(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	err := Handlers{failingHandler{boom}, rec}.HandleUpdate(context.Background(), ReadUpdate{ID: 1})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rec.snapshot())
}

func TestDriverTerminatedDiscardsLateResponse(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = fmt.Fprint(w, `{"ts":101,"updates":[[4,20,1,7,1400000000,"","late"],[61,7,1]]}`)
	}))
	t.Cleanup(srv.Close)

	caller := &fakeCaller{server: strings.TrimPrefix(srv.URL, "http://") + "/im"}
	rec := &recorder{}
	cur := &memCursor{}
	d, m := newTestDriver(t, caller, rec, &fixedPrep{maxID: 10}, cur)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("poll never issued")
	}
	m.Terminate("logged out")
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("driver did not stop")
	}
	assert.Empty(t, rec.snapshot())
	assert.Equal(t, int32(1), polls.Load())
	assert.Equal(t, int64(100), cur.cur.TS)
	assert.Equal(t, status.Terminated, m.Current())
}
