package attach

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestResolveDownloadsAndDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/thumb.jpg" {
			_, _ = w.Write([]byte("jpeg"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	db := testDB(t)
	b := bus.New()
	dir := t.TempDir()
	r := NewResolver(db, srv.Client(), dir, 4, b, zaptest.NewLogger(t))
	defer r.Stop()

	atts := []store.Attachment{
		{Type: "photo", URL: srv.URL + "/full.jpg", ThumbURL: srv.URL + "/thumb.jpg"},
		{Type: "doc", URL: srv.URL + "/file.pdf", ThumbURL: srv.URL + "/gone.png"},
		{Type: "link", URL: "https://example.com", ThumbURL: srv.URL + "/thumb.jpg"},
	}
	require.NoError(t, db.UpsertMessage(&store.Message{ID: 10, PeerID: 7, Direction: store.Inbound, Attachments: atts}))

	events, unsub := b.Subscribe(bus.KindAttachResolved, 1)
	defer unsub()
	r.Resolve(10, atts)

	var res Resolved
	select {
	case evt := <-events:
		res = evt.Payload.(Resolved)
	case <-time.After(2 * time.Second):
		t.Fatal("no attachments_resolved event")
	}
	assert.Equal(t, int64(10), res.MsgID)
	assert.Equal(t, filepath.Join(dir, "10_0.jpg"), res.Attachments[0].ThumbPath)
	assert.Empty(t, res.Attachments[1].ThumbPath, "failed download stays link-only")
	assert.Empty(t, res.Attachments[2].ThumbPath, "links are not fetched")
	assert.Empty(t, atts[0].ThumbPath, "caller's slice is not modified")

	data, err := os.ReadFile(res.Attachments[0].ThumbPath)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))

	m, err := db.GetMessage(10)
	require.NoError(t, err)
	assert.Equal(t, res.Attachments, m.Attachments)
}

func TestResolveBoundsConcurrency(t *testing.T) {
	var cur, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	db := testDB(t)
	r := NewResolver(db, srv.Client(), t.TempDir(), 2, bus.New(), zaptest.NewLogger(t))

	for id := int64(1); id <= 6; id++ {
		atts := []store.Attachment{{Type: "photo", ThumbURL: srv.URL + "/t.jpg"}}
		require.NoError(t, db.UpsertMessage(&store.Message{ID: id, PeerID: 7, Direction: store.Inbound, Attachments: atts}))
		r.Resolve(id, atts)
	}
	defer r.Stop()

	require.Eventually(t, func() bool {
		for id := int64(1); id <= 6; id++ {
			m, err := db.GetMessage(id)
			if err != nil || m.Attachments[0].ThumbPath == "" {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestResolveAfterStopIsNoop(t *testing.T) {
	r := NewResolver(testDB(t), nil, t.TempDir(), 1, bus.New(), zaptest.NewLogger(t))
	r.Stop()
	r.Resolve(1, []store.Attachment{{Type: "photo", ThumbURL: "http://127.0.0.1:1/x.jpg"}})
}
