// Package attach fetches attachment thumbnails in the background.
package attach

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sync"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// maxThumbSize caps a single thumbnail download.
const maxThumbSize = 4 << 20

var thumbTypes = []string{"photo", "video", "sticker", "doc"}

// Resolved is the payload of message.attachments_resolved.
type Resolved struct {
	MsgID       int64
	Attachments []store.Attachment
}

// Resolver downloads thumbnails into a directory and records their paths.
// Failures leave the attachment link-only.
type Resolver struct {
	db     *store.DB
	client *http.Client
	dir    string
	sem    *semaphore.Weighted
	bus    *bus.Bus
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResolver creates a resolver writing into dir with at most workers
// downloads at a time.
func NewResolver(db *store.DB, client *http.Client, dir string, workers int, b *bus.Bus, logger *zap.Logger) *Resolver {
	if workers <= 0 {
		workers = 4
	}
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		db:     db,
		client: client,
		dir:    dir,
		sem:    semaphore.NewWeighted(int64(workers)),
		bus:    b,
		logger: logger.Named("attach"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Stop abandons pending downloads and waits for running ones to return.
func (r *Resolver) Stop() {
	r.cancel()
	r.wg.Wait()
}

// Resolve schedules thumbnail downloads for a message. It never blocks.
func (r *Resolver) Resolve(msgID int64, atts []store.Attachment) {
	if r.ctx.Err() != nil {
		return
	}
	atts = slices.Clone(atts)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.resolve(r.ctx, msgID, atts)
	}()
}

func (r *Resolver) resolve(ctx context.Context, msgID int64, atts []store.Attachment) {
	resolved := 0
	for i := range atts {
		a := &atts[i]
		if a.ThumbURL == "" || a.ThumbPath != "" || !slices.Contains(thumbTypes, a.Type) {
			continue
		}
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return
		}
		p, err := r.fetch(ctx, a.ThumbURL, fmt.Sprintf("%d_%d", msgID, i))
		r.sem.Release(1)
		if err != nil {
			r.logger.Debug("thumbnail unavailable, keeping link", zap.Int64("msg_id", msgID), zap.String("type", a.Type), zap.Error(err))
			continue
		}
		a.ThumbPath = p
		resolved++
	}
	if resolved == 0 {
		return
	}
	if err := r.db.SetAttachments(msgID, atts); err != nil {
		r.logger.Warn("failed to store thumbnails", zap.Int64("msg_id", msgID), zap.Error(err))
		return
	}
	r.bus.Emit(bus.KindAttachResolved, Resolved{MsgID: msgID, Attachments: atts})
}

// fetch downloads rawURL to dir/name plus the URL's extension. An existing
// file is reused.
func (r *Resolver) fetch(ctx context.Context, rawURL, name string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	dst := filepath.Join(r.dir, name+path.Ext(u.Path))
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("http status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(r.dir, ".thumb-*")
	if err != nil {
		return "", err
	}
	n, err := io.Copy(tmp, io.LimitReader(resp.Body, maxThumbSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > maxThumbSize {
		err = fmt.Errorf("thumbnail larger than %d bytes", maxThumbSize)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return dst, nil
}
