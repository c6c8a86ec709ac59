package longpoll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/status"
	"github.com/matheus3301/vksync/internal/vk"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Caller issues remote calls. *vk.Gateway implements it.
type Caller interface {
	Call(ctx context.Context, method string, params vk.Params) (gjson.Result, error)
}

// Handler receives decoded updates in batch order.
type Handler interface {
	HandleUpdate(ctx context.Context, u Update) error
}

// Handlers fans an update out to several handlers in order. The first error
// stops the fan-out.
type Handlers []Handler

// HandleUpdate implements Handler.
func (hs Handlers) HandleUpdate(ctx context.Context, u Update) error {
	for _, h := range hs {
		if err := h.HandleUpdate(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

// Preparer runs the work that must complete between endpoint acquisition and
// streaming: presence refresh, a roster pass and the message catch-up. It
// returns the highest message id materialized, or 0 if none.
type Preparer interface {
	Prepare(ctx context.Context, lastSeenID int64) (int64, error)
}

// Cursor is the persisted stream position.
type Cursor struct {
	TS        int64
	LastMsgID int64
}

// CursorStore persists the cursor between reconnects.
type CursorStore interface {
	LoadCursor() (Cursor, error)
	SaveCursor(c Cursor) error
}

// LastMsg tracks the newest message seen. Message ids up to Ignored were
// already handled by catch-up and are skipped in the stream.
type LastMsg struct {
	ID      int64
	Ignored int64
}

// Options tunes the poll loop.
type Options struct {
	Wait       time.Duration
	RetryDelay time.Duration
	// Scheme of the poll URL; the backend only hands out host/path.
	Scheme string
}

var errStreamExpired = errors.New("long poll stream expired")

// Driver runs the long-poll state machine for one session.
type Driver struct {
	caller  Caller
	client  *http.Client
	handler Handler
	prep    Preparer
	cursor  CursorStore
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options
}

// NewDriver creates a driver. client is used for the poll GETs; its timeout
// is raised above the poll wait.
func NewDriver(caller Caller, client *http.Client, handler Handler, prep Preparer, cursor CursorStore,
	machine *status.Machine, b *bus.Bus, logger *zap.Logger, opts Options) *Driver {
	if opts.Wait <= 0 {
		opts.Wait = 25 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}
	if client == nil {
		client = http.DefaultClient
	}
	pollClient := &http.Client{Transport: client.Transport, Timeout: opts.Wait + 15*time.Second}
	return &Driver{
		caller:  caller,
		client:  pollClient,
		handler: handler,
		prep:    prep,
		cursor:  cursor,
		machine: machine,
		bus:     b,
		logger:  logger.Named("longpoll"),
		opts:    opts,
	}
}

// Run drives the session until ctx is cancelled or a terminal error occurs.
// It always leaves the machine in Terminated. Cancellation returns nil.
func (d *Driver) Run(ctx context.Context) (err error) {
	defer func() {
		reason := "session closed"
		if err != nil {
			reason = err.Error()
			d.bus.Emit(bus.KindSessionError, err.Error())
		}
		d.machine.Terminate(reason)
	}()

	cur, err := d.cursor.LoadCursor()
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	last := LastMsg{ID: cur.LastMsgID, Ignored: cur.LastMsgID}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := d.machine.Transition(status.AcquiringEndpoint); err != nil {
			return err
		}

		ep, err := d.acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		maxID, err := d.prep.Prepare(ctx, last.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("prepare stream: %w", err)
		}
		if maxID < last.ID {
			maxID = last.ID
		}
		last = LastMsg{ID: maxID, Ignored: maxID}
		if err := d.cursor.SaveCursor(Cursor{TS: ep.TS, LastMsgID: last.ID}); err != nil {
			d.logger.Error("failed to save cursor", zap.Error(err))
		}

		if err := d.machine.Transition(status.Streaming); err != nil {
			return err
		}
		d.logger.Info("streaming", zap.String("server", ep.Server), zap.Int64("ts", ep.TS), zap.Int64("last_msg_id", last.ID))

		err = d.stream(ctx, ep, &last)
		switch {
		case errors.Is(err, errStreamExpired):
			d.logger.Info("long poll expired, re-acquiring endpoint")
			if err := d.machine.TransitionWithReason(status.SessionExpired, "stream invalidated"); err != nil {
				return err
			}
		case ctx.Err() != nil:
			return nil
		default:
			return err
		}
	}
}

func (d *Driver) acquire(ctx context.Context) (vk.LongPollServer, error) {
	res, err := d.caller.Call(ctx, "messages.getLongPollServer", vk.Params{}.Add("use_ssl", "1"))
	if err != nil {
		return vk.LongPollServer{}, &vk.Error{Kind: vk.KindFatal, Method: "messages.getLongPollServer",
			Msg: "endpoint acquisition failed", Err: err}
	}
	ep, err := vk.DecodeLongPollServer(res)
	if err != nil {
		return vk.LongPollServer{}, &vk.Error{Kind: vk.KindFatal, Method: "messages.getLongPollServer",
			Msg: "unexpected endpoint", Err: err}
	}
	return ep, nil
}

func (d *Driver) pollURL(ep vk.LongPollServer, ts int64) string {
	return fmt.Sprintf("%s://%s?act=a_check&key=%s&ts=%d&wait=%d&mode=66",
		d.opts.Scheme, ep.Server, ep.Key, ts, int(d.opts.Wait/time.Second))
}

// stream polls until the endpoint expires, ctx ends or a terminal error occurs.
func (d *Driver) stream(ctx context.Context, ep vk.LongPollServer, last *LastMsg) error {
	ts := ep.TS
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, err := d.poll(ctx, d.pollURL(ep, ts))
		if d.machine.Terminated() || ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			d.logger.Warn("long poll failed, retrying same cursor", zap.Error(err), zap.Int64("ts", ts))
			if err := sleep(ctx, d.opts.RetryDelay); err != nil {
				return err
			}
			continue
		}

		if !gjson.ValidBytes(body) {
			return &vk.Error{Kind: vk.KindMalformedResponse, Method: "long_poll", Msg: "invalid json"}
		}
		root := gjson.ParseBytes(body)
		if !root.IsObject() {
			return &vk.Error{Kind: vk.KindMalformedResponse, Method: "long_poll", Msg: "response is not an object"}
		}
		if root.Get("failed").Exists() {
			return errStreamExpired
		}
		next, updates := root.Get("ts"), root.Get("updates")
		if next.Type != gjson.Number || !updates.IsArray() {
			return &vk.Error{Kind: vk.KindMalformedResponse, Method: "long_poll", Msg: "missing ts or updates"}
		}

		if err := d.dispatch(ctx, updates.Array(), last); err != nil {
			return err
		}

		ts = next.Int()
		if err := d.cursor.SaveCursor(Cursor{TS: ts, LastMsgID: last.ID}); err != nil {
			d.logger.Error("failed to save cursor", zap.Error(err))
		}
		d.bus.Emit(bus.KindCursorAdvanced, Cursor{TS: ts, LastMsgID: last.ID})
	}
}

func (d *Driver) dispatch(ctx context.Context, updates []gjson.Result, last *LastMsg) error {
	for _, raw := range updates {
		if d.machine.Terminated() {
			return ctx.Err()
		}
		upd, err := ParseUpdate(raw)
		if err != nil {
			d.logger.Error("skipping update", zap.Error(err))
			continue
		}
		if upd == nil {
			continue
		}
		if m, ok := upd.(MessageUpdate); ok {
			if m.ID <= last.Ignored {
				continue
			}
			if m.ID > last.ID {
				last.ID = m.ID
			}
		}
		if err := d.handler.HandleUpdate(ctx, upd); err != nil {
			if vk.IsTerminal(err) {
				return err
			}
			d.logger.Warn("update handler failed", zap.Error(err))
		}
	}
	return nil
}

func (d *Driver) poll(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("long poll status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
