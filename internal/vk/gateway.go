package vk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/vksync/internal/logging"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// MaxRequestSize is the ceiling on the encoded parameter list. Larger calls
// are rejected without being sent.
const MaxRequestSize = 16 * 1024

// Options configures a Gateway.
type Options struct {
	URL           string
	Version       string
	Timeout       time.Duration
	RatePerSecond float64
	HTTPClient    *http.Client

	// RateLimitDelay is the fixed wait before replaying a rate-limited call.
	RateLimitDelay time.Duration
	// NetworkBackoff lists the waits between transport retries. Its length
	// bounds the number of retries.
	NetworkBackoff []time.Duration
}

func (o *Options) setDefaults() {
	if o.URL == "" {
		o.URL = "https://api.vk.com/method"
	}
	if o.Version == "" {
		o.Version = "5.0"
	}
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 3
	}
	if o.RateLimitDelay == 0 {
		o.RateLimitDelay = 400 * time.Millisecond
	}
	if o.NetworkBackoff == nil {
		o.NetworkBackoff = []time.Duration{500 * time.Millisecond, time.Second}
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
}

// Escalation is a user-facing notice that needs out-of-band action.
type Escalation struct {
	Method      string
	Message     string
	RedirectURI string
}

// Gateway issues remote calls and applies the recovery policy for classified
// errors. It is safe for concurrent use.
type Gateway struct {
	opts    Options
	auth    Authenticator
	logger  *zap.Logger
	limiter *rate.Limiter

	mu         sync.RWMutex
	sess       *Session
	refreshing atomic.Bool
	sf         singleflight.Group

	escalations chan Escalation
}

// New creates a gateway. No request is made until the first call.
func New(opts Options, auth Authenticator, logger *zap.Logger) *Gateway {
	opts.setDefaults()
	burst := int(opts.RatePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Gateway{
		opts:        opts,
		auth:        auth,
		logger:      logger.Named("vk"),
		limiter:     rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst),
		escalations: make(chan Escalation, 8),
	}
}

// HTTPClient returns the shared client so other session components reuse the
// same connection pool.
func (g *Gateway) HTTPClient() *http.Client {
	return g.opts.HTTPClient
}

// Session returns the current session, or nil if none is held.
func (g *Gateway) Session() *Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sess
}

// Refreshing reports whether a credential refresh is in flight.
func (g *Gateway) Refreshing() bool {
	return g.refreshing.Load()
}

// Clear drops the current session. The next call re-authenticates.
func (g *Gateway) Clear() {
	g.mu.Lock()
	g.sess = nil
	g.mu.Unlock()
}

// Escalations delivers ValidationRequired notices for the host.
func (g *Gateway) Escalations() <-chan Escalation {
	return g.escalations
}

// Call issues method with params and returns the decoded `response` value.
// Rate limiting, flood control, expired credentials and server faults are
// handled here; callers only see success or a terminal *Error.
func (g *Gateway) Call(ctx context.Context, method string, params Params) (gjson.Result, error) {
	encoded := params.Encode()
	if len(encoded) > MaxRequestSize {
		return gjson.Result{}, &Error{Kind: KindRequestTooLarge, Method: method,
			Msg: fmt.Sprintf("%d bytes of parameters", len(encoded))}
	}

	authReplayed, faultReplayed := false, false
	for {
		sess, err := g.ensureSession(ctx)
		if err != nil {
			return gjson.Result{}, err
		}

		res, err := g.do(ctx, method, encoded, sess)
		if err == nil {
			return res, nil
		}
		var verr *Error
		if !errors.As(err, &verr) {
			return gjson.Result{}, err
		}

		switch verr.Kind {
		case KindAuthExpired:
			if authReplayed {
				return gjson.Result{}, err
			}
			authReplayed = true
			g.logger.Info("access token expired, refreshing", zap.String("method", method))
			if err := g.refresh(ctx, sess); err != nil {
				return gjson.Result{}, err
			}
		case KindRateLimited:
			g.logger.Debug("rate limited, replaying", zap.String("method", method))
			if err := sleep(ctx, g.opts.RateLimitDelay); err != nil {
				return gjson.Result{}, err
			}
		case KindFloodSuppressed:
			g.logger.Warn("flood control, call absorbed", zap.String("method", method))
			return gjson.Result{}, nil
		case KindValidationRequired:
			g.Clear()
			g.escalate(Escalation{Method: method, Message: verr.Msg, RedirectURI: verr.RedirectURI})
			return gjson.Result{}, err
		case KindServerFault:
			g.Clear()
			if faultReplayed {
				return gjson.Result{}, err
			}
			faultReplayed = true
			g.logger.Warn("server fault, replaying with fresh credentials", zap.String("method", method))
		default:
			return gjson.Result{}, err
		}
	}
}

func (g *Gateway) escalate(e Escalation) {
	select {
	case g.escalations <- e:
	default:
		g.logger.Warn("escalation dropped, queue full", zap.String("method", e.Method))
	}
}

func (g *Gateway) ensureSession(ctx context.Context) (*Session, error) {
	if s := g.Session(); s != nil {
		return s, nil
	}
	if err := g.refresh(ctx, nil); err != nil {
		return nil, err
	}
	if s := g.Session(); s != nil {
		return s, nil
	}
	return nil, &Error{Kind: KindFatal, Method: "auth", Msg: "no session after refresh"}
}

// refresh replaces the session unless someone already replaced stale.
// Concurrent callers share one in-flight refresh.
func (g *Gateway) refresh(ctx context.Context, stale *Session) error {
	if cur := g.Session(); cur != nil && cur != stale {
		return nil
	}
	_, err, _ := g.sf.Do("auth", func() (any, error) {
		if cur := g.Session(); cur != nil && cur != stale {
			return cur, nil
		}
		g.refreshing.Store(true)
		defer g.refreshing.Store(false)

		creds, err := g.auth.Authenticate(ctx)
		if err != nil {
			return nil, err
		}
		sess := &Session{Credentials: creds, CreatedAt: time.Now()}
		if sess.UserID == 0 {
			uid, err := g.selfID(ctx, sess)
			if err != nil {
				return nil, err
			}
			sess.UserID = uid
		}
		g.mu.Lock()
		g.sess = sess
		g.mu.Unlock()
		g.logger.Info("session established", zap.Int64("user_id", sess.UserID))
		return sess, nil
	})
	if err != nil {
		var verr *Error
		if errors.As(err, &verr) {
			return err
		}
		return &Error{Kind: KindFatal, Method: "auth", Err: err}
	}
	return nil
}

func (g *Gateway) selfID(ctx context.Context, sess *Session) (int64, error) {
	res, err := g.do(ctx, "users.get", "", sess)
	if err != nil {
		return 0, err
	}
	uid := res.Get("0.id").Int()
	if uid == 0 {
		return 0, &Error{Kind: KindMalformedResponse, Method: "users.get", Msg: "no account id"}
	}
	return uid, nil
}

// do sends one request with bounded transport retries and classifies the
// envelope. No recovery policy is applied here.
func (g *Gateway) do(ctx context.Context, method, encoded string, sess *Session) (gjson.Result, error) {
	body := "v=" + url.QueryEscape(g.opts.Version) + "&access_token=" + url.QueryEscape(sess.AccessToken)
	if encoded != "" {
		body += "&" + encoded
	}
	endpoint := strings.TrimRight(g.opts.URL, "/") + "/" + method

	for attempt := 0; ; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return gjson.Result{}, err
		}
		raw, err := g.post(ctx, endpoint, body)
		if err == nil {
			return g.classify(method, raw, sess.AccessToken)
		}
		if ctx.Err() != nil {
			return gjson.Result{}, ctx.Err()
		}
		if attempt >= len(g.opts.NetworkBackoff) {
			return gjson.Result{}, &Error{Kind: KindNetwork, Method: method,
				Err: errors.New(logging.Redact(err.Error(), sess.AccessToken))}
		}
		g.logger.Warn("transport error, retrying",
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.String("error", logging.Redact(err.Error(), sess.AccessToken)))
		if err := sleep(ctx, g.opts.NetworkBackoff[attempt]); err != nil {
			return gjson.Result{}, err
		}
	}
}

func (g *Gateway) post(ctx context.Context, endpoint, body string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := g.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (g *Gateway) classify(method string, raw []byte, token string) (gjson.Result, error) {
	if !gjson.ValidBytes(raw) {
		g.logger.Error("malformed response", zap.String("method", method), zap.Int("bytes", len(raw)))
		return gjson.Result{}, &Error{Kind: KindMalformedResponse, Method: method, Msg: "invalid json"}
	}
	root := gjson.ParseBytes(raw)
	if res := root.Get("response"); res.Exists() {
		return res, nil
	}
	envelope := root.Get("error")
	code := envelope.Get("error_code")
	if !envelope.IsObject() || code.Type != gjson.Number {
		g.logger.Error("response without result or error", zap.String("method", method), logging.RawJSON("body", raw, token))
		return gjson.Result{}, &Error{Kind: KindMalformedResponse, Method: method, Msg: "no response or error field"}
	}

	verr := &Error{
		Kind:   kindForCode(int(code.Int())),
		Code:   int(code.Int()),
		Method: method,
		Msg:    envelope.Get("error_msg").String(),
	}
	switch verr.Kind {
	case KindCaptchaRequired:
		verr.Captcha = &Captcha{
			SID:    envelope.Get("captcha_sid").String(),
			ImgURL: envelope.Get("captcha_img").String(),
		}
	case KindValidationRequired:
		verr.RedirectURI = envelope.Get("redirect_uri").String()
	}
	if verr.Kind == KindRemote {
		g.logger.Warn("api error", zap.String("method", method), logging.RawJSON("error", []byte(envelope.Raw), token))
	} else {
		g.logger.Debug("api error", zap.String("method", method), zap.Stringer("kind", verr.Kind))
	}
	return gjson.Result{}, verr
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
