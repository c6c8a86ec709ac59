package vk

import (
	"errors"
	"fmt"
)

// Kind classifies a failed call.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindMalformedResponse
	KindRequestTooLarge
	KindAuthExpired
	KindRateLimited
	KindFloodSuppressed
	KindValidationRequired
	KindServerFault
	KindCaptchaRequired
	KindRemote
	KindFatal
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindNetwork:            "network_error",
	KindMalformedResponse:  "malformed_response",
	KindRequestTooLarge:    "request_too_large",
	KindAuthExpired:        "auth_expired",
	KindRateLimited:        "rate_limited",
	KindFloodSuppressed:    "flood_suppressed",
	KindValidationRequired: "validation_required",
	KindServerFault:        "server_fault",
	KindCaptchaRequired:    "captcha_required",
	KindRemote:             "remote_error",
	KindFatal:              "fatal",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Backend error codes the gateway recovers from.
const (
	CodeAuthFailed         = 5
	CodeTooManyRequests    = 6
	CodeFloodControl       = 9
	CodeInternalServer     = 10
	CodeCaptchaNeeded      = 14
	CodeValidationRequired = 17
)

func kindForCode(code int) Kind {
	switch code {
	case CodeAuthFailed:
		return KindAuthExpired
	case CodeTooManyRequests:
		return KindRateLimited
	case CodeFloodControl:
		return KindFloodSuppressed
	case CodeInternalServer:
		return KindServerFault
	case CodeCaptchaNeeded:
		return KindCaptchaRequired
	case CodeValidationRequired:
		return KindValidationRequired
	default:
		return KindRemote
	}
}

// Captcha is the challenge reference carried by a CaptchaRequired error.
type Captcha struct {
	SID    string
	ImgURL string
}

// Error is a classified call failure.
type Error struct {
	Kind        Kind
	Code        int
	Method      string
	Msg         string
	Captcha     *Captcha
	RedirectURI string
	Err         error
}

func (e *Error) Error() string {
	s := e.Method + ": " + e.Kind.String()
	if e.Code != 0 {
		s += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or KindUnknown if err is not a
// gateway error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsCaptcha reports whether err asks for a captcha and returns the challenge.
func IsCaptcha(err error) (*Captcha, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindCaptchaRequired && e.Captcha != nil {
		return e.Captcha, true
	}
	return nil, false
}

// IsTerminal reports whether err ends the session rather than a single call.
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindValidationRequired, KindMalformedResponse, KindFatal:
		return true
	}
	return false
}
