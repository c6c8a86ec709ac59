package vk

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Credentials is what the host credential provider yields.
type Credentials struct {
	AccessToken string
	UserID      int64
}

// Session is an immutable credential snapshot. Re-authentication replaces it
// wholesale.
type Session struct {
	Credentials
	CreatedAt time.Time
}

// Authenticator obtains fresh credentials. The login flow lives behind it.
type Authenticator interface {
	Authenticate(ctx context.Context) (Credentials, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context) (Credentials, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context) (Credentials, error) {
	return f(ctx)
}

// TokenFileAuthenticator reads credentials from a file written by an external
// login tool. The first line is the access token, the optional second line
// is the account id. The file is re-read on every refresh.
type TokenFileAuthenticator struct {
	Path string
}

// Authenticate reads the token file.
func (a TokenFileAuthenticator) Authenticate(ctx context.Context) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	raw, err := os.ReadFile(a.Path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read token file: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	creds := Credentials{AccessToken: strings.TrimSpace(lines[0])}
	if creds.AccessToken == "" {
		return Credentials{}, fmt.Errorf("token file %s is empty", a.Path)
	}
	if len(lines) > 1 {
		uid, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64)
		if err != nil {
			return Credentials{}, fmt.Errorf("parse user id in %s: %w", a.Path, err)
		}
		creds.UserID = uid
	}
	return creds, nil
}
