package session

import (
	"os"

	"github.com/matheus3301/vksync/internal/config"
)

const DefaultSessionName = "main"

// SessionEnv names the session when no flag is given.
const SessionEnv = "VKSYNC_SESSION"

// Resolve determines the active session name using precedence:
// 1. flagOverride (--session flag)
// 2. $VKSYNC_SESSION
// 3. config.toml default_session
// 4. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if name := os.Getenv(SessionEnv); name != "" {
		return name
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
