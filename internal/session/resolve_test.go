package session

import (
	"testing"

	"github.com/matheus3301/vksync/internal/config"
)

func TestResolvePrecedence(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	t.Setenv(SessionEnv, "")

	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve with nothing set = %q, want %q", got, DefaultSessionName)
	}

	cfg := config.Default()
	cfg.DefaultSession = "fromfile"
	if err := config.Save(ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "fromfile" {
		t.Errorf("Resolve with config = %q, want fromfile", got)
	}

	t.Setenv(SessionEnv, "fromenv")
	if got := Resolve(""); got != "fromenv" {
		t.Errorf("Resolve with env = %q, want fromenv", got)
	}

	if got := Resolve("fromflag"); got != "fromflag" {
		t.Errorf("Resolve with flag = %q, want fromflag", got)
	}
}
