package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Roster.OnlyFriends = true
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "work", loaded.DefaultSession)
	assert.True(t, loaded.Roster.OnlyFriends)
	assert.Equal(t, 25*time.Second, loaded.LongPoll.Wait)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.Roster.ChatsInRoster)
	assert.True(t, cfg.Messages.MarkReadOnlineOnly)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "log_level = \"debug\"\n[longpoll]\nwait = \"40s\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 40*time.Second, cfg.LongPoll.Wait)
	assert.Equal(t, "https://api.vk.com/method", cfg.API.URL)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, Save(path, Default()))

	t.Setenv("VKSYNC_ROSTER_ONLY_FRIENDS", "true")
	t.Setenv("VKSYNC_LONGPOLL_WAIT", "10s")
	t.Setenv("VKSYNC_MESSAGES_MARK_READ_INACTIVE_TAB", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Roster.OnlyFriends)
	assert.Equal(t, 10*time.Second, cfg.LongPoll.Wait)
	assert.True(t, cfg.Messages.MarkReadInactiveTab)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"empty api url", func(c *Config) { c.API.URL = "" }},
		{"zero rate", func(c *Config) { c.API.RatePerSecond = 0 }},
		{"wait too long", func(c *Config) { c.LongPoll.Wait = 2 * time.Minute }},
		{"no thumbnail workers", func(c *Config) { c.Messages.ThumbnailWorkers = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
