package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment override, e.g. VKSYNC_LOG_LEVEL.
const EnvPrefix = "VKSYNC_"

// Config represents the global ~/.vksync/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session" env:"DEFAULT_SESSION"`
	LogLevel       string `toml:"log_level" env:"LOG_LEVEL"`

	API      APIConfig      `toml:"api" envPrefix:"API_"`
	LongPoll LongPollConfig `toml:"longpoll" envPrefix:"LONGPOLL_"`
	Roster   RosterConfig   `toml:"roster" envPrefix:"ROSTER_"`
	Messages MessagesConfig `toml:"messages" envPrefix:"MESSAGES_"`
}

// APIConfig controls the remote call endpoint.
type APIConfig struct {
	URL     string `toml:"url" env:"URL"`
	Version string `toml:"version" env:"VERSION"`
	// TokenFile is read on every credential refresh. Empty means the
	// session's default access_token file.
	TokenFile string        `toml:"token_file" env:"TOKEN_FILE"`
	Timeout   time.Duration `toml:"timeout" env:"TIMEOUT"`
	// RatePerSecond paces outgoing calls on the client side.
	RatePerSecond float64 `toml:"rate_per_second" env:"RATE_PER_SECOND"`
}

// LongPollConfig controls the push stream.
type LongPollConfig struct {
	Wait       time.Duration `toml:"wait" env:"WAIT"`
	RetryDelay time.Duration `toml:"retry_delay" env:"RETRY_DELAY"`
}

// RosterConfig mirrors the buddy list account options.
type RosterConfig struct {
	OnlyFriends      bool          `toml:"only_friends" env:"ONLY_FRIENDS"`
	ChatsInRoster    bool          `toml:"chats_in_roster" env:"CHATS"`
	DefaultGroup     string        `toml:"default_group" env:"DEFAULT_GROUP"`
	ChatGroup        string        `toml:"chat_group" env:"CHAT_GROUP"`
	RefreshInterval  time.Duration `toml:"refresh_interval" env:"REFRESH_INTERVAL"`
	PresenceInterval time.Duration `toml:"presence_interval" env:"PRESENCE_INTERVAL"`
}

// MessagesConfig controls read-state and send behaviour.
type MessagesConfig struct {
	MarkReadOnlineOnly  bool `toml:"mark_as_read_online_only" env:"MARK_READ_ONLINE_ONLY"`
	MarkReadInactiveTab bool `toml:"mark_as_read_inactive_tab" env:"MARK_READ_INACTIVE_TAB"`
	// ThumbnailWorkers bounds concurrent attachment thumbnail downloads.
	ThumbnailWorkers int `toml:"thumbnail_workers" env:"THUMBNAIL_WORKERS"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		API: APIConfig{
			URL:           "https://api.vk.com/method",
			Version:       "5.0",
			Timeout:       30 * time.Second,
			RatePerSecond: 3,
		},
		LongPoll: LongPollConfig{
			Wait:       25 * time.Second,
			RetryDelay: time.Second,
		},
		Roster: RosterConfig{
			ChatsInRoster:    true,
			RefreshInterval:  15 * time.Minute,
			PresenceInterval: 5 * time.Minute,
		},
		Messages: MessagesConfig{
			MarkReadOnlineOnly: true,
			ThumbnailWorkers:   4,
		},
	}
}

// Load reads config from the given path on top of the defaults, then applies
// VKSYNC_* environment overrides. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults. A .env
// file in the working directory is loaded into the environment first.
func LoadOrDefault(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		if err := applyEnv(cfg); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validating config: %w", err)
		}
		return cfg, nil
	}
	return cfg, err
}

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parsing env overrides: %w", err)
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: must be debug, info, warn or error", c.LogLevel)
	}
	if c.API.URL == "" {
		return errors.New("api.url is required")
	}
	if c.API.Version == "" {
		return errors.New("api.version is required")
	}
	if c.API.RatePerSecond <= 0 {
		return fmt.Errorf("api.rate_per_second must be positive, got %v", c.API.RatePerSecond)
	}
	// The server caps wait at 90 seconds.
	if c.LongPoll.Wait < time.Second || c.LongPoll.Wait > 90*time.Second {
		return fmt.Errorf("longpoll.wait %s out of range [1s, 90s]", c.LongPoll.Wait)
	}
	if c.Messages.ThumbnailWorkers < 1 {
		return fmt.Errorf("messages.thumbnail_workers must be at least 1, got %d", c.Messages.ThumbnailWorkers)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
