package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TokenEnv overrides api.token when set.
const TokenEnv = "MAKSUM_TOKEN"

// Duration is a time.Duration written as a string ("3s", "1m30s") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Config represents the global ~/.maksum/config.toml.
type Config struct {
	DefaultSession string   `toml:"default_session"`
	LogLevel       string   `toml:"log_level"`
	API            API      `toml:"api"`
	Breaker        Breaker  `toml:"breaker"`
	Sync           Sync     `toml:"sync"`
	Presence       Presence `toml:"presence"`
	Voice          Voice    `toml:"voice"`
	Playback       Playback `toml:"playback"`
	Metrics        Metrics  `toml:"metrics"`
}

type API struct {
	BaseURL       string   `toml:"base_url"`
	Token         string   `toml:"token"`
	Timeout       Duration `toml:"timeout"`
	RatePerSecond float64  `toml:"rate_per_second"`
	Burst         int      `toml:"burst"`
}

type Breaker struct {
	MaxFailures uint32   `toml:"max_failures"`
	OpenTimeout Duration `toml:"open_timeout"`
}

type Sync struct {
	PollInterval Duration `toml:"poll_interval"`
}

type Presence struct {
	PingInterval    Duration `toml:"ping_interval"`
	RefreshInterval Duration `toml:"refresh_interval"`
}

type Voice struct {
	Tick Duration `toml:"tick"`
	// Input is a WAV file standing in for the microphone. Empty disables
	// voice notes.
	Input string `toml:"input"`
}

type Playback struct {
	// Exclusive pauses the playing voice message when another one starts.
	Exclusive bool `toml:"exclusive"`
}

type Metrics struct {
	// Addr serves /metrics when set, e.g. "127.0.0.1:9464".
	Addr string `toml:"addr"`
}

// Default returns the timings the client is built around.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		API: API{
			BaseURL:       "http://127.0.0.1:8000",
			Timeout:       Duration{15 * time.Second},
			RatePerSecond: 10,
			Burst:         5,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			OpenTimeout: Duration{30 * time.Second},
		},
		Sync:     Sync{PollInterval: Duration{3 * time.Second}},
		Presence: Presence{PingInterval: Duration{60 * time.Second}, RefreshInterval: Duration{25 * time.Second}},
		Voice:    Voice{Tick: Duration{time.Second}},
		Playback: Playback{Exclusive: true},
	}
}

// Load reads config from the given path over Default. Returns error if the
// file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not
// exist. The token environment override is applied either way.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if token := os.Getenv(TokenEnv); token != "" {
		cfg.API.Token = token
	}
	return cfg, nil
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
