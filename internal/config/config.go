package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.inbox/config.toml.
type Config struct {
	DefaultSession string   `toml:"default_session"`
	LogLevel       string   `toml:"log_level"`
	View           View     `toml:"view"`
	Identity       Identity `toml:"identity"`
	SMS            SMS      `toml:"sms"`
	Push           Push     `toml:"push"`
	Metrics        Metrics  `toml:"metrics"`
}

// View tunes the conversation list.
type View struct {
	PageSize            int `toml:"page_size"`
	ReconcileDebounceMS int `toml:"reconcile_debounce_ms"`
	TypingTTLMS         int `toml:"typing_ttl_ms"`
	ParticipantCache    int `toml:"participant_cache"`
}

// Identity configures address normalization.
type Identity struct {
	DefaultCountryCode string `toml:"default_country_code"`
}

// SMS configures the legacy SMS/MMS database scanner. An empty DBPath
// disables it.
type SMS struct {
	DBPath         string `toml:"db_path"`
	Watch          bool   `toml:"watch"`
	ScanIntervalMS int    `toml:"scan_interval_ms"`
}

// Push configures the push transport.
type Push struct {
	Enabled    bool   `toml:"enabled"`
	DeviceName string `toml:"device_name"`
}

// Metrics configures the Prometheus listener. An empty Addr disables it.
type Metrics struct {
	Addr string `toml:"addr"`
}

// Default returns the settings used when no config file exists.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		LogLevel:       "info",
		View: View{
			PageSize:            50,
			ReconcileDebounceMS: 250,
			TypingTTLMS:         8000,
			ParticipantCache:    4096,
		},
		Identity: Identity{DefaultCountryCode: "1"},
		SMS:      SMS{Watch: true},
		Push:     Push{Enabled: true, DeviceName: "inbox"},
		Metrics:  Metrics{Addr: "127.0.0.1:9464"},
	}
}

// Load reads config from the given path. Returns nil config and error if file missing.
// Fields absent from the file take their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg, md)
	return cfg, nil
}

// LoadOrDefault reads path, falling back to Default when the file is missing.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// applyDefaults restores defaults that a file zeroed out. Booleans are kept
// as written when the key is present.
func applyDefaults(cfg *Config, md toml.MetaData) {
	def := Default()
	if cfg.DefaultSession == "" {
		cfg.DefaultSession = def.DefaultSession
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.View.PageSize <= 0 {
		cfg.View.PageSize = def.View.PageSize
	}
	if cfg.View.ReconcileDebounceMS <= 0 {
		cfg.View.ReconcileDebounceMS = def.View.ReconcileDebounceMS
	}
	if cfg.View.TypingTTLMS <= 0 {
		cfg.View.TypingTTLMS = def.View.TypingTTLMS
	}
	if cfg.View.ParticipantCache <= 0 {
		cfg.View.ParticipantCache = def.View.ParticipantCache
	}
	if cfg.Identity.DefaultCountryCode == "" {
		cfg.Identity.DefaultCountryCode = def.Identity.DefaultCountryCode
	}
	if cfg.Push.DeviceName == "" {
		cfg.Push.DeviceName = def.Push.DeviceName
	}
	if !md.IsDefined("metrics", "addr") {
		cfg.Metrics.Addr = def.Metrics.Addr
	}
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
