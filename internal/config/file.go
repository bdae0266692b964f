package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// fileConfig is the on-disk TOML shape. Only the keys present in the file
// override values loaded from the environment.
//
//	[sync]
//	max_retries = 8
//	base_delay = "250ms"
//
//	[authority]
//	url = "https://authority.example.com"
//
//	[server]
//	port = "8081"
type fileConfig struct {
	LogLevel string        `toml:"log_level"`
	DBPath   string        `toml:"db_path"`
	Server   fileServer    `toml:"server"`
	Sync     fileSync      `toml:"sync"`
	Auth     fileAuthority `toml:"authority"`
}

type fileServer struct {
	Port         string `toml:"port"`
	ReadTimeout  string `toml:"read_timeout"`
	WriteTimeout string `toml:"write_timeout"`
	IdleTimeout  string `toml:"idle_timeout"`
}

type fileSync struct {
	MaxRetries       *int     `toml:"max_retries"`
	BaseDelay        string   `toml:"base_delay"`
	MaxDelay         string   `toml:"max_delay"`
	Jitter           *float64 `toml:"jitter"`
	ConcurrencyLimit *int     `toml:"concurrency_limit"`
	AttemptTimeout   string   `toml:"attempt_timeout"`
	DrainInterval    string   `toml:"drain_interval"`
	PruneConfirmed   *bool    `toml:"prune_confirmed"`
	SkipAIValidation *bool    `toml:"skip_ai_validation"`
	EncryptionKey    string   `toml:"encryption_key"`
}

type fileAuthority struct {
	URL           string   `toml:"url"`
	ClientID      string   `toml:"client_id"`
	Timeout       string   `toml:"timeout"`
	RPS           *float64 `toml:"rps"`
	Burst         *int     `toml:"burst"`
	ProbeInterval string   `toml:"probe_interval"`
}

// LoadFile overlays the TOML file at path onto cfg and re-validates it.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read config file: %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.Server.Port != "" {
		cfg.Server.Port = fc.Server.Port
	}

	s := &cfg.Sync
	if fc.Sync.MaxRetries != nil {
		s.MaxRetries = *fc.Sync.MaxRetries
	}
	if fc.Sync.Jitter != nil {
		s.Jitter = *fc.Sync.Jitter
	}
	if fc.Sync.ConcurrencyLimit != nil {
		s.ConcurrencyLimit = *fc.Sync.ConcurrencyLimit
	}
	if fc.Sync.PruneConfirmed != nil {
		s.PruneConfirmed = *fc.Sync.PruneConfirmed
	}
	if fc.Sync.SkipAIValidation != nil {
		s.SkipAIValidation = *fc.Sync.SkipAIValidation
	}
	if fc.Sync.EncryptionKey != "" {
		s.EncryptionKey = fc.Sync.EncryptionKey
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"server.read_timeout", fc.Server.ReadTimeout, &cfg.Server.ReadTimeout},
		{"server.write_timeout", fc.Server.WriteTimeout, &cfg.Server.WriteTimeout},
		{"server.idle_timeout", fc.Server.IdleTimeout, &cfg.Server.IdleTimeout},
		{"sync.base_delay", fc.Sync.BaseDelay, &s.BaseDelay},
		{"sync.max_delay", fc.Sync.MaxDelay, &s.MaxDelay},
		{"sync.attempt_timeout", fc.Sync.AttemptTimeout, &s.AttemptTimeout},
		{"sync.drain_interval", fc.Sync.DrainInterval, &s.DrainInterval},
		{"authority.timeout", fc.Auth.Timeout, &cfg.Authority.Timeout},
		{"authority.probe_interval", fc.Auth.ProbeInterval, &cfg.Authority.ProbeInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if fc.Auth.URL != "" {
		cfg.Authority.URL = fc.Auth.URL
	}
	if fc.Auth.ClientID != "" {
		cfg.Authority.ClientID = fc.Auth.ClientID
	}
	if fc.Auth.RPS != nil {
		cfg.Authority.RPS = *fc.Auth.RPS
	}
	if fc.Auth.Burst != nil {
		cfg.Authority.Burst = *fc.Auth.Burst
	}

	cfg.normalize()
	return cfg.Validate()
}
