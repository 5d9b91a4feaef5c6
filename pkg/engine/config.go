// Copyright 2024-2026 Aiku AI

package engine

import (
	_ "embed"
	"fmt"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the engine configuration.
type Config struct {
	// HomeserverURL is the base URL of the remote chat protocol server.
	HomeserverURL string `yaml:"homeserver_url"`
	// UserID is the authenticated identity, e.g. "@user:example.com".
	UserID string `yaml:"user_id"`
	// AccessToken authenticates the remote connection.
	AccessToken string `yaml:"access_token"`
	// DataDir holds the fast-tier cache files.
	DataDir string `yaml:"data_dir"`
	// Database is the SQLite path of the durable cache tier.
	Database string `yaml:"database"`

	Sync struct {
		// IntervalSeconds between cycles after a success.
		IntervalSeconds int `yaml:"interval_seconds"`
		// BackoffSeconds between cycles after a failure.
		BackoffSeconds int `yaml:"backoff_seconds"`
		// WindowSize is the rooms-per-cycle bound of the windowed strategy.
		WindowSize int `yaml:"window_size"`
		// TimelineLimit is the events fetched per room per cycle.
		TimelineLimit int `yaml:"timeline_limit"`
		// Workers bounds per-room parallelism within a cycle.
		Workers int `yaml:"workers"`
		// CacheSize is the per-room message cache ceiling.
		CacheSize int `yaml:"cache_size"`
		// DebounceMS is the notification coalescing window.
		DebounceMS int `yaml:"debounce_ms"`
	} `yaml:"sync"`

	Recovery struct {
		// MaxAttempts caps recovery attempts within the rolling window.
		MaxAttempts int `yaml:"max_attempts"`
		// WindowSeconds is the rolling window for the cap.
		WindowSeconds int `yaml:"window_seconds"`
		// RetryWaitSeconds is the wait before escalating to stop+restart.
		RetryWaitSeconds int `yaml:"retry_wait_seconds"`
	} `yaml:"recovery"`

	// Platforms are the bridged platform profiles to surface.
	Platforms []*Platform `yaml:"platforms"`
	// ServiceRoomPatterns is the denylist of service-room name patterns.
	ServiceRoomPatterns []string `yaml:"service_room_patterns"`

	servicePatterns []*regexp.Regexp
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// defaultServiceRoomPatterns exclude bridge infrastructure rooms: status
// rooms, login rooms and generic bridge-bot rooms.
var defaultServiceRoomPatterns = []string{
	`(?i)bridge[ -_]?status`,
	`(?i)bridge[ -_]?login`,
	`(?i)bridge[ -_]?bot`,
	`(?i)^.* bridge$`,
}

// DefaultPlatforms covers the two bridges the engine ships support for.
func DefaultPlatforms() []*Platform {
	return []*Platform{
		{
			Tag:                 "telegram",
			DisplayName:         "Telegram",
			ServiceUserPrefixes: []string{"telegram_"},
			BotUsers:            []string{"telegrambot"},
			NamePatterns:        []string{`(?i)\(telegram\)$`},
			ProtocolIDs:         []string{"telegram"},
		},
		{
			Tag:                 "whatsapp",
			DisplayName:         "WhatsApp",
			ServiceUserPrefixes: []string{"whatsapp_"},
			BotUsers:            []string{"whatsappbot"},
			NamePatterns:        []string{`(?i)\(whatsapp\)$`},
			ProtocolIDs:         []string{"whatsapp"},
		},
	}
}

// PostProcess validates the config, fills defaults and compiles patterns.
func (c *Config) PostProcess() error {
	if c.HomeserverURL == "" {
		return fmt.Errorf("homeserver_url is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if len(c.Platforms) == 0 {
		c.Platforms = DefaultPlatforms()
	}
	for _, p := range c.Platforms {
		if p.Tag == "" {
			return fmt.Errorf("platform with empty tag")
		}
		if err := p.compile(); err != nil {
			return err
		}
	}
	patterns := c.ServiceRoomPatterns
	if len(patterns) == 0 {
		patterns = defaultServiceRoomPatterns
	}
	c.servicePatterns = c.servicePatterns[:0]
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("bad service room pattern %q: %w", pattern, err)
		}
		c.servicePatterns = append(c.servicePatterns, re)
	}
	return nil
}

// SyncOptions derives the scheduler options from the config.
func (c *Config) SyncOptions() SyncOptions {
	return SyncOptions{
		Interval:      time.Duration(c.Sync.IntervalSeconds) * time.Second,
		Backoff:       time.Duration(c.Sync.BackoffSeconds) * time.Second,
		WindowSize:    c.Sync.WindowSize,
		TimelineLimit: c.Sync.TimelineLimit,
		Workers:       c.Sync.Workers,
	}
}

// RecoveryOptions derives the recovery controller options from the config.
func (c *Config) RecoveryOptions() RecoveryOptions {
	return RecoveryOptions{
		MaxAttempts: c.Recovery.MaxAttempts,
		Window:      time.Duration(c.Recovery.WindowSeconds) * time.Second,
		RetryWait:   time.Duration(c.Recovery.RetryWaitSeconds) * time.Second,
	}
}

// DebounceWindow derives the hub debounce window from the config.
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Sync.DebounceMS) * time.Millisecond
}
