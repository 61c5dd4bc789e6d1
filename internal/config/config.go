// Package config loads starhunt.yaml.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"starhunt.gg/internal/observe/mining"
	"starhunt.gg/internal/observe/verify"
)

type Config struct {
	Session SessionConfig `yaml:"session"`
	Updates UpdatesConfig `yaml:"updates"`
	Verify  VerifyConfig  `yaml:"verify"`
	Mining  MiningConfig  `yaml:"mining"`
	Store   StoreConfig   `yaml:"store"`
	Legacy  LegacyConfig  `yaml:"legacy"`
	Relay   RelayConfig   `yaml:"relay"`
	Debug   bool          `yaml:"debug"`
}

type SessionConfig struct {
	WebsocketURL        string `yaml:"websocket_url"`
	KeepAliveSeconds    int    `yaml:"keepalive_seconds"`
	ReconnectBaseMS     int    `yaml:"reconnect_base_ms"`
	MaxAttempts         int    `yaml:"max_attempts"`
	ColdRetrySeconds    int    `yaml:"cold_retry_seconds"`
	HandshakeTimeoutSec int    `yaml:"handshake_timeout_seconds"`
	QueueSize           int    `yaml:"queue_size"`
}

type UpdatesConfig struct {
	FrequencySeconds  int    `yaml:"frequency_seconds"`
	MaxUpdateDistance int    `yaml:"max_update_distance"`
	HealthRadius      int    `yaml:"health_radius"`
	ShareStarData     bool   `yaml:"share_star_data"`
	ShareUsername     bool   `yaml:"share_username"`
	Username          string `yaml:"username"`
}

type VerifyConfig struct {
	InactiveGraceSeconds int    `yaml:"inactive_grace_seconds"`
	Despawn              string `yaml:"despawn"`
}

type MiningConfig struct {
	ProximityTiles int                `yaml:"proximity_tiles"`
	WindowTicks    int                `yaml:"window_ticks"`
	Animations     []mining.AnimRange `yaml:"animations,omitempty"`
}

type StoreConfig struct {
	SweepSeconds   int  `yaml:"sweep_seconds"`
	RefreshSeconds int  `yaml:"refresh_seconds"`
	Notifications  bool `yaml:"notifications"`
}

type LegacyConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	PollSeconds    int    `yaml:"poll_seconds"`
}

type RelayConfig struct {
	Listen       string  `yaml:"listen"`
	DBPath       string  `yaml:"db_path"`
	SnapshotPath string  `yaml:"snapshot_path"`
	RateLimit    float64 `yaml:"rate_limit"`
	Burst        int     `yaml:"burst"`
}

func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		Session: SessionConfig{
			KeepAliveSeconds:    30,
			ReconnectBaseMS:     5000,
			MaxAttempts:         5,
			ColdRetrySeconds:    60,
			HandshakeTimeoutSec: 10,
			QueueSize:           256,
		},
		Updates: UpdatesConfig{
			FrequencySeconds:  10,
			MaxUpdateDistance: 32,
			HealthRadius:      32,
			ShareStarData:     true,
		},
		Verify: VerifyConfig{
			InactiveGraceSeconds: 60,
			Despawn:              string(verify.DespawnFinalTier),
		},
		Mining: MiningConfig{
			ProximityTiles: mining.DefaultProximity,
			WindowTicks:    mining.DefaultWindow,
		},
		Store: StoreConfig{
			SweepSeconds:   5,
			RefreshSeconds: 5,
		},
		Legacy: LegacyConfig{
			TimeoutSeconds: 10,
			PollSeconds:    30,
		},
		Relay: RelayConfig{
			Listen:    ":8080",
			RateLimit: 20,
			Burst:     40,
		},
	}
}

// Normalize fills zero values with defaults and tidies strings.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	d := Defaults()
	c.Session.WebsocketURL = strings.TrimSpace(c.Session.WebsocketURL)
	c.Legacy.BaseURL = strings.TrimSpace(c.Legacy.BaseURL)
	c.Updates.Username = strings.TrimSpace(c.Updates.Username)
	c.Verify.Despawn = strings.ToLower(strings.TrimSpace(c.Verify.Despawn))

	defInt(&c.Session.KeepAliveSeconds, d.Session.KeepAliveSeconds)
	defInt(&c.Session.ReconnectBaseMS, d.Session.ReconnectBaseMS)
	defInt(&c.Session.MaxAttempts, d.Session.MaxAttempts)
	defInt(&c.Session.ColdRetrySeconds, d.Session.ColdRetrySeconds)
	defInt(&c.Session.HandshakeTimeoutSec, d.Session.HandshakeTimeoutSec)
	defInt(&c.Session.QueueSize, d.Session.QueueSize)
	defInt(&c.Updates.FrequencySeconds, d.Updates.FrequencySeconds)
	defInt(&c.Updates.MaxUpdateDistance, d.Updates.MaxUpdateDistance)
	defInt(&c.Updates.HealthRadius, d.Updates.HealthRadius)
	defInt(&c.Verify.InactiveGraceSeconds, d.Verify.InactiveGraceSeconds)
	defInt(&c.Mining.ProximityTiles, d.Mining.ProximityTiles)
	defInt(&c.Mining.WindowTicks, d.Mining.WindowTicks)
	defInt(&c.Store.SweepSeconds, d.Store.SweepSeconds)
	defInt(&c.Store.RefreshSeconds, d.Store.RefreshSeconds)
	defInt(&c.Legacy.TimeoutSeconds, d.Legacy.TimeoutSeconds)
	defInt(&c.Legacy.PollSeconds, d.Legacy.PollSeconds)
	defInt(&c.Relay.Burst, d.Relay.Burst)
	if c.Verify.Despawn == "" {
		c.Verify.Despawn = d.Verify.Despawn
	}
	if c.Relay.Listen == "" {
		c.Relay.Listen = d.Relay.Listen
	}
	if c.Relay.RateLimit == 0 {
		c.Relay.RateLimit = d.Relay.RateLimit
	}
	if len(c.Mining.Animations) == 0 {
		c.Mining.Animations = append([]mining.AnimRange(nil), mining.DefaultAnims...)
	}
}

func defInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func (c Config) Validate() error {
	c.Normalize()
	checks := []struct {
		name string
		v    int
	}{
		{"session.keepalive_seconds", c.Session.KeepAliveSeconds},
		{"session.reconnect_base_ms", c.Session.ReconnectBaseMS},
		{"session.max_attempts", c.Session.MaxAttempts},
		{"session.cold_retry_seconds", c.Session.ColdRetrySeconds},
		{"session.handshake_timeout_seconds", c.Session.HandshakeTimeoutSec},
		{"session.queue_size", c.Session.QueueSize},
		{"updates.frequency_seconds", c.Updates.FrequencySeconds},
		{"updates.max_update_distance", c.Updates.MaxUpdateDistance},
		{"updates.health_radius", c.Updates.HealthRadius},
		{"verify.inactive_grace_seconds", c.Verify.InactiveGraceSeconds},
		{"mining.proximity_tiles", c.Mining.ProximityTiles},
		{"mining.window_ticks", c.Mining.WindowTicks},
		{"store.sweep_seconds", c.Store.SweepSeconds},
		{"store.refresh_seconds", c.Store.RefreshSeconds},
		{"legacy.timeout_seconds", c.Legacy.TimeoutSeconds},
		{"legacy.poll_seconds", c.Legacy.PollSeconds},
		{"relay.burst", c.Relay.Burst},
	}
	for _, ck := range checks {
		if ck.v <= 0 {
			return fmt.Errorf("%s must be > 0", ck.name)
		}
	}
	if c.Relay.RateLimit <= 0 {
		return fmt.Errorf("relay.rate_limit must be > 0")
	}
	switch verify.DespawnMode(c.Verify.Despawn) {
	case verify.DespawnFinalTier, verify.DespawnAny:
	default:
		return fmt.Errorf("verify.despawn must be %q or %q, got %q", verify.DespawnFinalTier, verify.DespawnAny, c.Verify.Despawn)
	}
	for i, a := range c.Mining.Animations {
		if a.Lo < 0 || a.Hi < a.Lo {
			return fmt.Errorf("mining.animations[%d] invalid range %d..%d", i, a.Lo, a.Hi)
		}
	}
	if c.Updates.ShareUsername && c.Updates.Username == "" {
		return fmt.Errorf("updates.username must be set when share_username is on")
	}
	for name, u := range map[string]string{"session.websocket_url": c.Session.WebsocketURL, "legacy.base_url": c.Legacy.BaseURL} {
		if u == "" {
			continue
		}
		if !strings.Contains(u, "://") {
			return fmt.Errorf("%s %q must be an absolute url", name, u)
		}
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c SessionConfig) KeepAlive() time.Duration     { return seconds(c.KeepAliveSeconds) }
func (c SessionConfig) ReconnectBase() time.Duration { return time.Duration(c.ReconnectBaseMS) * time.Millisecond }
func (c SessionConfig) ColdRetry() time.Duration     { return seconds(c.ColdRetrySeconds) }
func (c SessionConfig) HandshakeTimeout() time.Duration {
	return seconds(c.HandshakeTimeoutSec)
}
func (c UpdatesConfig) Frequency() time.Duration    { return seconds(c.FrequencySeconds) }
func (c VerifyConfig) InactiveGrace() time.Duration { return seconds(c.InactiveGraceSeconds) }
func (c StoreConfig) Sweep() time.Duration          { return seconds(c.SweepSeconds) }
func (c StoreConfig) Refresh() time.Duration        { return seconds(c.RefreshSeconds) }
func (c LegacyConfig) Timeout() time.Duration       { return seconds(c.TimeoutSeconds) }
func (c LegacyConfig) Poll() time.Duration          { return seconds(c.PollSeconds) }
