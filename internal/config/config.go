// Package config loads server settings from a YAML file with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Log            LogConfig            `yaml:"log"`
	Redis          RedisConfig          `yaml:"redis"`
	Session        SessionConfig        `yaml:"session"`
	Router         RouterConfig         `yaml:"router"`
	Catalog        CatalogConfig        `yaml:"catalog"`
	Recommendation RecommendationConfig `yaml:"recommendation"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MaxConns        int           `yaml:"max_conns"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	OriginPatterns  []string      `yaml:"origin_patterns"`

	// TrustProxy keys per-IP limits on X-Real-IP. Enable it only behind the
	// session-pinning proxy.
	TrustProxy bool `yaml:"trust_proxy"`

	// Upgrades per client IP and frames per connection, per minute.
	UpgradesPerMinute int `yaml:"upgrades_per_minute"`
	FramesPerMinute   int `yaml:"frames_per_minute"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// RedisConfig enables the cross-instance topic relay when Addr is set.
type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type SessionConfig struct {
	IdleTTL              time.Duration `yaml:"idle_ttl"`
	AllowMultipleTablets bool          `yaml:"allow_multiple_tablets"`
}

type RouterConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
}

// RecommendationConfig points at the recommendation service. An empty URL
// leaves the pipeline unconfigured.
type RecommendationConfig struct {
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			MaxConns:          1000,
			IdleTimeout:       10 * time.Minute,
			ShutdownTimeout:   10 * time.Second,
			UpgradesPerMinute: 60,
			FramesPerMinute:   600,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Redis: RedisConfig{
			Channel: "consultsync:topics",
		},
		Session: SessionConfig{
			IdleTTL: 30 * time.Minute,
		},
		Router: RouterConfig{
			MaxConcurrent: 16,
			CallTimeout:   30 * time.Second,
		},
		Recommendation: RecommendationConfig{
			Timeout:     20 * time.Second,
			MaxAttempts: 3,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Info("config: file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CATALOG_PATH"); v != "" {
		c.Catalog.Path = v
	}
	if v := os.Getenv("RECOMMENDATION_URL"); v != "" {
		c.Recommendation.URL = v
	}
	if v := os.Getenv("TRUST_PROXY"); v != "" {
		c.Server.TrustProxy = v == "true" || v == "1"
	}
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("config: server.addr is required")
	}
	if c.Server.MaxConns < 0 || c.Router.MaxConcurrent < 0 {
		return errors.New("config: limits must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a level name onto slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("config: unknown log level %q", s)
	}
	return l, nil
}

// Logger builds the process logger described by c.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
