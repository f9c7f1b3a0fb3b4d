// Package config loads agent settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "BROWSETRACE_"

type Config struct {
	Address      string
	Endpoint     string // empty: segments go to the local database
	DatabasePath string // empty: platform application directory
	LogLevel     slog.Level

	SessionSampleRate float64
	ErrorSampleRate   float64
	StickySession     bool
	UseCompression    bool

	SessionIdlePause    time.Duration
	SessionIdleExpire   time.Duration
	MaxReplayDuration   time.Duration
	MinReplayDuration   time.Duration
	SessionPollInterval time.Duration

	FlushMinDelay time.Duration
	FlushMaxDelay time.Duration

	SlowClickTimeout       time.Duration
	SlowClickThreshold     time.Duration
	SlowClickScrollTimeout time.Duration
	SlowClickIgnore        []string

	MutationBreadcrumbLimit int
	MutationLimit           int
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Address:  "127.0.0.1:8123",
		LogLevel: slog.LevelInfo,

		StickySession:  true,
		UseCompression: true,

		SessionIdlePause:    5 * time.Minute,
		SessionIdleExpire:   15 * time.Minute,
		MaxReplayDuration:   60 * time.Minute,
		MinReplayDuration:   4999 * time.Millisecond,
		SessionPollInterval: 10 * time.Second,

		FlushMinDelay: 5 * time.Second,
		FlushMaxDelay: 5500 * time.Millisecond,

		SlowClickTimeout:       7 * time.Second,
		SlowClickThreshold:     3 * time.Second,
		SlowClickScrollTimeout: 300 * time.Millisecond,

		MutationBreadcrumbLimit: 750,
		MutationLimit:           10_000,
	}
}

// Load reads envFiles (".env" when none are given) into the environment
// without overriding variables already set, then builds the configuration.
// A missing .env file is not an error.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && len(envFiles) > 0 {
		return Default(), fmt.Errorf("failed to load env file: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds the configuration from getenv. Values that fail to parse
// keep their defaults and are listed in the returned error; the returned
// Config is always usable.
func FromEnv(getenv func(string) string) (*Config, error) {
	c := Default()
	p := parser{getenv: getenv}

	p.str("ADDRESS", &c.Address)
	p.str("ENDPOINT", &c.Endpoint)
	p.str("DATABASE_PATH", &c.DatabasePath)
	p.level("LOG_LEVEL", &c.LogLevel)

	p.rate("SESSION_SAMPLE_RATE", &c.SessionSampleRate)
	p.rate("ERROR_SAMPLE_RATE", &c.ErrorSampleRate)
	p.boolean("STICKY_SESSION", &c.StickySession)
	p.boolean("USE_COMPRESSION", &c.UseCompression)

	p.duration("SESSION_IDLE_PAUSE", &c.SessionIdlePause)
	p.duration("SESSION_IDLE_EXPIRE", &c.SessionIdleExpire)
	p.duration("MAX_REPLAY_DURATION", &c.MaxReplayDuration)
	p.duration("MIN_REPLAY_DURATION", &c.MinReplayDuration)
	p.duration("SESSION_POLL_INTERVAL", &c.SessionPollInterval)
	p.duration("FLUSH_MIN_DELAY", &c.FlushMinDelay)
	p.duration("FLUSH_MAX_DELAY", &c.FlushMaxDelay)

	p.duration("SLOW_CLICK_TIMEOUT", &c.SlowClickTimeout)
	c.SlowClickThreshold = min(c.SlowClickThreshold, c.SlowClickTimeout)
	p.duration("SLOW_CLICK_THRESHOLD", &c.SlowClickThreshold)
	p.duration("SLOW_CLICK_SCROLL_TIMEOUT", &c.SlowClickScrollTimeout)
	p.list("SLOW_CLICK_IGNORE", &c.SlowClickIgnore)

	p.integer("MUTATION_BREADCRUMB_LIMIT", &c.MutationBreadcrumbLimit)
	p.integer("MUTATION_LIMIT", &c.MutationLimit)

	if c.FlushMaxDelay < c.FlushMinDelay {
		c.FlushMaxDelay = c.FlushMinDelay
	}

	if len(p.invalid) > 0 {
		return c, fmt.Errorf("invalid configuration values: %s", strings.Join(p.invalid, ", "))
	}
	return c, nil
}

// IgnoreSelector joins SlowClickIgnore into one selector group.
func (c *Config) IgnoreSelector() string {
	return strings.Join(c.SlowClickIgnore, ",")
}

type parser struct {
	getenv  func(string) string
	invalid []string
}

func (p *parser) lookup(key string) (string, bool) {
	v := strings.TrimSpace(p.getenv(envPrefix + key))
	return v, v != ""
}

func (p *parser) fail(key string) {
	p.invalid = append(p.invalid, envPrefix+key)
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.lookup(key); ok {
		*dst = v
	}
}

func (p *parser) list(key string, dst *[]string) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func (p *parser) boolean(key string, dst *bool) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key)
		return
	}
	*dst = b
}

func (p *parser) integer(key string, dst *int) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		p.fail(key)
		return
	}
	*dst = n
}

// rate parses a sample rate, clamping it into [0, 1].
func (p *parser) rate(key string, dst *float64) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) {
		p.fail(key)
		return
	}
	*dst = max(0, min(1, f))
}

// duration accepts Go duration strings ("5s", "1m30s") or whole
// milliseconds.
func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms >= 0 {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		p.fail(key)
		return
	}
	*dst = d
}

func (p *parser) level(key string, dst *slog.Level) {
	v, ok := p.lookup(key)
	if !ok {
		return
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		p.fail(key)
		return
	}
	*dst = l
}
