// Package config loads the cdpframes process configuration from defaults,
// an optional TOML file and CDPFRAMES_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"

	"github.com/grafana/cdpframes/env"
	"github.com/grafana/cdpframes/frames"
)

// DefaultWatchInterval is how often watch prints and snapshots the frames.
const DefaultWatchInterval = 2 * time.Second

// Config is the process configuration.
type Config struct {
	// DevToolsURL is the browser-level DevTools websocket URL.
	DevToolsURL string

	Log    Log
	Frames *frames.Options
	Watch  Watch
}

// Log configures the logger.
type Log struct {
	Level          string
	CategoryFilter string
}

// Watch configures the watch command.
type Watch struct {
	Interval     time.Duration
	SnapshotPath string
}

// fileConfig mirrors Config in a TOML friendly shape. Pointers tell unset
// values apart from zero values.
type fileConfig struct {
	DevToolsURL string `toml:"devtools_url"`
	Log         struct {
		Level          string `toml:"level"`
		CategoryFilter string `toml:"category_filter"`
	} `toml:"log"`
	Frames struct {
		FrameIDGlobal          string   `toml:"frame_id_global"`
		WaitForDebuggerOnStart *bool    `toml:"wait_for_debugger_on_start"`
		BlockedOriginPrefixes  []string `toml:"blocked_origin_prefixes"`
	} `toml:"frames"`
	Watch struct {
		Interval string `toml:"interval"`
		Snapshot string `toml:"snapshot"`
	} `toml:"watch"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Log:    Log{Level: logrus.InfoLevel.String()},
		Frames: frames.NewOptions(),
		Watch:  Watch{Interval: DefaultWatchInterval},
	}
}

// DefaultPath returns $HOME/.cdpframes/config.toml, or "" if there is no
// home directory.
func DefaultPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".cdpframes", "config.toml")
	}
	return ""
}

// Load returns the defaults overridden by the TOML file at path, if path is
// not empty, and then by the environment. The result is not validated.
func Load(path string, lookup env.LookupFunc) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parsing config file %q: %w", path, err)
	}

	setString(&c.DevToolsURL, fc.DevToolsURL)
	setString(&c.Log.Level, fc.Log.Level)
	setString(&c.Log.CategoryFilter, fc.Log.CategoryFilter)
	setString(&c.Frames.FrameIDGlobal, fc.Frames.FrameIDGlobal)
	if fc.Frames.WaitForDebuggerOnStart != nil {
		c.Frames.WaitForDebuggerOnStart = *fc.Frames.WaitForDebuggerOnStart
	}
	if fc.Frames.BlockedOriginPrefixes != nil {
		c.Frames.BlockedOriginPrefixes = fc.Frames.BlockedOriginPrefixes
	}
	if fc.Watch.Interval != "" {
		d, err := time.ParseDuration(fc.Watch.Interval)
		if err != nil {
			return fmt.Errorf("parsing watch interval %q: %w", fc.Watch.Interval, err)
		}
		c.Watch.Interval = d
	}
	setString(&c.Watch.SnapshotPath, fc.Watch.Snapshot)

	return nil
}

func (c *Config) applyEnv(lookup env.LookupFunc) error {
	if lookup == nil {
		return nil
	}
	if v, ok := lookup(env.DevToolsURL); ok {
		c.DevToolsURL = v
	}
	if v, ok := lookup(env.LogLevel); ok {
		c.Log.Level = v
	}
	if v, ok := lookup(env.LogCategoryFilter); ok {
		c.Log.CategoryFilter = v
	}
	if v, ok := lookup(env.FrameIDGlobal); ok {
		c.Frames.FrameIDGlobal = v
	}
	if v, ok := lookup(env.WaitForDebugger); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", env.WaitForDebugger, err)
		}
		c.Frames.WaitForDebuggerOnStart = b
	}
	if v, ok := lookup(env.BlockedOrigins); ok {
		c.Frames.BlockedOriginPrefixes = splitList(v)
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.DevToolsURL != "" {
		u, err := url.Parse(c.DevToolsURL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("invalid DevTools URL: %w", err))
		case u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("invalid DevTools URL %q: scheme must be ws or wss", c.DevToolsURL))
		}
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level: %w", err))
	}
	if c.Log.CategoryFilter != "" {
		if _, err := regexp.Compile(c.Log.CategoryFilter); err != nil {
			errs = append(errs, fmt.Errorf("invalid log category filter: %w", err))
		}
	}
	if err := c.Frames.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Watch.Interval <= 0 {
		errs = append(errs, fmt.Errorf("invalid watch interval %v: must be positive", c.Watch.Interval))
	}

	return errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
