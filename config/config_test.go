package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/cdpframes/env"
	"github.com/grafana/cdpframes/frames"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("", env.EmptyLookup)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, frames.DefaultFrameIDGlobal, cfg.Frames.FrameIDGlobal)
	assert.True(t, cfg.Frames.WaitForDebuggerOnStart)
	assert.Equal(t, DefaultWatchInterval, cfg.Watch.Interval)
	assert.Empty(t, cfg.DevToolsURL)
}

func TestLoadPrecedence(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
devtools_url = "ws://127.0.0.1:9222/devtools/browser/file"

[log]
level = "debug"
category_filter = "^Unit:"

[frames]
frame_id_global = "fileFrameId"
wait_for_debugger_on_start = false
blocked_origin_prefixes = ["https://ads."]

[watch]
interval = "500ms"
snapshot = "/tmp/frames.json"
`)

	testCases := []struct {
		name   string
		lookup env.LookupFunc
		assert func(t *testing.T, cfg *Config)
	}{
		{
			name:   "file",
			lookup: env.EmptyLookup,
			assert: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/file", cfg.DevToolsURL)
				assert.Equal(t, "debug", cfg.Log.Level)
				assert.Equal(t, "^Unit:", cfg.Log.CategoryFilter)
				assert.Equal(t, "fileFrameId", cfg.Frames.FrameIDGlobal)
				assert.False(t, cfg.Frames.WaitForDebuggerOnStart)
				assert.Equal(t, []string{"https://ads."}, cfg.Frames.BlockedOriginPrefixes)
				assert.Equal(t, 500*time.Millisecond, cfg.Watch.Interval)
				assert.Equal(t, "/tmp/frames.json", cfg.Watch.SnapshotPath)
			},
		},
		{
			name: "env_overrides_file",
			lookup: env.MapLookup(map[string]string{
				env.DevToolsURL:     "wss://remote.example/devtools/browser/env",
				env.LogLevel:        "warn",
				env.FrameIDGlobal:   "envFrameId",
				env.WaitForDebugger: "true",
				env.BlockedOrigins:  "https://a., ,https://b.",
			}),
			assert: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Equal(t, "wss://remote.example/devtools/browser/env", cfg.DevToolsURL)
				assert.Equal(t, "warn", cfg.Log.Level)
				assert.Equal(t, "^Unit:", cfg.Log.CategoryFilter)
				assert.Equal(t, "envFrameId", cfg.Frames.FrameIDGlobal)
				assert.True(t, cfg.Frames.WaitForDebuggerOnStart)
				assert.Equal(t, []string{"https://a.", "https://b."}, cfg.Frames.BlockedOriginPrefixes)
			},
		},
		{
			name:   "empty_env_value_clears",
			lookup: env.ConstLookup(env.LogCategoryFilter, ""),
			assert: func(t *testing.T, cfg *Config) {
				t.Helper()
				assert.Empty(t, cfg.Log.CategoryFilter)
			},
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := Load(path, tc.lookup)
			require.NoError(t, err)
			require.NoError(t, cfg.Validate())
			tc.assert(t, cfg)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		file   string
		lookup env.LookupFunc
	}{
		{name: "missing_file", lookup: env.EmptyLookup},
		{name: "malformed_toml", file: `devtools_url = `, lookup: env.EmptyLookup},
		{name: "bad_interval", file: "[watch]\ninterval = \"soon\"", lookup: env.EmptyLookup},
		{name: "bad_bool_env", file: "", lookup: env.ConstLookup(env.WaitForDebugger, "maybe")},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "missing.toml")
			if tc.name != "missing_file" {
				path = writeConfig(t, tc.file)
			}
			_, err := Load(path, tc.lookup)
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "http_url", modify: func(c *Config) { c.DevToolsURL = "http://127.0.0.1:9222" }, wantErr: "scheme"},
		{name: "bad_level", modify: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log level"},
		{name: "bad_filter", modify: func(c *Config) { c.Log.CategoryFilter = "(" }, wantErr: "category filter"},
		{name: "bad_global", modify: func(c *Config) { c.Frames.FrameIDGlobal = "a b" }, wantErr: "frame id global"},
		{name: "zero_interval", modify: func(c *Config) { c.Watch.Interval = 0 }, wantErr: "watch interval"},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tc.modify(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.wantErr)
		})
	}
}
