package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func defaults() Config {
	return Config{
		BasePath:         "preview",
		Image:            "acme/app",
		Port:             80,
		ContainerTimeout: Duration(300 * time.Second),
		ImageTimeout:     Duration(1800 * time.Second),
		Addr:             ":80",
		StartupTimeout:   Duration(30 * time.Second),
		Network:          "dynamic_proxy_net",
		MetricsAddr:      ":9090",
		ReapInterval:     Duration(time.Minute),
		SettleTimeout:    Duration(2 * time.Second),
		LockMode:         "global",
		ConnectTimeout:   Duration(5 * time.Second),
		ReadTimeout:      Duration(30 * time.Second),
		NegativeCacheTTL: Duration(30 * time.Second),
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected time.Duration
	}{
		{"300", 300 * time.Second},
		{" 0 ", 0},
		{"90s", 90 * time.Second},
		{"1m30s", 90 * time.Second},
		{"250ms", 250 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			d, err := ParseDuration(tt.input)
			require.NoError(t, err)
			require.Equal(t, tt.expected, d.Std())
		})
	}

	_, err := ParseDuration("five minutes")
	require.EqualError(t, err, `invalid duration "five minutes", expected seconds or a duration such as 30s`)

	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("45")))
	require.Equal(t, 45*time.Second, d.Std())
	b, err := d.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "45s", string(b))
}

func TestOverlay(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
image = "ghcr.io/acme/app"
container_timeout = 60
image_timeout = "2h"
lock_mode = "reference"
remote_registries = ["ghcr.io", "registry.example.com"]
port = 8080
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg := defaults()
	err := Overlay(path, &cfg)
	require.NoError(t, err)

	expected := defaults()
	expected.Image = "ghcr.io/acme/app"
	expected.ContainerTimeout = Duration(time.Minute)
	expected.ImageTimeout = Duration(2 * time.Hour)
	expected.LockMode = "reference"
	expected.RemoteRegistries = []string{"ghcr.io", "registry.example.com"}
	expected.Port = 8080
	require.Equal(t, expected, cfg)
}

func TestOverlayErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := defaults()

	err := Overlay(filepath.Join(dir, "missing.toml"), &cfg)
	require.ErrorIs(t, err, os.ErrNotExist)

	unknown := filepath.Join(dir, "unknown.toml")
	require.NoError(t, os.WriteFile(unknown, []byte(`colour = "blue"`), 0o644))
	err = Overlay(unknown, &cfg)
	require.ErrorContains(t, err, "config parse failed")

	badDuration := filepath.Join(dir, "duration.toml")
	require.NoError(t, os.WriteFile(badDuration, []byte(`read_timeout = "soon"`), 0o644))
	err = Overlay(badDuration, &cfg)
	require.ErrorContains(t, err, "read_timeout")

	badType := filepath.Join(dir, "type.toml")
	require.NoError(t, os.WriteFile(badType, []byte(`read_timeout = true`), 0o644))
	err = Overlay(badType, &cfg)
	require.ErrorContains(t, err, "unsupported value true")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Validate(defaults()))

	fullPath := defaults()
	fullPath.Image = ""
	fullPath.BasePath = ""
	require.NoError(t, Validate(fullPath))
	require.True(t, fullPath.FullPath())

	tests := []struct {
		name     string
		mutate   func(*Config)
		expected string
	}{
		{
			name: "missing base path",
			mutate: func(c *Config) {
				c.BasePath = "/"
			},
			expected: "base path is required when image is set",
		},
		{
			name: "port",
			mutate: func(c *Config) {
				c.Port = 70000
			},
			expected: "port 70000 is out of range",
		},
		{
			name: "timeout",
			mutate: func(c *Config) {
				c.StartupTimeout = 0
			},
			expected: "startup timeout must be positive, got 0s",
		},
		{
			name: "connect exceeds read",
			mutate: func(c *Config) {
				c.ConnectTimeout = Duration(time.Minute)
			},
			expected: "connect timeout 1m0s cannot exceed read timeout 30s",
		},
		{
			name: "lock mode",
			mutate: func(c *Config) {
				c.LockMode = "per-host"
			},
			expected: `unknown lock mode "per-host"`,
		},
		{
			name: "platform",
			mutate: func(c *Config) {
				c.Platform = "not a platform!"
			},
			expected: "invalid platform",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := defaults()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.ErrorContains(t, err, tt.expected)
		})
	}
}

func TestRoutePrefix(t *testing.T) {
	t.Parallel()

	cfg := Config{BasePath: "/preview/"}
	require.Equal(t, "preview", cfg.RoutePrefix())
}
