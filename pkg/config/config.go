package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/platforms"
	"github.com/pelletier/go-toml/v2"

	"wakeproxy/pkg/lock"
)

// Duration accepts a bare integer as seconds or a Go duration string.
type Duration time.Duration

func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Duration(time.Duration(secs) * time.Second), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q, expected seconds or a duration such as 30s", s)
	}
	return Duration(d), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	BasePath         string   `arg:"--base-path,env:BASE_PATH" help:"URL prefix of proxied routes. Required when image is set."`
	Image            string   `arg:"--image,env:IMAGE" help:"Base image, the first path segment is used as its tag. When empty the full path is resolved to an image."`
	Port             int      `arg:"--port,env:PORT" default:"80" help:"Port instances listen on."`
	ContainerTimeout Duration `arg:"--container-timeout,env:CONTAINER_TIMEOUT" default:"300" help:"Idle time before an instance is stopped."`
	ImageTimeout     Duration `arg:"--image-timeout,env:IMAGE_TIMEOUT" default:"1800" help:"Idle time before an unused image is removed."`
	Addr             string   `arg:"--addr,env:ADDR" default:":80" help:"Address to serve the proxy on."`
	StartupTimeout   Duration `arg:"--startup-timeout,env:STARTUP_TIMEOUT" default:"30s" help:"Max time for a new instance to accept connections."`
	Network          string   `arg:"--network,env:NETWORK" default:"dynamic_proxy_net" help:"Network instances are attached to."`
	MetricsAddr      string   `arg:"--metrics-addr,env:METRICS_ADDR" default:":9090" help:"Address to serve metrics and health on."`
	ReapInterval     Duration `arg:"--reap-interval,env:REAP_INTERVAL" default:"1m" help:"Interval between reaper cycles."`
	SettleTimeout    Duration `arg:"--settle-timeout,env:SETTLE_TIMEOUT" default:"2s" help:"Max time to wait for stopped instances before images are evaluated."`
	LockMode         string   `arg:"--lock-mode,env:LOCK_MODE" default:"global" help:"Provisioning lock scope, global or reference."`
	Platform         string   `arg:"--platform,env:PLATFORM" help:"Platform to pull and run images for, such as linux/amd64."`
	RemoteRegistries []string `arg:"--remote-registries,env:REMOTE_REGISTRIES" help:"Registry hosts whose images may be removed when idle."`
	ConnectTimeout   Duration `arg:"--connect-timeout,env:CONNECT_TIMEOUT" default:"5s" help:"Timeout connecting to an instance."`
	ReadTimeout      Duration `arg:"--read-timeout,env:READ_TIMEOUT" default:"30s" help:"Timeout waiting for data from an instance."`
	NegativeCacheTTL Duration `arg:"--negative-cache-ttl,env:NEGATIVE_CACHE_TTL" default:"30s" help:"How long unresolvable image names are remembered, 0 disables."`
}

// FullPath reports whether requests resolve images from the whole path.
func (c Config) FullPath() bool {
	return c.Image == ""
}

// RoutePrefix returns the base path with surrounding slashes removed.
func (c Config) RoutePrefix() string {
	return strings.Trim(c.BasePath, "/")
}

type fileConfig struct {
	BasePath         *string   `toml:"base_path"`
	Image            *string   `toml:"image"`
	Port             *int      `toml:"port"`
	ContainerTimeout any       `toml:"container_timeout"`
	ImageTimeout     any       `toml:"image_timeout"`
	Addr             *string   `toml:"addr"`
	StartupTimeout   any       `toml:"startup_timeout"`
	Network          *string   `toml:"network"`
	MetricsAddr      *string   `toml:"metrics_addr"`
	ReapInterval     any       `toml:"reap_interval"`
	SettleTimeout    any       `toml:"settle_timeout"`
	LockMode         *string   `toml:"lock_mode"`
	Platform         *string   `toml:"platform"`
	RemoteRegistries *[]string `toml:"remote_registries"`
	ConnectTimeout   any       `toml:"connect_timeout"`
	ReadTimeout      any       `toml:"read_timeout"`
	NegativeCacheTTL any       `toml:"negative_cache_ttl"`
}

// Overlay reads a TOML file and overrides every value present in it.
func Overlay(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	fc := fileConfig{}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	setString(&cfg.BasePath, fc.BasePath)
	setString(&cfg.Image, fc.Image)
	setString(&cfg.Addr, fc.Addr)
	setString(&cfg.Network, fc.Network)
	setString(&cfg.MetricsAddr, fc.MetricsAddr)
	setString(&cfg.LockMode, fc.LockMode)
	setString(&cfg.Platform, fc.Platform)
	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if fc.RemoteRegistries != nil {
		cfg.RemoteRegistries = *fc.RemoteRegistries
	}
	durations := []struct {
		key string
		dst *Duration
		val any
	}{
		{"container_timeout", &cfg.ContainerTimeout, fc.ContainerTimeout},
		{"image_timeout", &cfg.ImageTimeout, fc.ImageTimeout},
		{"startup_timeout", &cfg.StartupTimeout, fc.StartupTimeout},
		{"reap_interval", &cfg.ReapInterval, fc.ReapInterval},
		{"settle_timeout", &cfg.SettleTimeout, fc.SettleTimeout},
		{"connect_timeout", &cfg.ConnectTimeout, fc.ConnectTimeout},
		{"read_timeout", &cfg.ReadTimeout, fc.ReadTimeout},
		{"negative_cache_ttl", &cfg.NegativeCacheTTL, fc.NegativeCacheTTL},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.val); err != nil {
			return fmt.Errorf("config parse failed (%s): %s: %w", path, d.key, err)
		}
	}
	return nil
}

func setString(dst *string, val *string) {
	if val == nil {
		return
	}
	*dst = *val
}

func setDuration(dst *Duration, val any) error {
	switch v := val.(type) {
	case nil:
		return nil
	case int64:
		*dst = Duration(time.Duration(v) * time.Second)
		return nil
	case string:
		d, err := ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	default:
		return fmt.Errorf("unsupported value %v", v)
	}
}

func Validate(cfg Config) error {
	errs := []error{}
	if strings.TrimSpace(cfg.Image) != "" && cfg.RoutePrefix() == "" {
		errs = append(errs, errors.New("base path is required when image is set"))
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d is out of range", cfg.Port))
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if strings.TrimSpace(cfg.Network) == "" {
		errs = append(errs, errors.New("network is required"))
	}
	positive := []struct {
		name string
		val  Duration
	}{
		{"container timeout", cfg.ContainerTimeout},
		{"image timeout", cfg.ImageTimeout},
		{"startup timeout", cfg.StartupTimeout},
		{"reap interval", cfg.ReapInterval},
		{"settle timeout", cfg.SettleTimeout},
		{"connect timeout", cfg.ConnectTimeout},
		{"read timeout", cfg.ReadTimeout},
	}
	for _, p := range positive {
		if p.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.name, p.val))
		}
	}
	if cfg.NegativeCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("negative cache ttl cannot be negative, got %s", cfg.NegativeCacheTTL))
	}
	if cfg.ConnectTimeout > cfg.ReadTimeout {
		errs = append(errs, fmt.Errorf("connect timeout %s cannot exceed read timeout %s", cfg.ConnectTimeout, cfg.ReadTimeout))
	}
	if cfg.LockMode != lock.ModeGlobal && cfg.LockMode != lock.ModeReference {
		errs = append(errs, fmt.Errorf("unknown lock mode %q", cfg.LockMode))
	}
	if cfg.Platform != "" {
		if _, err := platforms.Parse(cfg.Platform); err != nil {
			errs = append(errs, fmt.Errorf("invalid platform: %w", err))
		}
	}
	return errors.Join(errs...)
}
