package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/shehryarbajwa/wdbridge/internal/logging"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "WDBRIDGE_"

// Config is the complete server configuration
type Config struct {
	Address           string            `yaml:"address"`
	BasePath          string            `yaml:"base_path"`
	SessionOverride   bool              `yaml:"session_override"`
	NewCommandTimeout time.Duration     `yaml:"new_command_timeout"`
	Device            DeviceConfig      `yaml:"device"`
	Proxy             ProxyConfig       `yaml:"proxy"`
	Upstream          UpstreamConfig    `yaml:"upstream"`
	Idempotency       IdempotencyConfig `yaml:"idempotency"`
	Log               logging.Config    `yaml:"log"`
	Metrics           MetricsConfig     `yaml:"metrics"`
}

// DeviceConfig controls local device sessions
type DeviceConfig struct {
	ReadyTimeout    time.Duration `yaml:"ready_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LocalPort       int           `yaml:"local_port"`
	RemotePort      int           `yaml:"remote_port"`
	ADBPath         string        `yaml:"adb_path"`
	RestartsPerHour int           `yaml:"restarts_per_hour"`
	RestartBurst    int           `yaml:"restart_burst"`
}

// ProxyConfig holds the upstream defaults for proxy drivers
type ProxyConfig struct {
	Scheme  string        `yaml:"scheme"`
	Server  string        `yaml:"server"`
	Port    int           `yaml:"port"`
	Base    string        `yaml:"base"`
	Timeout time.Duration `yaml:"timeout"`
}

// UpstreamConfig controls containerised upstream drivers
type UpstreamConfig struct {
	Image string `yaml:"image"`
	// Pull makes sure the image is present at startup
	Pull bool `yaml:"pull"`
}

// IdempotencyConfig bounds the idempotency cache
type IdempotencyConfig struct {
	Size     int           `yaml:"size"`
	TTL      time.Duration `yaml:"ttl"`
	MaxBytes int           `yaml:"max_bytes"`
}

// MetricsConfig controls the root metrics scope
type MetricsConfig struct {
	Prefix   string        `yaml:"prefix"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Address:           ":4723",
		NewCommandTimeout: 60 * time.Second,
		Device: DeviceConfig{
			ReadyTimeout:    60 * time.Second,
			ShutdownTimeout: 7 * time.Second,
			LocalPort:       4724,
			RemotePort:      4724,
			ADBPath:         "adb",
			RestartsPerHour: 30,
			RestartBurst:    3,
		},
		Proxy: ProxyConfig{
			Scheme:  "http",
			Server:  "localhost",
			Port:    4444,
			Timeout: 240 * time.Second,
		},
		Upstream: UpstreamConfig{
			Image: "selenium/standalone-chrome:latest",
		},
		Idempotency: IdempotencyConfig{
			Size:     64,
			TTL:      30 * time.Minute,
			MaxBytes: 1 << 20,
		},
		Log: logging.Config{
			Level:      "info",
			Encoding:   "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Prefix:   "wdbridge",
			Interval: time.Second,
		},
	}
}

// Load layers defaults, the YAML file named by --config, the .env file,
// WDBRIDGE_* environment variables and command line flags, later layers
// winning. pflag.ErrHelp is returned when --help was asked for.
func Load(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("wdbridge", pflag.ContinueOnError)
	configFile := flags.String("config", "", "path to a YAML config file")
	envFile := flags.String("env-file", ".env", "path to a .env file")
	for _, s := range settings {
		flags.String(s.flag(), "", s.usage)
		if s.boolean {
			flags.Lookup(s.flag()).NoOptDefVal = "true"
		}
	}
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if *configFile != "" {
		if err := cfg.loadFile(*configFile); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(*envFile); err != nil {
		if flags.Changed("env-file") || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", *envFile, err)
		}
	}

	for _, s := range settings {
		if v, ok := os.LookupEnv(s.env()); ok {
			if err := s.set(cfg, v); err != nil {
				return nil, fmt.Errorf("%s: %w", s.env(), err)
			}
		}
	}

	var flagErr error
	flags.Visit(func(f *pflag.Flag) {
		s, ok := byFlag[f.Name]
		if !ok || flagErr != nil {
			return
		}
		if err := s.set(cfg, f.Value.String()); err != nil {
			flagErr = fmt.Errorf("--%s: %w", f.Name, err)
		}
	})
	if flagErr != nil {
		return nil, flagErr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects non-positive timeouts and sizes
func (c *Config) Validate() error {
	durations := map[string]time.Duration{
		"new_command_timeout":     c.NewCommandTimeout,
		"device.ready_timeout":    c.Device.ReadyTimeout,
		"device.shutdown_timeout": c.Device.ShutdownTimeout,
		"proxy.timeout":           c.Proxy.Timeout,
		"idempotency.ttl":         c.Idempotency.TTL,
		"metrics.interval":        c.Metrics.Interval,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}

	sizes := map[string]int{
		"idempotency.size":      c.Idempotency.Size,
		"idempotency.max_bytes": c.Idempotency.MaxBytes,
	}
	for key, n := range sizes {
		if n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, n)
		}
	}

	ports := map[string]int{
		"device.local_port":  c.Device.LocalPort,
		"device.remote_port": c.Device.RemotePort,
		"proxy.port":         c.Proxy.Port,
	}
	for key, p := range ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("%s must be a valid port, got %d", key, p)
		}
	}

	if c.Address == "" {
		return errors.New("address is required")
	}
	if c.BasePath != "" && !strings.HasPrefix(c.BasePath, "/") {
		return fmt.Errorf("base_path must start with '/', got %q", c.BasePath)
	}
	return nil
}

// setting binds one dotted key to its environment variable and flag
type setting struct {
	key     string
	usage   string
	boolean bool
	set     func(c *Config, v string) error
}

func (s setting) env() string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(s.key, ".", "_"))
}

func (s setting) flag() string {
	return strings.NewReplacer(".", "-", "_", "-").Replace(s.key)
}

func str(key, usage string, field func(c *Config) *string) setting {
	return setting{key: key, usage: usage, set: func(c *Config, v string) error {
		*field(c) = v
		return nil
	}}
}

func integer(key, usage string, field func(c *Config) *int) setting {
	return setting{key: key, usage: usage, set: func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}}
}

func duration(key, usage string, field func(c *Config) *time.Duration) setting {
	return setting{key: key, usage: usage, set: func(c *Config, v string) error {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}}
}

func boolean(key, usage string, field func(c *Config) *bool) setting {
	return setting{key: key, usage: usage, boolean: true, set: func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}}
}

var settings = []setting{
	str("address", "listen address", func(c *Config) *string { return &c.Address }),
	str("base_path", "URL prefix for WebDriver routes", func(c *Config) *string { return &c.BasePath }),
	boolean("session_override", "replace an active session instead of failing", func(c *Config) *bool { return &c.SessionOverride }),
	duration("new_command_timeout", "idle time before a session is ended", func(c *Config) *time.Duration { return &c.NewCommandTimeout }),

	duration("device.ready_timeout", "how long to wait for the device hook", func(c *Config) *time.Duration { return &c.Device.ReadyTimeout }),
	duration("device.shutdown_timeout", "how long to wait for the device hook to stop", func(c *Config) *time.Duration { return &c.Device.ShutdownTimeout }),
	integer("device.local_port", "local end of the forwarded socket", func(c *Config) *int { return &c.Device.LocalPort }),
	integer("device.remote_port", "device end of the forwarded socket", func(c *Config) *int { return &c.Device.RemotePort }),
	str("device.adb_path", "device bridge executable", func(c *Config) *string { return &c.Device.ADBPath }),
	integer("device.restarts_per_hour", "automatic restarts allowed per device per hour", func(c *Config) *int { return &c.Device.RestartsPerHour }),
	integer("device.restart_burst", "automatic restarts allowed in a burst", func(c *Config) *int { return &c.Device.RestartBurst }),

	str("proxy.scheme", "default upstream scheme", func(c *Config) *string { return &c.Proxy.Scheme }),
	str("proxy.server", "default upstream host", func(c *Config) *string { return &c.Proxy.Server }),
	integer("proxy.port", "default upstream port", func(c *Config) *int { return &c.Proxy.Port }),
	str("proxy.base", "default upstream base path", func(c *Config) *string { return &c.Proxy.Base }),
	duration("proxy.timeout", "per request upstream timeout", func(c *Config) *time.Duration { return &c.Proxy.Timeout }),

	str("upstream.image", "container image for containerised upstreams", func(c *Config) *string { return &c.Upstream.Image }),
	boolean("upstream.pull", "pull the upstream image at startup", func(c *Config) *bool { return &c.Upstream.Pull }),

	integer("idempotency.size", "idempotency cache entries", func(c *Config) *int { return &c.Idempotency.Size }),
	duration("idempotency.ttl", "idempotency entry lifetime", func(c *Config) *time.Duration { return &c.Idempotency.TTL }),
	integer("idempotency.max_bytes", "largest cached response body", func(c *Config) *int { return &c.Idempotency.MaxBytes }),

	str("log.level", "log level", func(c *Config) *string { return &c.Log.Level }),
	str("log.encoding", "log encoding, json or console", func(c *Config) *string { return &c.Log.Encoding }),
	boolean("log.development", "development logging", func(c *Config) *bool { return &c.Log.Development }),
	str("log.file", "also log to this rotated file", func(c *Config) *string { return &c.Log.File }),
	integer("log.max_size_mb", "log file size before rotation", func(c *Config) *int { return &c.Log.MaxSizeMB }),
	integer("log.max_backups", "rotated log files kept", func(c *Config) *int { return &c.Log.MaxBackups }),
	integer("log.max_age_days", "days rotated log files are kept", func(c *Config) *int { return &c.Log.MaxAgeDays }),

	str("metrics.prefix", "metrics name prefix", func(c *Config) *string { return &c.Metrics.Prefix }),
	duration("metrics.interval", "metrics report interval", func(c *Config) *time.Duration { return &c.Metrics.Interval }),
}

var byFlag = func() map[string]setting {
	out := make(map[string]setting, len(settings))
	for _, s := range settings {
		out[s.flag()] = s
	}
	return out
}()
