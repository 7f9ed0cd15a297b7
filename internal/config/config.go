// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML and TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted when no --config
// flag is given.
const EnvConfigPath = "RELAY_CONFIG"

// Processor kinds accepted in processor.kind
const (
	ProcessorEcho     = "echo"
	ProcessorScripted = "scripted"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors" toml:"cors"`
	Processor ProcessorConfig `yaml:"processor" toml:"processor"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration. GRPCAddr is optional;
// when empty no gRPC health server is started.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// StorageConfig selects the conversation log backend
type StorageConfig struct {
	Backend string `yaml:"backend" toml:"backend"` // json, bolt, sqlite, memory
	Path    string `yaml:"path" toml:"path"`
	Driver  string `yaml:"driver" toml:"driver"` // sqlite only
}

// RelayConfig tunes streaming responses
type RelayConfig struct {
	BufferSize      int           `yaml:"buffer_size" toml:"buffer_size"`
	ProducerTimeout time.Duration `yaml:"-" toml:"-"`

	ProducerTimeoutRaw string `yaml:"producer_timeout" toml:"producer_timeout"`
}

// DedupeConfig bounds the correlation id cache
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-" toml:"-"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// RateLimitConfig configures the per-client limiter on the say endpoint
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" toml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// CORSConfig lists origins allowed to call the HTTP API
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// ProcessorConfig picks and configures the message processor
type ProcessorConfig struct {
	Kind     string       `yaml:"kind" toml:"kind"`
	Fallback string       `yaml:"fallback" toml:"fallback"`
	Rules    []RuleConfig `yaml:"rules" toml:"rules"`
}

// RuleConfig is one scripted rule: when Match occurs in the message, the
// replies are emitted in order.
type RuleConfig struct {
	Match   string        `yaml:"match" toml:"match"`
	Replies []ReplyConfig `yaml:"replies" toml:"replies"`
}

// ReplyConfig is one scripted reply
type ReplyConfig struct {
	Text    string         `yaml:"text" toml:"text"`
	Buttons []ButtonConfig `yaml:"buttons" toml:"buttons"`
	Image   string         `yaml:"image" toml:"image"`
	Delay   time.Duration  `yaml:"-" toml:"-"`

	DelayRaw string `yaml:"delay" toml:"delay"`
}

// ButtonConfig is a quick-reply button
type ButtonConfig struct {
	Title   string `yaml:"title" toml:"title"`
	Payload string `yaml:"payload" toml:"payload"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration that runs without any file: JSON log
// store in the working directory, scripted processor, open CORS.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "0.0.0.0:5005",
		},
		Storage: StorageConfig{
			Backend: "json",
			Path:    "message_store.json",
		},
		Relay: RelayConfig{
			BufferSize:      16,
			ProducerTimeout: 60 * time.Second,
		},
		Dedupe: DedupeConfig{
			TTL:        10 * time.Minute,
			MaxEntries: 10000,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Processor: ProcessorConfig{
			Kind:     ProcessorScripted,
			Fallback: "Sorry, I didn't get that.",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Fields missing from the file keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Resolve finds and loads the configuration. Priority: flagPath, then
// $RELAY_CONFIG, then $XDG_CONFIG_HOME/relay/gateway.yaml. An explicit path
// must exist; a missing default file yields Default(). The returned path is
// empty when no file was read.
func Resolve(flagPath string) (*Config, string, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		cfg, err := Load(path)
		if err != nil {
			return nil, path, err
		}
		return cfg, path, nil
	}

	path = DefaultPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), "", nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// DefaultPath is the XDG location of the config file
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "relay", "gateway.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Storage.Backend {
	case "", "json", "bolt", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for backend %q", c.Storage.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend %q is not one of json, bolt, sqlite, memory", c.Storage.Backend)
	}

	if c.Storage.Backend == "sqlite" && !slices.Contains([]string{"", "sqlite", "sqlite3"}, c.Storage.Driver) {
		return fmt.Errorf("storage.driver %q is not one of sqlite, sqlite3", c.Storage.Driver)
	}

	if c.Relay.BufferSize < 0 {
		return fmt.Errorf("relay.buffer_size must not be negative")
	}
	if c.Relay.ProducerTimeout < 0 {
		return fmt.Errorf("relay.producer_timeout must not be negative")
	}

	if c.Dedupe.MaxEntries < 0 {
		return fmt.Errorf("dedupe.max_entries must not be negative")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be positive when rate limiting is enabled")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("rate_limit.burst must be at least 1 when rate limiting is enabled")
		}
	}

	switch c.Processor.Kind {
	case "", ProcessorEcho, ProcessorScripted:
	default:
		return fmt.Errorf("processor.kind %q is not one of echo, scripted", c.Processor.Kind)
	}
	for i, rule := range c.Processor.Rules {
		if len(rule.Replies) == 0 {
			return fmt.Errorf("processor.rules[%d] has no replies", i)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Relay.ProducerTimeoutRaw != "" {
		cfg.Relay.ProducerTimeout, err = time.ParseDuration(cfg.Relay.ProducerTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing producer_timeout %q: %w", cfg.Relay.ProducerTimeoutRaw, err)
		}
	}

	if cfg.Dedupe.TTLRaw != "" {
		cfg.Dedupe.TTL, err = time.ParseDuration(cfg.Dedupe.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe ttl %q: %w", cfg.Dedupe.TTLRaw, err)
		}
	}

	for i := range cfg.Processor.Rules {
		for j := range cfg.Processor.Rules[i].Replies {
			reply := &cfg.Processor.Rules[i].Replies[j]
			if reply.DelayRaw == "" {
				continue
			}
			reply.Delay, err = time.ParseDuration(reply.DelayRaw)
			if err != nil {
				return fmt.Errorf("parsing processor.rules[%d].replies[%d].delay %q: %w", i, j, reply.DelayRaw, err)
			}
		}
	}

	return nil
}
