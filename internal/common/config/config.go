// Package config provides configuration management for the roost daemon.
// It supports loading configuration from environment variables, an optional
// config file, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roostlabs/roostd/internal/common/logger"
	"github.com/roostlabs/roostd/internal/common/paths"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Socket       string                       `mapstructure:"socket"`
	Data         DataConfig                   `mapstructure:"data"`
	Logging      logger.LoggingConfig         `mapstructure:"logging"`
	NATS         NATSConfig                   `mapstructure:"nats"`
	Debug        DebugConfig                  `mapstructure:"debug"`
	RPC          RPCConfig                    `mapstructure:"rpc"`
	Agent        AgentConfig                  `mapstructure:"agent"`
	Pulse        PulseConfig                  `mapstructure:"pulse"`
	History      HistoryConfig                `mapstructure:"history"`
	Channels     []ChannelConfig              `mapstructure:"channels"`
	Destinations map[string]DestinationConfig `mapstructure:"destinations"`
	Shutdown     ShutdownConfig               `mapstructure:"shutdown"`
}

// DataConfig holds filesystem locations for persistent daemon state.
type DataConfig struct {
	Dir         string `mapstructure:"dir"`
	GuidanceDir string `mapstructure:"guidanceDir"`
}

// NATSConfig holds the optional NATS mirror for the internal event bus.
// An empty URL means the in-memory bus is used alone.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DebugConfig holds the optional HTTP debug endpoint. Port 0 disables it.
type DebugConfig struct {
	Port int `mapstructure:"port"`
}

// RPCConfig holds RPC server tunables.
type RPCConfig struct {
	RequestTimeout int `mapstructure:"requestTimeout"` // client-side default, seconds
}

// AgentConfig holds defaults applied to agents spawned by the router.
type AgentConfig struct {
	Model        string   `mapstructure:"model"` // "provider/model-name"
	GuidancePath string   `mapstructure:"guidancePath"`
	Tools        []string `mapstructure:"tools"`
}

// PulseConfig configures the scheduled pulse job.
type PulseConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Schedule   string   `mapstructure:"schedule"`   // cron expression
	ResponseTo string   `mapstructure:"responseTo"` // "", "lastActive", or a destination name
	PromptPath string   `mapstructure:"promptPath"`
	Tools      []string `mapstructure:"tools"`
}

// HistoryConfig configures the sqlite conversation history store.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // defaults to {data}/history.db
}

// ChannelConfig declares a channel adapter the daemon should host.
// Type "devws" is the built-in websocket channel for local development.
type ChannelConfig struct {
	ID     string `mapstructure:"id"`
	Type   string `mapstructure:"type"`
	Listen string `mapstructure:"listen"` // host:port for devws
}

// DestinationConfig names a fixed destination for pulse routing.
type DestinationConfig struct {
	Channel string `mapstructure:"channel"`
	Ref     string `mapstructure:"ref"`
}

// ShutdownConfig holds shutdown timing knobs.
type ShutdownConfig struct {
	HardTimeout int `mapstructure:"hardTimeout"` // per-priority budget in hard mode, seconds
}

// HardTimeoutDuration returns the per-priority hard shutdown budget.
func (s *ShutdownConfig) HardTimeoutDuration() time.Duration {
	if s.HardTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.HardTimeout) * time.Second
}

// RequestTimeoutDuration returns the client request timeout.
func (r *RPCConfig) RequestTimeoutDuration() time.Duration {
	if r.RequestTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.RequestTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("socket", paths.SocketPath())

	v.SetDefault("data.dir", paths.DataDir())
	v.SetDefault("data.guidanceDir", "") // empty means {data.dir}/guidance

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stderr")

	// NATS defaults - empty URL means in-memory event bus only
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "roostd")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("debug.port", 0)
	v.SetDefault("rpc.requestTimeout", 30)

	v.SetDefault("agent.model", "")
	v.SetDefault("agent.guidancePath", "")
	v.SetDefault("agent.tools", []string{})

	v.SetDefault("pulse.enabled", false)
	v.SetDefault("pulse.schedule", "0 * * * *")
	v.SetDefault("pulse.responseTo", "")
	v.SetDefault("pulse.promptPath", "")

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "")

	v.SetDefault("shutdown.hardTimeout", 5)
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix ROOST_ with snake_case
// naming. The config file is config.yaml in the current directory, the data
// directory, or /etc/roost/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ROOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase keys, bind those explicitly.
	_ = v.BindEnv("socket", "ROOST_SOCKET")
	_ = v.BindEnv("data.dir", "ROOST_DATA_DIR")
	_ = v.BindEnv("data.guidanceDir", "ROOST_GUIDANCE_DIR")
	_ = v.BindEnv("nats.url", "ROOST_NATS_URL")
	_ = v.BindEnv("pulse.responseTo", "ROOST_PULSE_RESPONSE_TO")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(paths.DataDir())
	v.AddConfigPath("/etc/roost/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks type-level constraints on a configuration. It is also
// the backing implementation of the config.validate RPC method.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Socket == "" {
		errs = append(errs, "socket path must not be empty")
	}
	if cfg.Data.Dir == "" {
		errs = append(errs, "data.dir must not be empty")
	}
	if cfg.Debug.Port < 0 || cfg.Debug.Port > 65535 {
		errs = append(errs, "debug.port must be between 0 and 65535")
	}
	switch cfg.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of trace, debug, info, warn, error", cfg.Logging.Level))
	}
	for name, dest := range cfg.Destinations {
		if dest.Channel == "" || dest.Ref == "" {
			errs = append(errs, fmt.Sprintf("destinations.%s requires both channel and ref", name))
		}
	}
	for i, ch := range cfg.Channels {
		if ch.ID == "" {
			errs = append(errs, fmt.Sprintf("channels[%d].id must not be empty", i))
		}
		if ch.Type != "devws" {
			errs = append(errs, fmt.Sprintf("channels[%d].type %q is not supported", i, ch.Type))
		}
	}
	if cfg.Pulse.Enabled && cfg.Pulse.Schedule == "" {
		errs = append(errs, "pulse.schedule is required when pulse.enabled is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// GuidanceDir returns the effective guidance directory.
func (c *Config) GuidanceDir() string {
	if c.Data.GuidanceDir != "" {
		return c.Data.GuidanceDir
	}
	return c.Data.Dir + "/guidance"
}

// HistoryPath returns the effective history database path.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return c.Data.Dir + "/history.db"
}
