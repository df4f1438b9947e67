package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"kestrel/core/auth"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// AuthConfig holds the RBAC rules.
type AuthConfig struct {
	Roles []auth.Role `mapstructure:"roles" yaml:"roles,omitempty"`
}

// Config holds the application's configuration settings.
type Config struct {
	Environment string                            `mapstructure:"environment" yaml:"environment" validate:"required"`
	Log         LogConfig                         `mapstructure:"log" yaml:"log"`
	Auth        AuthConfig                        `mapstructure:"auth" yaml:"auth,omitempty"`
	Lifecycle   LifecycleConfig                   `mapstructure:"lifecycle" yaml:"lifecycle"`
	Scheduler   SchedulerConfig                   `mapstructure:"scheduler" yaml:"scheduler"`
	Bus         BusConfig                         `mapstructure:"bus" yaml:"bus"`
	Persistence PersistenceConfig                 `mapstructure:"persistence" yaml:"persistence"`
	Bridge      BridgeConfig                      `mapstructure:"bridge" yaml:"bridge"`
	Metrics     MetricsConfig                     `mapstructure:"metrics" yaml:"metrics"`
	Tracing     TracingConfig                     `mapstructure:"tracing" yaml:"tracing"`
	Components  map[string]map[string]interface{} `mapstructure:"components" yaml:"components"` // Generic configuration for components

	mu    sync.Mutex
	hooks []func(*Config)
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `mapstructure:"development" yaml:"development"`
	Encoding    string `mapstructure:"encoding" yaml:"encoding,omitempty" validate:"omitempty,oneof=console json"`
}

// LifecycleConfig holds orchestrator settings.
type LifecycleConfig struct {
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout" validate:"gt=0"`
}

// SchedulerConfig holds process scheduler settings.
type SchedulerConfig struct {
	TickRate          int           `mapstructure:"tick_rate" yaml:"tick_rate" validate:"gt=0,lte=1000"`
	MaxConcurrent     int           `mapstructure:"max_concurrent" yaml:"max_concurrent" validate:"gt=0"`
	HistorySize       int           `mapstructure:"history_size" yaml:"history_size" validate:"gt=0"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout" yaml:"default_timeout" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" validate:"gte=0"`
	Backoff           BackoffConfig `mapstructure:"backoff" yaml:"backoff"`
}

// BackoffConfig selects the retry backoff strategy.
type BackoffConfig struct {
	Policy     string        `mapstructure:"policy" yaml:"policy" validate:"oneof=linear exponential constant"`
	Base       time.Duration `mapstructure:"base" yaml:"base" validate:"gte=0"`
	Max        time.Duration `mapstructure:"max" yaml:"max" validate:"gte=0"`
	Multiplier float64       `mapstructure:"multiplier" yaml:"multiplier" validate:"gte=0"`
}

// BusConfig holds message bus settings.
type BusConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" validate:"gt=0"`
}

// PersistenceConfig selects the snapshot store.
type PersistenceConfig struct {
	Driver        string        `mapstructure:"driver" yaml:"driver" validate:"oneof=none memory file sqlite"`
	Path          string        `mapstructure:"path" yaml:"path" validate:"required_if=Driver file,required_if=Driver sqlite"`
	Interval      time.Duration `mapstructure:"interval" yaml:"interval" validate:"gte=0"`
	RestoreOnBoot bool          `mapstructure:"restore_on_boot" yaml:"restore_on_boot"`
}

// BridgeConfig configures the NATS bridge.
type BridgeConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	URL            string        `mapstructure:"url" yaml:"url" validate:"required_if=Enabled true"`
	SubjectPrefix  string        `mapstructure:"subject_prefix" yaml:"subject_prefix" validate:"required"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" validate:"gt=0"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address" validate:"required_if=Enabled true"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter string `mapstructure:"exporter" yaml:"exporter" validate:"oneof=none stdout"`
}

var validate = validator.New()

// setDefaults registers every default on v.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
	v.SetDefault("lifecycle.operation_timeout", "10s")
	v.SetDefault("scheduler.tick_rate", 60)
	v.SetDefault("scheduler.max_concurrent", 8)
	v.SetDefault("scheduler.history_size", 256)
	v.SetDefault("scheduler.default_timeout", "30s")
	v.SetDefault("scheduler.heartbeat_interval", "1s")
	v.SetDefault("scheduler.backoff.policy", "linear")
	v.SetDefault("scheduler.backoff.base", "1s")
	v.SetDefault("scheduler.backoff.max", "1m")
	v.SetDefault("scheduler.backoff.multiplier", 2.0)
	v.SetDefault("bus.request_timeout", "5s")
	v.SetDefault("persistence.driver", "none")
	v.SetDefault("persistence.interval", "30s")
	v.SetDefault("bridge.subject_prefix", "kestrel")
	v.SetDefault("bridge.request_timeout", "5s")
	v.SetDefault("metrics.address", ":9090")
	v.SetDefault("tracing.exporter", "none")
}

// LoadConfig loads the application configuration from config.yaml and KESTREL_* environment variables.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Set configuration file name and type
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Add paths to search for the config file
	v.AddConfigPath(".")            // current directory
	v.AddConfigPath("./configs")    // a "configs" directory
	v.AddConfigPath("/etc/kestrel") // system-wide config

	return load(v, true)
}

// LoadFile loads the configuration from an explicit file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v, true)
}

// ReadFile loads and validates a configuration file without watching it.
func ReadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v, false)
}

func load(v *viper.Viper, watch bool) (*Config, error) {
	// Read environment variables
	v.AutomaticEnv()
	v.SetEnvPrefix("KESTREL") // prefix for environment variables (e.g., KESTREL_SCHEDULER_TICK_RATE)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	configFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if ok := asNotFound(err, &notFound); ok {
			// Config file not found; proceed with defaults and environment variables
			fmt.Fprintln(os.Stderr, "Config file not found, using defaults and environment variables.")
			configFound = false
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if watch && configFound {
		v.OnConfigChange(func(e fsnotify.Event) {
			next := &Config{}
			if err := v.Unmarshal(next); err != nil {
				fmt.Fprintf(os.Stderr, "failed to re-unmarshal config %s: %v\n", e.Name, err)
				return
			}
			if err := next.Validate(); err != nil {
				fmt.Fprintf(os.Stderr, "ignoring invalid config change in %s: %v\n", e.Name, err)
				return
			}
			cfg.notify(next)
		})
		v.WatchConfig()
	}
	return cfg, nil
}

func asNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	nf, ok := err.(viper.ConfigFileNotFoundError)
	if ok {
		*target = nf
	}
	return ok
}

// Default returns a configuration populated with the built-in defaults only.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		// Defaults are static; failing here is a programming error.
		panic(fmt.Sprintf("unmarshal default config: %v", err))
	}
	return cfg
}

// AddConfigChangeHook registers a function to be called when the configuration changes.
func (c *Config) AddConfigChangeHook(hook func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

func (c *Config) notify(next *Config) {
	c.mu.Lock()
	hooks := append([]func(*Config){}, c.hooks...)
	c.mu.Unlock()
	for _, hook := range hooks {
		hook(next)
	}
}

// Component returns the configuration section of a component, or nil.
func (c *Config) Component(name string) map[string]interface{} {
	if c == nil || c.Components == nil {
		return nil
	}
	return c.Components[name]
}

// GenerateMinimalConfig creates a minimal config with essential settings.
func GenerateMinimalConfig() *Config {
	cfg := Default()
	cfg.Persistence = PersistenceConfig{Driver: "file", Path: "./data/snapshots.json", Interval: 30 * time.Second, RestoreOnBoot: true}
	cfg.Components = map[string]map[string]interface{}{
		"echo": {"prefix": "echo: "},
		"sink": {"log_every": 100},
	}
	return cfg
}

// SaveGeneratedConfig saves a generated config to a file.
func SaveGeneratedConfig(cfg *Config, filename string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for required fields and valid values.
func (c *Config) Validate() error {
	switch c.Environment {
	case "development", "staging", "production":
		// valid
	default:
		return fmt.Errorf("invalid environment: %q", c.Environment)
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	return nil
}
