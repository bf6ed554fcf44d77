// Package config provides YAML/env configuration loading for crew workers and masters.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	AMQP    AMQPConfig    `mapstructure:"amqp"`
	Log     LogConfig     `mapstructure:"log"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type AMQPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	VHost    string `mapstructure:"vhost"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	// Heartbeat and ReconnectDelay are durations like "10s".
	Heartbeat      time.Duration `mapstructure:"heartbeat"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

// URL renders the broker URI.
func (a AMQPConfig) URL() string {
	u := amqp.URI{
		Scheme:   "amqp",
		Host:     a.Host,
		Port:     a.Port,
		Username: a.User,
		Password: a.Password,
		Vhost:    a.VHost,
	}
	return u.String()
}

// Addr is host:port without credentials, for logs.
func (a AMQPConfig) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type WorkerConfig struct {
	Forks int `mapstructure:"forks"`
	// Prefetch zero means max_jobs.
	Prefetch int `mapstructure:"prefetch"`
	// Executor: goroutine or process
	Executor string `mapstructure:"executor"`
	MaxJobs  int    `mapstructure:"max_jobs"`
}

// RedisConfig backs the shared settings store; empty Addr means in-memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	Prefix   string `mapstructure:"prefix"`
}

// MetricsConfig: empty Listen disables the /metrics endpoint.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AMQP: AMQPConfig{
			Host:           "localhost",
			Port:           5672,
			VHost:          "/",
			User:           "guest",
			Password:       "guest",
			Heartbeat:      10 * time.Second,
			ReconnectDelay: 5 * time.Second,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/crew.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Worker: WorkerConfig{
			Forks:    1,
			Executor: "goroutine",
			MaxJobs:  1,
		},
		Redis: RedisConfig{Prefix: "crew:settings:"},
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches
// common locations. Environment variables use the prefix CREW and `.`/`-`
// are replaced with `_`, e.g. CREW_AMQP_HOST=rabbit. Flags, when given,
// override both.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CREW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("amqp.host", cfg.AMQP.Host)
	v.SetDefault("amqp.port", cfg.AMQP.Port)
	v.SetDefault("amqp.vhost", cfg.AMQP.VHost)
	v.SetDefault("amqp.user", cfg.AMQP.User)
	v.SetDefault("amqp.password", cfg.AMQP.Password)
	v.SetDefault("amqp.heartbeat", cfg.AMQP.Heartbeat)
	v.SetDefault("amqp.reconnect_delay", cfg.AMQP.ReconnectDelay)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("worker.forks", cfg.Worker.Forks)
	v.SetDefault("worker.prefetch", cfg.Worker.Prefetch)
	v.SetDefault("worker.executor", cfg.Worker.Executor)
	v.SetDefault("worker.max_jobs", cfg.Worker.MaxJobs)
	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.prefix", cfg.Redis.Prefix)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if path == "" {
		if envPath := os.Getenv("CREW_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("crew")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".crew"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"host":     "amqp.host",
	"port":     "amqp.port",
	"vhost":    "amqp.vhost",
	"user":     "amqp.user",
	"password": "amqp.password",
	"logging":  "log.level",
	"forks":    "worker.forks",
	"executor": "worker.executor",
	"redis":    "redis.addr",
	"metrics":  "metrics.listen",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	if verbose, err := fs.GetBool("verbose"); err == nil && verbose {
		v.Set("log.level", "debug")
	}
	return nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	if c.AMQP.Port <= 0 || c.AMQP.Port > 65535 {
		return fmt.Errorf("invalid amqp.port: %d", c.AMQP.Port)
	}
	if c.Worker.Forks < 1 {
		return fmt.Errorf("invalid worker.forks: %d", c.Worker.Forks)
	}
	if c.Worker.Prefetch < 0 {
		return fmt.Errorf("invalid worker.prefetch: %d", c.Worker.Prefetch)
	}
	if c.Worker.MaxJobs < 1 {
		c.Worker.MaxJobs = 1
	}
	c.Worker.Executor = strings.ToLower(strings.TrimSpace(c.Worker.Executor))
	switch c.Worker.Executor {
	case "", "goroutine":
		c.Worker.Executor = "goroutine"
	case "process":
	default:
		return fmt.Errorf("invalid worker.executor: %q", c.Worker.Executor)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path, nil)
	if err != nil {
		panic(err)
	}
	return cfg
}
