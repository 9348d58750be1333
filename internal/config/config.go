package config

import (
	"errors"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	WebPush   WebPushConfig   `mapstructure:"webpush"`
	APNs      APNsConfig      `mapstructure:"apns"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PublicURL is embedded in payloads so clients know where to report
	// delivery and clicks.
	PublicURL string `mapstructure:"public_url"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type DeliveryConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// RateLimit caps outbound sends per second per transport. 0 disables it.
	RateLimit int `mapstructure:"rate_limit"`
}

type RealtimeConfig struct {
	Path              string        `mapstructure:"path"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MissedHeartbeats  int           `mapstructure:"missed_heartbeats"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	QueueLimit        int           `mapstructure:"queue_limit"`
	QueueTTL          time.Duration `mapstructure:"queue_ttl"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	Shards            int           `mapstructure:"shards"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes"`
}

type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Spec            string        `mapstructure:"spec"`
	BatchSize       int           `mapstructure:"batch_size"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
}

type WebPushConfig struct {
	Subject string `mapstructure:"subject"`
}

// APNsConfig holds credentials copied onto applications created without
// their own.
type APNsConfig struct {
	KeyID      string `mapstructure:"key_id"`
	TeamID     string `mapstructure:"team_id"`
	BundleID   string `mapstructure:"bundle_id"`
	KeyPath    string `mapstructure:"key_path"`
	Production bool   `mapstructure:"production"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func Load(path string) (*Config, error) {
	cfg, _, err := load(path)
	return cfg, err
}

// LoadAndWatch loads the configuration and calls onChange with the reloaded
// value whenever the config file changes on disk. Watching is skipped when
// no config file was found.
func LoadAndWatch(path string, onChange func(*Config, error)) (*Config, error) {
	cfg, v, err := load(path)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			onChange(nil, err)
			return
		}
		onChange(&next, nil)
	})
	v.WatchConfig()
	return cfg, nil
}

func load(path string) (*Config, *viper.Viper, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pushrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pushrelay")
	}

	setDefaults(v)

	v.SetEnvPrefix("PUSHRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, err
	}

	return &cfg, v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.public_url", "")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/pushrelay.db")

	v.SetDefault("delivery.concurrency", 100)
	v.SetDefault("delivery.timeout", 10*time.Second)
	v.SetDefault("delivery.rate_limit", 0)

	v.SetDefault("realtime.path", "/ws/android")
	v.SetDefault("realtime.heartbeat_interval", 30*time.Second)
	v.SetDefault("realtime.missed_heartbeats", 2)
	v.SetDefault("realtime.write_timeout", 10*time.Second)
	v.SetDefault("realtime.queue_limit", 100)
	v.SetDefault("realtime.queue_ttl", 24*time.Hour)
	v.SetDefault("realtime.sweep_interval", 5*time.Minute)
	v.SetDefault("realtime.shards", 32)
	v.SetDefault("realtime.max_message_bytes", 64*1024)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.spec", "@every 1m")
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.dispatch_timeout", 5*time.Minute)

	v.SetDefault("webpush.subject", "mailto:admin@example.com")

	v.SetDefault("apns.key_id", "")
	v.SetDefault("apns.team_id", "")
	v.SetDefault("apns.bundle_id", "")
	v.SetDefault("apns.key_path", "")
	v.SetDefault("apns.production", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
