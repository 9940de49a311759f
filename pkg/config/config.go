// Package config loads orchestrator and agent configuration from an
// optional YAML file layered under DROVER_* environment overrides. Every
// named timeout has a tuned default; Load never requires a file to exist.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/droverhq/drover/pkg/errors"
)

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Timeouts  TimeoutConfig   `mapstructure:"timeouts"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Fanout    FanoutConfig    `mapstructure:"fanout"`
	Log       LogConfig       `mapstructure:"log"`
	Agent     AgentConfig     `mapstructure:"agent"`
}

// ServerConfig configures the orchestrator process.
type ServerConfig struct {
	HTTPPort      int           `mapstructure:"http_port"`
	StreamPort    int           `mapstructure:"stream_port"`
	DataDir       string        `mapstructure:"data_dir"`
	Dispatchers   int           `mapstructure:"dispatchers"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	ShutdownForce time.Duration `mapstructure:"shutdown_force"`
}

// TimeoutConfig carries the named, tunable timeouts.
type TimeoutConfig struct {
	WorkerWait          time.Duration `mapstructure:"worker_wait"`
	StartGrace          time.Duration `mapstructure:"start_grace"`
	Heartbeat           time.Duration `mapstructure:"heartbeat"`
	WorkerEvictionGrace time.Duration `mapstructure:"worker_eviction_grace"`
	CancelGrace         time.Duration `mapstructure:"cancel_grace"`
}

// SchedulerConfig configures placement.
type SchedulerConfig struct {
	DefaultStrategy string        `mapstructure:"default_strategy"`
	RequeueBackoff  time.Duration `mapstructure:"requeue_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
}

// FanoutConfig configures subscription delivery.
type FanoutConfig struct {
	BufferSize      int           `mapstructure:"buffer_size"`
	WebhookRate     float64       `mapstructure:"webhook_rate"`
	WebhookBurst    int           `mapstructure:"webhook_burst"`
	WebhookAttempts uint          `mapstructure:"webhook_attempts"`
	WebhookTimeout  time.Duration `mapstructure:"webhook_timeout"`
}

// LogConfig configures zerolog bootstrap.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// AgentConfig configures the worker-side agent.
type AgentConfig struct {
	ServerURL         string        `mapstructure:"server_url"`
	PoolID            string        `mapstructure:"pool_id"`
	WorkerID          string        `mapstructure:"worker_id"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	KotlinBin         string        `mapstructure:"kotlin_bin"`
	WorkDir           string        `mapstructure:"work_dir"`
	Tools             []string      `mapstructure:"tools"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.stream_port", 9090)
	v.SetDefault("server.data_dir", "/var/lib/drover")
	v.SetDefault("server.dispatchers", 4)
	v.SetDefault("server.shutdown_grace", "10s")
	v.SetDefault("server.shutdown_force", "5s")

	v.SetDefault("timeouts.worker_wait", "120s")
	v.SetDefault("timeouts.start_grace", "60s")
	v.SetDefault("timeouts.heartbeat", "30s")
	v.SetDefault("timeouts.worker_eviction_grace", "300s")
	v.SetDefault("timeouts.cancel_grace", "30s")

	v.SetDefault("scheduler.default_strategy", "leastloaded")
	v.SetDefault("scheduler.requeue_backoff", "1s")
	v.SetDefault("scheduler.max_backoff", "60s")

	v.SetDefault("fanout.buffer_size", 1024)
	v.SetDefault("fanout.webhook_rate", 10.0)
	v.SetDefault("fanout.webhook_burst", 20)
	v.SetDefault("fanout.webhook_attempts", 3)
	v.SetDefault("fanout.webhook_timeout", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("agent.server_url", "ws://localhost:9090/connect")
	v.SetDefault("agent.pool_id", "")
	v.SetDefault("agent.worker_id", "")
	v.SetDefault("agent.heartbeat_interval", "10s")
	v.SetDefault("agent.kotlin_bin", "kotlin")
	v.SetDefault("agent.work_dir", "")
}

// Load reads configuration from the given file path (optional; "" skips
// the file) plus the environment and returns the validated Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DROVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Historical bare names: SERVER_PORT tunes the stream endpoint,
	// HTTP_PORT the REST API.
	_ = v.BindEnv("server.stream_port", "DROVER_SERVER_STREAM_PORT", "SERVER_PORT")
	_ = v.BindEnv("server.http_port", "DROVER_SERVER_HTTP_PORT", "HTTP_PORT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	} else {
		v.SetConfigName("drover")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/drover")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return errors.Validationf("http_port %d out of range", c.Server.HTTPPort)
	}
	if c.Server.StreamPort <= 0 || c.Server.StreamPort > 65535 {
		return errors.Validationf("stream_port %d out of range", c.Server.StreamPort)
	}
	if c.Server.HTTPPort == c.Server.StreamPort {
		return errors.Validationf("http_port and stream_port must differ, both are %d", c.Server.HTTPPort)
	}
	if c.Server.Dispatchers < 1 {
		return errors.Validationf("dispatchers must be at least 1")
	}
	if c.Fanout.BufferSize < 2 {
		return errors.Validationf("fanout buffer_size must be at least 2")
	}
	for name, d := range map[string]time.Duration{
		"worker_wait":           c.Timeouts.WorkerWait,
		"start_grace":           c.Timeouts.StartGrace,
		"heartbeat":             c.Timeouts.Heartbeat,
		"worker_eviction_grace": c.Timeouts.WorkerEvictionGrace,
		"cancel_grace":          c.Timeouts.CancelGrace,
	} {
		if d <= 0 {
			return errors.Validationf("timeout %s must be positive", name)
		}
	}
	return nil
}
