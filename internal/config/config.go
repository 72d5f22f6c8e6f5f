// Package config loads orderflow settings: defaults, then an optional YAML
// file, then ORDERFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ORDERFLOW_SERVER_ADDR.
const EnvPrefix = "ORDERFLOW"

// Config holds all orderflow configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=text json"`

	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Results   ResultsConfig   `mapstructure:"results"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Lock      LockConfig      `mapstructure:"lock"`
	AWS       AWSConfig       `mapstructure:"aws"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Addr    string `mapstructure:"addr" validate:"required"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type EngineConfig struct {
	Definition    string        `mapstructure:"definition"`
	JobName       string        `mapstructure:"job_name"`
	PoolSize      int           `mapstructure:"pool_size" validate:"gte=1"`
	WaitOverride  time.Duration `mapstructure:"wait_override" validate:"gte=0"`
	MaxPolls      int           `mapstructure:"max_polls" validate:"gte=0"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gte=0"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
	SweepGrace    time.Duration `mapstructure:"sweep_grace" validate:"gte=0"`
}

type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

type RunnerConfig struct {
	Kind        string `mapstructure:"kind" validate:"oneof=local glue"`
	Concurrency int    `mapstructure:"concurrency" validate:"gte=1"`
}

type NotifierConfig struct {
	Kinds        []string `mapstructure:"kinds" validate:"min=1,dive,oneof=log sns bus"`
	SuccessTopic string   `mapstructure:"success_topic"`
	FailureTopic string   `mapstructure:"failure_topic"`
	Bus          string   `mapstructure:"bus" validate:"oneof=gochannel kafka"`
	KafkaBrokers []string `mapstructure:"kafka_brokers" validate:"required_if=Bus kafka"`
}

type ArtifactsConfig struct {
	Backend          string `mapstructure:"backend" validate:"oneof=dir s3"`
	Root             string `mapstructure:"root" validate:"required_if=Backend dir"`
	OrdersContainer  string `mapstructure:"orders_container" validate:"required"`
	ReturnsContainer string `mapstructure:"returns_container" validate:"required"`
}

type ResultsConfig struct {
	Container    string `mapstructure:"container" validate:"required"`
	Prefix       string `mapstructure:"prefix"`
	Policy       string `mapstructure:"policy" validate:"oneof=lexicographic modified"`
	Function     string `mapstructure:"function" validate:"oneof=none http lambda"`
	FunctionName string `mapstructure:"function_name" validate:"required_if=Function lambda"`
	FunctionURL  string `mapstructure:"function_url" validate:"required_if=Function http"`
}

type SinkConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn"`
	Table       string `mapstructure:"table"`
}

type LockConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" validate:"gte=0"`
	Wait          time.Duration `mapstructure:"wait" validate:"gte=0"`
}

type AWSConfig struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
}

// Dir is the per-user orderflow directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orderflow"
	}
	return filepath.Join(home, ".orderflow")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("server.addr", ":4100")
	v.SetDefault("server.base_url", "")

	v.SetDefault("store.path", "file:"+filepath.Join(Dir(), "orderflow.db"))

	v.SetDefault("engine.definition", "")
	v.SetDefault("engine.job_name", "")
	v.SetDefault("engine.pool_size", 10)
	v.SetDefault("engine.wait_override", time.Duration(0))
	v.SetDefault("engine.max_polls", 0)
	v.SetDefault("engine.timeout", 6*time.Hour)
	v.SetDefault("engine.sweep_schedule", "@every 1m")
	v.SetDefault("engine.sweep_grace", 30*time.Second)

	v.SetDefault("monitor.interval", 5*time.Second)

	v.SetDefault("runner.kind", "local")
	v.SetDefault("runner.concurrency", 2)

	v.SetDefault("notifier.kinds", []string{"log"})
	v.SetDefault("notifier.success_topic", "")
	v.SetDefault("notifier.failure_topic", "")
	v.SetDefault("notifier.bus", "gochannel")
	v.SetDefault("notifier.kafka_brokers", []string{})

	v.SetDefault("artifacts.backend", "dir")
	v.SetDefault("artifacts.root", filepath.Join(Dir(), "objects"))
	v.SetDefault("artifacts.orders_container", "orders-bucket")
	v.SetDefault("artifacts.returns_container", "returns-bucket")

	v.SetDefault("results.container", "output-bucket")
	v.SetDefault("results.prefix", "final/")
	v.SetDefault("results.policy", "lexicographic")
	v.SetDefault("results.function", "none")
	v.SetDefault("results.function_name", "")
	v.SetDefault("results.function_url", "")

	v.SetDefault("sink.postgres_dsn", "")
	v.SetDefault("sink.table", "joined_results")

	v.SetDefault("lock.redis_addr", "")
	v.SetDefault("lock.redis_password", "")
	v.SetDefault("lock.redis_db", 0)
	v.SetDefault("lock.wait", 10*time.Second)

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.endpoint", "")

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.insecure", false)
}

// Load reads configuration. With an empty path, orderflow.yaml is looked up
// in the working directory and in Dir(); a missing file is not an error. An
// explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("orderflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(Dir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize splits comma-separated list values that came from the
// environment.
func (c *Config) normalize() {
	c.Notifier.Kinds = splitList(c.Notifier.Kinds)
	c.Notifier.KafkaBrokers = splitList(c.Notifier.KafkaBrokers)
	if c.Server.BaseURL == "" {
		host := c.Server.Addr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		c.Server.BaseURL = "http://" + host
	}
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.FieldsFunc(item, func(r rune) bool { return r == ',' || r == ' ' }) {
			out = append(out, strings.TrimSpace(part))
		}
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-section requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, kind := range c.Notifier.Kinds {
		if kind == "sns" && (c.Notifier.SuccessTopic == "" || c.Notifier.FailureTopic == "") {
			return errors.New("invalid config: sns notifier needs notifier.success_topic and notifier.failure_topic")
		}
	}
	return nil
}
