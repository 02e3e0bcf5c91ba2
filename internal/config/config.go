package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// TOUR_RATELIMIT_MAX_REQUESTS overrides ratelimit.max_requests.
const EnvPrefix = "TOUR"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Report     ReportConfig     `mapstructure:"report"`
	RequestLog RequestLogConfig `mapstructure:"requestlog"`
	Health     HealthConfig     `mapstructure:"health"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Environment     string        `mapstructure:"environment"`
	Debug           bool          `mapstructure:"debug"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RateLimitConfig struct {
	Store         string        `mapstructure:"store"`
	MaxRequests   int           `mapstructure:"max_requests"`
	Window        time.Duration `mapstructure:"window"`
	BlockDuration time.Duration `mapstructure:"block_duration"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
	Routes        RoutesConfig  `mapstructure:"routes"`
}

// Per-route limits. Zero fields inherit the ratelimit.* values.
type RoutesConfig struct {
	Report RouteLimitConfig `mapstructure:"report"`
}

type RouteLimitConfig struct {
	MaxRequests   int           `mapstructure:"max_requests"`
	Window        time.Duration `mapstructure:"window"`
	BlockDuration time.Duration `mapstructure:"block_duration"`
}

type BreakerConfig struct {
	MaxFailures int           `mapstructure:"max_failures"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	JWTSecret      string `mapstructure:"jwt_secret"`
	JWTExpiryHours int    `mapstructure:"jwt_expiry_hours"`
}

type ReportConfig struct {
	TopEndpoints int `mapstructure:"top_endpoints"`
	DefaultDays  int `mapstructure:"default_days"`
}

type RequestLogConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	RetentionDays int           `mapstructure:"retention_days"`
}

type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.debug", false)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.dsn", "")

	v.SetDefault("ratelimit.store", "redis")
	v.SetDefault("ratelimit.max_requests", 5)
	v.SetDefault("ratelimit.window", time.Hour)
	v.SetDefault("ratelimit.block_duration", 2*time.Hour)
	v.SetDefault("ratelimit.breaker.max_failures", 5)
	v.SetDefault("ratelimit.breaker.timeout", 30*time.Second)
	v.SetDefault("ratelimit.routes.report.max_requests", 0)
	v.SetDefault("ratelimit.routes.report.window", time.Duration(0))
	v.SetDefault("ratelimit.routes.report.block_duration", time.Duration(0))

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiry_hours", 24)

	v.SetDefault("report.top_endpoints", 5)
	v.SetDefault("report.default_days", 30)

	v.SetDefault("requestlog.buffer_size", 1000)
	v.SetDefault("requestlog.batch_size", 100)
	v.SetDefault("requestlog.flush_interval", 5*time.Second)
	v.SetDefault("requestlog.retention_days", 90)

	v.SetDefault("health.interval", 10*time.Second)
	v.SetDefault("health.timeout", 2*time.Second)
}

// Load reads .env (if present), then the optional config file at path,
// then TOUR_* environment overrides. Later sources win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.RateLimit.Store {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("ratelimit.store must be memory, redis or postgres, got %q", c.RateLimit.Store)
	}

	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if c.Auth.JWTExpiryHours <= 0 {
		return errors.New("auth.jwt_expiry_hours must be positive")
	}

	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("ratelimit.max_requests must be positive, got %d", c.RateLimit.MaxRequests)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be positive, got %v", c.RateLimit.Window)
	}
	if c.RateLimit.BlockDuration < 0 {
		return fmt.Errorf("ratelimit.block_duration must not be negative, got %v", c.RateLimit.BlockDuration)
	}

	report := c.RateLimit.Routes.Report
	if report.MaxRequests < 0 || report.Window < 0 || report.BlockDuration < 0 {
		return errors.New("ratelimit.routes.report values must not be negative")
	}

	if c.RequestLog.BufferSize <= 0 || c.RequestLog.BatchSize <= 0 {
		return errors.New("requestlog.buffer_size and requestlog.batch_size must be positive")
	}

	return nil
}

func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Environment, "production")
}

func (c *Config) JWTExpiry() time.Duration {
	return time.Duration(c.Auth.JWTExpiryHours) * time.Hour
}
