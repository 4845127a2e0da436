// Package config loads server configuration from a YAML file and the
// environment. Environment variables win over file values; a local .env
// file is read when present.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full server configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig configures the Postgres pools
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	ReadDSN         string        `mapstructure:"read_dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig configures the cache backend. An empty address selects
// the in-memory cache.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig configures JWT verification
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// EngineConfig holds the orchestration knobs
type EngineConfig struct {
	ResponseOptimization bool          `mapstructure:"response_optimization"`
	EnforcementLevel     string        `mapstructure:"enforcement_level"`
	ContextCacheTTL      time.Duration `mapstructure:"context_cache_ttl"`
}

// LoggingConfig configures the structured logger
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// TracingConfig configures the OTLP exporter
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// Load reads configuration from path (optional) and the environment
func Load(path string) (*Config, error) {
	// A missing .env is fine; values may come from the real environment
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("TASKMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	bindCoreEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("engine.response_optimization", true)
	v.SetDefault("engine.enforcement_level", "warning")
	v.SetDefault("engine.context_cache_ttl", 300*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
}

// bindCoreEnv maps the unprefixed environment variables the engine
// documents to their config keys.
func bindCoreEnv(v *viper.Viper) {
	_ = v.BindEnv("engine.response_optimization", "ENABLE_RESPONSE_OPTIMIZATION")
	_ = v.BindEnv("engine.enforcement_level", "PARAMETER_ENFORCEMENT_LEVEL")
	_ = v.BindEnv("engine.context_cache_ttl_seconds", "CONTEXT_CACHE_TTL_SECONDS")
	_ = v.BindEnv("database.dsn", "DATABASE_URL")
	_ = v.BindEnv("redis.address", "REDIS_ADDR")
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET")

	// The documented TTL variable is whole seconds, not a duration string
	if seconds := v.GetInt("engine.context_cache_ttl_seconds"); seconds > 0 {
		v.Set("engine.context_cache_ttl", time.Duration(seconds)*time.Second)
	}
}

// Validate rejects configurations the server cannot start with
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (set DATABASE_URL)")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (set JWT_SECRET)")
	}
	switch strings.ToLower(c.Engine.EnforcementLevel) {
	case "disabled", "soft", "warning", "strict":
	default:
		return fmt.Errorf("engine.enforcement_level must be one of disabled, soft, warning, strict")
	}
	if c.Engine.ContextCacheTTL <= 0 {
		c.Engine.ContextCacheTTL = 300 * time.Second
	}
	return nil
}
